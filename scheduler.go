package main

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// JobStatus is a Job's lifecycle state in the Scheduler's priority queue.
type JobStatus string

const (
	JobWaiting    JobStatus = "waiting"    // gated on unmet dependencies
	JobQueued     JobStatus = "queued"     // in the ready heap
	JobDispatched JobStatus = "dispatched" // handed to a Worker/Agent
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// deadlineEpsilon is how close to a Job's deadline the Scheduler considers
// it urgent enough for the +inf score bump.
const deadlineEpsilon = 2 * time.Second

// Job is a unit of dispatch work in the Scheduler's priority plane, distinct
// from the Registry's WorkItem. Jobs are ordered `(priority_score desc,
// scheduled_time asc, id asc)`.
type Job struct {
	ID                   string
	WorkItemID           string
	PriorityScore        int
	ScheduledTime        time.Time
	RequiredCapabilities []string
	RetryCount           int
	MaxRetries           int
	Deadline             time.Time
	Status               JobStatus
	AssignedAgent        string
	heapIndex            int
}

// jobHeap implements container/heap.Interface with the ordering: priority
// score desc, then scheduled time asc, then id asc.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	iUrgent, jUrgent := jobPastDeadline(h[i]), jobPastDeadline(h[j])
	if iUrgent != jUrgent {
		return iUrgent
	}
	if h[i].PriorityScore != h[j].PriorityScore {
		return h[i].PriorityScore > h[j].PriorityScore
	}
	if !h[i].ScheduledTime.Equal(h[j].ScheduledTime) {
		return h[i].ScheduledTime.Before(h[j].ScheduledTime)
	}
	return h[i].ID < h[j].ID
}

// jobPastDeadline reports whether job's deadline is close enough (within
// deadlineEpsilon) that it should get the +inf score bump and run next.
func jobPastDeadline(job *Job) bool {
	return !job.Deadline.IsZero() && time.Until(job.Deadline) < deadlineEpsilon
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.heapIndex = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// ScheduleConfig defines when a named Handler runs, cron-triggered or
// event-triggered. There is no workflow DSL here — a schedule always
// invokes a single named handler.
type ScheduleConfig struct {
	Name          string            `json:"name"`
	Handler       string            `json:"handler"`
	CronExpr      string            `json:"cron_expr,omitempty"`
	EventType     string            `json:"event_type,omitempty"`
	EventFilter   map[string]any    `json:"event_filter,omitempty"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ScheduleHandler is invoked by name when a ScheduleConfig fires.
type ScheduleHandler func(ctx context.Context, config *ScheduleConfig) error

// EventHandler fans a submitted event out to every ScheduleConfig
// subscribed to it.
type EventHandler struct {
	schedules   []*ScheduleConfig
	running     int
	mu          sync.Mutex
	lastTrigger time.Time
}

// Scheduler is the Job plane: a binary-heap priority queue gating Jobs on
// their Registry dependencies, plus cron/event trigger machinery for
// periodic and event-driven handler invocation.
type Scheduler struct {
	mu      sync.Mutex
	ready   jobHeap
	waiting map[string]*Job // job id -> Job, gated on Registry.Unmet

	jobsByID       map[string]*Job
	jobIDByWorkItem map[string]string

	registry *Registry
	store    *Store

	cron          *cron.Cron
	handlers      map[string]ScheduleHandler
	eventHandlers map[string]*EventHandler
	handlersMu    sync.RWMutex

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	jobsQueued    metric.Int64UpDownCounter
	jobRetries    metric.Int64Counter
	tracer        trace.Tracer
}

// NewScheduler constructs a Scheduler backed by registry (for dependency
// gating) and store (for persisted ScheduleConfigs).
func NewScheduler(registry *Registry, store *Store, meter metric.Meter) *Scheduler {
	cronScheduler := cron.New(cron.WithSeconds())

	scheduleRuns, _ := meter.Int64Counter("taskmaster_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("taskmaster_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("taskmaster_schedule_event_triggers_total")
	jobsQueued, _ := meter.Int64UpDownCounter("taskmaster_scheduler_jobs_queued")
	jobRetries, _ := meter.Int64Counter("taskmaster_scheduler_job_retries_total")

	return &Scheduler{
		waiting:         make(map[string]*Job),
		jobsByID:        make(map[string]*Job),
		jobIDByWorkItem: make(map[string]string),
		registry:      registry,
		store:         store,
		cron:          cronScheduler,
		handlers:      make(map[string]ScheduleHandler),
		eventHandlers: make(map[string]*EventHandler),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		jobsQueued:    jobsQueued,
		jobRetries:    jobRetries,
		tracer:        otel.Tracer("taskmaster-scheduler"),
	}
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timeout")
		return ctx.Err()
	}
}

// RegisterHandler binds a named handler a ScheduleConfig can invoke.
func (s *Scheduler) RegisterHandler(name string, fn ScheduleHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[name] = fn
}

// SubmitJob enqueues job into the ready heap if its WorkItem's dependencies
// are all met, otherwise parks it in waiting until PromoteReady observes
// them satisfied.
func (s *Scheduler) SubmitJob(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobsByID[job.ID] = job
	s.jobIDByWorkItem[job.WorkItemID] = job.ID

	if len(s.registry.Unmet(job.WorkItemID)) > 0 {
		job.Status = JobWaiting
		s.waiting[job.ID] = job
		return
	}

	job.Status = JobQueued
	heap.Push(&s.ready, job)
	s.jobsQueued.Add(context.Background(), 1)
}

// PromoteReady re-checks every waiting Job's dependencies and moves newly
// satisfied ones into the ready heap; the Dispatcher calls this once per
// tick before draining Pop.
func (s *Scheduler) PromoteReady() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	promoted := 0
	for id, job := range s.waiting {
		if len(s.registry.Unmet(job.WorkItemID)) == 0 {
			delete(s.waiting, id)
			job.Status = JobQueued
			heap.Push(&s.ready, job)
			s.jobsQueued.Add(context.Background(), 1)
			promoted++
		}
	}
	return promoted
}

// Pop removes and returns the highest-priority ready Job. Returns ok=false
// if the ready heap is empty.
func (s *Scheduler) Pop() (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready.Len() == 0 {
		return nil, false
	}
	job := heap.Pop(&s.ready).(*Job)
	s.jobsQueued.Add(context.Background(), -1)
	return job, true
}

// Requeue implements the retry/backoff policy: if job.RetryCount is below
// MaxRetries, its scheduled_time is bumped by an exponential backoff and it
// is re-pushed onto the ready heap; otherwise it is marked failed.
func (s *Scheduler) Requeue(job *Job, backoffBase time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.RetryCount >= job.MaxRetries {
		job.Status = JobFailed
		return
	}

	backoff := time.Duration(float64(backoffBase) * pow2(job.RetryCount))
	job.RetryCount++
	job.ScheduledTime = time.Now().Add(backoff)
	job.Status = JobQueued
	heap.Push(&s.ready, job)
	s.jobsQueued.Add(context.Background(), 1)
	s.jobRetries.Add(context.Background(), 1, metric.WithAttributes(attribute.Int("retry_count", job.RetryCount)))
}

// Cancel removes job id from the heap or the waiting set; a Job already
// popped for dispatch is only marked cancelled, since the Scheduler no
// longer owns its slot in either structure.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobsByID[id]
	if !ok {
		return newErr(ErrNotFound, "Cancel", fmt.Errorf("job %s not found", id))
	}

	switch job.Status {
	case JobWaiting:
		delete(s.waiting, id)
	case JobQueued:
		if job.heapIndex >= 0 && job.heapIndex < s.ready.Len() && s.ready[job.heapIndex] == job {
			heap.Remove(&s.ready, job.heapIndex)
			s.jobsQueued.Add(context.Background(), -1)
		}
	}

	job.Status = JobCancelled
	delete(s.jobsByID, id)
	delete(s.jobIDByWorkItem, job.WorkItemID)
	return nil
}

// CancelForWorkItem cancels the Job tracking workItemID, if one is still
// known to the Scheduler. Returns ErrNotFound if no Job was ever submitted
// for the WorkItem or its Job was already cancelled; a Job that has been
// popped stays tracked and is marked cancelled, as Cancel describes.
func (s *Scheduler) CancelForWorkItem(workItemID string) error {
	s.mu.Lock()
	jobID, ok := s.jobIDByWorkItem[workItemID]
	s.mu.Unlock()
	if !ok {
		return newErr(ErrNotFound, "CancelForWorkItem", fmt.Errorf("no job tracked for work item %s", workItemID))
	}
	return s.Cancel(jobID)
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// QueueDepth returns the number of ready-to-dispatch Jobs.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len()
}

// WaitingDepth returns the number of dependency-gated Jobs.
func (s *Scheduler) WaitingDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// AddSchedule registers a cron- or event-triggered ScheduleConfig, invoking
// a named handler rather than a workflow DAG.
func (s *Scheduler) AddSchedule(ctx context.Context, config *ScheduleConfig) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.add_schedule",
		trace.WithAttributes(
			attribute.String("schedule", config.Name),
			attribute.String("cron", config.CronExpr),
		),
	)
	defer span.End()

	switch {
	case config.CronExpr != "":
		entryID, err := s.cron.AddFunc(config.CronExpr, func() {
			s.runHandler(context.Background(), config)
		})
		if err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		slog.Info("cron schedule added", "schedule", config.Name, "cron", config.CronExpr, "entry_id", entryID)

		if s.store != nil {
			if err := s.store.PutSchedule(ctx, config); err != nil {
				return fmt.Errorf("persist schedule: %w", err)
			}
		}

	case config.EventType != "":
		s.registerEventHandler(config)
		slog.Info("event trigger added", "schedule", config.Name, "event_type", config.EventType)

	default:
		return fmt.Errorf("either cron_expr or event_type must be specified")
	}

	return nil
}

// RemoveSchedule unregisters a schedule by name (cron entries cannot be
// removed by name with this cron library, so only event handlers and
// persisted state are cleaned up here; in production a workflow-name ->
// entryID map would also be maintained).
func (s *Scheduler) RemoveSchedule(ctx context.Context, name string) error {
	s.handlersMu.Lock()
	for eventType, handler := range s.eventHandlers {
		filtered := handler.schedules[:0]
		for _, sched := range handler.schedules {
			if sched.Name != name {
				filtered = append(filtered, sched)
			}
		}
		handler.schedules = filtered
		if len(handler.schedules) == 0 {
			delete(s.eventHandlers, eventType)
		}
	}
	s.handlersMu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteSchedule(ctx, name); err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
	}
	slog.Info("schedule removed", "schedule", name)
	return nil
}

// TriggerEvent fans eventType out to subscribed schedules, enforcing each
// schedule's MaxConcurrent cap.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]any) {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.handlersMu.RLock()
	handler, exists := s.eventHandlers[eventType]
	s.handlersMu.RUnlock()
	if !exists {
		return
	}

	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	for _, schedule := range handler.schedules {
		if !schedule.Enabled || !matchesFilter(eventData, schedule.EventFilter) {
			continue
		}

		handler.mu.Lock()
		if schedule.MaxConcurrent > 0 && handler.running >= schedule.MaxConcurrent {
			handler.mu.Unlock()
			slog.Warn("max concurrent schedule executions reached", "schedule", schedule.Name, "max", schedule.MaxConcurrent)
			continue
		}
		handler.running++
		handler.lastTrigger = time.Now()
		handler.mu.Unlock()

		go func(cfg *ScheduleConfig) {
			defer func() {
				handler.mu.Lock()
				handler.running--
				handler.mu.Unlock()
			}()

			execCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(execCtx, cfg.Timeout)
				defer cancel()
			}
			s.runHandler(execCtx, cfg)
		}(schedule)
	}
}

func (s *Scheduler) runHandler(ctx context.Context, config *ScheduleConfig) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run_handler", trace.WithAttributes(attribute.String("schedule", config.Name)))
	defer span.End()

	start := time.Now()

	s.handlersMu.RLock()
	fn, ok := s.handlers[config.Handler]
	s.handlersMu.RUnlock()
	if !ok {
		slog.Error("no handler registered", "schedule", config.Name, "handler", config.Handler)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", config.Name)))
		return
	}

	if err := fn(ctx, config); err != nil {
		slog.Error("scheduled handler failed", "schedule", config.Name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", config.Name)))
		return
	}

	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", config.Name), attribute.String("status", "success")))
}

func (s *Scheduler) registerEventHandler(config *ScheduleConfig) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	handler, exists := s.eventHandlers[config.EventType]
	if !exists {
		handler = &EventHandler{schedules: make([]*ScheduleConfig, 0)}
		s.eventHandlers[config.EventType] = handler
	}
	handler.schedules = append(handler.schedules, config)
}

func matchesFilter(eventData, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for key, expected := range filter {
		actual, exists := eventData[key]
		if !exists {
			return false
		}
		if fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return false
		}
	}
	return true
}

// RestoreSchedules re-registers every persisted ScheduleConfig on startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	restored, failed := 0, 0
	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, schedule); err != nil {
			slog.Error("failed to restore schedule", "schedule", schedule.Name, "error", err)
			failed++
		} else {
			restored++
		}
	}
	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}

// GetScheduleStats returns a summary of registered event handlers and their schedules.
func (s *Scheduler) GetScheduleStats() map[string]any {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	eventStats := make(map[string]any)
	total := 0
	for eventType, handler := range s.eventHandlers {
		handler.mu.Lock()
		eventStats[eventType] = map[string]any{
			"schedules": len(handler.schedules),
			"running":   handler.running,
		}
		total += len(handler.schedules)
		handler.mu.Unlock()
	}

	return map[string]any{
		"cron_entries":        len(s.cron.Entries()),
		"event_handlers":      len(s.eventHandlers),
		"total_schedules":     total + len(s.cron.Entries()),
		"event_handler_stats": eventStats,
		"ready_jobs":          s.QueueDepth(),
		"waiting_jobs":        s.WaitingDepth(),
	}
}
