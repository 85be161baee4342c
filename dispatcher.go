package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher runs the Scan/Mark/Batch-Load/Decompose-Dispatch/Aggregate/
// Self-heal loop, ticking on PollIntervalSeconds and hard-capped per tick
// via a select over a done channel racing a context deadline.
type Dispatcher struct {
	cfg Config

	registry     *Registry
	breakdown    *BreakdownEngine
	cache        *BreakdownCache
	priority     *PriorityScorer
	scheduler    *Scheduler
	pool         *WorkerPool
	agents       *AgentDirectory
	cancellation *CancellationManager

	dispatched sync.Map // work item id -> struct{}; avoids resubmitting a Job twice

	tracer trace.Tracer

	ticks         metric.Int64Counter
	tickOverruns  metric.Int64Counter
	dispatchedCnt metric.Int64Counter
	backfillCnt   metric.Int64Counter
}

// NewDispatcher wires a Dispatcher against the already-constructed
// components.
func NewDispatcher(cfg Config, registry *Registry, breakdown *BreakdownEngine, cache *BreakdownCache, priority *PriorityScorer, scheduler *Scheduler, pool *WorkerPool, agents *AgentDirectory, cancellation *CancellationManager, meter metric.Meter) *Dispatcher {
	ticks, _ := meter.Int64Counter("taskmaster_dispatcher_ticks_total")
	tickOverruns, _ := meter.Int64Counter("taskmaster_dispatcher_tick_overruns_total")
	dispatchedCnt, _ := meter.Int64Counter("taskmaster_dispatcher_dispatched_total")
	backfillCnt, _ := meter.Int64Counter("taskmaster_dispatcher_backfills_total")

	return &Dispatcher{
		cfg:           cfg,
		registry:      registry,
		breakdown:     breakdown,
		cache:         cache,
		priority:      priority,
		scheduler:     scheduler,
		pool:          pool,
		agents:        agents,
		cancellation:  cancellation,
		tracer:        otel.Tracer("taskmaster-dispatcher"),
		ticks:         ticks,
		tickOverruns:  tickOverruns,
		dispatchedCnt: dispatchedCnt,
		backfillCnt:   backfillCnt,
	}
}

// Run ticks Tick every PollIntervalSeconds until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one Scan/Mark/Batch-Load/Decompose-Dispatch/Self-heal pass,
// hard-capped at DispatchTickHardCapSeconds; an overrun is logged as a
// warning but does not abort the in-flight work it already started.
func (d *Dispatcher) Tick(ctx context.Context) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.tick")
	defer span.End()

	d.ticks.Add(ctx, 1)

	tickCtx, cancel := context.WithTimeout(ctx, d.cfg.dispatchTickHardCap())
	done := make(chan struct{})

	go func() {
		defer close(done)
		d.scan(tickCtx)
		d.scheduler.PromoteReady()
		d.batchDispatch(tickCtx)
		d.maybeBackfill(tickCtx)
	}()

	select {
	case <-done:
	case <-tickCtx.Done():
		d.tickOverruns.Add(ctx, 1)
		slog.Warn("dispatcher tick exceeded hard cap", "cap", d.cfg.dispatchTickHardCap())
	}
	cancel()
}

// scan loads pending WorkItems within each kind's batch quota, scores them,
// and submits a Job to the Scheduler's priority queue for any not already
// tracked.
func (d *Dispatcher) scan(ctx context.Context) {
	quotas := map[WorkKind]int{
		KindTask:        d.cfg.BatchQuota.Task,
		KindComplexTodo: d.cfg.BatchQuota.ComplexTodo,
		KindTodo:        d.cfg.BatchQuota.Todo,
	}

	for kind, quota := range quotas {
		for _, item := range d.registry.PendingOfKind(kind, quota) {
			if _, already := d.dispatched.Load(item.ID); already {
				continue
			}

			copyItem := item
			score := d.priority.Score(&copyItem)

			job := &Job{
				ID:                   newID("job"),
				WorkItemID:           item.ID,
				PriorityScore:        score,
				ScheduledTime:        time.Now(),
				RequiredCapabilities: item.RequiredCapabilities,
				MaxRetries:           d.cfg.MaxRetries,
			}
			if item.Deadline != nil {
				job.Deadline = *item.Deadline
			}
			d.dispatched.Store(item.ID, struct{}{})
			d.scheduler.SubmitJob(job)
		}
	}
}

// batchDispatch pops ready Jobs from the Scheduler and decomposes/dispatches
// each one's WorkItem until the ready heap is empty; the number popped is
// not limited by the Worker Pool's free capacity.
func (d *Dispatcher) batchDispatch(ctx context.Context) {
	for {
		job, ok := d.scheduler.Pop()
		if !ok {
			return
		}
		d.dispatchJob(ctx, job)
	}
}

func (d *Dispatcher) dispatchJob(ctx context.Context, job *Job) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch_job", trace.WithAttributes(attribute.String("work_item_id", job.WorkItemID)))
	defer span.End()

	item, err := d.registry.Get(job.WorkItemID)
	if err != nil {
		d.dispatched.Delete(job.WorkItemID)
		return
	}

	agentsFound := d.agents.FindCapable(item.RequiredCapabilities, d.cfg.CapabilityOverlapFraction)
	var agentID string
	if len(agentsFound) > 0 {
		agentID = agentsFound[0].AgentID
	}

	if agentID != "" {
		overlap := d.registry.CheckOverlap(item.ID, agentID)
		if overlap.Kind == "similar_in_progress" {
			slog.Info("similar work item in progress", "work_item_id", item.ID, "other_id", overlap.OtherID, "other_agent", overlap.OtherAgent)
		}
		if overlap.Kind == "dual_assignment" {
			holderActive := false
			if status, ok := d.cancellation.GetStatus(item.ID); ok {
				holderActive = status == ExecutionRunning
			}
			winner, loser, err := d.registry.ResolveOverlap(ctx, item.ID, agentID, false, overlap.OtherAgent, holderActive)
			if err != nil {
				slog.Error("resolve overlap failed", "work_item_id", item.ID, "error", err)
				d.dispatched.Delete(job.WorkItemID)
				return
			}
			slog.Info("overlap resolved", "work_item_id", item.ID, "winner", winner, "loser", loser)
			if winner != agentID {
				d.dispatched.Delete(job.WorkItemID)
				return
			}
		}
	}

	if err := d.registry.Assign(item.ID, agentID); err != nil {
		slog.Error("assign failed", "work_item_id", item.ID, "error", err)
		return
	}
	if agentID != "" {
		d.agents.MarkBusy(agentID, item.ID)
	}
	if err := d.registry.UpdateStatus(item.ID, StatusInProgress); err != nil {
		slog.Error("mark in_progress failed", "work_item_id", item.ID, "error", err)
		return
	}

	tasks := d.breakdown.Decompose(&item)
	if err := d.registry.SetSubtasks(item.ID, tasks); err != nil {
		slog.Error("set subtasks failed", "work_item_id", item.ID, "error", err)
		return
	}

	d.cancellation.Register(item.ID)
	d.dispatchedCnt.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(item.Kind))))

	go d.runMicroTasks(context.Background(), item, tasks, job, agentID)
}

// runMicroTasks submits every MicroTask to the Worker Pool and aggregates
// their Futures into a ParentResult once all settle or the parent
// aggregation timeout elapses.
func (d *Dispatcher) runMicroTasks(ctx context.Context, item WorkItem, tasks []MicroTask, job *Job, agentID string) {
	defer d.dispatched.Delete(item.ID)

	start := time.Now()
	futures := make([]<-chan MicroTaskResult, 0, len(tasks))
	submitted := make([]MicroTask, 0, len(tasks))

	for _, task := range tasks {
		future, err := d.pool.Submit(task)
		if err != nil {
			if KindOf(err) == ErrOverloaded {
				d.scheduler.Requeue(job, time.Duration(d.cfg.RetryBackoffBaseSeconds*float64(time.Second)))
				return
			}
			continue
		}
		futures = append(futures, future)
		submitted = append(submitted, task)
	}

	timeout := time.After(d.cfg.parentAggregationTimeout())
	results := make(map[int][]MicroTaskResult)
	successful, failed := 0, 0

aggregate:
	for i, future := range futures {
		select {
		case result := <-future:
			results[result.WorkerID] = append(results[result.WorkerID], result)
			if result.Status == StatusCompleted {
				successful++
			} else {
				failed++
			}
			_ = d.registry.UpdateSubtaskProgress(item.ID, submitted[i].TaskID, boolToProgress(result.Status == StatusCompleted))
		case <-timeout:
			failed += len(futures) - i
			slog.Warn("parent aggregation timed out", "work_item_id", item.ID)
			break aggregate
		}
	}

	finalStatus := StatusCompleted
	retrying := false
	if failed > 0 && successful == 0 {
		if item.RetryCount < d.cfg.MaxRetries {
			finalStatus = StatusRetrying
			retrying = true
		} else {
			finalStatus = StatusFailed
		}
	}

	switch {
	case retrying:
		backoff := time.Duration(d.cfg.RetryBackoffBaseSeconds*pow2(item.RetryCount)) * time.Second
		retryCount, err := d.registry.MarkRetrying(item.ID, time.Now().Add(backoff))
		if err != nil {
			slog.Error("mark retrying failed", "work_item_id", item.ID, "error", err)
		} else {
			slog.Info("parent work item scheduled for retry", "work_item_id", item.ID, "retry_count", retryCount, "backoff", backoff)
			time.AfterFunc(backoff, func() {
				_ = d.registry.UpdateStatus(item.ID, StatusPending)
			})
		}
	default:
		_ = d.registry.UpdateStatus(item.ID, finalStatus)
		if finalStatus == StatusCompleted {
			_ = d.registry.UpdateProgress(item.ID, 1.0)
		}
	}

	if agentID != "" {
		d.agents.MarkAvailable(agentID, item.ID)
	}

	cacheCleared := false
	if finalStatus == StatusCompleted {
		cleared := d.cache.PurgeParent(item.ID)
		cacheCleared = cleared > 0
	}

	execStatus := ExecutionCompleted
	if finalStatus != StatusCompleted {
		execStatus = ExecutionFailed
	}
	d.cancellation.Complete(item.ID, execStatus)

	parentResult := ParentResult{
		ParentID:                 item.ID,
		TotalWorkers:             d.pool.size,
		Successful:               successful,
		Failed:                   failed,
		TotalMicroTasks:          len(tasks),
		TotalEstimatedHours:      item.EstimatedHours,
		CollaborationTimeSeconds: time.Since(start).Seconds(),
		CacheCleared:             cacheCleared,
		WorkerResults:            results,
	}

	slog.Info("parent work item finished",
		"work_item_id", parentResult.ParentID,
		"status", finalStatus,
		"successful", parentResult.Successful,
		"failed", parentResult.Failed,
		"collaboration_time_seconds", parentResult.CollaborationTimeSeconds,
		"cache_cleared", parentResult.CacheCleared,
	)
}

func boolToProgress(success bool) float64 {
	if success {
		return 1.0
	}
	return 0.0
}

// maybeBackfill synthesizes auto_generated WorkItems from a fixed template
// when a kind's pending backlog drops below a refill threshold. Disabled
// unless EnableAutogenBackfill is set; kept off by default.
func (d *Dispatcher) maybeBackfill(ctx context.Context) {
	if !d.cfg.EnableAutogenBackfill {
		return
	}

	const refillThreshold = 1
	for kind, template := range autogenTemplates {
		pending := d.registry.PendingOfKind(kind, 0)
		if len(pending) >= refillThreshold {
			continue
		}

		item, err := buildWorkItem(kind, template.name, template.description, template.complexity, PriorityLow, template.estimatedHours)
		if err != nil {
			continue
		}
		item.AutoGenerated = true
		if err := d.registry.Insert(ctx, item); err != nil {
			continue
		}
		d.backfillCnt.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
		slog.Info("backfilled auto-generated work item", "id", item.ID, "kind", kind)
	}
}

type backfillTemplate struct {
	name           string
	description    string
	complexity     Complexity
	estimatedHours float64
}

var autogenTemplates = map[WorkKind]backfillTemplate{
	KindTodo: {
		name:           "review stale assignments",
		description:    "sweep the registry for work items stuck in_progress past their deadline",
		complexity:     ComplexityMedium,
		estimatedHours: 1,
	},
}

// CancelParent cancels all in-flight MicroTasks of a parent WorkItem and
// marks it cancelled.
func (d *Dispatcher) CancelParent(ctx context.Context, workItemID, reason string) error {
	if err := d.cancellation.Cancel(ctx, workItemID, reason); err != nil {
		return err
	}
	if err := d.scheduler.CancelForWorkItem(workItemID); err != nil && KindOf(err) != ErrNotFound {
		slog.Warn("scheduler cancel failed", "work_item_id", workItemID, "error", err)
	}
	return d.registry.UpdateStatus(workItemID, StatusCancelled)
}

// QueueDepth exposes the Scheduler's ready-Job count for the Metrics
// snapshot.
func (d *Dispatcher) QueueDepth() int {
	return d.scheduler.QueueDepth()
}
