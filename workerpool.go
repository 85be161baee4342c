package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WorkerHook is implemented by the collaborator that actually executes a
// MicroTask.
type WorkerHook interface {
	Execute(ctx context.Context, task MicroTask, wctx *WorkerContext) (map[string]any, error)
}

// WorkerContext carries the per-task cancellation token, logger and
// deadline a WorkerHook needs.
type WorkerContext struct {
	CancellationToken context.Context
	Logger             *slog.Logger
	Deadline           time.Time
	ParentID           string
}

// submission is an enqueued MicroTask plus the channel its Future delivers
// a result on.
type submission struct {
	task     MicroTask
	future   chan MicroTaskResult
	enqueued time.Time
}

// WorkerPool is a fixed-size bounded parallel executor: a pool of workers
// pulling submissions off a bounded queue, each returning its result
// through a per-submission Future channel. Queue depth is exposed publicly
// for the Metrics snapshot.
type WorkerPool struct {
	size     int
	maxQueue int
	queue    chan submission
	hook     WorkerHook

	maxRetries int

	cancelled sync.Map // parentID -> struct{}; cooperative cancel flags

	wg     sync.WaitGroup
	stopCh chan struct{}

	tracer trace.Tracer

	taskDuration  metric.Float64Histogram
	taskRetries   metric.Int64Counter
	taskFailures  metric.Int64Counter
	taskTimeouts  metric.Int64Counter
	queueDepth    metric.Int64UpDownCounter
	overloadCount metric.Int64Counter
}

// NewWorkerPool constructs a pool of `size` workers with a bounded queue of
// `maxQueue` entries and `maxRetries` per-task retries, backed by hook.
func NewWorkerPool(size, maxQueue, maxRetries int, hook WorkerHook, meter metric.Meter) *WorkerPool {
	taskDuration, _ := meter.Float64Histogram("taskmaster_microtask_duration_ms")
	taskRetries, _ := meter.Int64Counter("taskmaster_microtask_retries_total")
	taskFailures, _ := meter.Int64Counter("taskmaster_microtask_failures_total")
	taskTimeouts, _ := meter.Int64Counter("taskmaster_microtask_timeouts_total")
	queueDepth, _ := meter.Int64UpDownCounter("taskmaster_workerpool_queue_depth")
	overloadCount, _ := meter.Int64Counter("taskmaster_workerpool_overloaded_total")

	wp := &WorkerPool{
		size:          size,
		maxQueue:      maxQueue,
		queue:         make(chan submission, maxQueue),
		hook:          hook,
		maxRetries:    maxRetries,
		stopCh:        make(chan struct{}),
		tracer:        otel.Tracer("taskmaster-workerpool"),
		taskDuration:  taskDuration,
		taskRetries:   taskRetries,
		taskFailures:  taskFailures,
		taskTimeouts:  taskTimeouts,
		queueDepth:    queueDepth,
		overloadCount: overloadCount,
	}

	for i := 0; i < size; i++ {
		wp.wg.Add(1)
		go wp.runWorker(i)
	}
	return wp
}

// Submit enqueues task and returns a channel that will receive exactly one
// MicroTaskResult. It returns Overloaded immediately if the queue is at
// capacity, never blocking the caller beyond the channel-send attempt
// itself.
func (wp *WorkerPool) Submit(task MicroTask) (<-chan MicroTaskResult, error) {
	future := make(chan MicroTaskResult, 1)
	sub := submission{task: task, future: future, enqueued: time.Now()}

	select {
	case wp.queue <- sub:
		wp.queueDepth.Add(bgctx, 1)
		return future, nil
	default:
		wp.overloadCount.Add(bgctx, 1)
		return nil, newErr(ErrOverloaded, "Submit", fmt.Errorf("worker pool queue at capacity (%d)", wp.maxQueue))
	}
}

// CancelParent flips the cooperative cancel flag for parentID; pending
// MicroTasks of that parent are reported cancelled, in-flight ones observe
// the flag at their next check.
func (wp *WorkerPool) CancelParent(parentID string) {
	wp.cancelled.Store(parentID, struct{}{})
}

func (wp *WorkerPool) isCancelled(parentID string) bool {
	_, ok := wp.cancelled.Load(parentID)
	return ok
}

// ClearCancel removes the cancel flag once a parent's aggregation has
// finished, so a later WorkItem reusing the same id is not pre-cancelled.
func (wp *WorkerPool) ClearCancel(parentID string) {
	wp.cancelled.Delete(parentID)
}

func (wp *WorkerPool) runWorker(id int) {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.stopCh:
			return
		case sub, ok := <-wp.queue:
			if !ok {
				return
			}
			wp.queueDepth.Add(bgctx, -1)
			result := wp.execute(id, sub.task)
			sub.future <- result
		}
	}
}

// execute runs a single MicroTask with a retry/backoff/deadline policy:
// per-task deadline = max(estimated_minutes*0.8, 10s); on timeout, retried
// while retry_count < MAX_RETRIES, else marked failed.
func (wp *WorkerPool) execute(workerID int, task MicroTask) MicroTaskResult {
	ctx, span := wp.tracer.Start(context.Background(), "microtask.execute",
		trace.WithAttributes(
			attribute.String("task_id", task.TaskID),
			attribute.String("parent_id", task.ParentID),
			attribute.Int("worker_id", workerID),
		),
	)
	defer span.End()

	result := MicroTaskResult{TaskID: task.TaskID, WorkerID: workerID, StartedAt: time.Now()}

	if wp.isCancelled(task.ParentID) {
		result.Status = StatusCancelled
		result.Err = newErr(ErrCancelled, "execute", fmt.Errorf("parent %s cancelled", task.ParentID))
		result.EndedAt = time.Now()
		return result
	}

	deadline := perTaskDeadline(task.EstimatedMinutes)

	for attempt := 0; attempt <= wp.maxRetries; attempt++ {
		if wp.isCancelled(task.ParentID) {
			result.Status = StatusCancelled
			result.Err = newErr(ErrCancelled, "execute", fmt.Errorf("parent %s cancelled", task.ParentID))
			result.EndedAt = time.Now()
			return result
		}

		execCtx, cancel := context.WithTimeout(ctx, deadline)
		wctx := &WorkerContext{
			CancellationToken: execCtx,
			Logger:            slog.Default().With("task_id", task.TaskID, "worker_id", workerID),
			Deadline:          time.Now().Add(deadline),
			ParentID:          task.ParentID,
		}

		output, err := wp.hook.Execute(execCtx, task, wctx)
		cancel()

		if err == nil {
			result.Status = StatusCompleted
			result.Output = output
			result.EndedAt = time.Now()
			wp.taskDuration.Record(ctx, float64(result.EndedAt.Sub(result.StartedAt).Milliseconds()),
				metric.WithAttributes(attribute.String("parent_id", task.ParentID)))
			return result
		}

		if execCtx.Err() == context.DeadlineExceeded {
			wp.taskTimeouts.Add(ctx, 1)
			err = newErr(ErrTimeout, "execute", err)
		} else {
			err = newErr(ErrTransientWorker, "execute", err)
		}

		task.RetryCount = attempt + 1
		result.Err = err

		if attempt < wp.maxRetries {
			wp.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt+1)))
			backoff := retryBackoff(attempt)
			select {
			case <-time.After(backoff):
			case <-wp.stopCh:
				break
			}
			continue
		}
	}

	wp.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("parent_id", task.ParentID)))
	result.Status = StatusFailed
	result.EndedAt = time.Now()
	return result
}

// perTaskDeadline computes max(estimated_minutes*0.8, 10s).
func perTaskDeadline(estimatedMinutes int) time.Duration {
	scaled := time.Duration(float64(estimatedMinutes)*0.8*float64(time.Minute))
	if scaled < 10*time.Second {
		return 10 * time.Second
	}
	return scaled
}

func retryBackoff(attempt int) time.Duration {
	base := time.Second
	backoff := base << attempt
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

// Stop drains in-flight work and shuts the pool down. It waits up to
// drainTimeout for in-flight workers to finish before returning, and logs
// a warning rather than blocking forever if that timeout is exceeded.
func (wp *WorkerPool) Stop(drainTimeout time.Duration) {
	close(wp.stopCh)
	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		slog.Warn("worker pool drain timeout exceeded", "timeout", drainTimeout)
	}
}

// QueueDepth returns the current number of queued (not yet picked up)
// submissions, used by the Metrics snapshot.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.queue)
}
