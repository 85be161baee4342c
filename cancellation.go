package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CancellationManager tracks in-flight parent WorkItems and propagates
// cancellation down to the Worker Pool, one entry per parent WorkItem
// rather than per individual MicroTask.
type CancellationManager struct {
	mu     sync.RWMutex
	active map[string]*trackedParent

	pool *WorkerPool

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

type trackedParent struct {
	workItemID   string
	cancelReason string
	cancelledAt  time.Time
	status       ExecutionStatus
}

// ExecutionStatus mirrors a parent WorkItem's cancellation lifecycle,
// distinct from Status (WorkItem's Registry state) since a parent may be
// "running" here while its Registry status is still "in_progress".
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// NewCancellationManager constructs a manager that propagates cancellation
// into pool.
func NewCancellationManager(pool *WorkerPool, meter metric.Meter) *CancellationManager {
	cancellations, _ := meter.Int64Counter("taskmaster_cancellations_total")
	return &CancellationManager{
		active:        make(map[string]*trackedParent),
		pool:          pool,
		cancellations: cancellations,
		tracer:        otel.Tracer("taskmaster-cancellation"),
	}
}

// Register records parentID as actively dispatching MicroTasks.
func (cm *CancellationManager) Register(parentID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.active[parentID] = &trackedParent{workItemID: parentID, status: ExecutionRunning}
}

// Cancel marks parentID cancelled and flips the Worker Pool's cooperative
// cancel flag for it.
func (cm *CancellationManager) Cancel(ctx context.Context, parentID, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "cancellation.cancel",
		trace.WithAttributes(attribute.String("parent_id", parentID), attribute.String("reason", reason)))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	tracked, exists := cm.active[parentID]
	if !exists {
		return newErr(ErrNotFound, "Cancel", fmt.Errorf("parent %s not found or already completed", parentID))
	}
	if tracked.status != ExecutionRunning {
		return newErr(ErrValidation, "Cancel", fmt.Errorf("parent %s is not running (status: %s)", parentID, tracked.status))
	}

	cm.pool.CancelParent(parentID)
	tracked.cancelReason = reason
	tracked.cancelledAt = time.Now()
	tracked.status = ExecutionCancelled

	cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	span.AddEvent("parent_cancelled")
	return nil
}

// Complete marks parentID finished with the given status and clears the
// pool's cancel flag so a future reuse of the same id is not pre-cancelled.
func (cm *CancellationManager) Complete(parentID string, status ExecutionStatus) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if tracked, exists := cm.active[parentID]; exists {
		tracked.status = status
	}
	cm.pool.ClearCancel(parentID)
}

// GetStatus returns the cancellation status of parentID.
func (cm *CancellationManager) GetStatus(parentID string) (ExecutionStatus, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	tracked, exists := cm.active[parentID]
	if !exists {
		return "", false
	}
	return tracked.status, true
}

// ListActive returns every parent WorkItem id currently running.
func (cm *CancellationManager) ListActive() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	active := make([]string, 0)
	for id, tracked := range cm.active {
		if tracked.status == ExecutionRunning {
			active = append(active, id)
		}
	}
	return active
}

// Cleanup removes tracked parents that finished more than retentionPeriod
// ago, keeping the active map bounded.
func (cm *CancellationManager) Cleanup(retentionPeriod time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for id, tracked := range cm.active {
		if tracked.status == ExecutionRunning {
			continue
		}
		if !tracked.cancelledAt.IsZero() && now.Sub(tracked.cancelledAt) > retentionPeriod {
			delete(cm.active, id)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs Cleanup on a ticker until ctx is cancelled.
func (cm *CancellationManager) StartCleanupLoop(ctx context.Context, interval, retentionPeriod time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.Cleanup(retentionPeriod)
		}
	}
}

// CancelAll cancels every actively tracked parent WorkItem, used during
// daemon shutdown.
func (cm *CancellationManager) CancelAll(ctx context.Context, reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cancelled := 0
	for id, tracked := range cm.active {
		if tracked.status == ExecutionRunning {
			cm.pool.CancelParent(id)
			tracked.cancelReason = reason
			tracked.cancelledAt = time.Now()
			tracked.status = ExecutionCancelled
			cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
			cancelled++
		}
	}
	return cancelled
}

// GetMetrics returns a cheap in-memory breakdown of tracked parents by status.
func (cm *CancellationManager) GetMetrics() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := map[string]int{"total": len(cm.active), "running": 0, "completed": 0, "failed": 0, "cancelled": 0}
	for _, tracked := range cm.active {
		switch tracked.status {
		case ExecutionRunning:
			out["running"]++
		case ExecutionCompleted:
			out["completed"]++
		case ExecutionFailed:
			out["failed"]++
		case ExecutionCancelled:
			out["cancelled"]++
		}
	}
	return out
}
