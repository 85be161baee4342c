package main

import (
	"context"
	"testing"
	"time"
)

func newTestCancellationManager() (*CancellationManager, *WorkerPool) {
	pool := NewWorkerPool(1, 4, 0, &fakeHook{}, testMeter())
	return NewCancellationManager(pool, testMeter()), pool
}

func TestCancellationManagerCancelUnknownParentFails(t *testing.T) {
	cm, pool := newTestCancellationManager()
	defer pool.Stop(time.Second)

	if err := cm.Cancel(context.Background(), "missing", "test"); KindOf(err) != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancellationManagerCancelRunningParent(t *testing.T) {
	cm, pool := newTestCancellationManager()
	defer pool.Stop(time.Second)

	cm.Register("p1")
	if err := cm.Cancel(context.Background(), "p1", "user requested"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	status, ok := cm.GetStatus("p1")
	if !ok || status != ExecutionCancelled {
		t.Fatalf("expected cancelled status, got %s ok=%v", status, ok)
	}
	if !pool.isCancelled("p1") {
		t.Fatalf("expected cancel to propagate into the worker pool")
	}
}

func TestCancellationManagerCancelTwiceFails(t *testing.T) {
	cm, pool := newTestCancellationManager()
	defer pool.Stop(time.Second)

	cm.Register("p1")
	if err := cm.Cancel(context.Background(), "p1", "first"); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	if err := cm.Cancel(context.Background(), "p1", "second"); KindOf(err) != ErrValidation {
		t.Fatalf("expected ErrValidation on double cancel, got %v", err)
	}
}

func TestCancellationManagerCompleteClearsPoolFlag(t *testing.T) {
	cm, pool := newTestCancellationManager()
	defer pool.Stop(time.Second)

	cm.Register("p1")
	if err := cm.Cancel(context.Background(), "p1", "test"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	cm.Complete("p1", ExecutionCancelled)

	if pool.isCancelled("p1") {
		t.Fatalf("expected pool cancel flag to be cleared after Complete")
	}
}

func TestCancellationManagerCleanupRemovesOldFinishedEntries(t *testing.T) {
	cm, pool := newTestCancellationManager()
	defer pool.Stop(time.Second)

	cm.Register("p1")
	if err := cm.Cancel(context.Background(), "p1", "test"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	cleaned := cm.Cleanup(0)
	if cleaned != 1 {
		t.Fatalf("expected 1 entry cleaned, got %d", cleaned)
	}
	if _, ok := cm.GetStatus("p1"); ok {
		t.Fatalf("expected p1 to be removed after cleanup")
	}
}

func TestCancellationManagerCancelAllCancelsOnlyRunning(t *testing.T) {
	cm, pool := newTestCancellationManager()
	defer pool.Stop(time.Second)

	cm.Register("p1")
	cm.Register("p2")
	cm.Complete("p2", ExecutionCompleted)

	cancelled := cm.CancelAll(context.Background(), "shutdown")
	if cancelled != 1 {
		t.Fatalf("expected only the running parent to be cancelled, got %d", cancelled)
	}
}
