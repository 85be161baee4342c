package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHook struct {
	failTimes int32
	calls     atomic.Int32
}

func (f *fakeHook) Execute(ctx context.Context, task MicroTask, wctx *WorkerContext) (map[string]any, error) {
	n := f.calls.Add(1)
	if n <= f.failTimes {
		return nil, errors.New("synthetic failure")
	}
	return map[string]any{"ok": true}, nil
}

func TestWorkerPoolSubmitAndExecuteSucceeds(t *testing.T) {
	hook := &fakeHook{}
	wp := NewWorkerPool(2, 8, 2, hook, testMeter())
	defer wp.Stop(time.Second)

	future, err := wp.Submit(MicroTask{TaskID: "t1", ParentID: "p1", EstimatedMinutes: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case result := <-future:
		if result.Status != StatusCompleted {
			t.Fatalf("expected completed status, got %s", result.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
}

func TestWorkerPoolRetriesTransientFailureThenSucceeds(t *testing.T) {
	hook := &fakeHook{failTimes: 1}
	wp := NewWorkerPool(1, 8, 2, hook, testMeter())
	defer wp.Stop(time.Second)

	future, err := wp.Submit(MicroTask{TaskID: "t1", ParentID: "p1", EstimatedMinutes: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case result := <-future:
		if result.Status != StatusCompleted {
			t.Fatalf("expected eventual success after retry, got %s", result.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
	if hook.calls.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", hook.calls.Load())
	}
}

func TestWorkerPoolFailsAfterExhaustingRetries(t *testing.T) {
	hook := &fakeHook{failTimes: 100}
	wp := NewWorkerPool(1, 8, 1, hook, testMeter())
	defer wp.Stop(time.Second)

	future, err := wp.Submit(MicroTask{TaskID: "t1", ParentID: "p1", EstimatedMinutes: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case result := <-future:
		if result.Status != StatusFailed {
			t.Fatalf("expected failed status after exhausting retries, got %s", result.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
}

func TestWorkerPoolSubmitReturnsOverloadedAtCapacity(t *testing.T) {
	hook := &fakeHook{}
	wp := NewWorkerPool(0, 1, 0, hook, testMeter())
	defer wp.Stop(time.Second)

	if _, err := wp.Submit(MicroTask{TaskID: "t1", ParentID: "p1"}); err != nil {
		t.Fatalf("expected first submit to fill the queue without error: %v", err)
	}
	if _, err := wp.Submit(MicroTask{TaskID: "t2", ParentID: "p1"}); KindOf(err) != ErrOverloaded {
		t.Fatalf("expected ErrOverloaded at capacity, got %v", err)
	}
}

func TestWorkerPoolCancelParentShortCircuitsExecution(t *testing.T) {
	hook := &fakeHook{}
	wp := NewWorkerPool(1, 8, 0, hook, testMeter())
	defer wp.Stop(time.Second)

	wp.CancelParent("p1")
	future, err := wp.Submit(MicroTask{TaskID: "t1", ParentID: "p1", EstimatedMinutes: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case result := <-future:
		if result.Status != StatusCancelled {
			t.Fatalf("expected cancelled status, got %s", result.Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for result")
	}
	if hook.calls.Load() != 0 {
		t.Fatalf("expected cancelled task to never reach the hook, got %d calls", hook.calls.Load())
	}
}
