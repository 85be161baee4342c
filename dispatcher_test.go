package main

import (
	"context"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry) {
	t.Helper()
	registry := NewRegistry(testMeter())
	agents := NewAgentDirectory(testMeter(), nil)
	cache := NewBreakdownCache(16, time.Hour, testMeter())
	breakdown := NewBreakdownEngine(cache)
	priority := NewPriorityScorer(agents)
	scheduler := NewScheduler(registry, nil, testMeter())
	pool := NewWorkerPool(2, 16, 1, &fakeHook{}, testMeter())
	t.Cleanup(func() { pool.Stop(time.Second) })
	cancellation := NewCancellationManager(pool, testMeter())

	cfg := DefaultConfig()
	cfg.BatchQuota = BatchQuota{Task: 10, ComplexTodo: 10, Todo: 10}
	cfg.ParentAggregationTimeoutSeconds = 5
	cfg.DispatchTickHardCapSeconds = 5

	d := NewDispatcher(cfg, registry, breakdown, cache, priority, scheduler, pool, agents, cancellation, testMeter())
	return d, registry
}

func TestDispatcherTickDispatchesAndCompletesPendingItem(t *testing.T) {
	d, registry := newTestDispatcher(t)
	ctx := context.Background()

	item, _ := NewTask("t1", "quick task", PriorityHigh, 0.25)
	if err := registry.Insert(ctx, item); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	d.Tick(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := registry.Get(item.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Status == StatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected item to reach completed status after dispatch")
}

func TestDispatcherScanSkipsAlreadyDispatchedItems(t *testing.T) {
	d, registry := newTestDispatcher(t)
	ctx := context.Background()

	item, _ := NewTask("t1", "quick task", PriorityHigh, 0.25)
	if err := registry.Insert(ctx, item); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	d.scan(ctx)
	depthAfterFirstScan := d.QueueDepth()
	d.scan(ctx)
	if d.QueueDepth() != depthAfterFirstScan {
		t.Fatalf("expected a second scan to not resubmit an already-dispatched item: %d vs %d", depthAfterFirstScan, d.QueueDepth())
	}
}

func TestDispatcherCancelParentMarksCancelled(t *testing.T) {
	d, registry := newTestDispatcher(t)
	ctx := context.Background()

	item, _ := NewTask("t1", "quick task", PriorityHigh, 0.25)
	if err := registry.Insert(ctx, item); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	d.cancellation.Register(item.ID)

	if err := d.CancelParent(ctx, item.ID, "operator requested"); err != nil {
		t.Fatalf("cancel parent failed: %v", err)
	}

	got, err := registry.Get(item.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", got.Status)
	}
}

func TestDispatcherMaybeBackfillDisabledByDefault(t *testing.T) {
	d, registry := newTestDispatcher(t)
	ctx := context.Background()

	d.maybeBackfill(ctx)
	if len(registry.Snapshot()) != 0 {
		t.Fatalf("expected no backfilled items when EnableAutogenBackfill is false")
	}
}

func TestDispatcherMaybeBackfillWhenEnabled(t *testing.T) {
	d, registry := newTestDispatcher(t)
	d.cfg.EnableAutogenBackfill = true
	ctx := context.Background()

	d.maybeBackfill(ctx)
	items := registry.Snapshot()
	if len(items) == 0 {
		t.Fatalf("expected a backfilled item when EnableAutogenBackfill is true")
	}
	if !items[0].AutoGenerated {
		t.Fatalf("expected backfilled item to be tagged AutoGenerated")
	}
}
