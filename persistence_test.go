package main

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), testMeter())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSnapshotRoundTripResetsInProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending, _ := NewTask("t1", "desc", PriorityLow, 1)
	inProgress, _ := NewTask("t2", "desc", PriorityLow, 1)
	inProgress.Status = StatusInProgress
	inProgress.AssignedAgent = "agent-1"

	if err := store.SnapshotRegistry(ctx, []WorkItem{*pending, *inProgress}); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	loaded, err := store.LoadRegistrySnapshot(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 items, got %d", len(loaded))
	}

	byID := make(map[string]WorkItem)
	for _, item := range loaded {
		byID[item.ID] = item
	}
	if byID[inProgress.ID].Status != StatusPending {
		t.Fatalf("expected in_progress item reset to pending on load, got %s", byID[inProgress.ID].Status)
	}
	if byID[inProgress.ID].AssignedAgent != "" {
		t.Fatalf("expected assigned agent cleared on load, got %s", byID[inProgress.ID].AssignedAgent)
	}
}

func TestStoreSnapshotOverwritesPreviousContents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := NewTask("a", "desc", PriorityLow, 1)
	if err := store.SnapshotRegistry(ctx, []WorkItem{*a}); err != nil {
		t.Fatalf("first snapshot failed: %v", err)
	}

	b, _ := NewTask("b", "desc", PriorityLow, 1)
	if err := store.SnapshotRegistry(ctx, []WorkItem{*b}); err != nil {
		t.Fatalf("second snapshot failed: %v", err)
	}

	loaded, err := store.LoadRegistrySnapshot(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != b.ID {
		t.Fatalf("expected only the latest snapshot's item to remain, got %+v", loaded)
	}
}

func TestStorePutAndListSchedules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &ScheduleConfig{Name: "nightly-sweep", Handler: "sweep", CronExpr: "0 0 3 * * *", Enabled: true}
	if err := store.PutSchedule(ctx, cfg); err != nil {
		t.Fatalf("put schedule failed: %v", err)
	}

	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules failed: %v", err)
	}
	if len(schedules) != 1 || schedules[0].Name != "nightly-sweep" {
		t.Fatalf("expected 1 persisted schedule named nightly-sweep, got %+v", schedules)
	}

	if err := store.DeleteSchedule(ctx, "nightly-sweep"); err != nil {
		t.Fatalf("delete schedule failed: %v", err)
	}
	schedules, err = store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules after delete failed: %v", err)
	}
	if len(schedules) != 0 {
		t.Fatalf("expected 0 schedules after delete, got %d", len(schedules))
	}
}
