package main

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func testMeter() metric.Meter {
	return noopmetric.MeterProvider{}.Meter("test")
}

func TestRegistryInsertRejectsDuplicate(t *testing.T) {
	r := NewRegistry(testMeter())
	ctx := context.Background()

	a, _ := NewTask("same-name", "same description", PriorityLow, 1)
	if err := r.Insert(ctx, a); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	b, _ := NewTask("same-name", "same description", PriorityLow, 1)
	if err := r.Insert(ctx, b); KindOf(err) != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestRegistryInsertAllowsDuplicateAfterCompletion(t *testing.T) {
	r := NewRegistry(testMeter())
	ctx := context.Background()

	a, _ := NewTask("same-name", "same description", PriorityLow, 1)
	if err := r.Insert(ctx, a); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := r.UpdateProgress(a.ID, 1.0); err != nil {
		t.Fatalf("update progress failed: %v", err)
	}
	if err := r.UpdateStatus(a.ID, StatusCompleted); err != nil {
		t.Fatalf("update status failed: %v", err)
	}

	b, _ := NewTask("same-name", "same description", PriorityLow, 1)
	if err := r.Insert(ctx, b); err != nil {
		t.Fatalf("expected insert to succeed once original item is completed, got %v", err)
	}
}

func TestRegistryUpdateStatusRequiresFullProgressToComplete(t *testing.T) {
	r := NewRegistry(testMeter())
	ctx := context.Background()
	item, _ := NewTask("t1", "desc", PriorityLow, 1)
	if err := r.Insert(ctx, item); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := r.UpdateStatus(item.ID, StatusCompleted); KindOf(err) != ErrValidation {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRegistryAddDependencyRejectsCycle(t *testing.T) {
	r := NewRegistry(testMeter())
	ctx := context.Background()
	a, _ := NewTask("a", "desc", PriorityLow, 1)
	b, _ := NewTask("b", "desc", PriorityLow, 1)
	if err := r.Insert(ctx, a); err != nil {
		t.Fatalf("insert a failed: %v", err)
	}
	if err := r.Insert(ctx, b); err != nil {
		t.Fatalf("insert b failed: %v", err)
	}

	if err := r.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("a->b dependency failed: %v", err)
	}
	if err := r.AddDependency(b.ID, a.ID); KindOf(err) != ErrValidation {
		t.Fatalf("expected cycle to be rejected, got %v", err)
	}
}

func TestRegistryAddDependencyRejectsSelf(t *testing.T) {
	r := NewRegistry(testMeter())
	ctx := context.Background()
	a, _ := NewTask("a", "desc", PriorityLow, 1)
	if err := r.Insert(ctx, a); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := r.AddDependency(a.ID, a.ID); KindOf(err) != ErrValidation {
		t.Fatalf("expected self-dependency to be rejected, got %v", err)
	}
}

func TestRegistryUnmetTracksIncompleteDependencies(t *testing.T) {
	r := NewRegistry(testMeter())
	ctx := context.Background()
	a, _ := NewTask("a", "desc", PriorityLow, 1)
	b, _ := NewTask("b", "desc", PriorityLow, 1)
	if err := r.Insert(ctx, a); err != nil {
		t.Fatalf("insert a failed: %v", err)
	}
	if err := r.Insert(ctx, b); err != nil {
		t.Fatalf("insert b failed: %v", err)
	}
	if err := r.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("add dependency failed: %v", err)
	}

	if unmet := r.Unmet(a.ID); len(unmet) != 1 {
		t.Fatalf("expected 1 unmet dependency, got %d", len(unmet))
	}

	if err := r.UpdateProgress(b.ID, 1.0); err != nil {
		t.Fatalf("update progress failed: %v", err)
	}
	if err := r.UpdateStatus(b.ID, StatusCompleted); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	if unmet := r.Unmet(a.ID); len(unmet) != 0 {
		t.Fatalf("expected 0 unmet dependencies after completion, got %d", len(unmet))
	}
}

func TestRegistryCheckOverlapDetectsDualAssignment(t *testing.T) {
	r := NewRegistry(testMeter())
	ctx := context.Background()
	item, _ := NewTask("a", "desc", PriorityLow, 1)
	if err := r.Insert(ctx, item); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := r.Assign(item.ID, "agent-1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	result := r.CheckOverlap(item.ID, "agent-2")
	if result.Kind != "dual_assignment" {
		t.Fatalf("expected dual_assignment, got %s", result.Kind)
	}

	none := r.CheckOverlap(item.ID, "agent-1")
	if none.Kind != "none" {
		t.Fatalf("expected none for the holding agent, got %s", none.Kind)
	}
}

func TestRegistryResolveOverlapTieBreaksOnAssignedAtThenAgentID(t *testing.T) {
	r := NewRegistry(testMeter())
	ctx := context.Background()
	item, _ := NewTask("a", "desc", PriorityLow, 1)
	if err := r.Insert(ctx, item); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := r.Assign(item.ID, "agent-b"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	winner, loser, err := r.ResolveOverlap(ctx, item.ID, "agent-a", false, "agent-b", false)
	if err != nil {
		t.Fatalf("resolve overlap failed: %v", err)
	}
	if winner != "agent-b" || loser != "agent-a" {
		t.Fatalf("expected agent-b (the current AssignedAgent) to win the tie, got winner=%s loser=%s", winner, loser)
	}
}

func TestRegistryUpdateSubtaskProgressRecomputesMean(t *testing.T) {
	r := NewRegistry(testMeter())
	ctx := context.Background()
	item, _ := NewTodo("t1", "desc", ComplexityMedium, PriorityMedium, 2)
	if err := r.Insert(ctx, item); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	subtasks := []MicroTask{
		{TaskID: "t1-mt1", ParentID: item.ID},
		{TaskID: "t1-mt2", ParentID: item.ID},
	}
	if err := r.SetSubtasks(item.ID, subtasks); err != nil {
		t.Fatalf("set subtasks failed: %v", err)
	}
	if err := r.UpdateSubtaskProgress(item.ID, "t1-mt1", 1.0); err != nil {
		t.Fatalf("update subtask progress failed: %v", err)
	}

	got, err := r.Get(item.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Progress != 0.5 {
		t.Fatalf("expected mean progress 0.5, got %f", got.Progress)
	}
}
