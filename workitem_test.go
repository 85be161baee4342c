package main

import "testing"

func TestNewTaskRejectsNonLowComplexity(t *testing.T) {
	item, err := NewTask("t1", "do a thing", PriorityMedium, 1)
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	if item.Complexity != ComplexityLow {
		t.Fatalf("expected low complexity, got %s", item.Complexity)
	}
	if item.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", item.Status)
	}
	if _, err := buildWorkItem(KindTask, "t2", "do a thing", ComplexityHigh, PriorityMedium, 1); err == nil {
		t.Fatalf("expected validation error for a high-complexity task")
	}
}

func TestNewComplexTodoRejectsLowComplexity(t *testing.T) {
	if _, err := NewComplexTodo("c1", "desc", ComplexityLow, PriorityHigh, 4); err == nil {
		t.Fatalf("expected validation error for low-complexity complex_todo")
	}
	if _, err := NewComplexTodo("c1", "desc", ComplexityHigh, PriorityHigh, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildWorkItemRejectsEmptyName(t *testing.T) {
	if _, err := NewTask("", "desc", PriorityLow, 1); KindOf(err) != ErrValidation {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestBuildWorkItemRejectsNegativeHours(t *testing.T) {
	if _, err := NewTask("t1", "desc", PriorityLow, -1); KindOf(err) != ErrValidation {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestBreakdownCacheKeyStableAcrossCalls(t *testing.T) {
	item, _ := NewTodo("t1", "desc", ComplexityMedium, PriorityMedium, 2)
	k1 := breakdownCacheKey(item)
	k2 := breakdownCacheKey(item)
	if k1 != k2 {
		t.Fatalf("expected stable key, got %s vs %s", k1, k2)
	}

	item.EstimatedHours = 3
	if breakdownCacheKey(item) == k1 {
		t.Fatalf("expected key to change when estimated_hours changes")
	}
}

func TestWorkTypeBands(t *testing.T) {
	cases := map[Complexity]string{
		ComplexityLow:      "light",
		ComplexityMedium:   "standard",
		ComplexityHigh:     "heavy",
		ComplexityCritical: "critical_path",
	}
	for complexity, want := range cases {
		if got := workType(complexity); got != want {
			t.Fatalf("workType(%s) = %s, want %s", complexity, got, want)
		}
	}
}
