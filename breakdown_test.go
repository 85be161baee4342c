package main

import (
	"testing"
	"time"
)

func TestBreakdownEngineChunksByComplexity(t *testing.T) {
	cache := NewBreakdownCache(16, time.Hour, testMeter())
	be := NewBreakdownEngine(cache)

	item, _ := NewComplexTodo("big", "desc", ComplexityHigh, PriorityHigh, 1)
	tasks := be.Decompose(item)

	if len(tasks) != 4 {
		t.Fatalf("expected 1 hour split into 15-minute chunks (4 tasks), got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.EstimatedMinutes < 1 || task.EstimatedMinutes > 60 {
			t.Fatalf("estimated_minutes out of [1,60]: %d", task.EstimatedMinutes)
		}
		if task.ParentID != item.ID {
			t.Fatalf("expected parent_id %s, got %s", item.ID, task.ParentID)
		}
	}
}

func TestBreakdownEngineUsesCacheOnSecondCall(t *testing.T) {
	cache := NewBreakdownCache(16, 24*time.Hour, testMeter())
	be := NewBreakdownEngine(cache)

	item, _ := NewTodo("t1", "desc", ComplexityMedium, PriorityMedium, 1)
	first := be.Decompose(item)
	second := be.Decompose(item)

	if len(first) != len(second) {
		t.Fatalf("expected cached decomposition to match first call")
	}
	for i := range first {
		if first[i].TaskID != second[i].TaskID {
			t.Fatalf("expected identical task ids from cache, got %s vs %s", first[i].TaskID, second[i].TaskID)
		}
	}
}

func TestBreakdownEngineMinimumOneTask(t *testing.T) {
	cache := NewBreakdownCache(16, 24*time.Hour, testMeter())
	be := NewBreakdownEngine(cache)

	item, _ := NewTask("t1", "desc", PriorityLow, 0)
	tasks := be.Decompose(item)
	if len(tasks) != 1 {
		t.Fatalf("expected at least 1 task for a zero-hour item, got %d", len(tasks))
	}
}

func TestComplexityScoreTableAssignsCriticalHighest(t *testing.T) {
	if complexityScoreTable[ComplexityCritical] <= complexityScoreTable[ComplexityHigh] {
		t.Fatalf("expected critical's complexity_score to exceed high's")
	}
}
