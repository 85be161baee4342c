package main

import (
	"fmt"
	"math"

	"go.opentelemetry.io/otel/metric"
)

// complexityScoreTable maps complexity to the MicroTask complexity_score
// assigned by the Breakdown Engine.
var complexityScoreTable = map[Complexity]int{
	ComplexityLow:      2,
	ComplexityMedium:   5,
	ComplexityHigh:     4,
	ComplexityCritical: 8, // "intelligent" breakdown band; highest of the fixed table
}

// BreakdownEngine maps a WorkItem into an ordered list of MicroTasks,
// deterministic given (id, description, estimated_hours, complexity).
// It is cache-aware: callers should always go through Decompose, which
// consults the BreakdownCache first.
type BreakdownEngine struct {
	cache *BreakdownCache
}

// NewBreakdownEngine constructs an engine backed by cache.
func NewBreakdownEngine(cache *BreakdownCache) *BreakdownEngine {
	return &BreakdownEngine{cache: cache}
}

// Decompose returns the MicroTask list for item, consulting the cache first:
// on a non-expired hit it returns the cached list; otherwise it computes a
// fresh one and stores it under the cache's LRU/TTL policy.
func (be *BreakdownEngine) Decompose(item *WorkItem) []MicroTask {
	key := breakdownCacheKey(item)
	item.BreakdownCacheKey = key

	if cached, ok := be.cache.Get(key); ok {
		return cached
	}

	tasks := be.compute(item)
	be.cache.Put(key, item.ID, tasks)
	return tasks
}

// compute performs the actual chunking-policy computation: low -> min(15,
// est_min) chunks; medium -> 30-minute chunks; high/critical -> 15-minute
// chunks. Critical uses the higher complexity score to signal an
// "intelligent breakdown" even though the chunking itself stays rule-based
// rather than model-driven.
func (be *BreakdownEngine) compute(item *WorkItem) []MicroTask {
	estMinutes := int(math.Round(item.EstimatedHours * 60))
	if estMinutes < 1 {
		estMinutes = 1
	}

	var chunkSize int
	switch item.Complexity {
	case ComplexityLow:
		chunkSize = minInt(15, estMinutes)
	case ComplexityMedium:
		chunkSize = 30
	case ComplexityHigh, ComplexityCritical:
		chunkSize = 15
	default:
		chunkSize = 30
	}
	if chunkSize < 1 {
		chunkSize = 1
	}

	count := ceilDiv(estMinutes, chunkSize)
	if count < 1 {
		count = 1
	}

	complexityScore := complexityScoreTable[item.Complexity]
	if complexityScore == 0 {
		complexityScore = 5
	}

	tasks := make([]MicroTask, 0, count)
	remaining := estMinutes
	for i := 0; i < count; i++ {
		minutes := chunkSize
		if remaining < chunkSize {
			minutes = remaining
		}
		if minutes < 1 {
			minutes = 1
		}
		if minutes > 60 {
			minutes = 60 // MicroTask invariant: estimated_minutes in [1,60]
		}
		remaining -= chunkSize

		tasks = append(tasks, MicroTask{
			TaskID:               fmt.Sprintf("%s-mt%d", item.ID, i+1),
			ParentID:             item.ID,
			Title:                fmt.Sprintf("%s (part %d/%d)", item.Name, i+1, count),
			Description:          item.Description,
			EstimatedMinutes:     minutes,
			RequiredCapabilities: append([]string(nil), item.RequiredCapabilities...),
			ComplexityScore:      complexityScore,
			Status:               StatusPending,
		})
	}
	return tasks
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// cacheMetrics groups the Breakdown Cache's hit/miss/clear/size counters.
type cacheMetrics struct {
	hits    metric.Int64Counter
	misses  metric.Int64Counter
	clears  metric.Int64Counter
	size    metric.Int64UpDownCounter
}

func newCacheMetrics(meter metric.Meter) cacheMetrics {
	hits, _ := meter.Int64Counter("taskmaster_breakdown_cache_hits_total")
	misses, _ := meter.Int64Counter("taskmaster_breakdown_cache_misses_total")
	clears, _ := meter.Int64Counter("taskmaster_breakdown_cache_clears_total")
	size, _ := meter.Int64UpDownCounter("taskmaster_breakdown_cache_size")
	return cacheMetrics{hits: hits, misses: misses, clears: clears, size: size}
}
