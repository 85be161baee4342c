package main

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// bgctx is used for metric recording calls inside code paths that don't
// otherwise carry a context (background eviction sweep, internal bookkeeping).
var bgctx = context.Background()

// breakdownCacheEntry stores a decomposed MicroTask list plus its
// bookkeeping: parentID for the on-completion purge, createdAt for TTL
// expiry and oldest-entry eviction, and lastUsed/accessCount recorded on
// each hit.
type breakdownCacheEntry struct {
	microTasks  []MicroTask
	parentID    string
	createdAt   time.Time
	lastUsed    time.Time
	accessCount int
}

// BreakdownCache is the content-addressed, TTL+LRU cache of decomposition
// outputs, backed by a background cleanup goroutine that sweeps expired
// entries on a fixed interval. It also supports an on-completion purge by
// parent id, so a finished WorkItem's cached breakdown doesn't linger.
type BreakdownCache struct {
	mu      sync.Mutex
	entries map[string]*breakdownCacheEntry
	maxSize int
	ttl     time.Duration

	hitCount  int64
	missCount int64

	metrics cacheMetrics
}

// NewBreakdownCache constructs a cache with the given capacity and TTL, and
// starts its background expiry sweep.
func NewBreakdownCache(maxSize int, ttl time.Duration, meter metric.Meter) *BreakdownCache {
	bc := &BreakdownCache{
		entries: make(map[string]*breakdownCacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		metrics: newCacheMetrics(meter),
	}
	go bc.sweepExpired()
	return bc
}

func (bc *BreakdownCache) sweepExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		bc.mu.Lock()
		now := time.Now()
		for key, entry := range bc.entries {
			if now.Sub(entry.createdAt) > bc.ttl {
				delete(bc.entries, key)
			}
		}
		bc.mu.Unlock()
	}
}

// Get returns the cached MicroTask list for key if present and not expired;
// it never yields an entry older than the configured TTL.
func (bc *BreakdownCache) Get(key string) ([]MicroTask, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	entry, ok := bc.entries[key]
	if !ok || time.Since(entry.createdAt) > bc.ttl {
		bc.missCount++
		bc.metrics.misses.Add(bgctx, 1)
		return nil, false
	}

	entry.lastUsed = time.Now()
	entry.accessCount++
	bc.hitCount++
	bc.metrics.hits.Add(bgctx, 1)

	// Return a copy so callers can never mutate the cached slice in place.
	out := make([]MicroTask, len(entry.microTasks))
	copy(out, entry.microTasks)
	return out, true
}

// Put stores tasks under key for parentID, evicting the entry with the
// oldest created_at if the cache is at capacity.
func (bc *BreakdownCache) Put(key, parentID string, tasks []MicroTask) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if _, exists := bc.entries[key]; !exists && len(bc.entries) >= bc.maxSize {
		bc.evictOldest()
	}

	stored := make([]MicroTask, len(tasks))
	copy(stored, tasks)

	now := time.Now()
	bc.entries[key] = &breakdownCacheEntry{
		microTasks: stored,
		parentID:   parentID,
		createdAt:  now,
		lastUsed:   now,
	}
	bc.metrics.size.Add(bgctx, 1)
}

func (bc *BreakdownCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range bc.entries {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}
	if oldestKey != "" {
		delete(bc.entries, oldestKey)
		bc.metrics.size.Add(bgctx, -1)
	}
}

// PurgeParent removes every entry belonging to parentID — called once a
// parent WorkItem reaches completed.
func (bc *BreakdownCache) PurgeParent(parentID string) int {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	cleared := 0
	for key, entry := range bc.entries {
		if entry.parentID == parentID {
			delete(bc.entries, key)
			cleared++
		}
	}
	if cleared > 0 {
		bc.metrics.clears.Add(bgctx, 1)
		bc.metrics.size.Add(bgctx, int64(-cleared))
	}
	return cleared
}

// Size returns the current number of cached entries.
func (bc *BreakdownCache) Size() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.entries)
}

// HitRate returns hits/(hits+misses) across the cache's lifetime, 0 if it
// has never been queried.
func (bc *BreakdownCache) HitRate() float64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	total := bc.hitCount + bc.missCount
	if total == 0 {
		return 0
	}
	return float64(bc.hitCount) / float64(total)
}
