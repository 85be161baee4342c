package main

import "time"

// HealthStatus is the coarse health verdict carried in the Snapshot and
// StatusReport served at /v1/status (/health itself always answers "ok").
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
)

// Snapshot is the read-only aggregate view exposed by the Metrics component:
// counts by status/kind, cache hit rate, queue depth, agent pool size, and
// the most recent autoscaler decision.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	ItemsByStatus map[Status]int   `json:"items_by_status"`
	ItemsByKind   map[WorkKind]int `json:"items_by_kind"`

	AgentCount      int `json:"agent_count"`
	AgentBusyCount  int `json:"agent_busy_count"`

	WorkerQueueDepth int `json:"worker_queue_depth"`

	CacheSize    int     `json:"cache_size"`
	CacheHitRate float64 `json:"cache_hit_rate,omitempty"`

	AvgProcessingTimeSeconds float64 `json:"avg_processing_time"`
	SuccessRate              float64 `json:"success_rate"`

	LastScaleDecision ScaleDecision `json:"last_scale_decision,omitempty"`
	LastScaleAt       *time.Time    `json:"last_scale_at,omitempty"`

	Health HealthStatus `json:"health"`
}

// MetricsCollector aggregates read-only views across the other components
// without holding any lock of its own — every call delegates to the
// component's own thread-safe accessor; collecting a snapshot never mutates
// the state it reads.
type MetricsCollector struct {
	registry *Registry
	agents   *AgentDirectory
	cache    *BreakdownCache
	pool     *WorkerPool
	scaler   *AutoScaler
}

// NewMetricsCollector wires the collector against the live components.
func NewMetricsCollector(registry *Registry, agents *AgentDirectory, cache *BreakdownCache, pool *WorkerPool, scaler *AutoScaler) *MetricsCollector {
	return &MetricsCollector{registry: registry, agents: agents, cache: cache, pool: pool, scaler: scaler}
}

// Collect builds a fresh Snapshot from the live components.
func (m *MetricsCollector) Collect() Snapshot {
	items := m.registry.Snapshot()

	byStatus := make(map[Status]int)
	byKind := make(map[WorkKind]int)
	var totalProcessing time.Duration
	var finishedCount int
	var billableCompleted, billableFailed int
	for _, item := range items {
		byStatus[item.Status]++
		byKind[item.Kind]++
		if item.Status == StatusCompleted {
			totalProcessing += item.LastUpdated.Sub(item.CreatedAt)
			finishedCount++
		}
		if !item.AutoGenerated {
			switch item.Status {
			case StatusCompleted:
				billableCompleted++
			case StatusFailed:
				billableFailed++
			}
		}
	}

	var avgProcessing float64
	if finishedCount > 0 {
		avgProcessing = totalProcessing.Seconds() / float64(finishedCount)
	}

	var successRate float64
	if terminal := billableCompleted + billableFailed; terminal > 0 {
		successRate = float64(billableCompleted) / float64(terminal)
	}

	snap := Snapshot{
		Timestamp:               time.Now(),
		ItemsByStatus:            byStatus,
		ItemsByKind:              byKind,
		AgentCount:               m.agents.Count(),
		AgentBusyCount:           m.agents.CountBusy(),
		WorkerQueueDepth:         m.pool.QueueDepth(),
		CacheSize:                m.cache.Size(),
		CacheHitRate:             m.cache.HitRate(),
		AvgProcessingTimeSeconds: avgProcessing,
		SuccessRate:              successRate,
		LastScaleDecision:        m.scaler.LastDecision(),
		Health:                   HealthOK,
	}

	if lastScale := m.scaler.LastScaleAt(); !lastScale.IsZero() {
		snap.LastScaleAt = &lastScale
	}

	if snap.WorkerQueueDepth > 0 && snap.AgentCount == 0 {
		snap.Health = HealthDegraded
	}
	if byStatus[StatusFailed] > 0 && byStatus[StatusFailed] >= byStatus[StatusCompleted] && byStatus[StatusCompleted] > 0 {
		snap.Health = HealthDegraded
	}

	return snap
}
