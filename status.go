package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// OverlapAlert flags a potential duplicate or conflicting assignment spotted
// during a status sweep: duplicate (name, description) pairs among live
// items, or capability conflicts between agents working adjacent
// WorkItems.
type OverlapAlert struct {
	Type        string    `json:"type"` // duplicate_work_item | capability_conflict
	Severity    string    `json:"severity"`
	DetectedAt  time.Time `json:"detected_at"`
	Description string    `json:"description"`
	WorkItemID  string    `json:"work_item_id,omitempty"`
	OtherID     string    `json:"other_id,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	OtherAgent  string    `json:"other_agent,omitempty"`
}

// StatusReport is one point-in-time rendering of the daemon's health: a
// Metrics snapshot bundled with overlap alerts and recommendations.
type StatusReport struct {
	Timestamp       time.Time      `json:"timestamp"`
	Health          HealthStatus   `json:"health"`
	Metrics         Snapshot       `json:"metrics"`
	OverlapAlerts   []OverlapAlert `json:"overlap_alerts"`
	Recommendations []string       `json:"recommendations"`
}

// StatusMonitor polls the Metrics collector and Registry on an interval,
// keeping a bounded history (capped at maxHistory, default 1000 entries) so
// /v1/status can serve both the latest report and a short trailing window
// without recomputing it.
type StatusMonitor struct {
	mu      sync.RWMutex
	history []StatusReport

	maxHistory int

	collector *MetricsCollector
	registry  *Registry
	agents    *AgentDirectory

	interval time.Duration

	alertsGauge metric.Int64UpDownCounter
}

// NewStatusMonitor constructs a monitor polling collector/registry/agents
// every interval, capped to maxHistory retained reports.
func NewStatusMonitor(collector *MetricsCollector, registry *Registry, agents *AgentDirectory, interval time.Duration, meter metric.Meter) *StatusMonitor {
	alertsGauge, _ := meter.Int64UpDownCounter("taskmaster_status_overlap_alerts")
	return &StatusMonitor{
		maxHistory:  1000,
		collector:   collector,
		registry:    registry,
		agents:      agents,
		interval:    interval,
		alertsGauge: alertsGauge,
	}
}

// Run polls on interval until ctx is cancelled, appending a StatusReport to
// history each tick.
func (sm *StatusMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	sm.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.poll(ctx)
		}
	}
}

func (sm *StatusMonitor) poll(ctx context.Context) {
	report := sm.buildReport(ctx)

	sm.mu.Lock()
	sm.history = append(sm.history, report)
	if len(sm.history) > sm.maxHistory {
		sm.history = sm.history[len(sm.history)-sm.maxHistory:]
	}
	sm.mu.Unlock()

	if len(report.OverlapAlerts) > 0 {
		slog.Warn("status sweep found overlaps", "count", len(report.OverlapAlerts))
	}
}

func (sm *StatusMonitor) buildReport(ctx context.Context) StatusReport {
	snapshot := sm.collector.Collect()
	alerts := sm.detectOverlaps()

	delta := int64(len(alerts))
	if prev, ok := sm.Current(); ok {
		delta -= int64(len(prev.OverlapAlerts))
	}
	sm.alertsGauge.Add(ctx, delta)

	health := assessHealth(snapshot, alerts)

	return StatusReport{
		Timestamp:       time.Now(),
		Health:          health,
		Metrics:         snapshot,
		OverlapAlerts:   alerts,
		Recommendations: recommendationsFor(snapshot, alerts, sm.agents.Count()),
	}
}

// detectOverlaps scans live WorkItems for duplicate (name, description)
// pairs and live Agents for capability conflicts on adjacent work, in two
// passes.
func (sm *StatusMonitor) detectOverlaps() []OverlapAlert {
	var alerts []OverlapAlert

	live := append(sm.registry.ByStatus(StatusPending), sm.registry.ByStatus(StatusInProgress)...)
	seen := make(map[string]string) // name+hash -> first item id
	for _, item := range live {
		key := item.Name + ":" + descriptionHash(item.Description)
		if firstID, exists := seen[key]; exists {
			alerts = append(alerts, OverlapAlert{
				Type:        "duplicate_work_item",
				Severity:    "high",
				DetectedAt:  time.Now(),
				Description: "duplicate work item detected: " + item.Name,
				WorkItemID:  firstID,
				OtherID:     item.ID,
			})
			continue
		}
		seen[key] = item.ID
	}

	agents := sm.agents.Snapshot()
	for i, a := range agents {
		for j, b := range agents {
			if i == j || !hasSharedCapability(keysOf(a.Capabilities), keysOf(b.Capabilities)) {
				continue
			}
			for taskID := range a.CurrentTaskIDs {
				item, err := sm.registry.Get(taskID)
				if err != nil {
					continue
				}
				if hasSharedCapability(item.RequiredCapabilities, keysOf(b.Capabilities)) {
					alerts = append(alerts, OverlapAlert{
						Type:        "capability_conflict",
						Severity:    "medium",
						DetectedAt:  time.Now(),
						Description: "agents with overlapping capabilities contending for " + item.Name,
						WorkItemID:  item.ID,
						AgentID:     a.AgentID,
						OtherAgent:  b.AgentID,
					})
				}
			}
		}
	}

	return alerts
}

func keysOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// assessHealth escalates to HealthDegraded when more than five overlap
// alerts are live in the same sweep, on top of whatever the Metrics
// snapshot's own health verdict already says.
func assessHealth(snapshot Snapshot, alerts []OverlapAlert) HealthStatus {
	if snapshot.Health == HealthDegraded {
		return HealthDegraded
	}
	if len(alerts) > 5 {
		return HealthDegraded
	}
	return HealthOK
}

// recommendationsFor derives operator-facing hints from the snapshot and
// alert set against a handful of fixed thresholds.
func recommendationsFor(snapshot Snapshot, alerts []OverlapAlert, agentCount int) []string {
	var recs []string

	if len(alerts) > 3 {
		recs = append(recs, "high number of overlap alerts; review agent assignments and dependency gating")
	}

	total := 0
	for _, c := range snapshot.ItemsByStatus {
		total += c
	}
	if total > 0 {
		completionRate := float64(snapshot.ItemsByStatus[StatusCompleted]) / float64(total)
		if completionRate < 0.7 {
			recs = append(recs, "low completion rate; consider adding workers or revisiting complexity bands")
		}
	}

	if agentCount == 0 {
		recs = append(recs, "no registered agents; work items will queue without being assigned")
	}

	if snapshot.ItemsByStatus[StatusPending] > 5 {
		recs = append(recs, "large pending backlog; consider raising batch quotas or min_agents")
	}

	return recs
}

// Current returns the most recent StatusReport, or false if no sweep has
// run yet.
func (sm *StatusMonitor) Current() (StatusReport, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if len(sm.history) == 0 {
		return StatusReport{}, false
	}
	return sm.history[len(sm.history)-1], true
}

// History returns every retained StatusReport within the trailing window.
func (sm *StatusMonitor) History(window time.Duration) []StatusReport {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	out := make([]StatusReport, 0, len(sm.history))
	for _, report := range sm.history {
		if report.Timestamp.After(cutoff) {
			out = append(out, report)
		}
	}
	return out
}
