package main

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScaleDecision is the AutoScaler's output.
type ScaleDecision string

const (
	ScaleUp   ScaleDecision = "SCALE_UP"
	ScaleDown ScaleDecision = "SCALE_DOWN"
	ScaleHold ScaleDecision = "HOLD"
)

// AutoScaler runs a closed-loop sizing decision against the Agent
// directory: a cooldown gate followed by a pending-load vs. idle-fraction
// comparison.
type AutoScaler struct {
	mu sync.Mutex

	agents *AgentDirectory

	minAgents       int
	maxAgents       int
	tasksPerAgentUp float64
	idleFracDown    float64
	cooldown        time.Duration

	lastScaleAt  time.Time
	lastDecision ScaleDecision

	decisions metric.Int64Counter
	poolSize  metric.Int64UpDownCounter
}

// NewAutoScaler constructs a scaler against directory agents, bounded by
// [minAgents,maxAgents] and gated by cooldown between successive scaling
// actions.
func NewAutoScaler(agents *AgentDirectory, minAgents, maxAgents int, tasksPerAgentUp, idleFracDown float64, cooldown time.Duration, meter metric.Meter) *AutoScaler {
	decisions, _ := meter.Int64Counter("taskmaster_autoscaler_decisions_total")
	poolSize, _ := meter.Int64UpDownCounter("taskmaster_autoscaler_pool_size")
	return &AutoScaler{
		agents:          agents,
		minAgents:       minAgents,
		maxAgents:       maxAgents,
		tasksPerAgentUp: tasksPerAgentUp,
		idleFracDown:    idleFracDown,
		cooldown:        cooldown,
		decisions:       decisions,
		poolSize:        poolSize,
	}
}

// Evaluate runs a five-step decision:
//  1. if now - last_scale_time < cooldown -> HOLD
//  2. current = len(agents); busy = count busy; pending = queue depth
//  3. if current < max_agents and pending/max(current,1) > tasks_per_agent_up -> SCALE_UP
//  4. else if pending == 0 and current > min_agents and (current-busy)/max(current,1) >= idle_frac_down -> SCALE_DOWN
//  5. else HOLD
//
// On SCALE_UP/SCALE_DOWN, last_scale_time is updated and the caller-supplied
// scaleFn is invoked with the signed delta (+1 or -1 agent).
func (a *AutoScaler) Evaluate(ctx context.Context, pendingJobs int, scaleFn func(delta int) error) (ScaleDecision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if !a.lastScaleAt.IsZero() && now.Sub(a.lastScaleAt) < a.cooldown {
		a.lastDecision = ScaleHold
		a.record(ctx, ScaleHold)
		return ScaleHold, nil
	}

	current := a.agents.Count()
	busy := a.agents.CountBusy()
	denom := math.Max(float64(current), 1)

	decision := ScaleHold
	switch {
	case current < a.maxAgents && float64(pendingJobs)/denom > a.tasksPerAgentUp:
		decision = ScaleUp
	case pendingJobs == 0 && current > a.minAgents && float64(current-busy)/denom >= a.idleFracDown:
		decision = ScaleDown
	}

	a.lastDecision = decision
	if decision == ScaleHold {
		a.record(ctx, decision)
		return decision, nil
	}

	delta := 1
	if decision == ScaleDown {
		delta = -1
	}

	if scaleFn != nil {
		if err := scaleFn(delta); err != nil {
			return decision, err
		}
	}

	a.lastScaleAt = now
	a.poolSize.Add(ctx, int64(delta))
	a.record(ctx, decision)

	slog.Info("autoscaler decision", "decision", decision, "current_agents", current, "busy_agents", busy, "pending_jobs", pendingJobs)
	return decision, nil
}

func (a *AutoScaler) record(ctx context.Context, d ScaleDecision) {
	a.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(d))))
}

// LastScaleAt returns the last time a SCALE_UP/SCALE_DOWN action fired, the
// zero time if none has yet.
func (a *AutoScaler) LastScaleAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastScaleAt
}

// LastDecision returns the outcome of the most recent Evaluate call,
// including HOLD, for the Metrics snapshot's LastScaleDecision field
// (JSON key last_scale_decision).
func (a *AutoScaler) LastDecision() ScaleDecision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastDecision
}
