package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskmaster/internal/natsctx"
)

// AgentStatus is the Agent lifecycle state.
type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentDraining  AgentStatus = "draining"
	AgentDead      AgentStatus = "dead"
)

// Agent is a logical executor registered with the Scheduler.
type Agent struct {
	AgentID       string
	Name          string
	Capabilities  map[string]struct{}
	CurrentTaskIDs map[string]struct{}
	Status        AgentStatus
	LastHeartbeat time.Time
	Pinned        bool // pinned agents are never chosen by SCALE_DOWN
}

// AgentDirectory is the registration API collaborators use. It breaks what
// would otherwise be a Dispatcher<->Registry<->Scheduler dependency cycle:
// the Dispatcher, PriorityScorer, AutoScaler and StatusMonitor depend only
// on this directory; the Scheduler does not use it.
type AgentDirectory struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	nc *nats.Conn // optional; nil means no event publication

	registrations metric.Int64Counter
	heartbeats    metric.Int64Counter
	deregistrations metric.Int64Counter
}

// NewAgentDirectory constructs the directory. nc may be nil.
func NewAgentDirectory(meter metric.Meter, nc *nats.Conn) *AgentDirectory {
	registrations, _ := meter.Int64Counter("taskmaster_agent_registrations_total")
	heartbeats, _ := meter.Int64Counter("taskmaster_agent_heartbeats_total")
	deregistrations, _ := meter.Int64Counter("taskmaster_agent_deregistrations_total")

	return &AgentDirectory{
		agents:          make(map[string]*Agent),
		nc:              nc,
		registrations:   registrations,
		heartbeats:      heartbeats,
		deregistrations: deregistrations,
	}
}

// RegisterAgent adds a new Agent to the directory.
func (d *AgentDirectory) RegisterAgent(ctx context.Context, name string, capabilities []string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := fmt.Sprintf("agent_%s", uuid.NewString()[:8])
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}

	d.agents[id] = &Agent{
		AgentID:        id,
		Name:           name,
		Capabilities:   caps,
		CurrentTaskIDs: make(map[string]struct{}),
		Status:         AgentAvailable,
		LastHeartbeat:  time.Now(),
	}

	d.registrations.Add(ctx, 1)
	d.publish(ctx, "agent.registered", id)
	slog.Info("agent registered", "agent_id", id, "name", name, "capabilities", capabilities)
	return id
}

// Heartbeat records liveness; heartbeats are monotonically timestamped.
func (d *AgentDirectory) Heartbeat(ctx context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	agent, ok := d.agents[agentID]
	if !ok {
		return newErr(ErrNotFound, "Heartbeat", fmt.Errorf("agent %s not found", agentID))
	}
	now := time.Now()
	if now.Before(agent.LastHeartbeat) {
		now = agent.LastHeartbeat.Add(time.Nanosecond)
	}
	agent.LastHeartbeat = now
	d.heartbeats.Add(ctx, 1)
	d.publish(ctx, "agent.heartbeat", agentID)
	return nil
}

// Deregister removes an Agent from the directory.
func (d *AgentDirectory) Deregister(ctx context.Context, agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.agents[agentID]; !ok {
		return
	}
	delete(d.agents, agentID)
	d.deregistrations.Add(ctx, 1)
	d.publish(ctx, "agent.deregistered", agentID)
	slog.Info("agent deregistered", "agent_id", agentID)
}

func (d *AgentDirectory) publish(ctx context.Context, subject, agentID string) {
	if d.nc == nil {
		return
	}
	if err := natsctx.Publish(ctx, d.nc, subject, []byte(agentID)); err != nil {
		slog.Warn("nats publish failed", "subject", subject, "error", err)
	}
}

// Get returns a snapshot copy of an Agent.
func (d *AgentDirectory) Get(agentID string) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Snapshot returns a deep copy of every registered Agent.
func (d *AgentDirectory) Snapshot() []Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Agent, 0, len(d.agents))
	for _, a := range d.agents {
		c := *a
		c.Capabilities = make(map[string]struct{}, len(a.Capabilities))
		for k := range a.Capabilities {
			c.Capabilities[k] = struct{}{}
		}
		c.CurrentTaskIDs = make(map[string]struct{}, len(a.CurrentTaskIDs))
		for k := range a.CurrentTaskIDs {
			c.CurrentTaskIDs[k] = struct{}{}
		}
		out = append(out, c)
	}
	return out
}

// Count returns the total number of registered agents.
func (d *AgentDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents)
}

// CountBusy returns the number of agents currently marked busy.
func (d *AgentDirectory) CountBusy() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	busy := 0
	for _, a := range d.agents {
		if a.Status == AgentBusy {
			busy++
		}
	}
	return busy
}

// MarkBusy / MarkAvailable flip an Agent's status and are used by the
// Dispatcher when dispatching/completing Jobs.
func (d *AgentDirectory) MarkBusy(agentID, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.agents[agentID]; ok {
		a.Status = AgentBusy
		a.CurrentTaskIDs[taskID] = struct{}{}
	}
}

func (d *AgentDirectory) MarkAvailable(agentID, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.agents[agentID]; ok {
		delete(a.CurrentTaskIDs, taskID)
		if len(a.CurrentTaskIDs) == 0 {
			a.Status = AgentAvailable
		}
	}
}

// FindCapable returns agents whose capabilities satisfy at least
// overlapFraction of required.
func (d *AgentDirectory) FindCapable(required []string, overlapFraction float64) []Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Agent
	for _, a := range d.agents {
		if a.Status == AgentDead || a.Status == AgentDraining {
			continue
		}
		if capabilityOverlap(a.Capabilities, required) >= overlapFraction {
			out = append(out, *a)
		}
	}
	return out
}

func capabilityOverlap(have map[string]struct{}, required []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	matched := 0
	for _, r := range required {
		if _, ok := have[r]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// AvailableWorkerCount counts agents that can serve the given capability
// set, used by the Priority Scorer's resource_factor term.
func (d *AgentDirectory) AvailableWorkerCount(capabilities []string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, a := range d.agents {
		if a.Status != AgentAvailable {
			continue
		}
		if capabilityOverlap(a.Capabilities, capabilities) >= 1.0 || len(capabilities) == 0 {
			count++
		}
	}
	return count
}

// pinAgent supports the AutoScaler's SCALE_DOWN precondition: a
// pinned agent is never chosen for deregistration.
func (d *AgentDirectory) pinAgent(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.agents[agentID]; ok {
		a.Pinned = true
	}
}
