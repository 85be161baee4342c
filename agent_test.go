package main

import (
	"context"
	"testing"
)

func TestAgentDirectoryRegisterAndHeartbeat(t *testing.T) {
	d := NewAgentDirectory(testMeter(), nil)
	ctx := context.Background()

	id := d.RegisterAgent(ctx, "worker-1", []string{"http", "sql"})
	if id == "" {
		t.Fatalf("expected non-empty agent id")
	}

	agent, ok := d.Get(id)
	if !ok {
		t.Fatalf("expected agent to be registered")
	}
	if agent.Status != AgentAvailable {
		t.Fatalf("expected newly registered agent to be available, got %s", agent.Status)
	}

	if err := d.Heartbeat(ctx, id); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := d.Heartbeat(ctx, "unknown"); KindOf(err) != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown agent, got %v", err)
	}
}

func TestAgentDirectoryMarkBusyThenAvailable(t *testing.T) {
	d := NewAgentDirectory(testMeter(), nil)
	ctx := context.Background()
	id := d.RegisterAgent(ctx, "worker-1", nil)

	d.MarkBusy(id, "task-1")
	agent, _ := d.Get(id)
	if agent.Status != AgentBusy {
		t.Fatalf("expected busy status, got %s", agent.Status)
	}

	d.MarkAvailable(id, "task-1")
	agent, _ = d.Get(id)
	if agent.Status != AgentAvailable {
		t.Fatalf("expected available status after releasing last task, got %s", agent.Status)
	}
}

func TestAgentDirectoryFindCapableRequiresOverlapFraction(t *testing.T) {
	d := NewAgentDirectory(testMeter(), nil)
	ctx := context.Background()
	d.RegisterAgent(ctx, "worker-1", []string{"http"})
	d.RegisterAgent(ctx, "worker-2", []string{"http", "sql"})

	full := d.FindCapable([]string{"http", "sql"}, 1.0)
	if len(full) != 1 {
		t.Fatalf("expected exactly 1 agent satisfying full overlap, got %d", len(full))
	}

	partial := d.FindCapable([]string{"http", "sql"}, 0.5)
	if len(partial) != 2 {
		t.Fatalf("expected both agents to satisfy 50%% overlap, got %d", len(partial))
	}
}

func TestAgentDirectoryDeregisterRemovesAgent(t *testing.T) {
	d := NewAgentDirectory(testMeter(), nil)
	ctx := context.Background()
	id := d.RegisterAgent(ctx, "worker-1", nil)

	d.Deregister(ctx, id)
	if _, ok := d.Get(id); ok {
		t.Fatalf("expected agent to be removed after deregister")
	}
	if d.Count() != 0 {
		t.Fatalf("expected count 0 after deregister, got %d", d.Count())
	}
}

func TestAgentDirectoryCountBusy(t *testing.T) {
	d := NewAgentDirectory(testMeter(), nil)
	ctx := context.Background()
	a := d.RegisterAgent(ctx, "a", nil)
	d.RegisterAgent(ctx, "b", nil)
	d.MarkBusy(a, "task-1")

	if d.Count() != 2 {
		t.Fatalf("expected 2 registered agents, got %d", d.Count())
	}
	if d.CountBusy() != 1 {
		t.Fatalf("expected 1 busy agent, got %d", d.CountBusy())
	}
}
