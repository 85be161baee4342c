package main

import (
	"context"
	"testing"
	"time"
)

func TestAutoScalerScalesUpUnderHighPendingLoad(t *testing.T) {
	agents := NewAgentDirectory(testMeter(), nil)
	ctx := context.Background()
	agents.RegisterAgent(ctx, "a", nil)

	as := NewAutoScaler(agents, 1, 5, 2.0, 0.5, time.Minute, testMeter())

	called := 0
	decision, err := as.Evaluate(ctx, 10, func(delta int) error {
		called++
		if delta != 1 {
			t.Fatalf("expected scale-up delta of +1, got %d", delta)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if decision != ScaleUp {
		t.Fatalf("expected SCALE_UP, got %s", decision)
	}
	if called != 1 {
		t.Fatalf("expected scaleFn to be invoked once, got %d", called)
	}
}

func TestAutoScalerScalesDownWhenIdle(t *testing.T) {
	agents := NewAgentDirectory(testMeter(), nil)
	ctx := context.Background()
	agents.RegisterAgent(ctx, "a", nil)
	agents.RegisterAgent(ctx, "b", nil)
	agents.RegisterAgent(ctx, "c", nil)

	as := NewAutoScaler(agents, 1, 5, 100.0, 0.3, time.Minute, testMeter())

	decision, err := as.Evaluate(ctx, 0, func(delta int) error {
		if delta != -1 {
			t.Fatalf("expected scale-down delta of -1, got %d", delta)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if decision != ScaleDown {
		t.Fatalf("expected SCALE_DOWN, got %s", decision)
	}
}

func TestAutoScalerHoldsDuringCooldown(t *testing.T) {
	agents := NewAgentDirectory(testMeter(), nil)
	ctx := context.Background()
	agents.RegisterAgent(ctx, "a", nil)

	as := NewAutoScaler(agents, 1, 5, 2.0, 0.5, time.Hour, testMeter())

	if _, err := as.Evaluate(ctx, 10, func(int) error { return nil }); err != nil {
		t.Fatalf("first evaluate failed: %v", err)
	}

	decision, err := as.Evaluate(ctx, 10, func(int) error {
		t.Fatalf("scaleFn should not be called while in cooldown")
		return nil
	})
	if err != nil {
		t.Fatalf("second evaluate failed: %v", err)
	}
	if decision != ScaleHold {
		t.Fatalf("expected HOLD during cooldown, got %s", decision)
	}
}

func TestAutoScalerHoldsAtMaxAgents(t *testing.T) {
	agents := NewAgentDirectory(testMeter(), nil)
	ctx := context.Background()
	agents.RegisterAgent(ctx, "a", nil)

	as := NewAutoScaler(agents, 1, 1, 0.1, 0.9, time.Minute, testMeter())

	decision, err := as.Evaluate(ctx, 100, func(int) error {
		t.Fatalf("scaleFn should not be called at max_agents")
		return nil
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if decision != ScaleHold {
		t.Fatalf("expected HOLD at max_agents cap, got %s", decision)
	}
}
