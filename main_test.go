package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestMux(t *testing.T) (*http.ServeMux, *Registry, *Dispatcher) {
	t.Helper()
	d, registry := newTestDispatcher(t)
	agents := NewAgentDirectory(testMeter(), nil)
	cache := NewBreakdownCache(16, time.Hour, testMeter())
	pool := NewWorkerPool(1, 4, 0, &fakeHook{}, testMeter())
	t.Cleanup(func() { pool.Stop(time.Second) })
	scaler := NewAutoScaler(agents, 1, 5, 2.0, 0.5, time.Minute, testMeter())
	metrics := NewMetricsCollector(registry, agents, cache, pool, scaler)
	statusMonitor := NewStatusMonitor(metrics, registry, agents, time.Hour, testMeter())
	return buildMux(registry, agents, metrics, statusMonitor, d, nil), registry, d
}

func TestHealthEndpointReturnsOK(t *testing.T) {
	mux, _, _ := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
}

func TestCreateWorkItemEndpoint(t *testing.T) {
	mux, registry, _ := newTestMux(t)

	body, _ := json.Marshal(map[string]any{
		"kind": "task", "name": "ship feature", "description": "ship it", "priority": "HIGH", "estimated_hours": 2,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/work_items", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)

	if rw.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rw.Code, rw.Body.String())
	}
	var created WorkItem
	if err := json.Unmarshal(rw.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if _, err := registry.Get(created.ID); err != nil {
		t.Fatalf("expected created item to be present in the registry: %v", err)
	}
}

func TestCreateWorkItemEndpointRejectsBadKind(t *testing.T) {
	mux, _, _ := newTestMux(t)

	body, _ := json.Marshal(map[string]any{"kind": "not-a-kind", "name": "x", "description": "y"})
	req := httptest.NewRequest(http.MethodPost, "/v1/work_items", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)

	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported kind, got %d", rw.Code)
	}
}

func TestRegisterAgentEndpoint(t *testing.T) {
	mux, _, _ := newTestMux(t)

	body, _ := json.Marshal(map[string]any{"name": "worker-1", "capabilities": []string{"http"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/agents", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)

	if rw.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rw.Code)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	listRW := httptest.NewRecorder()
	mux.ServeHTTP(listRW, listReq)
	var agents []Agent
	if err := json.Unmarshal(listRW.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode agents list failed: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 registered agent, got %d", len(agents))
	}
}

func TestCancelWorkItemEndpoint(t *testing.T) {
	mux, registry, d := newTestMux(t)

	item, _ := NewTask("t1", "desc", PriorityLow, 1)
	if err := registry.Insert(context.Background(), item); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	d.cancellation.Register(item.ID)

	body, _ := json.Marshal(map[string]any{"id": item.ID, "reason": "test"})
	cancelReq := httptest.NewRequest(http.MethodPost, "/v1/work_items/cancel", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, cancelReq)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	got, err := registry.Get(item.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", got.Status)
	}
}

func TestStatusEndpointReturnsReport(t *testing.T) {
	mux, _, _ := newTestMux(t)
	statusReq := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, statusReq)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var report StatusReport
	if err := json.Unmarshal(rw.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode status report failed: %v", err)
	}
}
