package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	logging "github.com/swarmguard/taskmaster/internal/logging"
	"github.com/swarmguard/taskmaster/internal/otelinit"
)

func main() {
	service := "taskmasterd"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	cfg, err := LoadConfig(os.Getenv("TASKMASTER_CONFIG_PATH"))
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}

	dataDir := os.Getenv("TASKMASTER_DATA_DIR")
	if dataDir == "" {
		dataDir = "."
	}
	store, err := NewStore(dataDir, meter)
	if err != nil {
		slog.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var nc *nats.Conn
	if url := os.Getenv("TASKMASTER_NATS_URL"); url != "" {
		nc, err = nats.Connect(url)
		if err != nil {
			slog.Warn("nats connect failed, continuing without event publication", "error", err)
			nc = nil
		} else {
			defer nc.Close()
		}
	}

	registry := NewRegistry(meter)
	restored, err := store.LoadRegistrySnapshot(ctx)
	if err != nil {
		slog.Error("load registry snapshot failed", "error", err)
	}
	for _, item := range restored {
		item := item
		if err := registry.Insert(ctx, &item); err != nil {
			slog.Warn("skipped restoring work item", "id", item.ID, "error", err)
		}
	}
	slog.Info("registry restored", "count", len(restored))

	agents := NewAgentDirectory(meter, nc)
	cache := NewBreakdownCache(cfg.CacheMax, cfg.cacheTTL(), meter)
	breakdown := NewBreakdownEngine(cache)
	priority := NewPriorityScorer(agents)

	plugins, err := NewPluginRegistry(ctx)
	if err != nil {
		slog.Error("plugin registry init failed", "error", err)
		os.Exit(1)
	}
	defer plugins.Shutdown(context.Background())

	queueSize := cfg.MaxWorkers * 4
	pool := NewWorkerPool(cfg.MaxWorkers, queueSize, cfg.MaxRetries, plugins, meter)

	cancellation := NewCancellationManager(pool, meter)
	go cancellation.StartCleanupLoop(ctx, 5*time.Minute, time.Hour)

	scheduler := NewScheduler(registry, store, meter)
	scheduler.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = scheduler.Stop(stopCtx)
	}()
	if err := scheduler.RestoreSchedules(ctx); err != nil {
		slog.Error("restore schedules failed", "error", err)
	}

	scaler := NewAutoScaler(agents, cfg.MinAgents, cfg.MaxAgents, cfg.TasksPerAgentUp, cfg.IdleFracDown, cfg.cooldown(), meter)

	dispatcher := NewDispatcher(cfg, registry, breakdown, cache, priority, scheduler, pool, agents, cancellation, meter)
	go dispatcher.Run(ctx)

	metricsCollector := NewMetricsCollector(registry, agents, cache, pool, scaler)
	statusMonitor := NewStatusMonitor(metricsCollector, registry, agents, 30*time.Second, meter)
	go statusMonitor.Run(ctx)

	go runScalingLoop(ctx, cfg, scaler, agents, dispatcher, nc)
	go runSnapshotLoop(ctx, store, registry)

	srv := &http.Server{Addr: httpAddr(), Handler: buildMux(registry, agents, metricsCollector, statusMonitor, dispatcher, promHandler)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("taskmasterd started", "addr", httpAddr(), "max_workers", cfg.MaxWorkers, "min_agents", cfg.MinAgents, "max_agents", cfg.MaxAgents)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	cancellation.CancelAll(context.Background(), "daemon shutdown")
	pool.Stop(cfg.drainTimeout())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := store.SnapshotRegistry(shutdownCtx, registry.Snapshot()); err != nil {
		slog.Error("final registry snapshot failed", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func httpAddr() string {
	return getEnvDefault("TASKMASTER_HTTP_ADDR", ":8090")
}

// runScalingLoop evaluates the AutoScaler on every poll tick. SCALE_UP has no
// provisioning authority of its own here — agents register themselves
// externally — so it only publishes an event an external provisioner can act
// on; SCALE_DOWN deregisters the least-loaded unpinned idle agent directly.
func runScalingLoop(ctx context.Context, cfg Config, scaler *AutoScaler, agents *AgentDirectory, dispatcher *Dispatcher, nc *nats.Conn) {
	ticker := time.NewTicker(cfg.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending := dispatcher.QueueDepth()
			decision, err := scaler.Evaluate(ctx, pending, func(delta int) error {
				return applyScaleDecision(ctx, delta, agents, nc)
			})
			if err != nil {
				slog.Error("autoscaler evaluate failed", "error", err)
				continue
			}
			if decision != ScaleHold {
				slog.Info("scaling action applied", "decision", decision, "pending_jobs", pending)
			}
		}
	}
}

func applyScaleDecision(ctx context.Context, delta int, agents *AgentDirectory, nc *nats.Conn) error {
	if delta > 0 {
		if nc != nil {
			_ = nc.Publish("taskmaster.autoscale.up", []byte(`{"delta":1}`))
		}
		return nil
	}

	for _, a := range agents.Snapshot() {
		if a.Status == AgentAvailable && !a.Pinned {
			agents.Deregister(ctx, a.AgentID)
			return nil
		}
	}
	return nil
}

func runSnapshotLoop(ctx context.Context, store *Store, registry *Registry) {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.SnapshotRegistry(ctx, registry.Snapshot()); err != nil {
				slog.Error("periodic registry snapshot failed", "error", err)
			}
		}
	}
}

func buildMux(registry *Registry, agents *AgentDirectory, metrics *MetricsCollector, statusMonitor *StatusMonitor, dispatcher *Dispatcher, promHandler any) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		report, ok := statusMonitor.Current()
		if !ok {
			report = StatusReport{Metrics: metrics.Collect()}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req struct {
				Name         string   `json:"name"`
				Capabilities []string `json:"capabilities"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			id := agents.RegisterAgent(r.Context(), req.Name, req.Capabilities)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"agent_id": id})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(agents.Snapshot())
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/work_items", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Kind           string  `json:"kind"`
			Name           string  `json:"name"`
			Description    string  `json:"description"`
			Complexity     string  `json:"complexity"`
			Priority       string  `json:"priority"`
			EstimatedHours float64 `json:"estimated_hours"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		item, err := newWorkItemFromRequest(req.Kind, req.Name, req.Description, req.Complexity, req.Priority, req.EstimatedHours)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := registry.Insert(r.Context(), item); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(item)
	})

	mux.HandleFunc("/v1/work_items/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		item, err := registry.Get(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(item)
	})

	mux.HandleFunc("/v1/work_items/list", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items := filterWorkItems(registry, r.URL.Query().Get("status"), r.URL.Query().Get("kind"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(items)
	})

	mux.HandleFunc("/v1/work_items/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := dispatcher.CancelParent(r.Context(), req.ID, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	return mux
}

// filterWorkItems applies the optional status and kind query filters used by
// /v1/work_items/list, falling back to the full registry snapshot when
// neither is set.
func filterWorkItems(registry *Registry, status, kind string) []WorkItem {
	switch {
	case status != "" && kind != "":
		items := make([]WorkItem, 0)
		for _, item := range registry.ByStatus(Status(status)) {
			if item.Kind == WorkKind(kind) {
				items = append(items, item)
			}
		}
		return items
	case status != "":
		return registry.ByStatus(Status(status))
	case kind != "":
		return registry.ByKind(WorkKind(kind))
	default:
		return registry.Snapshot()
	}
}

// newWorkItemFromRequest routes an inbound /v1/work_items payload to the
// right constructor by kind.
func newWorkItemFromRequest(kind, name, description, complexity, priority string, estimatedHours float64) (*WorkItem, error) {
	switch WorkKind(kind) {
	case KindTask:
		return NewTask(name, description, Priority(priority), estimatedHours)
	case KindComplexTodo:
		return NewComplexTodo(name, description, Complexity(complexity), Priority(priority), estimatedHours)
	case KindTodo, "":
		return NewTodo(name, description, Complexity(complexity), Priority(priority), estimatedHours)
	default:
		return nil, newErr(ErrValidation, "newWorkItemFromRequest", fmt.Errorf("unsupported work item kind: %s", kind))
	}
}
