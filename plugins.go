package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskmaster/internal/resilience"
)

// Plugin is a named, lifecycle-managed WorkerHook: a capability interface
// with Initialize/Unload hooks around Execute.
type Plugin interface {
	Name() string
	Description() string
	Initialize(ctx context.Context) error
	Unload(ctx context.Context) error
	WorkerHook
}

// PluginRegistry dispatches a MicroTask to the Plugin named by its Handler
// field, defaulting to "noop" when unset — most MicroTasks produced by the
// Breakdown Engine carry no Handler and are simulated rather than routed to
// an external system.
type PluginRegistry struct {
	plugins map[string]Plugin
	tracer  trace.Tracer
}

// NewPluginRegistry constructs a registry with the built-in plugins
// registered and initialized.
func NewPluginRegistry(ctx context.Context) (*PluginRegistry, error) {
	pr := &PluginRegistry{
		plugins: make(map[string]Plugin),
		tracer:  otel.Tracer("taskmaster-plugins"),
	}

	builtins := []Plugin{
		NewNoopPlugin(),
		NewHTTPPlugin(),
		NewShellPlugin(),
		NewGRPCPlugin(),
		NewModelInferencePlugin(),
		NewSQLPlugin(),
		NewKafkaPlugin(),
	}
	for _, p := range builtins {
		if err := p.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize plugin %s: %w", p.Name(), err)
		}
		pr.plugins[p.Name()] = p
	}
	return pr, nil
}

// Execute implements WorkerHook by routing to the Plugin named by
// task.Handler.
func (pr *PluginRegistry) Execute(ctx context.Context, task MicroTask, wctx *WorkerContext) (map[string]any, error) {
	handler := task.Handler
	if handler == "" {
		handler = "noop"
	}

	plugin, exists := pr.plugins[handler]
	if !exists {
		return nil, newErr(ErrFatalWorker, "Execute", fmt.Errorf("unregistered plugin handler: %s", handler))
	}

	ctx, span := pr.tracer.Start(ctx, "plugin.execute",
		trace.WithAttributes(attribute.String("handler", handler), attribute.String("task_id", task.TaskID)))
	defer span.End()

	return plugin.Execute(ctx, task, wctx)
}

// Shutdown unloads every registered plugin, best-effort: it does not fail
// the overall shutdown on an individual plugin's unload error.
func (pr *PluginRegistry) Shutdown(ctx context.Context) {
	for _, p := range pr.plugins {
		_ = p.Unload(ctx)
	}
}

// ============================================================================
// Noop Plugin — the default handler for MicroTasks with no explicit route.
// ============================================================================

type NoopPlugin struct{}

func NewNoopPlugin() *NoopPlugin                        { return &NoopPlugin{} }
func (p *NoopPlugin) Name() string                       { return "noop" }
func (p *NoopPlugin) Description() string                { return "simulates MicroTask completion without an external call" }
func (p *NoopPlugin) Initialize(ctx context.Context) error { return nil }
func (p *NoopPlugin) Unload(ctx context.Context) error      { return nil }

func (p *NoopPlugin) Execute(ctx context.Context, task MicroTask, wctx *WorkerContext) (map[string]any, error) {
	return map[string]any{"simulated": true, "task_id": task.TaskID}, nil
}

// ============================================================================
// HTTP Plugin
// ============================================================================

type HTTPPlugin struct {
	client  *http.Client
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer
}

func NewHTTPPlugin() *HTTPPlugin {
	return &HTTPPlugin{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 15*time.Second, 3),
		tracer:  otel.Tracer("plugin-http"),
	}
}

func (p *HTTPPlugin) Name() string                       { return "http" }
func (p *HTTPPlugin) Description() string                { return "issues an HTTP GET to the URL given in the MicroTask's description" }
func (p *HTTPPlugin) Initialize(ctx context.Context) error { return nil }
func (p *HTTPPlugin) Unload(ctx context.Context) error      { return nil }

func (p *HTTPPlugin) Execute(ctx context.Context, task MicroTask, wctx *WorkerContext) (map[string]any, error) {
	ctx, span := p.tracer.Start(ctx, "http.request")
	defer span.End()

	url := strings.TrimPrefix(task.Description, "http ")

	if !p.breaker.Allow() {
		return nil, newErr(ErrOverloaded, "Execute", fmt.Errorf("http plugin circuit open"))
	}

	result, err := p.doRequest(ctx, url, task)
	p.breaker.RecordResult(err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *HTTPPlugin) doRequest(ctx context.Context, url string, task MicroTask) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Parent-ID", task.ParentID)
	req.Header.Set("X-Task-ID", task.TaskID)
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		result = map[string]any{"body": string(body), "status_code": resp.StatusCode}
	}
	return result, nil
}

// headerCarrier adapts http.Header to otel's TextMapCarrier.
type headerCarrier struct{ h http.Header }

func (c *headerCarrier) Get(key string) string       { return c.h.Get(key) }
func (c *headerCarrier) Set(key, val string)          { c.h.Set(key, val) }
func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.h))
	for k := range c.h {
		keys = append(keys, k)
	}
	return keys
}

// ============================================================================
// Shell Plugin — whitelisted command execution.
// ============================================================================

type ShellPlugin struct {
	allowed map[string]bool
	tracer  trace.Tracer
}

func NewShellPlugin() *ShellPlugin {
	return &ShellPlugin{
		allowed: map[string]bool{
			"echo": true, "cat": true, "grep": true, "awk": true,
			"sed": true, "jq": true, "curl": true, "python3": true,
		},
		tracer: otel.Tracer("plugin-shell"),
	}
}

func (p *ShellPlugin) Name() string                       { return "shell" }
func (p *ShellPlugin) Description() string                { return "runs a whitelisted shell command" }
func (p *ShellPlugin) Initialize(ctx context.Context) error { return nil }
func (p *ShellPlugin) Unload(ctx context.Context) error      { return nil }

func (p *ShellPlugin) Execute(ctx context.Context, task MicroTask, wctx *WorkerContext) (map[string]any, error) {
	_, span := p.tracer.Start(ctx, "shell.execute")
	defer span.End()

	parts := strings.Fields(task.Description)
	if len(parts) == 0 {
		return nil, newErr(ErrValidation, "Execute", fmt.Errorf("empty command"))
	}
	if !p.allowed[parts[0]] {
		return nil, newErr(ErrValidation, "Execute", fmt.Errorf("command not allowed: %s", parts[0]))
	}

	cmd := exec.CommandContext(wctx.CancellationToken, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("command failed: %w: %s", err, stderr.String())
	}

	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	}, nil
}

// ============================================================================
// Stub plugins — kept as explicit not-yet-implemented routes rather than
// silently succeeding.
// ============================================================================

type GRPCPlugin struct{ tracer trace.Tracer }

func NewGRPCPlugin() *GRPCPlugin                            { return &GRPCPlugin{tracer: otel.Tracer("plugin-grpc")} }
func (p *GRPCPlugin) Name() string                          { return "grpc" }
func (p *GRPCPlugin) Description() string                   { return "gRPC dynamic invocation (requires proto descriptor)" }
func (p *GRPCPlugin) Initialize(ctx context.Context) error    { return nil }
func (p *GRPCPlugin) Unload(ctx context.Context) error        { return nil }
func (p *GRPCPlugin) Execute(ctx context.Context, task MicroTask, wctx *WorkerContext) (map[string]any, error) {
	return nil, newErr(ErrFatalWorker, "Execute", fmt.Errorf("grpc plugin requires proto descriptor, not configured"))
}

type ModelInferencePlugin struct{ tracer trace.Tracer }

func NewModelInferencePlugin() *ModelInferencePlugin {
	return &ModelInferencePlugin{tracer: otel.Tracer("plugin-model")}
}
func (p *ModelInferencePlugin) Name() string                       { return "model" }
func (p *ModelInferencePlugin) Description() string                { return "ML model inference via an external model registry" }
func (p *ModelInferencePlugin) Initialize(ctx context.Context) error { return nil }
func (p *ModelInferencePlugin) Unload(ctx context.Context) error      { return nil }
func (p *ModelInferencePlugin) Execute(ctx context.Context, task MicroTask, wctx *WorkerContext) (map[string]any, error) {
	return nil, newErr(ErrFatalWorker, "Execute", fmt.Errorf("model plugin requires a configured model registry URL"))
}

type SQLPlugin struct{ tracer trace.Tracer }

func NewSQLPlugin() *SQLPlugin                           { return &SQLPlugin{tracer: otel.Tracer("plugin-sql")} }
func (p *SQLPlugin) Name() string                        { return "sql" }
func (p *SQLPlugin) Description() string                 { return "read-only SQL query execution (requires database configuration)" }
func (p *SQLPlugin) Initialize(ctx context.Context) error  { return nil }
func (p *SQLPlugin) Unload(ctx context.Context) error       { return nil }
func (p *SQLPlugin) Execute(ctx context.Context, task MicroTask, wctx *WorkerContext) (map[string]any, error) {
	return nil, newErr(ErrFatalWorker, "Execute", fmt.Errorf("sql plugin requires database configuration"))
}

type KafkaPlugin struct{ tracer trace.Tracer }

func NewKafkaPlugin() *KafkaPlugin                         { return &KafkaPlugin{tracer: otel.Tracer("plugin-kafka")} }
func (p *KafkaPlugin) Name() string                        { return "kafka" }
func (p *KafkaPlugin) Description() string                 { return "publishes to a Kafka topic (requires producer configuration)" }
func (p *KafkaPlugin) Initialize(ctx context.Context) error  { return nil }
func (p *KafkaPlugin) Unload(ctx context.Context) error       { return nil }
func (p *KafkaPlugin) Execute(ctx context.Context, task MicroTask, wctx *WorkerContext) (map[string]any, error) {
	return nil, newErr(ErrFatalWorker, "Execute", fmt.Errorf("kafka plugin requires producer configuration"))
}
