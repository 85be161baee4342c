package main

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BatchQuota caps how many items of each kind the Dispatcher loads per
// tick.
type BatchQuota struct {
	Task        int `yaml:"task"`
	ComplexTodo int `yaml:"complex_todo"`
	Todo        int `yaml:"todo"`
}

// Config is the single struct loaded at daemon start.
type Config struct {
	MaxWorkers int `yaml:"max_workers"`

	MinAgents         int     `yaml:"min_agents"`
	MaxAgents         int     `yaml:"max_agents"`
	TasksPerAgentUp   float64 `yaml:"tasks_per_agent_up"`
	IdleFracDown      float64 `yaml:"idle_frac_down"`
	CooldownSeconds   int     `yaml:"cooldown_seconds"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	CacheMax        int `yaml:"cache_max"`
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	BatchQuota BatchQuota `yaml:"batch_quota"`

	MaxRetries             int     `yaml:"max_retries"`
	RetryBackoffBaseSeconds float64 `yaml:"retry_backoff_base_seconds"`

	EnableAutogenBackfill bool `yaml:"enable_autogen_backfill"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// CapabilityOverlapFraction is the minimum fraction of a Job's required
	// capabilities an Agent must satisfy to be dispatched to it.
	CapabilityOverlapFraction float64 `yaml:"capability_overlap_fraction"`

	// ParentAggregationTimeoutSeconds bounds how long the Dispatcher waits for
	// all of a parent's MicroTasks (default 300s).
	ParentAggregationTimeoutSeconds int `yaml:"parent_aggregation_timeout_seconds"`

	// DispatchTickHardCapSeconds bounds a single Dispatcher tick.
	DispatchTickHardCapSeconds int `yaml:"dispatch_tick_hard_cap_seconds"`

	// SimilarityKeywordThreshold is a minimum shared-keyword count. It is
	// loaded but not read by the Registry, whose overlap similarity test uses
	// the fixed defaultSimilarityThreshold (2).
	SimilarityKeywordThreshold int `yaml:"similarity_keyword_threshold"`
}

// DefaultConfig returns the daemon's default configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers: 8,

		MinAgents:       2,
		MaxAgents:       10,
		TasksPerAgentUp: 10,
		IdleFracDown:    0.5,
		CooldownSeconds: 60,

		PollIntervalSeconds: 30,

		CacheMax:        1000,
		CacheTTLSeconds: 3600,

		BatchQuota: BatchQuota{Task: 1, ComplexTodo: 3, Todo: 10},

		MaxRetries:              3,
		RetryBackoffBaseSeconds: 1.0,

		EnableAutogenBackfill: false,

		DrainTimeoutSeconds: 30,

		CapabilityOverlapFraction: 0.7,

		ParentAggregationTimeoutSeconds: 300,
		DispatchTickHardCapSeconds:      10,

		SimilarityKeywordThreshold: 2,
	}
}

// LoadConfig starts from DefaultConfig, overlays a YAML file at path (if it
// exists and path is non-empty), then overlays recognized environment
// variables, in that precedence order.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}

	applyEnvInt("TASKMASTER_MAX_WORKERS", &cfg.MaxWorkers)
	applyEnvInt("TASKMASTER_MIN_AGENTS", &cfg.MinAgents)
	applyEnvInt("TASKMASTER_MAX_AGENTS", &cfg.MaxAgents)
	applyEnvFloat("TASKMASTER_TASKS_PER_AGENT_UP", &cfg.TasksPerAgentUp)
	applyEnvFloat("TASKMASTER_IDLE_FRAC_DOWN", &cfg.IdleFracDown)
	applyEnvInt("TASKMASTER_COOLDOWN_SECONDS", &cfg.CooldownSeconds)
	applyEnvInt("TASKMASTER_POLL_INTERVAL_SECONDS", &cfg.PollIntervalSeconds)
	applyEnvInt("TASKMASTER_CACHE_MAX", &cfg.CacheMax)
	applyEnvInt("TASKMASTER_CACHE_TTL_SECONDS", &cfg.CacheTTLSeconds)
	applyEnvInt("TASKMASTER_MAX_RETRIES", &cfg.MaxRetries)
	applyEnvFloat("TASKMASTER_RETRY_BACKOFF_BASE_SECONDS", &cfg.RetryBackoffBaseSeconds)
	applyEnvBool("TASKMASTER_ENABLE_AUTOGEN_BACKFILL", &cfg.EnableAutogenBackfill)
	applyEnvInt("TASKMASTER_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)

	return cfg, nil
}

func applyEnvInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func applyEnvFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func applyEnvBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c Config) cacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c Config) drainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) parentAggregationTimeout() time.Duration {
	return time.Duration(c.ParentAggregationTimeoutSeconds) * time.Second
}

func (c Config) dispatchTickHardCap() time.Duration {
	return time.Duration(c.DispatchTickHardCapSeconds) * time.Second
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
