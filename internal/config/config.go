// Package config loads the swarm orchestration core's configuration from
// YAML, following the same Load-reads-a-file / Parse-unmarshals-bytes split
// as the teacher's multi-agent config loader so tests can exercise parsing
// without touching disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

// PoolConfig configures the warm worker pool (C5).
type PoolConfig struct {
	MinWorkers       int     `yaml:"min_workers"`
	MaxWorkers       int     `yaml:"max_workers"`
	IdleTimeoutMs    int     `yaml:"idle_timeout_ms"`
	WarmupTimeoutMs  int     `yaml:"warmup_timeout_ms"`
	WarmPoolRatio    float64 `yaml:"warm_pool_ratio"`
	ScaleUpThreshold float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64 `yaml:"scale_down_threshold"`
	ScaleCooldownMs  int     `yaml:"scale_cooldown_ms"`
}

// CircuitBreakerConfig configures the default circuit breaker (C4).
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	FailureWindowMs  int `yaml:"failure_window_ms"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms"`
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
	SuccessThreshold int `yaml:"success_threshold"`
}

// BulkheadConfig configures the default bulkhead (C4).
type BulkheadConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	MaxQueue       int `yaml:"max_queue"`
	QueueTimeoutMs int `yaml:"queue_timeout_ms"`
}

// TracingConfig configures the tracer (C11).
type TracingConfig struct {
	ServiceName   string  `yaml:"service_name"`
	SamplingRate  float64 `yaml:"sampling_rate"`
	OTLPEndpoint  string  `yaml:"otlp_endpoint"`
}

// Config is the root configuration document for the swarm core.
type Config struct {
	MaxConcurrentSwarms int                      `yaml:"max_concurrent_swarms"`
	DefaultWorkerConfig swarmtypes.SwarmConfig    `yaml:"default_worker_config"`
	Pool                PoolConfig               `yaml:"pool"`
	CircuitBreaker      CircuitBreakerConfig      `yaml:"circuit_breaker"`
	Bulkhead            BulkheadConfig            `yaml:"bulkhead"`
	Tracing             TracingConfig             `yaml:"tracing"`
}

// Defaults returns the fixed defaults from spec §6.
func Defaults() *Config {
	return &Config{
		MaxConcurrentSwarms: 3,
		DefaultWorkerConfig: swarmtypes.SwarmConfig{
			MaxWorkers:      5,
			WorkerTimeoutMs: 300_000,
			SwarmTimeoutMs:  600_000,
			RetryPolicy: swarmtypes.RetryPolicy{
				MaxRetries:        3,
				BaseDelayMs:       1_000,
				MaxDelayMs:        10_000,
				ExponentialFactor: 2,
			},
			ResourceLimits: swarmtypes.ResourceLimits{
				MemoryMb:    512,
				CPUPriority: swarmtypes.CPUNormal,
			},
		},
		Pool: PoolConfig{
			MinWorkers:         1,
			MaxWorkers:         10,
			IdleTimeoutMs:      120_000,
			WarmupTimeoutMs:    10_000,
			WarmPoolRatio:      0.5,
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.2,
			ScaleCooldownMs:    30_000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			FailureWindowMs:  60_000,
			ResetTimeoutMs:   30_000,
			HalfOpenMaxCalls: 2,
			SuccessThreshold: 2,
		},
		Bulkhead: BulkheadConfig{
			MaxConcurrent:  10,
			MaxQueue:       50,
			QueueTimeoutMs: 5_000,
		},
		Tracing: TracingConfig{
			ServiceName:  "swarmcore",
			SamplingRate: 1.0,
		},
	}
}

// Load reads path and parses it with Parse.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes over Defaults(). max_concurrent_swarms and
// each section are taken from the document only when set: a section counts
// as set when its key field (max_workers, failure_threshold, max_concurrent
// or service_name) is non-zero, and it then replaces the default section as
// a whole, so fields the document leaves out of that section stay zero.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	overlay := &Config{}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	mergeConfig(cfg, overlay)
	return cfg, nil
}

func mergeConfig(base, overlay *Config) {
	if overlay.MaxConcurrentSwarms > 0 {
		base.MaxConcurrentSwarms = overlay.MaxConcurrentSwarms
	}
	if overlay.DefaultWorkerConfig.MaxWorkers > 0 {
		base.DefaultWorkerConfig = overlay.DefaultWorkerConfig
	}
	if overlay.Pool.MaxWorkers > 0 {
		base.Pool = overlay.Pool
	}
	if overlay.CircuitBreaker.FailureThreshold > 0 {
		base.CircuitBreaker = overlay.CircuitBreaker
	}
	if overlay.Bulkhead.MaxConcurrent > 0 {
		base.Bulkhead = overlay.Bulkhead
	}
	if overlay.Tracing.ServiceName != "" {
		base.Tracing = overlay.Tracing
	}
}

// WorkerTimeout returns the worker timeout as a time.Duration.
func WorkerTimeout(cfg swarmtypes.SwarmConfig) time.Duration {
	if cfg.WorkerTimeoutMs <= 0 {
		return 300 * time.Second
	}
	return time.Duration(cfg.WorkerTimeoutMs) * time.Millisecond
}

// SwarmTimeout returns the swarm timeout as a time.Duration.
func SwarmTimeout(cfg swarmtypes.SwarmConfig) time.Duration {
	if cfg.SwarmTimeoutMs <= 0 {
		return 600 * time.Second
	}
	return time.Duration(cfg.SwarmTimeoutMs) * time.Millisecond
}
