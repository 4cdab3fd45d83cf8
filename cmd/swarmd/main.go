// Command swarmd is a runnable example that wires the full swarm
// orchestration stack (C1-C12) against the in-memory fake actuator and
// fake LLM provider, decomposes a task, drives it to completion, and
// prints the resulting SwarmResult as JSON to stdout.
//
// It is not a transport binding: a real HTTP/gRPC/CLI server would
// construct the same *service.Service and call Execute/ExecuteStream
// directly instead of simulating workers the way this binary does.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/swarmcore/internal/actuator"
	"github.com/haasonsaas/swarmcore/internal/aggregator"
	"github.com/haasonsaas/swarmcore/internal/balancer"
	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/config"
	"github.com/haasonsaas/swarmcore/internal/coordinator"
	"github.com/haasonsaas/swarmcore/internal/lifecycle"
	"github.com/haasonsaas/swarmcore/internal/llmprovider"
	"github.com/haasonsaas/swarmcore/internal/planner"
	"github.com/haasonsaas/swarmcore/internal/pool"
	"github.com/haasonsaas/swarmcore/internal/registry"
	"github.com/haasonsaas/swarmcore/internal/resilience"
	"github.com/haasonsaas/swarmcore/internal/service"
	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
	"github.com/haasonsaas/swarmcore/internal/telemetry"
)

// fakeDecomposition is a canned planner response standing in for a real
// LLM call, shaped like the worker decomposition the planner expects.
const fakeDecomposition = `{
  "subtasks": [
    {"instruction": "research pricing pages", "startUrl": "https://example.com/pricing"},
    {"instruction": "research competitor A", "startUrl": "https://example.com/a"},
    {"instruction": "research competitor B", "startUrl": "https://example.com/b"}
  ],
  "reasoning": "split research by target site",
  "suggestedWorkerCount": 3
}`

func main() {
	task := flag.String("task", "research competitor pricing", "natural-language task to decompose and execute")
	workers := flag.Int("workers", 3, "max workers for the swarm")
	configPath := flag.String("config", "", "path to a swarm.yaml config file (defaults are used when empty)")
	flag.Parse()

	if err := run(*task, *workers, *configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(task string, workers int, configPath string) error {
	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if workers > 0 {
		cfg.DefaultWorkerConfig.MaxWorkers = workers
	}

	logger := telemetry.NewLogger(telemetry.LogConfig{Level: "info"})
	tracer := telemetry.NewTracer(telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		SamplingRate: cfg.Tracing.SamplingRate,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	})
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry(), 1000)

	reg := registry.New(cfg.MaxConcurrentSwarms)
	b := bus.New()
	act := actuator.NewFakeActuator(actuator.FakeConfig{OpenLatency: 5 * time.Millisecond})

	wp := pool.New(pool.Config{
		MinWorkers:         cfg.Pool.MinWorkers,
		MaxWorkers:         cfg.Pool.MaxWorkers,
		IdleTimeout:        time.Duration(cfg.Pool.IdleTimeoutMs) * time.Millisecond,
		WarmupTimeout:      time.Duration(cfg.Pool.WarmupTimeoutMs) * time.Millisecond,
		WarmPoolRatio:      cfg.Pool.WarmPoolRatio,
		ScaleUpThreshold:   cfg.Pool.ScaleUpThreshold,
		ScaleDownThreshold: cfg.Pool.ScaleDownThreshold,
		ScaleCooldown:      time.Duration(cfg.Pool.ScaleCooldownMs) * time.Millisecond,
	}, act)
	wp.Initialize(context.Background())
	defer wp.Shutdown(context.Background())

	bal := balancer.New(balancer.ResourceAware)

	lc := lifecycle.New(reg, b, act, lifecycle.Config{
		HeartbeatInterval: 200 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Second,
		RetryPolicy:       cfg.DefaultWorkerConfig.RetryPolicy,
	}, slog.Default().With("component", "lifecycle"))

	pl := planner.New(&llmprovider.FakeProvider{Responses: []string{fakeDecomposition}})
	agg := aggregator.New(reg, nil)
	streams := aggregator.NewStreamAggregator(true)
	coord := coordinator.New(reg, b, lc, pl, agg, streams)

	bh := resilience.NewBulkhead(resilience.BulkheadConfig{
		MaxConcurrent: cfg.Bulkhead.MaxConcurrent,
		MaxQueue:      cfg.Bulkhead.MaxQueue,
		QueueTimeout:  time.Duration(cfg.Bulkhead.QueueTimeoutMs) * time.Millisecond,
	})
	cb := resilience.NewCircuitBreaker(resilience.CircuitConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		FailureWindow:    time.Duration(cfg.CircuitBreaker.FailureWindowMs) * time.Millisecond,
		ResetTimeout:     time.Duration(cfg.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	})
	svc := service.New(coord, streams, service.Config{Bulkhead: bh, Breaker: cb})

	health := telemetry.NewHealthChecker(
		telemetry.Check{Name: "pool", Critical: true, Run: func(context.Context) (bool, string) {
			return wp.Size() >= 0, fmt.Sprintf("size=%d", wp.Size())
		}},
		telemetry.Check{Name: "circuit_breaker", Critical: false, Run: func(context.Context) (bool, string) {
			return cb.State() != resilience.CircuitOpen, string(cb.State())
		}},
	)
	report := health.Run(context.Background())
	logger.Info("health check", "status", string(report.Status))

	unsub := svc.Subscribe(func(ev coordinator.Event) {
		logger.Info("swarm event", "type", string(ev.Type), "swarmId", ev.SwarmID)
		metrics.RecordSnapshot(ev.SwarmID, telemetry.Snapshot{SwarmState: string(ev.Type), Timestamp: ev.Timestamp})

		switch ev.Type {
		case coordinator.EventWorkerSpawned:
			p := ev.Payload.(coordinator.WorkerSpawnedPayload)
			bal.Register(balancer.Capacity{WorkerID: p.WorkerID, MaxTasks: 1, Available: true, HealthScore: 100})
			go simulateWorker(b, ev.SwarmID, p.WorkerID)
		case coordinator.EventWorkerCompleted, coordinator.EventWorkerFailed:
			workerID := ""
			if p, ok := ev.Payload.(coordinator.WorkerCompletedPayload); ok {
				workerID = p.WorkerID
			} else if p, ok := ev.Payload.(coordinator.WorkerFailedPayload); ok {
				workerID = p.WorkerID
			}
			bal.Unregister(workerID)
		}
	})
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ctx, traceID, span := tracer.StartTrace(ctx, "swarmd.execute", map[string]any{"task": task})

	swarmCfg := cfg.DefaultWorkerConfig
	swarmCfg.OutputFormat = string(aggregator.FormatJSON)
	result, err := svc.Execute(ctx, service.ExecuteRequest{
		Task:   task,
		Config: swarmCfg,
	})
	tracer.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("swarm execution failed (trace %s): %w", traceID, err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// simulateWorker stands in for a real worker process: it reports a couple
// of heartbeats, then completes. Real workers live
// outside this module entirely (spec §6) and would report the same
// messages over a transport the bus is backed by.
func simulateWorker(b *bus.Bus, swarmID, workerID string) {
	for i := 0; i < 2; i++ {
		time.Sleep(50 * time.Millisecond)
		b.SendToMaster(swarmID, workerID, bus.Heartbeat, nil)
	}
	b.SendToMaster(swarmID, workerID, bus.TaskComplete, coordinator.TaskCompletePayload{
		WorkerID: workerID,
		Result:   "findings for " + workerID,
		Metrics:  swarmtypes.WorkerMetrics{DurationMs: 100},
	})
}
