// Package lifecycle implements the worker lifecycle (spec §4.8): spawning a
// worker's session through the actuator, monitoring its heartbeat and
// progress for staleness, retrying failed workers with backoff, and
// terminating workers on demand.
//
// It is grounded on the teacher's internal/heartbeat/runner.go (ticker-driven
// monitor goroutine, a stop channel per run, done-channel for clean
// shutdown) crossed with internal/retry/retry.go for the respawn backoff.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/swarmcore/internal/actuator"
	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/registry"
	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

// Config tunes the health monitor and retry policy (spec §4.8).
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ProgressStale     time.Duration
	RetryPolicy       swarmtypes.RetryPolicy
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 15 * time.Second
	}
	if c.ProgressStale <= 0 {
		c.ProgressStale = 60 * time.Second
	}
	if c.RetryPolicy.MaxRetries == 0 && c.RetryPolicy.BaseDelayMs == 0 {
		c.RetryPolicy = swarmtypes.RetryPolicy{
			MaxRetries:        3,
			BaseDelayMs:       1000,
			MaxDelayMs:        10000,
			ExponentialFactor: 2,
		}
	}
}

type monitored struct {
	cancel  context.CancelFunc
	session actuator.Session
}

// Lifecycle spawns, monitors, retries, and terminates workers.
type Lifecycle struct {
	config   Config
	registry *registry.Registry
	bus      *bus.Bus
	actuator actuator.Actuator
	logger   *slog.Logger

	mu       sync.Mutex
	monitors map[string]*monitored // key: swarmID+"/"+workerID
}

// New creates a Lifecycle. logger may be nil, in which case slog.Default is
// used.
func New(reg *registry.Registry, b *bus.Bus, act actuator.Actuator, cfg Config, logger *slog.Logger) *Lifecycle {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		config:   cfg,
		registry: reg,
		bus:      b,
		actuator: act,
		logger:   logger,
		monitors: make(map[string]*monitored),
	}
}

func monitorKey(swarmID, workerID string) string {
	return swarmID + "/" + workerID
}

// SpawnWorker creates a Worker for task, allocates its session via the
// actuator, and starts health monitoring on success (spec §4.8
// "spawnWorker").
func (l *Lifecycle) SpawnWorker(ctx context.Context, swarmID string, task swarmtypes.WorkerTask) (*swarmtypes.Worker, error) {
	w, err := l.registry.AddWorker(swarmID, task)
	if err != nil {
		return nil, err
	}

	if err := l.registry.TransitionWorker(swarmID, w.ID, swarmtypes.WorkerSpawning); err != nil {
		return nil, err
	}

	session, err := l.actuator.OpenSession(ctx, actuator.OpenSessionRequest{URL: task.StartURL, Focused: true})
	if err != nil {
		l.logger.Error("worker spawn failed", "swarmId", swarmID, "workerId", w.ID, "error", err)
		_ = l.registry.SetWorkerError(swarmID, w.ID, err.Error())
		return nil, err
	}

	l.attachSessionLocked(swarmID, w.ID, session)
	if err := l.registry.TransitionWorker(swarmID, w.ID, swarmtypes.WorkerPending); err != nil {
		_ = session.Close(ctx)
		return nil, err
	}
	_ = l.registry.TouchHeartbeat(swarmID, w.ID)

	l.startMonitor(swarmID, w.ID)

	l.logger.Debug("worker spawned", "swarmId", swarmID, "workerId", w.ID, "sessionId", session.ID())
	return l.registry.GetWorker(swarmID, w.ID)
}

func (l *Lifecycle) attachSessionLocked(swarmID, workerID string, session actuator.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := monitorKey(swarmID, workerID)
	if m, ok := l.monitors[key]; ok {
		m.session = session
		return
	}
	l.monitors[key] = &monitored{session: session}
}

func (l *Lifecycle) startMonitor(swarmID, workerID string) {
	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	key := monitorKey(swarmID, workerID)
	m, ok := l.monitors[key]
	if !ok {
		m = &monitored{}
		l.monitors[key] = m
	}
	m.cancel = cancel
	l.mu.Unlock()

	go l.monitorLoop(ctx, swarmID, workerID)
}

func (l *Lifecycle) stopMonitor(swarmID, workerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := monitorKey(swarmID, workerID)
	if m, ok := l.monitors[key]; ok {
		if m.cancel != nil {
			m.cancel()
		}
		delete(l.monitors, key)
	}
}

func (l *Lifecycle) sessionFor(swarmID, workerID string) actuator.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.monitors[monitorKey(swarmID, workerID)]; ok {
		return m.session
	}
	return nil
}

// monitorLoop evaluates heartbeat/progress staleness every
// config.HeartbeatInterval until the worker reaches a terminal state or the
// context is cancelled (spec §4.8 "Health monitoring").
func (l *Lifecycle) monitorLoop(ctx context.Context, swarmID, workerID string) {
	ticker := time.NewTicker(l.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.checkWorker(ctx, swarmID, workerID) {
				return
			}
		}
	}
}

// checkWorker runs one health evaluation pass, returning true if monitoring
// should stop (the worker reached a terminal state).
func (l *Lifecycle) checkWorker(ctx context.Context, swarmID, workerID string) bool {
	w, err := l.registry.GetWorker(swarmID, workerID)
	if err != nil {
		return true
	}
	if w.State.Terminal() {
		return true
	}

	now := time.Now()
	if !w.LastHeartbeatAt.IsZero() && now.Sub(w.LastHeartbeatAt) > l.config.HeartbeatTimeout {
		l.logger.Warn("worker heartbeat timeout", "swarmId", swarmID, "workerId", workerID)
		l.handleFailure(ctx, swarmID, workerID, "heartbeat timeout")
		return true
	}

	if w.State == swarmtypes.WorkerRunning && !w.LastProgressAt.IsZero() && now.Sub(w.LastProgressAt) > l.config.ProgressStale {
		l.logger.Warn("worker progress stale", "swarmId", swarmID, "workerId", workerID,
			"staleFor", now.Sub(w.LastProgressAt).String())
	}

	return false
}

// handleFailure applies the retry policy: respawn with backoff while under
// maxRetries, else mark the worker permanently failed (spec §4.8 "Retry
// policy").
func (l *Lifecycle) handleFailure(ctx context.Context, swarmID, workerID, reason string) {
	w, err := l.registry.GetWorker(swarmID, workerID)
	if err != nil {
		return
	}

	l.closeSession(ctx, swarmID, workerID)

	if w.RetryCount >= l.config.RetryPolicy.MaxRetries {
		l.logger.Error("worker failed permanently", "swarmId", swarmID, "workerId", workerID, "reason", reason)
		_ = l.registry.SetWorkerError(swarmID, workerID, reason)
		return
	}

	backoff := backoffFor(w.RetryCount, l.config.RetryPolicy)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return
	}

	session, err := l.actuator.OpenSession(ctx, actuator.OpenSessionRequest{URL: w.Task.StartURL, Focused: true})
	if err != nil {
		l.logger.Error("worker respawn failed", "swarmId", swarmID, "workerId", workerID, "error", err)
		_ = l.registry.SetWorkerError(swarmID, workerID, err.Error())
		return
	}

	l.attachSessionLocked(swarmID, workerID, session)
	_ = l.registry.TransitionWorker(swarmID, workerID, swarmtypes.WorkerPending)
	_ = l.registry.TouchHeartbeat(swarmID, workerID)
	retryCount, _ := l.registry.IncrementWorkerRetryCount(swarmID, workerID)

	l.logger.Debug("worker respawned", "swarmId", swarmID, "workerId", workerID, "retryCount", retryCount)
	l.startMonitor(swarmID, workerID)
}

func backoffFor(retryCount int, policy swarmtypes.RetryPolicy) time.Duration {
	base := float64(policy.BaseDelayMs)
	factor := policy.ExponentialFactor
	if factor <= 0 {
		factor = 2
	}
	delayMs := base
	for i := 0; i < retryCount; i++ {
		delayMs *= factor
	}
	if policy.MaxDelayMs > 0 && delayMs > float64(policy.MaxDelayMs) {
		delayMs = float64(policy.MaxDelayMs)
	}
	return time.Duration(delayMs) * time.Millisecond
}

func (l *Lifecycle) closeSession(ctx context.Context, swarmID, workerID string) {
	session := l.sessionFor(swarmID, workerID)
	if session == nil {
		return
	}
	_ = session.Close(ctx)
}

// Heartbeat records that workerID is alive (called from the master
// channel's heartbeat handler).
func (l *Lifecycle) Heartbeat(swarmID, workerID string) {
	_ = l.registry.TouchHeartbeat(swarmID, workerID)
}

// Terminate sends a terminate message to workerID, closes its session, and
// transitions it to terminated (spec §4.8 "Termination").
func (l *Lifecycle) Terminate(ctx context.Context, swarmID, workerID string) error {
	l.stopMonitor(swarmID, workerID)
	l.bus.SendToWorker(swarmID, "lifecycle", workerID, bus.Terminate, nil)
	l.closeSession(ctx, swarmID, workerID)
	return l.registry.TransitionWorker(swarmID, workerID, swarmtypes.WorkerTerminated)
}

// TerminateAllWorkers broadcasts terminate and then terminates every
// non-terminal worker in swarmID concurrently (spec §4.8
// "terminateAllWorkers").
func (l *Lifecycle) TerminateAllWorkers(ctx context.Context, swarmID string) error {
	l.bus.Broadcast(swarmID, "lifecycle", bus.Terminate, nil)

	workers, err := l.registry.Workers(swarmID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		if w.State.Terminal() {
			continue
		}
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			_ = l.Terminate(ctx, swarmID, workerID)
		}(w.ID)
	}
	wg.Wait()
	return nil
}
