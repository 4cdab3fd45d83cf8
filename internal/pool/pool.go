// Package pool implements the warm worker pool (spec §4.5): a bounded set
// of PooledWorker entries backed by an Actuator, with a background
// maintenance loop and threshold-driven auto-scaling. Grounded on the
// teacher's internal/tools/browser/pool.go (Acquire/Release over a channel
// of instances, a created counter) crossed with internal/heartbeat/runner.go's
// ticker-driven background loop idiom.
package pool

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/swarmcore/internal/actuator"
	"github.com/haasonsaas/swarmcore/internal/swarmerr"
)

// WorkerState is a pooled worker's lifecycle state.
type WorkerState string

const (
	StateIdle     WorkerState = "idle"
	StateWarm     WorkerState = "warm"
	StateBusy     WorkerState = "busy"
	StateDraining WorkerState = "draining"
)

// PooledWorker wraps a Session with pool bookkeeping.
type PooledWorker struct {
	ID         string
	Session    actuator.Session
	State      WorkerState
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Config configures the pool's sizing and maintenance behavior (spec §4.5).
type Config struct {
	MinWorkers         int
	MaxWorkers         int
	IdleTimeout        time.Duration
	WarmupTimeout      time.Duration
	WarmPoolRatio      float64
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleCooldown      time.Duration
	MaintenanceInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.WarmupTimeout <= 0 {
		c.WarmupTimeout = 10 * time.Second
	}
	if c.WarmPoolRatio < 0 {
		c.WarmPoolRatio = 0.5
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = 0.8
	}
	if c.ScaleDownThreshold <= 0 {
		c.ScaleDownThreshold = 0.2
	}
	if c.ScaleCooldown <= 0 {
		c.ScaleCooldown = 30 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
}

// Pool is the warm worker pool.
type Pool struct {
	config   Config
	actuator actuator.Actuator

	mu            sync.Mutex
	workers       map[string]*PooledWorker
	released      chan struct{}
	draining      bool
	closed        bool
	lastScaleTime time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Pool backed by act, not yet initialized.
func New(config Config, act actuator.Actuator) *Pool {
	config.applyDefaults()
	return &Pool{
		config:   config,
		actuator: act,
		workers:  make(map[string]*PooledWorker),
		released: make(chan struct{}, 1),
	}
}

// Initialize starts the maintenance loop and kicks off a best-effort
// warm-up of MinWorkers without blocking startup (spec §4.5).
func (p *Pool) Initialize(ctx context.Context) {
	p.mu.Lock()
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.warmUp(ctx, p.config.MinWorkers)
	go p.maintenanceLoop(ctx)
}

func (p *Pool) warmUp(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		if _, err := p.createWorkerLocked(ctx, StateWarm); err != nil {
			return
		}
	}
}

func (p *Pool) createWorkerLocked(ctx context.Context, state WorkerState) (*PooledWorker, error) {
	sess, err := p.actuator.OpenSession(ctx, actuator.OpenSessionRequest{})
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.KindSpawnFailed, err)
	}

	w := &PooledWorker{
		ID:         uuid.NewString(),
		Session:    sess,
		State:      state,
		CreatedAt:  time.Now(),
		LastUsedAt: time.Now(),
	}

	p.mu.Lock()
	p.workers[w.ID] = w
	p.mu.Unlock()
	return w, nil
}

// Acquire returns an idle/warm worker, creates one if under MaxWorkers, or
// waits for a release up to WarmupTimeout (spec §4.5).
func (p *Pool) Acquire(ctx context.Context) (*PooledWorker, error) {
	deadline := time.Now().Add(p.config.WarmupTimeout)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, swarmerr.New(swarmerr.KindNotFound, "pool is closed")
		}

		for _, w := range p.workers {
			if w.State == StateIdle || w.State == StateWarm {
				w.State = StateBusy
				p.mu.Unlock()
				return w, nil
			}
		}

		if len(p.workers) < p.config.MaxWorkers {
			p.mu.Unlock()
			w, err := p.createWorkerLocked(ctx, StateBusy)
			if err != nil {
				return nil, err
			}
			return w, nil
		}
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, swarmerr.New(swarmerr.KindTimeout, "timed out waiting for a pool worker")
		}
		timer := time.NewTimer(remaining)
		select {
		case <-p.released:
			timer.Stop()
		case <-timer.C:
			return nil, swarmerr.New(swarmerr.KindTimeout, "timed out waiting for a pool worker")
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Release marks id idle and signals waiters (spec §4.5).
func (p *Pool) Release(id string) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if p.draining {
		w.State = StateDraining
	} else {
		w.State = StateIdle
	}
	w.LastUsedAt = time.Now()
	p.mu.Unlock()

	select {
	case p.released <- struct{}{}:
	default:
	}
}

func (p *Pool) idleCount() int {
	n := 0
	for _, w := range p.workers {
		if w.State == StateIdle || w.State == StateWarm {
			n++
		}
	}
	return n
}

func (p *Pool) busyCount() int {
	n := 0
	for _, w := range p.workers {
		if w.State == StateBusy {
			n++
		}
	}
	return n
}

// Utilization returns busy / total (spec §4.5). Callers must hold no lock.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.utilizationLocked()
}

func (p *Pool) utilizationLocked() float64 {
	total := len(p.workers)
	if total == 0 {
		return 0
	}
	return float64(p.busyCount()) / float64(total)
}

func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.runMaintenance(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runMaintenance reaps idle-too-long workers, tops up the warm pool, and
// runs one auto-scale decision (spec §4.5).
func (p *Pool) runMaintenance(ctx context.Context) {
	p.reapIdle(ctx)
	p.topUpWarm(ctx)
	p.autoScale(ctx)
}

func (p *Pool) reapIdle(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	var toTerminate []*PooledWorker
	for _, w := range p.workers {
		if w.State != StateIdle && w.State != StateWarm {
			continue
		}
		if now.Sub(w.LastUsedAt) < p.config.IdleTimeout {
			continue
		}
		if len(p.workers)-len(toTerminate) <= p.config.MinWorkers {
			break
		}
		toTerminate = append(toTerminate, w)
	}
	for _, w := range toTerminate {
		delete(p.workers, w.ID)
	}
	p.mu.Unlock()

	for _, w := range toTerminate {
		_ = w.Session.Close(ctx)
	}
}

func (p *Pool) topUpWarm(ctx context.Context) {
	p.mu.Lock()
	target := int(math.Ceil(float64(p.config.MaxWorkers) * p.config.WarmPoolRatio))
	if target > p.config.MaxWorkers {
		target = p.config.MaxWorkers
	}
	deficit := target - len(p.workers)
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		if _, err := p.createWorkerLocked(ctx, StateWarm); err != nil {
			return
		}
	}
}

func (p *Pool) autoScale(ctx context.Context) {
	p.mu.Lock()
	if time.Since(p.lastScaleTime) < p.config.ScaleCooldown {
		p.mu.Unlock()
		return
	}
	util := p.utilizationLocked()
	total := len(p.workers)

	switch {
	case util > p.config.ScaleUpThreshold && total < p.config.MaxWorkers:
		p.lastScaleTime = time.Now()
		p.mu.Unlock()
		_, _ = p.createWorkerLocked(ctx, StateWarm)
		return
	case util < p.config.ScaleDownThreshold && total > p.config.MinWorkers:
		var victim *PooledWorker
		for _, w := range p.workers {
			if w.State == StateIdle || w.State == StateWarm {
				victim = w
				break
			}
		}
		if victim != nil {
			delete(p.workers, victim.ID)
			p.lastScaleTime = time.Now()
			p.mu.Unlock()
			_ = victim.Session.Close(ctx)
			return
		}
	}
	p.mu.Unlock()
}

// Drain marks idle/warm workers as draining and blocks until every busy
// worker finishes (spec §4.5).
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	p.draining = true
	for _, w := range p.workers {
		if w.State == StateIdle || w.State == StateWarm {
			w.State = StateDraining
		}
	}
	p.mu.Unlock()

	for {
		p.mu.Lock()
		busy := p.busyCount()
		p.mu.Unlock()
		if busy == 0 {
			return
		}
		select {
		case <-p.released:
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Shutdown stops maintenance and closes every worker's session.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.stopCh != nil {
		close(p.stopCh)
	}
	workers := make([]*PooledWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[string]*PooledWorker)
	p.mu.Unlock()

	for _, w := range workers {
		_ = w.Session.Close(ctx)
	}
}

// Size returns the current total number of pooled workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
