// Package resilience implements the resilience kit (spec §4.4): circuit
// breaker, bulkhead, retry-with-backoff, and timeout. It generalizes the
// teacher's internal/infra/circuit.go and internal/retry/retry.go from
// single-purpose helpers into the spec's composed kit.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/swarmcore/internal/swarmerr"
)

// CircuitState is one of the three circuit breaker states (spec §4.4).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitConfig configures a CircuitBreaker.
type CircuitConfig struct {
	Name             string
	FailureThreshold int
	FailureWindow    time.Duration
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
	SuccessThreshold int
	OnStateChange    func(from, to CircuitState)
}

func (c *CircuitConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
}

// CircuitStats is a snapshot of breaker state, attached to CircuitOpen
// errors so callers can inspect why a call was rejected.
type CircuitStats struct {
	Name            string
	State           CircuitState
	FailuresInWindow int
	HalfOpenSuccesses int
	HalfOpenInFlight  int
	OpenedAt        time.Time
}

// CircuitBreaker implements the spec's sliding-window circuit breaker.
type CircuitBreaker struct {
	config CircuitConfig

	mu                sync.Mutex
	state             CircuitState
	failureTimestamps []time.Time
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int
}

// NewCircuitBreaker creates a closed CircuitBreaker.
func NewCircuitBreaker(config CircuitConfig) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{config: config, state: CircuitClosed}
}

// Execute runs fn under circuit protection. If the circuit rejects the call
// and fallback is non-nil, fallback's result substitutes for the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error, fallback func(context.Context, error) error) error {
	_, err := ExecuteWithResult(cb, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, func(ctx context.Context, rejectErr error) (struct{}, error) {
		if fallback == nil {
			return struct{}{}, rejectErr
		}
		return struct{}{}, fallback(ctx, rejectErr)
	})
	return err
}

// ExecuteWithResult runs fn under circuit protection, returning a value.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		if fallback != nil {
			return fallback(ctx, err)
		}
		return zero, err
	}

	result, err := fn(ctx)
	cb.recordResult(err)
	return result, err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transitionLocked(CircuitHalfOpen)
			cb.halfOpenInFlight++
			return nil
		}
		return swarmerr.WithDetail(swarmerr.KindCircuitOpen, "circuit "+cb.config.Name+" is open", cb.statsLocked())
	case CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxCalls {
			return swarmerr.WithDetail(swarmerr.KindCircuitOpen, "circuit "+cb.config.Name+" half-open call limit reached", cb.statsLocked())
		}
		cb.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err != nil {
		cb.recordFailureLocked()
	} else {
		cb.recordSuccessLocked()
	}
}

func (cb *CircuitBreaker) recordFailureLocked() {
	now := time.Now()
	switch cb.state {
	case CircuitClosed:
		cb.failureTimestamps = append(cb.prunedFailures(now), now)
		if len(cb.failureTimestamps) >= cb.config.FailureThreshold {
			cb.openedAt = now
			cb.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.openedAt = now
		cb.transitionLocked(CircuitOpen)
	}
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	switch cb.state {
	case CircuitHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
			cb.transitionLocked(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) prunedFailures(now time.Time) []time.Time {
	cutoff := now.Add(-cb.config.FailureWindow)
	out := cb.failureTimestamps[:0]
	for _, ts := range cb.failureTimestamps {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}

// transitionLocked changes state, resetting the counters the spec says
// must reset on each transition. Caller holds cb.mu.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	cb.state = to

	switch to {
	case CircuitClosed:
		cb.failureTimestamps = nil
		cb.openedAt = time.Time{}
	case CircuitOpen, CircuitHalfOpen:
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccesses = 0
	}

	if cb.config.OnStateChange != nil && from != to {
		go cb.config.OnStateChange(from, to)
	}
}

func (cb *CircuitBreaker) statsLocked() CircuitStats {
	return CircuitStats{
		Name:              cb.config.Name,
		State:             cb.state,
		FailuresInWindow:  len(cb.failureTimestamps),
		HalfOpenSuccesses: cb.halfOpenSuccesses,
		HalfOpenInFlight:  cb.halfOpenInFlight,
		OpenedAt:          cb.openedAt,
	}
}

// Stats returns a snapshot of the current breaker state.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.statsLocked()
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(CircuitClosed)
}

// CircuitRegistry manages named circuit breakers sharing a default config,
// grounded on the teacher's CircuitBreakerRegistry.
type CircuitRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults CircuitConfig
}

// NewCircuitRegistry creates a registry that lazily creates breakers from
// defaults.
func NewCircuitRegistry(defaults CircuitConfig) *CircuitRegistry {
	defaults.applyDefaults()
	return &CircuitRegistry{breakers: make(map[string]*CircuitBreaker), defaults: defaults}
}

// Get returns or creates the named breaker.
func (r *CircuitRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := r.defaults
	cfg.Name = name
	cb := NewCircuitBreaker(cfg)
	r.breakers[name] = cb
	return cb
}
