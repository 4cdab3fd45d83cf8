package actuator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeConfig configures FakeActuator's artificial latency and failure
// injection, used by scenario tests that exercise the lifecycle/pool
// without a real browser dependency installed (spec §4.8a).
type FakeConfig struct {
	OpenLatency time.Duration
	FailOpen    bool
	FailAfterN  int // fail the Nth OpenSession call onward, 0 disables
}

// FakeActuator is an in-memory Actuator: sessions are no-ops.
type FakeActuator struct {
	config FakeConfig

	mu      sync.Mutex
	opened  int
	closed  map[string]bool
}

// NewFakeActuator creates a FakeActuator.
func NewFakeActuator(config FakeConfig) *FakeActuator {
	return &FakeActuator{config: config, closed: make(map[string]bool)}
}

// OpenSession returns a no-op session after the configured latency, unless
// configured to fail.
func (a *FakeActuator) OpenSession(ctx context.Context, req OpenSessionRequest) (Session, error) {
	if a.config.OpenLatency > 0 {
		select {
		case <-time.After(a.config.OpenLatency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	a.opened++
	n := a.opened
	a.mu.Unlock()

	if a.config.FailOpen {
		return nil, errFakeOpenFailed
	}
	if a.config.FailAfterN > 0 && n >= a.config.FailAfterN {
		return nil, errFakeOpenFailed
	}

	return &fakeSession{id: uuid.NewString(), actuator: a}, nil
}

// ClosedCount reports how many sessions have been closed, for assertions in
// tests that verify cleanup ran.
func (a *FakeActuator) ClosedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.closed {
		if c {
			n++
		}
	}
	return n
}

type fakeSession struct {
	id       string
	actuator *FakeActuator
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Close(ctx context.Context) error {
	s.actuator.mu.Lock()
	defer s.actuator.mu.Unlock()
	s.actuator.closed[s.id] = true
	return nil
}

var errFakeOpenFailed = fakeOpenError{}

type fakeOpenError struct{}

func (fakeOpenError) Error() string { return "fake actuator: open session failed" }
