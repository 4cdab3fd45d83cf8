// Package service implements the swarm service facade (spec §4.12): the
// outermost entry point that wraps a single Execute call in admission
// control and circuit protection, and exposes a streaming variant that
// forwards a swarm's result chunks plus its coordinator events to a caller
// that can't block on the whole run.
//
// Grounded on internal/resilience's own Bulkhead/CircuitBreaker (this
// repo's generalization of the teacher's internal/infra/circuit.go), wired
// here the way the teacher's HTTP handlers compose bulkhead-then-circuit
// around a single downstream call.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/swarmcore/internal/aggregator"
	"github.com/haasonsaas/swarmcore/internal/coordinator"
	"github.com/haasonsaas/swarmcore/internal/resilience"
	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

// Config configures the Service's resilience wrapping. A nil Breaker
// disables circuit protection, leaving bulkhead admission as the only
// guard (spec §4.12 "optional circuit breaker").
type Config struct {
	Bulkhead *resilience.Bulkhead
	Breaker  *resilience.CircuitBreaker
}

// ExecuteRequest bundles the arguments of a single swarm run.
type ExecuteRequest struct {
	Task   string
	Config swarmtypes.SwarmConfig
	Opts   coordinator.ExecuteOptions
}

// StreamChunkType discriminates a streamed chunk's shape, adding the
// terminal "complete" type on top of the aggregator's in-flight chunk
// types (spec §4.12 "yield a terminal complete chunk").
type StreamChunkType string

const (
	StreamProgress   StreamChunkType = StreamChunkType(aggregator.ChunkProgress)
	StreamPartial    StreamChunkType = StreamChunkType(aggregator.ChunkPartial)
	StreamAggregated StreamChunkType = StreamChunkType(aggregator.ChunkAggregated)
	StreamComplete   StreamChunkType = "complete"
)

// StreamChunk is one element of Service.ExecuteStream's output.
type StreamChunk struct {
	Type   StreamChunkType
	Chunk  *aggregator.StreamChunk
	Result *aggregator.Result
	Err    error
}

// Service is the swarm orchestration core's outermost entry point (spec
// §4.12).
type Service struct {
	coordinator *coordinator.Coordinator
	streams     *aggregator.StreamAggregator
	bulkhead    *resilience.Bulkhead
	breaker     *resilience.CircuitBreaker
}

// New creates a Service. streams may be nil if ExecuteStream is never
// called.
func New(coord *coordinator.Coordinator, streams *aggregator.StreamAggregator, cfg Config) *Service {
	return &Service{
		coordinator: coord,
		streams:     streams,
		bulkhead:    cfg.Bulkhead,
		breaker:     cfg.Breaker,
	}
}

// Execute admits the request through the bulkhead, optionally through the
// circuit breaker, then runs it to completion (spec §4.12 "bulkhead acquire
// → optional circuit breaker → coordinator call → bulkhead release").
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*aggregator.Result, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	run := func(ctx context.Context) (*aggregator.Result, error) {
		return s.coordinator.Execute(ctx, req.Task, req.Config, req.Opts)
	}
	if s.breaker == nil {
		return run(ctx)
	}
	return resilience.ExecuteWithResult(s.breaker, ctx, run, nil)
}

func (s *Service) acquire(ctx context.Context) (resilience.Release, error) {
	if s.bulkhead == nil {
		return func() {}, nil
	}
	return s.bulkhead.Acquire(ctx)
}

type execOutcome struct {
	result *aggregator.Result
	err    error
}

// ExecuteStream kicks the swarm off in the background and returns a
// channel of chunks: every chunk the swarm's stream aggregator emits while
// the run is in flight, followed by a single terminal StreamComplete chunk
// carrying the batch Result (or an error) once the coordinator call
// returns (spec §4.12 "streaming path").
//
// The swarm id needed to attach to the stream aggregator isn't known until
// the coordinator allocates it, so ExecuteStream subscribes for the
// swarm's EventSwarmStarted itself rather than requiring the caller to
// guess it. Running more than one ExecuteStream concurrently on the same
// Service can race on which call's goroutine observes which
// EventSwarmStarted; callers that need that guarantee should serialize
// ExecuteStream calls or run separate Services.
func (s *Service) ExecuteStream(ctx context.Context, req ExecuteRequest) <-chan StreamChunk {
	out := make(chan StreamChunk, 64)
	if s.streams == nil {
		out <- StreamChunk{Type: StreamComplete, Err: fmt.Errorf("service: no stream aggregator configured")}
		close(out)
		return out
	}

	started := make(chan string, 1)
	var once sync.Once
	unsub := s.coordinator.Subscribe(func(ev coordinator.Event) {
		if ev.Type == coordinator.EventSwarmStarted {
			once.Do(func() { started <- ev.SwarmID })
		}
	})

	resultCh := make(chan execOutcome, 1)
	go func() {
		defer unsub()
		result, err := s.Execute(ctx, req)
		resultCh <- execOutcome{result, err}
	}()

	go func() {
		defer close(out)

		var swarmID string
		select {
		case swarmID = <-started:
		case final := <-resultCh:
			out <- StreamChunk{Type: StreamComplete, Result: final.result, Err: final.err}
			return
		case <-ctx.Done():
			out <- StreamChunk{Type: StreamComplete, Err: ctx.Err()}
			return
		}

		upstream, cancelSub := s.streams.CreateStream(swarmID)
		defer cancelSub()
		for {
			select {
			case chunk, ok := <-upstream:
				if !ok {
					upstream = nil
					continue
				}
				c := chunk
				out <- StreamChunk{Type: StreamChunkType(chunk.Type), Chunk: &c}
				if chunk.Type == aggregator.ChunkAggregated {
					upstream = nil
				}
			case final := <-resultCh:
				out <- StreamChunk{Type: StreamComplete, Result: final.result, Err: final.err}
				return
			case <-ctx.Done():
				out <- StreamChunk{Type: StreamComplete, Err: ctx.Err()}
				return
			}
		}
	}()

	return out
}

// SwarmEvent forwards a coordinator event under the service's single
// swarm_event channel (spec §4.12 "Forwards coordinator events under a
// single swarm_event channel").
type SwarmEvent = coordinator.Event

// Subscribe forwards every coordinator event across all swarms to handler,
// returning an unsubscribe function.
func (s *Service) Subscribe(handler func(SwarmEvent)) func() {
	unsub := s.coordinator.Subscribe(coordinator.EventHandler(handler))
	return func() { unsub() }
}

// TerminateSwarm cancels a running swarm (spec §4.9 "terminateSwarm").
func (s *Service) TerminateSwarm(ctx context.Context, swarmID string) error {
	return s.coordinator.TerminateSwarm(ctx, swarmID)
}
