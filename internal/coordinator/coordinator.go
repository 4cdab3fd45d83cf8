// Package coordinator implements the swarm coordinator (spec §4.9): the
// state machine that drives a single swarm from planning through spawning,
// execution monitoring, aggregation, and a terminal state.
//
// Grounded on the teacher's internal/multiagent/orchestrator.go (an event
// struct plus callback, sync.RWMutex-guarded state, context-keyed
// propagation) and internal/multiagent/swarm.go's Swarm.Execute
// (per-stage bounded parallelism, first-error-cancels-context).
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/swarmcore/internal/aggregator"
	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/lifecycle"
	"github.com/haasonsaas/swarmcore/internal/planner"
	"github.com/haasonsaas/swarmcore/internal/queue"
	"github.com/haasonsaas/swarmcore/internal/registry"
	"github.com/haasonsaas/swarmcore/internal/swarmerr"
	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

// ExecuteOptions parameterizes a single Execute call.
type ExecuteOptions struct {
	// ManualTasks bypasses the Planner entirely when non-empty (spec §4.7
	// "manual-fallback path").
	ManualTasks []planner.ManualTask
	// Format selects the batch aggregator's rendering when no Synthesizer
	// is configured; defaults to SwarmConfig.OutputFormat, then JSON.
	Format aggregator.Format
	// StreamMode selects the streaming aggregator's combination mode for
	// the final "aggregated" chunk, when a StreamAggregator is configured.
	// Defaults to aggregator.ModeConcat, which works regardless of each
	// worker's result shape.
	StreamMode aggregator.Mode
	// StreamCombine parameterizes StreamMode's combination (conflict
	// resolution, vote threshold, custom merger).
	StreamCombine aggregator.CombineOptions
}

type execution struct {
	ctx         context.Context
	cancel      context.CancelFunc
	doneOnce    sync.Once
	done        chan struct{}
	unsubscribe bus.Unsubscribe
	terminated  atomic.Bool
	// queue is non-nil only when the swarm's SwarmConfig.AllowDependencies
	// is true; it gates spawning on dependenciesResolved (spec §4.2, §4.7).
	queue *queue.Queue
}

// Coordinator drives swarms through their state machine.
type Coordinator struct {
	registry   *registry.Registry
	bus        *bus.Bus
	lifecycle  *lifecycle.Lifecycle
	planner    *planner.Planner
	aggregator *aggregator.Aggregator
	streams    *aggregator.StreamAggregator

	mu         sync.Mutex
	listeners  []EventHandler
	executions map[string]*execution
}

// New creates a Coordinator. planner may be nil when every Execute call
// supplies ExecuteOptions.ManualTasks. streams may be nil, which disables
// live streaming: ExecuteStream-style consumers then only ever see the
// terminal result, with no progress/partial chunks along the way.
func New(reg *registry.Registry, b *bus.Bus, lc *lifecycle.Lifecycle, pl *planner.Planner, agg *aggregator.Aggregator, streams *aggregator.StreamAggregator) *Coordinator {
	return &Coordinator{
		registry:   reg,
		bus:        b,
		lifecycle:  lc,
		planner:    pl,
		aggregator: agg,
		streams:    streams,
		executions: make(map[string]*execution),
	}
}

// Subscribe registers handler for every Event the Coordinator emits, across
// all swarms.
func (c *Coordinator) Subscribe(handler EventHandler) EventUnsubscribe {
	c.mu.Lock()
	c.listeners = append(c.listeners, handler)
	idx := len(c.listeners) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.listeners) {
			c.listeners[idx] = nil
		}
	}
}

func (c *Coordinator) emit(swarmID string, typ EventType, payload any) {
	ev := Event{Type: typ, SwarmID: swarmID, Timestamp: time.Now(), Payload: payload}
	c.mu.Lock()
	handlers := append([]EventHandler(nil), c.listeners...)
	c.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(ev)
		}
	}
}

// Execute runs task to completion: creates the swarm, decomposes it into
// worker tasks, spawns workers, monitors execution via the message bus, and
// aggregates the final result (spec §4.9's full state machine).
func (c *Coordinator) Execute(ctx context.Context, task string, cfg swarmtypes.SwarmConfig, opts ExecuteOptions) (*aggregator.Result, error) {
	s, err := c.registry.CreateSwarm(task, cfg)
	if err != nil {
		return nil, err
	}

	tasks, err := c.decompose(ctx, s.ID, task, cfg, opts)
	if err != nil {
		c.fail(s.ID, err)
		return nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	if cfg.SwarmTimeoutMs > 0 {
		var timeoutCancel context.CancelFunc
		execCtx, timeoutCancel = context.WithTimeout(execCtx, time.Duration(cfg.SwarmTimeoutMs)*time.Millisecond)
		defer timeoutCancel()
	}

	ex := &execution{ctx: execCtx, cancel: cancel, done: make(chan struct{})}
	ex.unsubscribe = c.bus.Subscribe(s.ID, bus.TargetMaster, func(msg bus.Message) {
		c.handleMasterMessage(s.ID, msg, ex)
	})
	c.mu.Lock()
	c.executions[s.ID] = ex
	c.mu.Unlock()
	defer c.cleanupExecution(s.ID)

	if err := c.registry.TransitionSwarm(s.ID, swarmtypes.SwarmSpawning); err != nil {
		c.fail(s.ID, err)
		return nil, err
	}
	c.emit(s.ID, EventSwarmStarted, SwarmStartedPayload{WorkerCount: len(tasks)})

	if err := c.spawnAll(execCtx, s.ID, tasks, cfg, ex); err != nil {
		c.fail(s.ID, err)
		_ = c.lifecycle.TerminateAllWorkers(ctx, s.ID)
		return nil, err
	}

	if err := c.registry.TransitionSwarm(s.ID, swarmtypes.SwarmExecuting); err != nil {
		c.fail(s.ID, err)
		return nil, err
	}

	c.checkCompletion(s.ID, ex)

	select {
	case <-ex.done:
	case <-execCtx.Done():
		if ex.terminated.Load() || ctx.Err() != nil {
			return nil, c.cancel(s.ID)
		}
		return nil, c.timeout(s.ID)
	}

	return c.finish(ctx, s.ID, cfg, opts)
}

func (c *Coordinator) decompose(ctx context.Context, swarmID, task string, cfg swarmtypes.SwarmConfig, opts ExecuteOptions) ([]swarmtypes.WorkerTask, error) {
	if len(opts.ManualTasks) > 0 {
		return planner.FromManualList(opts.ManualTasks), nil
	}
	if c.planner == nil {
		return nil, swarmerr.New(swarmerr.KindDecompositionFailed, "no planner configured and no manual tasks supplied")
	}
	return c.planner.Decompose(ctx, task, planner.Options{
		MaxWorkers:        cfg.MaxWorkers,
		AllowDependencies: cfg.AllowDependencies,
		OutputFormat:      cfg.OutputFormat,
	})
}

// spawnAll spawns every task directly when dependencies aren't in play.
// When cfg.AllowDependencies is set, tasks are enqueued into ex.queue
// instead and drainQueue spawns only the ones already dependenciesResolved
// (spec §4.2, §4.7's "allowDependencies" path); the rest are released as
// their dependencies complete, in handleMasterMessage.
func (c *Coordinator) spawnAll(ctx context.Context, swarmID string, tasks []swarmtypes.WorkerTask, cfg swarmtypes.SwarmConfig, ex *execution) error {
	if !cfg.AllowDependencies {
		for _, t := range tasks {
			w, err := c.lifecycle.SpawnWorker(ctx, swarmID, t)
			if err != nil {
				return swarmerr.Wrap(swarmerr.KindSpawnFailed, err)
			}
			c.emit(swarmID, EventWorkerSpawned, WorkerSpawnedPayload{WorkerID: w.ID, TaskID: t.ID})
		}
		return nil
	}

	q := queue.New()
	q.EnqueueBatch(tasks, queue.Normal)
	ex.queue = q
	return c.drainQueue(ctx, swarmID, ex)
}

// drainQueue spawns every currently dequeuable task in ex.queue. Called once
// up front by spawnAll and again from advanceQueue after each completion, so
// dependents are released as soon as their dependencies resolve.
func (c *Coordinator) drainQueue(ctx context.Context, swarmID string, ex *execution) error {
	for {
		st := ex.queue.Dequeue()
		if st == nil {
			return nil
		}
		w, err := c.lifecycle.SpawnWorker(ctx, swarmID, st.WorkerTask)
		if err != nil {
			return swarmerr.Wrap(swarmerr.KindSpawnFailed, err)
		}
		c.emit(swarmID, EventWorkerSpawned, WorkerSpawnedPayload{WorkerID: w.ID, TaskID: st.ID})
	}
}

// advanceQueue resolves taskID in ex.queue and spawns whatever dependents
// that released, or is a no-op when the swarm wasn't run with
// AllowDependencies (ex.queue is nil).
func (c *Coordinator) advanceQueue(swarmID string, ex *execution, taskID string, succeeded bool) {
	if ex.queue == nil || taskID == "" {
		return
	}
	if succeeded {
		ex.queue.Complete(taskID)
	} else {
		ex.queue.Fail(taskID, nil)
	}
	if err := c.drainQueue(ex.ctx, swarmID, ex); err != nil {
		c.fail(swarmID, err)
	}
}

func (c *Coordinator) workerTaskID(swarmID, workerID string) string {
	w, err := c.registry.GetWorker(swarmID, workerID)
	if err != nil {
		return ""
	}
	return w.Task.ID
}

func (c *Coordinator) handleMasterMessage(swarmID string, msg bus.Message, ex *execution) {
	switch msg.Type {
	case bus.TaskProgress:
		payload, ok := msg.Payload.(TaskProgressPayload)
		if !ok {
			return
		}
		if w, err := c.registry.GetWorker(swarmID, payload.WorkerID); err == nil && w.State == swarmtypes.WorkerPending {
			_ = c.registry.TransitionWorker(swarmID, payload.WorkerID, swarmtypes.WorkerRunning)
		}
		_ = c.registry.UpdateWorkerProgress(swarmID, payload.WorkerID, payload.Progress, payload.CurrentAction)
		c.emit(swarmID, EventWorkerProgress, WorkerProgressPayload{WorkerID: payload.WorkerID, Progress: payload.Progress})

	case bus.TaskComplete:
		payload, ok := msg.Payload.(TaskCompletePayload)
		if !ok {
			return
		}
		taskID := c.workerTaskID(swarmID, payload.WorkerID)
		_ = c.registry.SetWorkerResult(swarmID, payload.WorkerID, payload.Result, payload.Metrics)
		c.emit(swarmID, EventWorkerCompleted, WorkerCompletedPayload{WorkerID: payload.WorkerID})
		c.publishStreamResult(swarmID, payload, taskID)
		c.advanceQueue(swarmID, ex, taskID, true)
		c.checkCompletion(swarmID, ex)

	case bus.TaskFailed:
		payload, ok := msg.Payload.(TaskFailedPayload)
		if !ok {
			return
		}
		taskID := c.workerTaskID(swarmID, payload.WorkerID)
		_ = c.registry.SetWorkerError(swarmID, payload.WorkerID, payload.Error)
		c.emit(swarmID, EventWorkerFailed, WorkerFailedPayload{WorkerID: payload.WorkerID, Error: payload.Error})
		c.advanceQueue(swarmID, ex, taskID, false)
		c.checkCompletion(swarmID, ex)

	case bus.Heartbeat:
		c.lifecycle.Heartbeat(swarmID, msg.SenderID)
	}
}

// publishStreamResult feeds a completed worker's result into the stream
// aggregator, if one is configured (spec §4.10 "processResult"; spec §4.12
// "yield chunks from C9 stream"). A no-op when c.streams is nil.
func (c *Coordinator) publishStreamResult(swarmID string, payload TaskCompletePayload, taskID string) {
	if c.streams == nil {
		return
	}
	workers, err := c.registry.Workers(swarmID)
	if err != nil {
		return
	}
	var instruction string
	completed := 0
	for _, w := range workers {
		if !w.State.Active() {
			completed++
		}
		if w.ID == payload.WorkerID {
			instruction = w.Task.Instruction
		}
	}
	c.streams.ProcessResult(swarmID, aggregator.WorkerResultEntry{
		WorkerID:    payload.WorkerID,
		TaskID:      taskID,
		Instruction: instruction,
		Result:      payload.Result,
		DurationMs:  payload.Metrics.DurationMs,
	}, len(workers), completed)
}

// checkCompletion signals ex.done once no worker is active and no queued
// task is still waiting on a dependency (spec §4.9 "Completion is 'no
// active workers remain'"; with AllowDependencies, a task that hasn't been
// dequeued yet has no Worker in the registry at all, so the queue itself
// must also be empty before the swarm can be considered done).
func (c *Coordinator) checkCompletion(swarmID string, ex *execution) {
	if ex.queue != nil && ex.queue.Len() > 0 {
		return
	}
	workers, err := c.registry.Workers(swarmID)
	if err != nil {
		return
	}
	for _, w := range workers {
		if w.State.Active() {
			return
		}
	}
	ex.doneOnce.Do(func() { close(ex.done) })
}

// finish transitions the swarm into aggregating, computes the final result,
// and transitions to completed or failed accordingly.
func (c *Coordinator) finish(ctx context.Context, swarmID string, cfg swarmtypes.SwarmConfig, opts ExecuteOptions) (*aggregator.Result, error) {
	if err := c.registry.TransitionSwarm(swarmID, swarmtypes.SwarmAggregating); err != nil {
		return nil, err
	}
	c.emit(swarmID, EventAggregationStart, nil)

	format := opts.Format
	if format == "" {
		format = aggregator.Format(cfg.OutputFormat)
	}

	result, err := c.aggregator.Aggregate(ctx, swarmID, format)
	if err != nil {
		c.fail(swarmID, err)
		return nil, err
	}

	c.registry.SetSwarmResult(swarmID, result.Result)
	if err := c.registry.TransitionSwarm(swarmID, swarmtypes.SwarmCompleted); err != nil {
		return nil, err
	}
	c.emit(swarmID, EventSwarmCompleted, SwarmCompletedPayload{Result: result.Result})

	if c.streams != nil {
		// Supplementary to the batch result above; a combination error here
		// (e.g. custom mode with no Merger) doesn't change the swarm's
		// outcome, only whether live stream subscribers see a final chunk.
		mode := opts.StreamMode
		if mode == "" {
			mode = aggregator.ModeConcat
		}
		_, _ = c.streams.Aggregate(swarmID, mode, opts.StreamCombine)
	}

	return result, nil
}

func (c *Coordinator) fail(swarmID string, cause error) {
	c.registry.SetSwarmError(swarmID, cause.Error())
	if s, ok := c.registry.Get(swarmID); ok && !s.State.Terminal() {
		_ = c.registry.TransitionSwarm(swarmID, swarmtypes.SwarmFailed)
	}
	c.emit(swarmID, EventSwarmFailed, SwarmFailedPayload{Error: cause.Error()})
}

func (c *Coordinator) timeout(swarmID string) error {
	err := swarmerr.New(swarmerr.KindSwarmTimeout, fmt.Sprintf("swarm %s timed out", swarmID))
	_ = c.lifecycle.TerminateAllWorkers(context.Background(), swarmID)
	c.fail(swarmID, err)
	return err
}

func (c *Coordinator) cancel(swarmID string) error {
	_ = c.lifecycle.TerminateAllWorkers(context.Background(), swarmID)
	if s, ok := c.registry.Get(swarmID); ok && !s.State.Terminal() {
		_ = c.registry.TransitionSwarm(swarmID, swarmtypes.SwarmCancelled)
	}
	return swarmerr.New(swarmerr.KindCancelled, fmt.Sprintf("swarm %s cancelled", swarmID))
}

// TerminateSwarm cancels a running Execute call, terminates its workers, and
// transitions the swarm to cancelled if it is not already terminal (spec
// §4.9 "terminateSwarm()").
func (c *Coordinator) TerminateSwarm(ctx context.Context, swarmID string) error {
	c.mu.Lock()
	ex, ok := c.executions[swarmID]
	c.mu.Unlock()
	if !ok {
		return swarmerr.New(swarmerr.KindNotFound, "no active execution for swarm: "+swarmID)
	}
	ex.terminated.Store(true)
	ex.cancel()
	return nil
}

func (c *Coordinator) cleanupExecution(swarmID string) {
	c.mu.Lock()
	ex, ok := c.executions[swarmID]
	if ok {
		delete(c.executions, swarmID)
	}
	c.mu.Unlock()
	if ok && ex.unsubscribe != nil {
		ex.unsubscribe()
	}
	c.bus.RemoveSwarmListeners(swarmID)
	if c.streams != nil {
		c.streams.Cleanup(swarmID)
	}
}
