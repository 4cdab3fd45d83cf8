// Package registry implements the swarm registry (spec §4.6): an in-memory
// store of swarms and their workers enforcing the concurrency and capacity
// caps, grounded on the teacher's internal/multiagent/orchestrator.go
// (RWMutex-guarded map[string]*T, getter/setter methods, no external
// mutation of entity interiors).
package registry

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/swarmcore/internal/swarmerr"
	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

// Registry holds every swarm known to the process.
type Registry struct {
	mu                  sync.RWMutex
	swarms              map[string]*swarmtypes.Swarm
	maxConcurrentSwarms int
}

// New creates a Registry enforcing maxConcurrentSwarms non-terminal swarms.
func New(maxConcurrentSwarms int) *Registry {
	if maxConcurrentSwarms <= 0 {
		maxConcurrentSwarms = 3
	}
	return &Registry{
		swarms:              make(map[string]*swarmtypes.Swarm),
		maxConcurrentSwarms: maxConcurrentSwarms,
	}
}

func (r *Registry) nonTerminalCountLocked() int {
	n := 0
	for _, s := range r.swarms {
		if !s.State.Terminal() {
			n++
		}
	}
	return n
}

// CreateSwarm registers a new swarm in the planning state, rejecting the
// call if doing so would exceed maxConcurrentSwarms (spec §4.6).
func (r *Registry) CreateSwarm(task string, cfg swarmtypes.SwarmConfig) (*swarmtypes.Swarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nonTerminalCountLocked() >= r.maxConcurrentSwarms {
		return nil, swarmerr.New(swarmerr.KindConcurrencyLimit, "max concurrent swarms reached")
	}

	s := &swarmtypes.Swarm{
		ID:        uuid.NewString(),
		Task:      task,
		State:     swarmtypes.SwarmPlanning,
		Config:    cfg,
		Workers:   make(map[string]*swarmtypes.Worker),
		TraceID:   uuid.NewString(),
		CreatedAt: time.Now(),
	}
	r.swarms[s.ID] = s
	return cloneSwarm(s), nil
}

// Get returns a copy of the swarm with id.
func (r *Registry) Get(id string) (*swarmtypes.Swarm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.swarms[id]
	if !ok {
		return nil, false
	}
	return cloneSwarm(s), true
}

// TransitionSwarm moves swarm id to newState, recording startedAt on first
// entry to executing and completedAt on first entry to a terminal state.
// Only terminal states are final: a non-terminal swarm may move to any
// state, including an earlier one such as aggregating back to executing.
func (r *Registry) TransitionSwarm(id string, newState swarmtypes.SwarmState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.swarms[id]
	if !ok {
		return swarmerr.New(swarmerr.KindNotFound, "swarm not found: "+id)
	}
	if s.State.Terminal() {
		return swarmerr.New(swarmerr.KindValidation, "swarm "+id+" is already in a terminal state")
	}

	s.State = newState
	if newState == swarmtypes.SwarmExecuting && s.StartedAt == nil {
		now := time.Now()
		s.StartedAt = &now
	}
	if newState.Terminal() && s.CompletedAt == nil {
		now := time.Now()
		s.CompletedAt = &now
	}
	return nil
}

// SetSwarmError records a terminal error on the swarm without changing its
// state (callers transition separately).
func (r *Registry) SetSwarmError(id string, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.swarms[id]; ok {
		s.Error = errMsg
	}
}

// SetSwarmResult stores the swarm's final aggregated result.
func (r *Registry) SetSwarmResult(id string, result any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.swarms[id]; ok {
		s.Result = result
	}
}

// AddWorker registers a new worker under swarmID, rejecting the call if
// doing so would exceed the swarm's maxWorkers (spec §4.6).
func (r *Registry) AddWorker(swarmID string, task swarmtypes.WorkerTask) (*swarmtypes.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.swarms[swarmID]
	if !ok {
		return nil, swarmerr.New(swarmerr.KindNotFound, "swarm not found: "+swarmID)
	}
	if s.Config.MaxWorkers > 0 && len(s.Workers) >= s.Config.MaxWorkers {
		return nil, swarmerr.New(swarmerr.KindValidation, "swarm "+swarmID+" already has maxWorkers workers")
	}

	w := &swarmtypes.Worker{
		ID:        uuid.NewString(),
		SwarmID:   swarmID,
		Task:      task,
		State:     swarmtypes.WorkerPending,
		CreatedAt: time.Now(),
	}
	s.Workers[w.ID] = w
	return w.Clone(), nil
}

// TransitionWorker updates a worker's state, setting startedAt on first
// entry to running and completedAt on first entry to a terminal state.
func (r *Registry) TransitionWorker(swarmID, workerID string, newState swarmtypes.WorkerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.workerLocked(swarmID, workerID)
	if err != nil {
		return err
	}

	w.State = newState
	if newState == swarmtypes.WorkerRunning && w.StartedAt == nil {
		now := time.Now()
		w.StartedAt = &now
	}
	if newState.Terminal() && w.CompletedAt == nil {
		now := time.Now()
		w.CompletedAt = &now
	}
	return nil
}

// UpdateWorkerProgress clamps progress into [0,100] and optionally updates
// currentAction (spec §4.6).
func (r *Registry) UpdateWorkerProgress(swarmID, workerID string, progress int, currentAction string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.workerLocked(swarmID, workerID)
	if err != nil {
		return err
	}

	w.Progress = int(math.Max(0, math.Min(100, float64(progress))))
	if currentAction != "" {
		w.CurrentAction = currentAction
	}
	w.LastProgressAt = time.Now()
	return nil
}

// GetWorker returns a copy of a single worker.
func (r *Registry) GetWorker(swarmID, workerID string) (*swarmtypes.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, err := r.workerLocked(swarmID, workerID)
	if err != nil {
		return nil, err
	}
	return w.Clone(), nil
}

// SetWorkerResult records a successful result, implying completed/100%
// (spec §4.6).
func (r *Registry) SetWorkerResult(swarmID, workerID string, result any, metrics swarmtypes.WorkerMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.workerLocked(swarmID, workerID)
	if err != nil {
		return err
	}

	now := time.Now()
	w.Result = result
	w.Metrics = &metrics
	w.Progress = 100
	w.State = swarmtypes.WorkerCompleted
	if w.CompletedAt == nil {
		w.CompletedAt = &now
	}
	return nil
}

// SetWorkerError records a failure and transitions the worker to failed.
func (r *Registry) SetWorkerError(swarmID, workerID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.workerLocked(swarmID, workerID)
	if err != nil {
		return err
	}

	now := time.Now()
	w.Error = errMsg
	w.State = swarmtypes.WorkerFailed
	if w.CompletedAt == nil {
		w.CompletedAt = &now
	}
	return nil
}

// TouchHeartbeat records the time the worker last reported alive.
func (r *Registry) TouchHeartbeat(swarmID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, err := r.workerLocked(swarmID, workerID)
	if err != nil {
		return err
	}
	w.LastHeartbeatAt = time.Now()
	return nil
}

// IncrementWorkerRetryCount bumps a worker's retry counter by one, used by
// the lifecycle's respawn path to persist the attempt number it just used.
func (r *Registry) IncrementWorkerRetryCount(swarmID, workerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, err := r.workerLocked(swarmID, workerID)
	if err != nil {
		return 0, err
	}
	w.RetryCount++
	return w.RetryCount, nil
}

func (r *Registry) workerLocked(swarmID, workerID string) (*swarmtypes.Worker, error) {
	s, ok := r.swarms[swarmID]
	if !ok {
		return nil, swarmerr.New(swarmerr.KindNotFound, "swarm not found: "+swarmID)
	}
	w, ok := s.Workers[workerID]
	if !ok {
		return nil, swarmerr.New(swarmerr.KindNotFound, "worker not found: "+workerID)
	}
	return w, nil
}

// Workers returns a snapshot copy of every worker in swarmID.
func (r *Registry) Workers(swarmID string) ([]*swarmtypes.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.swarms[swarmID]
	if !ok {
		return nil, swarmerr.New(swarmerr.KindNotFound, "swarm not found: "+swarmID)
	}
	out := make([]*swarmtypes.Worker, 0, len(s.Workers))
	for _, w := range s.Workers {
		out = append(out, w.Clone())
	}
	return out, nil
}

// Status computes the spec §4.6 status summary: totals, per-state counts,
// average progress rounded to an integer, timestamps, and any error.
func (r *Registry) Status(swarmID string) (*swarmtypes.StatusSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.swarms[swarmID]
	if !ok {
		return nil, swarmerr.New(swarmerr.KindNotFound, "swarm not found: "+swarmID)
	}

	counts := make(map[string]int)
	totalProgress := 0
	for _, w := range s.Workers {
		counts[string(w.State)]++
		totalProgress += w.Progress
	}

	avg := 0
	if len(s.Workers) > 0 {
		avg = int(math.Round(float64(totalProgress) / float64(len(s.Workers))))
	}

	return &swarmtypes.StatusSummary{
		SwarmID:         s.ID,
		State:           s.State,
		Task:            s.Task,
		TotalWorkers:    len(s.Workers),
		StateCounts:     counts,
		AverageProgress: avg,
		CreatedAt:       s.CreatedAt,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		Error:           s.Error,
	}, nil
}

// List returns a snapshot copy of every registered swarm.
func (r *Registry) List() []*swarmtypes.Swarm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*swarmtypes.Swarm, 0, len(r.swarms))
	for _, s := range r.swarms {
		out = append(out, cloneSwarm(s))
	}
	return out
}

// Remove deletes a swarm's record entirely (e.g. after its bus listeners
// and pool resources are released).
func (r *Registry) Remove(swarmID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.swarms, swarmID)
}

func cloneSwarm(s *swarmtypes.Swarm) *swarmtypes.Swarm {
	cp := *s
	cp.Workers = make(map[string]*swarmtypes.Worker, len(s.Workers))
	for id, w := range s.Workers {
		cp.Workers[id] = w.Clone()
	}
	return &cp
}
