package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmcore/internal/swarmerr"
	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

func TestCreateSwarmRejectsBeyondMaxConcurrent(t *testing.T) {
	r := New(1)
	_, err := r.CreateSwarm("task a", swarmtypes.SwarmConfig{MaxWorkers: 5})
	require.NoError(t, err)

	_, err = r.CreateSwarm("task b", swarmtypes.SwarmConfig{MaxWorkers: 5})
	assert.True(t, swarmerr.Is(err, swarmerr.KindConcurrencyLimit))
}

func TestCreateSwarmAllowedAfterPriorSwarmTerminal(t *testing.T) {
	r := New(1)
	s, err := r.CreateSwarm("task a", swarmtypes.SwarmConfig{MaxWorkers: 5})
	require.NoError(t, err)
	require.NoError(t, r.TransitionSwarm(s.ID, swarmtypes.SwarmCompleted))

	_, err = r.CreateSwarm("task b", swarmtypes.SwarmConfig{MaxWorkers: 5})
	assert.NoError(t, err)
}

func TestAddWorkerRejectsBeyondMaxWorkers(t *testing.T) {
	r := New(3)
	s, err := r.CreateSwarm("task", swarmtypes.SwarmConfig{MaxWorkers: 1})
	require.NoError(t, err)

	_, err = r.AddWorker(s.ID, swarmtypes.WorkerTask{Instruction: "a"})
	require.NoError(t, err)

	_, err = r.AddWorker(s.ID, swarmtypes.WorkerTask{Instruction: "b"})
	assert.Error(t, err)
}

func TestTransitionSwarmSetsStartedAtOnceOnExecuting(t *testing.T) {
	r := New(3)
	s, err := r.CreateSwarm("task", swarmtypes.SwarmConfig{MaxWorkers: 1})
	require.NoError(t, err)

	require.NoError(t, r.TransitionSwarm(s.ID, swarmtypes.SwarmSpawning))
	require.NoError(t, r.TransitionSwarm(s.ID, swarmtypes.SwarmExecuting))

	got, _ := r.Get(s.ID)
	require.NotNil(t, got.StartedAt)
	first := *got.StartedAt

	require.NoError(t, r.TransitionSwarm(s.ID, swarmtypes.SwarmAggregating))
	require.NoError(t, r.TransitionSwarm(s.ID, swarmtypes.SwarmExecuting))
	got, _ = r.Get(s.ID)
	assert.Equal(t, first, *got.StartedAt)
}

func TestTransitionSwarmRejectsOnceTerminal(t *testing.T) {
	r := New(3)
	s, err := r.CreateSwarm("task", swarmtypes.SwarmConfig{MaxWorkers: 1})
	require.NoError(t, err)
	require.NoError(t, r.TransitionSwarm(s.ID, swarmtypes.SwarmFailed))

	err = r.TransitionSwarm(s.ID, swarmtypes.SwarmExecuting)
	assert.Error(t, err)
}

func TestUpdateWorkerProgressClampsToRange(t *testing.T) {
	r := New(3)
	s, err := r.CreateSwarm("task", swarmtypes.SwarmConfig{MaxWorkers: 1})
	require.NoError(t, err)
	w, err := r.AddWorker(s.ID, swarmtypes.WorkerTask{Instruction: "a"})
	require.NoError(t, err)

	require.NoError(t, r.UpdateWorkerProgress(s.ID, w.ID, 150, ""))
	workers, _ := r.Workers(s.ID)
	assert.Equal(t, 100, workers[0].Progress)

	require.NoError(t, r.UpdateWorkerProgress(s.ID, w.ID, -10, ""))
	workers, _ = r.Workers(s.ID)
	assert.Equal(t, 0, workers[0].Progress)
}

func TestSetWorkerResultImpliesCompletedAndFullProgress(t *testing.T) {
	r := New(3)
	s, err := r.CreateSwarm("task", swarmtypes.SwarmConfig{MaxWorkers: 1})
	require.NoError(t, err)
	w, err := r.AddWorker(s.ID, swarmtypes.WorkerTask{Instruction: "a"})
	require.NoError(t, err)

	require.NoError(t, r.SetWorkerResult(s.ID, w.ID, "done", swarmtypes.WorkerMetrics{}))
	workers, _ := r.Workers(s.ID)
	assert.Equal(t, swarmtypes.WorkerCompleted, workers[0].State)
	assert.Equal(t, 100, workers[0].Progress)
	assert.NotNil(t, workers[0].CompletedAt)
}

func TestStatusComputesAverageProgressAndStateCounts(t *testing.T) {
	r := New(3)
	s, err := r.CreateSwarm("task", swarmtypes.SwarmConfig{MaxWorkers: 3})
	require.NoError(t, err)

	w1, _ := r.AddWorker(s.ID, swarmtypes.WorkerTask{Instruction: "a"})
	w2, _ := r.AddWorker(s.ID, swarmtypes.WorkerTask{Instruction: "b"})
	require.NoError(t, r.UpdateWorkerProgress(s.ID, w1.ID, 40, ""))
	require.NoError(t, r.UpdateWorkerProgress(s.ID, w2.ID, 60, ""))

	status, err := r.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.TotalWorkers)
	assert.Equal(t, 50, status.AverageProgress)
	assert.Equal(t, 2, status.StateCounts[string(swarmtypes.WorkerPending)])
}
