package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmcore/internal/actuator"
	"github.com/haasonsaas/swarmcore/internal/bus"
	"github.com/haasonsaas/swarmcore/internal/registry"
	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

func newTestSwarm(t *testing.T, reg *registry.Registry) *swarmtypes.Swarm {
	t.Helper()
	s, err := reg.CreateSwarm("task", swarmtypes.SwarmConfig{MaxWorkers: 5})
	require.NoError(t, err)
	return s
}

func TestSpawnWorkerAllocatesSessionAndTransitionsToPending(t *testing.T) {
	reg := registry.New(3)
	b := bus.New()
	act := actuator.NewFakeActuator(actuator.FakeConfig{})
	lc := New(reg, b, act, Config{}, nil)

	s := newTestSwarm(t, reg)
	w, err := lc.SpawnWorker(context.Background(), s.ID, swarmtypes.WorkerTask{ID: "t1", Instruction: "do it"})
	require.NoError(t, err)
	assert.Equal(t, swarmtypes.WorkerPending, w.State)
	assert.False(t, w.LastHeartbeatAt.IsZero())
}

func TestSpawnWorkerMarksFailedWhenActuatorFails(t *testing.T) {
	reg := registry.New(3)
	b := bus.New()
	act := actuator.NewFakeActuator(actuator.FakeConfig{FailOpen: true})
	lc := New(reg, b, act, Config{}, nil)

	s := newTestSwarm(t, reg)
	_, err := lc.SpawnWorker(context.Background(), s.ID, swarmtypes.WorkerTask{ID: "t1", Instruction: "do it"})
	require.Error(t, err)

	workers, err := reg.Workers(s.ID)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, swarmtypes.WorkerFailed, workers[0].State)
}

func TestHeartbeatTimeoutTriggersRespawnWithinRetryBudget(t *testing.T) {
	reg := registry.New(3)
	b := bus.New()
	act := actuator.NewFakeActuator(actuator.FakeConfig{})
	lc := New(reg, b, act, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  20 * time.Millisecond,
		ProgressStale:     time.Hour,
		RetryPolicy:       swarmtypes.RetryPolicy{MaxRetries: 2, BaseDelayMs: 5, MaxDelayMs: 20, ExponentialFactor: 2},
	}, nil)

	s := newTestSwarm(t, reg)
	w, err := lc.SpawnWorker(context.Background(), s.ID, swarmtypes.WorkerTask{ID: "t1", Instruction: "do it"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := reg.GetWorker(s.ID, w.ID)
		return err == nil && got.RetryCount >= 1 && got.State == swarmtypes.WorkerPending
	}, 2*time.Second, 10*time.Millisecond)

	lc.stopMonitor(s.ID, w.ID)
}

func TestHeartbeatTimeoutMarksFailedAfterRetriesExhausted(t *testing.T) {
	reg := registry.New(3)
	b := bus.New()
	act := actuator.NewFakeActuator(actuator.FakeConfig{})
	lc := New(reg, b, act, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  15 * time.Millisecond,
		ProgressStale:     time.Hour,
		RetryPolicy:       swarmtypes.RetryPolicy{MaxRetries: 0, BaseDelayMs: 5, MaxDelayMs: 20, ExponentialFactor: 2},
	}, nil)

	s := newTestSwarm(t, reg)
	w, err := lc.SpawnWorker(context.Background(), s.ID, swarmtypes.WorkerTask{ID: "t1", Instruction: "do it"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := reg.GetWorker(s.ID, w.ID)
		return err == nil && got.State == swarmtypes.WorkerFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTerminateClosesSessionAndTransitionsToTerminated(t *testing.T) {
	reg := registry.New(3)
	b := bus.New()
	act := actuator.NewFakeActuator(actuator.FakeConfig{})
	lc := New(reg, b, act, Config{}, nil)

	s := newTestSwarm(t, reg)
	w, err := lc.SpawnWorker(context.Background(), s.ID, swarmtypes.WorkerTask{ID: "t1", Instruction: "do it"})
	require.NoError(t, err)

	require.NoError(t, lc.Terminate(context.Background(), s.ID, w.ID))

	got, err := reg.GetWorker(s.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, swarmtypes.WorkerTerminated, got.State)
	assert.Equal(t, 1, act.ClosedCount())
}

func TestTerminateAllWorkersTerminatesEveryNonTerminalWorker(t *testing.T) {
	reg := registry.New(3)
	b := bus.New()
	act := actuator.NewFakeActuator(actuator.FakeConfig{})
	lc := New(reg, b, act, Config{}, nil)

	s := newTestSwarm(t, reg)
	w1, err := lc.SpawnWorker(context.Background(), s.ID, swarmtypes.WorkerTask{ID: "t1", Instruction: "a"})
	require.NoError(t, err)
	w2, err := lc.SpawnWorker(context.Background(), s.ID, swarmtypes.WorkerTask{ID: "t2", Instruction: "b"})
	require.NoError(t, err)

	require.NoError(t, lc.TerminateAllWorkers(context.Background(), s.ID))

	got1, _ := reg.GetWorker(s.ID, w1.ID)
	got2, _ := reg.GetWorker(s.ID, w2.ID)
	assert.Equal(t, swarmtypes.WorkerTerminated, got1.State)
	assert.Equal(t, swarmtypes.WorkerTerminated, got2.State)
}

func TestHeartbeatUpdatesLastHeartbeatAt(t *testing.T) {
	reg := registry.New(3)
	b := bus.New()
	act := actuator.NewFakeActuator(actuator.FakeConfig{})
	lc := New(reg, b, act, Config{}, nil)

	s := newTestSwarm(t, reg)
	w, err := lc.SpawnWorker(context.Background(), s.ID, swarmtypes.WorkerTask{ID: "t1", Instruction: "a"})
	require.NoError(t, err)

	before, err := reg.GetWorker(s.ID, w.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	lc.Heartbeat(s.ID, w.ID)

	after, err := reg.GetWorker(s.ID, w.ID)
	require.NoError(t, err)
	assert.True(t, after.LastHeartbeatAt.After(before.LastHeartbeatAt))

	lc.stopMonitor(s.ID, w.ID)
}
