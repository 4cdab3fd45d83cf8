package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func register(b *Balancer, id string) {
	b.Register(Capacity{WorkerID: id, MaxTasks: 5, MemoryLimitMb: 1000})
}

func TestSelectResourceAwarePrefersSpecializationMatch(t *testing.T) {
	b := New(ResourceAware)
	register(b, "generic")
	b.Register(Capacity{
		WorkerID: "scraper", MaxTasks: 5, MemoryLimitMb: 1000,
		Specializations: map[string]struct{}{"scrape": {}},
	})

	c, err := b.Select(SelectOptions{Instruction: "scrape the listing page"})
	require.NoError(t, err)
	assert.Equal(t, "scraper", c.WorkerID)
}

func TestSelectLeastConnectionsPicksLowestActive(t *testing.T) {
	b := New(LeastConns)
	register(b, "busy")
	register(b, "idle")
	b.RecordTaskStart("busy")
	b.RecordTaskStart("busy")

	c, err := b.Select(SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "idle", c.WorkerID)
}

func TestSelectRoundRobinCyclesThroughCandidates(t *testing.T) {
	b := New(RoundRobin)
	register(b, "a")
	register(b, "b")

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		c, err := b.Select(SelectOptions{})
		require.NoError(t, err)
		seen[c.WorkerID] = true
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestSelectLatencyBasedFallsBackToLeastConnectionsWithoutHistory(t *testing.T) {
	b := New(LatencyBased)
	register(b, "a")
	register(b, "b")
	b.RecordTaskStart("a")

	c, err := b.Select(SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b", c.WorkerID)
}

func TestSelectLatencyBasedPrefersLowerAverageDuration(t *testing.T) {
	b := New(LatencyBased)
	register(b, "slow")
	register(b, "fast")
	b.RecordTaskOutcome("slow", 5000, true)
	b.RecordTaskOutcome("fast", 500, true)

	c, err := b.Select(SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fast", c.WorkerID)
}

func TestUnavailableWorkersAreExcludedFromSelection(t *testing.T) {
	b := New(ResourceAware)
	register(b, "only")
	b.SetAvailable("only", false)

	_, err := b.Select(SelectOptions{})
	assert.Error(t, err)
}

func TestWorkerAtMaxTasksIsExcluded(t *testing.T) {
	b := New(ResourceAware)
	b.Register(Capacity{WorkerID: "full", MaxTasks: 1})
	b.RecordTaskStart("full")

	_, err := b.Select(SelectOptions{})
	assert.Error(t, err)
}

func TestStickySessionPinsToSameWorkerWhileAvailable(t *testing.T) {
	b := New(RoundRobin)
	register(b, "a")
	register(b, "b")

	first, err := b.Select(SelectOptions{SessionID: "session-1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := b.Select(SelectOptions{SessionID: "session-1"})
		require.NoError(t, err)
		assert.Equal(t, first.WorkerID, again.WorkerID)
	}
}

func TestStickySessionFallsThroughWhenPinnedWorkerUnavailable(t *testing.T) {
	b := New(RoundRobin)
	register(b, "a")
	register(b, "b")

	first, err := b.Select(SelectOptions{SessionID: "session-1"})
	require.NoError(t, err)
	b.SetAvailable(first.WorkerID, false)

	again, err := b.Select(SelectOptions{SessionID: "session-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.WorkerID, again.WorkerID)
}

func TestHealthScoreDropsWithFailuresAndClampsAtZero(t *testing.T) {
	b := New(ResourceAware)
	register(b, "flaky")
	for i := 0; i < 10; i++ {
		b.RecordTaskOutcome("flaky", 100, false)
	}

	c, ok := b.Get("flaky")
	require.True(t, ok)
	assert.Equal(t, 0.0, c.HealthScore)
}

func TestUnregisterRemovesWorkerAndItsStickyMapping(t *testing.T) {
	b := New(RoundRobin)
	register(b, "a")
	_, err := b.Select(SelectOptions{SessionID: "session-1"})
	require.NoError(t, err)

	b.Unregister("a")
	_, err = b.Select(SelectOptions{SessionID: "session-1"})
	assert.Error(t, err)
}

func TestStaleHealthScoreDecaysAfterFiveMinutes(t *testing.T) {
	b := New(ResourceAware)
	register(b, "stale")
	c, ok := b.Get("stale")
	require.True(t, ok)
	assert.Equal(t, 100.0, c.HealthScore)

	b.mu.Lock()
	b.workers["stale"].LastUpdated = time.Now().Add(-10 * time.Minute)
	recomputeHealth(b.workers["stale"])
	b.mu.Unlock()

	c, ok = b.Get("stale")
	require.True(t, ok)
	assert.Less(t, c.HealthScore, 100.0)
}
