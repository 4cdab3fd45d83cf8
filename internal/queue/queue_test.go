package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

func task(id string, deps ...string) swarmtypes.WorkerTask {
	return swarmtypes.WorkerTask{ID: id, Instruction: "do " + id, Dependencies: deps}
}

func TestDequeuePicksHighestPriorityFirst(t *testing.T) {
	q := New()
	q.Enqueue(task("low"), Low, Options{})
	q.Enqueue(task("critical"), Critical, Options{})
	q.Enqueue(task("normal"), Normal, Options{})

	got := q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "critical", got.ID)
}

func TestDequeueTieBreaksByInsertionOrder(t *testing.T) {
	q := New()
	q.Enqueue(task("first"), Normal, Options{})
	q.Enqueue(task("second"), Normal, Options{})

	got := q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "first", got.ID)
}

func TestDependenciesBlockDequeueUntilResolved(t *testing.T) {
	q := New()
	q.Enqueue(task("base"), Critical, Options{})
	q.Enqueue(task("dependent", "base"), Critical, Options{})

	// dependent cannot be dequeued while base is still queued.
	got := q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "base", got.ID)

	// base is scheduled, not completed, so dependent remains unresolved.
	assert.Nil(t, q.Dequeue())

	q.Complete("base")
	got = q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "dependent", got.ID)
}

func TestScheduledAtExcludesTaskFromDequeueUntilCleared(t *testing.T) {
	q := New()
	st := q.Enqueue(task("a"), Normal, Options{})

	first := q.Dequeue()
	require.NotNil(t, first)
	assert.Equal(t, st.ID, first.ID)

	assert.Nil(t, q.Dequeue())
}

func TestPreemptReschedulesAndPromotesPriority(t *testing.T) {
	q := New()
	st := q.Enqueue(task("a"), Low, Options{})
	q.Dequeue()

	ok := q.Preempt(st.ID)
	require.True(t, ok)

	got, found := q.Get(st.ID)
	require.True(t, found)
	assert.Equal(t, Normal, got.Priority)
	assert.Equal(t, 1, got.PreemptCount)
	assert.Nil(t, got.ScheduledAt)

	redeq := q.Dequeue()
	require.NotNil(t, redeq)
	assert.Equal(t, st.ID, redeq.ID)
}

func TestUpgradePriorityIgnoresDowngrade(t *testing.T) {
	q := New()
	st := q.Enqueue(task("a"), High, Options{})

	assert.False(t, q.UpgradePriority(st.ID, Low))
	got, _ := q.Get(st.ID)
	assert.Equal(t, High, got.Priority)

	assert.True(t, q.UpgradePriority(st.ID, Critical))
	got, _ = q.Get(st.ID)
	assert.Equal(t, Critical, got.Priority)
}

func TestPastDeadlineBoostsScoreAboveCritical(t *testing.T) {
	q := New()
	past := time.Now().Add(-time.Minute)
	q.Enqueue(task("urgent"), Low, Options{Deadline: &past})
	q.Enqueue(task("critical"), Critical, Options{})

	got := q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "urgent", got.ID)
}

func TestFailMarksDependentsUnresolved(t *testing.T) {
	q := New()
	q.Enqueue(task("base"), Critical, Options{})
	q.Enqueue(task("dependent", "base"), Critical, Options{})

	base := q.Dequeue()
	require.NotNil(t, base)
	q.Fail(base.ID, nil)

	got, found := q.Get("dependent")
	require.True(t, found)
	assert.False(t, got.DependenciesResolved)
}

func TestDequeueNStopsWhenQueueExhausted(t *testing.T) {
	q := New()
	q.EnqueueBatch([]swarmtypes.WorkerTask{task("a"), task("b")}, Normal)

	got := q.DequeueN(5)
	assert.Len(t, got, 2)
}

func TestPeekDoesNotMutateQueueState(t *testing.T) {
	q := New()
	q.Enqueue(task("a"), Normal, Options{})

	peeked := q.Peek()
	require.NotNil(t, peeked)
	assert.Nil(t, peeked.ScheduledAt)

	dequeued := q.Dequeue()
	require.NotNil(t, dequeued)
	assert.Equal(t, peeked.ID, dequeued.ID)
}

// TestAgingEventuallySurfacesOlderLowerPriorityTask exercises the fairness
// property: a long-queued low priority task's score grows with age and
// will eventually exceed a freshly added normal priority task's score.
func TestAgingEventuallySurfacesOlderLowerPriorityTask(t *testing.T) {
	q := New()
	st := q.Enqueue(task("old"), Low, Options{})

	q.mu.Lock()
	q.tasks[st.ID].AddedAt = time.Now().Add(-30 * time.Minute)
	q.mu.Unlock()

	q.Enqueue(task("new"), Normal, Options{})

	got := q.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "old", got.ID)
}
