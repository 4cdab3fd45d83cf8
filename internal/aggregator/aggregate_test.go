package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmcore/internal/registry"
	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

func setupSwarmWithWorkers(t *testing.T, reg *registry.Registry, completed, failed int) *swarmtypes.Swarm {
	t.Helper()
	s, err := reg.CreateSwarm("compare three CRMs", swarmtypes.SwarmConfig{MaxWorkers: completed + failed})
	require.NoError(t, err)
	require.NoError(t, reg.TransitionSwarm(s.ID, swarmtypes.SwarmExecuting))

	for i := 0; i < completed; i++ {
		w, err := reg.AddWorker(s.ID, swarmtypes.WorkerTask{ID: "t", Instruction: "scrape page"})
		require.NoError(t, err)
		require.NoError(t, reg.SetWorkerResult(s.ID, w.ID, "worker result", swarmtypes.WorkerMetrics{DurationMs: 100, ActionsPerformed: 3}))
	}
	for i := 0; i < failed; i++ {
		w, err := reg.AddWorker(s.ID, swarmtypes.WorkerTask{ID: "t", Instruction: "scrape with captcha"})
		require.NoError(t, err)
		require.NoError(t, reg.SetWorkerError(s.ID, w.ID, "captcha"))
	}
	return s
}

func TestAggregateReturnsPartialWhenSomeWorkersFailed(t *testing.T) {
	reg := registry.New(3)
	s := setupSwarmWithWorkers(t, reg, 2, 1)
	agg := New(reg, nil)

	res, err := agg.Aggregate(context.Background(), s.ID, FormatJSON)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "captcha")
	assert.Equal(t, 2, res.Metrics.SuccessfulWorkers)
	assert.Equal(t, 1, res.Metrics.FailedWorkers)
	assert.Equal(t, 6, res.Metrics.TotalActionsPerformed)
}

func TestAggregateFailsWithAllWorkersFailedWhenNoneCompleted(t *testing.T) {
	reg := registry.New(3)
	s := setupSwarmWithWorkers(t, reg, 0, 3)
	agg := New(reg, nil)

	_, err := agg.Aggregate(context.Background(), s.ID, FormatJSON)
	require.Error(t, err)
}

func TestAggregateMarkdownProducesOneSectionPerCompletedWorker(t *testing.T) {
	reg := registry.New(3)
	s := setupSwarmWithWorkers(t, reg, 3, 0)
	agg := New(reg, nil)

	res, err := agg.Aggregate(context.Background(), s.ID, FormatMarkdown)
	require.NoError(t, err)
	md, ok := res.Result.(string)
	require.True(t, ok)
	assert.Contains(t, md, "## 1.")
	assert.Contains(t, md, "## 2.")
	assert.Contains(t, md, "## 3.")
}

func TestAggregateHTMLEscapesUnsafeCharacters(t *testing.T) {
	reg := registry.New(3)
	s, err := reg.CreateSwarm("task", swarmtypes.SwarmConfig{MaxWorkers: 1})
	require.NoError(t, err)
	require.NoError(t, reg.TransitionSwarm(s.ID, swarmtypes.SwarmExecuting))
	w, err := reg.AddWorker(s.ID, swarmtypes.WorkerTask{ID: "t", Instruction: "<b>bold</b> & 'quoted'"})
	require.NoError(t, err)
	require.NoError(t, reg.SetWorkerResult(s.ID, w.ID, "<script>alert(1)</script>", swarmtypes.WorkerMetrics{}))

	agg := New(reg, nil)
	res, err := agg.Aggregate(context.Background(), s.ID, FormatHTML)
	require.NoError(t, err)
	html, ok := res.Result.(string)
	require.True(t, ok)
	assert.NotContains(t, html, "<script>alert(1)</script>")
	assert.Contains(t, html, "&lt;script&gt;")
}

type stubSynthesizer struct {
	result any
	err    error
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, task string, entries []WorkerResultEntry, format Format) (any, error) {
	return s.result, s.err
}

func TestAggregateDelegatesToSynthesizerWhenConfigured(t *testing.T) {
	reg := registry.New(3)
	s := setupSwarmWithWorkers(t, reg, 1, 0)
	agg := New(reg, &stubSynthesizer{result: "synthesized"})

	res, err := agg.Aggregate(context.Background(), s.ID, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "synthesized", res.Result)
}
