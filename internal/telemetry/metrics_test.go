package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry(), 4)
}

func TestSwarmsStartedCounterIncrementsByLabel(t *testing.T) {
	m := newTestMetrics(t)
	m.SwarmsStarted.WithLabelValues("normal").Inc()
	m.SwarmsStarted.WithLabelValues("normal").Inc()
	m.SwarmsStarted.WithLabelValues("critical").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.SwarmsStarted.WithLabelValues("normal")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SwarmsStarted.WithLabelValues("critical")))
}

func TestWindowReturnsZeroSummaryForUnknownSwarm(t *testing.T) {
	m := newTestMetrics(t)
	summary := m.Window("missing")
	assert.Equal(t, 0, summary.Samples)
}

func TestWindowComputesMeanAndPeakAcrossSamples(t *testing.T) {
	m := newTestMetrics(t)
	now := time.Unix(0, 0)
	m.RecordSnapshot("s1", Snapshot{ActiveWorkers: 2, AvgWorkerLatencyMs: 100, ThroughputTasksPerMin: 5, ErrorRate: 0, Timestamp: now})
	m.RecordSnapshot("s1", Snapshot{ActiveWorkers: 4, AvgWorkerLatencyMs: 300, ThroughputTasksPerMin: 9, ErrorRate: 0.5, Timestamp: now})

	summary := m.Window("s1")
	require.Equal(t, 2, summary.Samples)
	assert.Equal(t, 3.0, summary.MeanActiveWorkers)
	assert.Equal(t, 4, summary.PeakActiveWorkers)
	assert.Equal(t, 200.0, summary.MeanAvgWorkerLatencyMs)
	assert.Equal(t, 300.0, summary.PeakAvgWorkerLatencyMs)
	assert.InDelta(t, 0.25, summary.MeanErrorRate, 0.001)
	assert.Equal(t, 0.5, summary.PeakErrorRate)
}

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	m := newTestMetrics(t) // capacity 4
	for i := 1; i <= 6; i++ {
		m.RecordSnapshot("s1", Snapshot{ActiveWorkers: i})
	}
	summary := m.Window("s1")
	// only the last 4 pushes (3,4,5,6) should remain
	assert.Equal(t, 4, summary.Samples)
	assert.Equal(t, 6, summary.PeakActiveWorkers)
}

func TestCleanupRemovesRing(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordSnapshot("s1", Snapshot{ActiveWorkers: 1})
	m.Cleanup("s1")
	assert.Equal(t, 0, m.Window("s1").Samples)
}
