package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Snapshot is one ring-buffer entry of a swarm's metrics at a point in time
// (spec §4.11 "per-swarm ring buffer").
type Snapshot struct {
	SwarmState            string
	WorkerCount           int
	ActiveWorkers         int
	CompletedWorkers      int
	FailedWorkers         int
	TaskQueueSize         int
	AvgWorkerLatencyMs    float64
	AvgTaskDurationMs     float64
	MemoryUsageMb         float64
	CPUUtilization        float64
	ThroughputTasksPerMin float64
	ErrorRate             float64
	Timestamp             time.Time
}

// WindowSummary is the mean/peak aggregation of a ring buffer's contents
// over a window (spec §4.11 "Aggregation over a window returns means and
// peaks").
type WindowSummary struct {
	Samples               int
	MeanActiveWorkers      float64
	PeakActiveWorkers      int
	MeanAvgWorkerLatencyMs float64
	PeakAvgWorkerLatencyMs float64
	MeanThroughput         float64
	PeakThroughput         float64
	MeanErrorRate          float64
	PeakErrorRate          float64
}

type ring struct {
	mu      sync.Mutex
	entries []Snapshot
	cap     int
	next    int
	full    bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{entries: make([]Snapshot, capacity), cap: capacity}
}

func (r *ring) push(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = s
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) snapshotAll() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Snapshot, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Snapshot, r.cap)
	copy(out, r.entries[r.next:])
	copy(out[r.cap-r.next:], r.entries[:r.next])
	return out
}

// Metrics holds the Prometheus counters/histograms/gauges C11 exposes plus
// the per-swarm ring buffer of Snapshots. Grounded on the teacher's
// observability.Metrics promauto registration style, generalized from its
// Prometheus default-registerer singleton to an injectable
// prometheus.Registerer so tests can build isolated instances.
type Metrics struct {
	SwarmsStarted    *prometheus.CounterVec
	SwarmsCompleted  *prometheus.CounterVec
	WorkerSpawns     *prometheus.CounterVec
	WorkerFailures   *prometheus.CounterVec
	SwarmDuration    *prometheus.HistogramVec
	ActiveSwarms     prometheus.Gauge
	QueueDepth       prometheus.Gauge

	ringCapacity int
	mu           sync.Mutex
	rings        map[string]*ring
}

// NewMetrics registers C11's Prometheus series against reg. Pass
// prometheus.NewRegistry() for an isolated instance (as tests do); pass nil
// to register against prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer, ringCapacity int) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		SwarmsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmcore_swarms_started_total",
			Help: "Total number of swarms started.",
		}, []string{"priority"}),
		SwarmsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmcore_swarms_completed_total",
			Help: "Total number of swarms reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		WorkerSpawns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmcore_worker_spawns_total",
			Help: "Total number of worker spawn attempts, by result.",
		}, []string{"result"}),
		WorkerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmcore_worker_failures_total",
			Help: "Total number of worker failures, by reason.",
		}, []string{"reason"}),
		SwarmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarmcore_swarm_duration_seconds",
			Help:    "Swarm end-to-end duration in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		ActiveSwarms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "swarmcore_active_swarms",
			Help: "Current number of non-terminal swarms.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "swarmcore_task_queue_depth",
			Help: "Current depth of the priority task queue.",
		}),
		ringCapacity: ringCapacity,
		rings:        make(map[string]*ring),
	}
	return m
}

// RecordSnapshot appends a Snapshot to swarmID's ring buffer.
func (m *Metrics) RecordSnapshot(swarmID string, s Snapshot) {
	m.mu.Lock()
	r, ok := m.rings[swarmID]
	if !ok {
		r = newRing(m.ringCapacity)
		m.rings[swarmID] = r
	}
	m.mu.Unlock()
	r.push(s)
}

// Window returns the mean/peak summary of swarmID's recorded snapshots, or
// a zero-sample summary if none were recorded.
func (m *Metrics) Window(swarmID string) WindowSummary {
	m.mu.Lock()
	r, ok := m.rings[swarmID]
	m.mu.Unlock()
	if !ok {
		return WindowSummary{}
	}

	samples := r.snapshotAll()
	if len(samples) == 0 {
		return WindowSummary{}
	}

	var sumActive, sumLatency, sumThroughput, sumErrRate float64
	var peakActive int
	var peakLatency, peakThroughput, peakErrRate float64
	for _, s := range samples {
		sumActive += float64(s.ActiveWorkers)
		sumLatency += s.AvgWorkerLatencyMs
		sumThroughput += s.ThroughputTasksPerMin
		sumErrRate += s.ErrorRate
		if s.ActiveWorkers > peakActive {
			peakActive = s.ActiveWorkers
		}
		if s.AvgWorkerLatencyMs > peakLatency {
			peakLatency = s.AvgWorkerLatencyMs
		}
		if s.ThroughputTasksPerMin > peakThroughput {
			peakThroughput = s.ThroughputTasksPerMin
		}
		if s.ErrorRate > peakErrRate {
			peakErrRate = s.ErrorRate
		}
	}

	n := float64(len(samples))
	return WindowSummary{
		Samples:                len(samples),
		MeanActiveWorkers:      sumActive / n,
		PeakActiveWorkers:      peakActive,
		MeanAvgWorkerLatencyMs: sumLatency / n,
		PeakAvgWorkerLatencyMs: peakLatency,
		MeanThroughput:         sumThroughput / n,
		PeakThroughput:         peakThroughput,
		MeanErrorRate:          sumErrRate / n,
		PeakErrorRate:          peakErrRate,
	}
}

// Cleanup releases swarmID's ring buffer.
func (m *Metrics) Cleanup(swarmID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rings, swarmID)
}

