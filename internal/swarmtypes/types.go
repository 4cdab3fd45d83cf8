// Package swarmtypes holds the data model shared by every component of the
// swarm orchestration core: Swarm, Worker, their configuration, and the
// small value types exchanged between components.
package swarmtypes

import "time"

// SwarmState is the lifecycle state of a Swarm.
type SwarmState string

const (
	SwarmPlanning    SwarmState = "planning"
	SwarmSpawning    SwarmState = "spawning"
	SwarmExecuting   SwarmState = "executing"
	SwarmAggregating SwarmState = "aggregating"
	SwarmCompleted   SwarmState = "completed"
	SwarmFailed      SwarmState = "failed"
	SwarmCancelled   SwarmState = "cancelled"
)

// Terminal reports whether the state never transitions again.
func (s SwarmState) Terminal() bool {
	switch s {
	case SwarmCompleted, SwarmFailed, SwarmCancelled:
		return true
	default:
		return false
	}
}

// WorkerState is the lifecycle state of a single Worker.
type WorkerState string

const (
	WorkerPending    WorkerState = "pending"
	WorkerSpawning   WorkerState = "spawning"
	WorkerRunning    WorkerState = "running"
	WorkerCompleted  WorkerState = "completed"
	WorkerFailed     WorkerState = "failed"
	WorkerTerminated WorkerState = "terminated"
)

// Terminal reports whether the state never transitions again for this attempt.
func (s WorkerState) Terminal() bool {
	switch s {
	case WorkerCompleted, WorkerFailed, WorkerTerminated:
		return true
	default:
		return false
	}
}

// Active reports whether a worker in this state still counts toward "swarm
// still executing" per spec §4.9.
func (s WorkerState) Active() bool {
	switch s {
	case WorkerPending, WorkerSpawning, WorkerRunning:
		return true
	default:
		return false
	}
}

// CPUPriority is the relative CPU priority requested for a swarm's workers.
type CPUPriority string

const (
	CPULow    CPUPriority = "low"
	CPUNormal CPUPriority = "normal"
	CPUHigh   CPUPriority = "high"
)

// RetryPolicy bounds worker-respawn attempts and their backoff schedule.
type RetryPolicy struct {
	MaxRetries        int     `json:"maxRetries" yaml:"max_retries"`
	BaseDelayMs       int     `json:"baseDelayMs" yaml:"base_delay_ms"`
	MaxDelayMs        int     `json:"maxDelayMs" yaml:"max_delay_ms"`
	ExponentialFactor float64 `json:"exponentialFactor" yaml:"exponential_factor"`
}

// ResourceLimits caps the resources a single worker may consume.
type ResourceLimits struct {
	MemoryMb    int         `json:"memoryMb" yaml:"memory_mb"`
	CPUPriority CPUPriority `json:"cpuPriority" yaml:"cpu_priority"`
}

// SwarmConfig configures a single swarm's execution.
type SwarmConfig struct {
	MaxWorkers      int             `json:"maxWorkers" yaml:"max_workers"`
	WorkerTimeoutMs int             `json:"workerTimeoutMs" yaml:"worker_timeout_ms"`
	SwarmTimeoutMs  int             `json:"swarmTimeoutMs" yaml:"swarm_timeout_ms"`
	RetryPolicy     RetryPolicy     `json:"retryPolicy" yaml:"retry_policy"`
	ResourceLimits  ResourceLimits  `json:"resourceLimits" yaml:"resource_limits"`
	AllowDependencies bool          `json:"allowDependencies" yaml:"allow_dependencies"`
	OutputFormat    string          `json:"outputFormat,omitempty" yaml:"output_format"`
}

// WorkerTask is the unit of work assigned to a single worker.
type WorkerTask struct {
	ID           string   `json:"id"`
	Instruction  string   `json:"instruction"`
	StartURL     string   `json:"startUrl,omitempty"`
	TimeoutMs    int      `json:"timeoutMs,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	OutputSchema any      `json:"outputSchema,omitempty"`
}

// WorkerMetrics are the per-attempt metrics a worker reports on completion.
type WorkerMetrics struct {
	DurationMs       int64 `json:"durationMs"`
	ActionsPerformed int   `json:"actionsPerformed"`
	PagesVisited     int   `json:"pagesVisited"`
}

// Worker is a single execution slot dedicated to one WorkerTask at a time.
//
// Only the Registry mutates these fields (spec §3 Ownership); every other
// component reads them through Registry accessors.
type Worker struct {
	ID              string
	SwarmID         string
	SessionID       string
	Task            WorkerTask
	State           WorkerState
	Progress        int
	CurrentAction   string
	Result          any
	Error           string
	Metrics         *WorkerMetrics
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	RetryCount      int
	LastHeartbeatAt time.Time
	LastProgressAt  time.Time
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// Registry's lock.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Metrics != nil {
		m := *w.Metrics
		cp.Metrics = &m
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		cp.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Task.Dependencies = append([]string(nil), w.Task.Dependencies...)
	return &cp
}

// Swarm is a single orchestrated execution instance.
type Swarm struct {
	ID          string
	Task        string
	State       SwarmState
	Config      SwarmConfig
	Workers     map[string]*Worker
	TraceID     string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      any
	Error       string
}

// StatusSummary is the computed snapshot returned by Registry.GetStatus.
type StatusSummary struct {
	SwarmID         string         `json:"swarmId"`
	State           SwarmState     `json:"state"`
	Task            string         `json:"task"`
	TotalWorkers    int            `json:"totalWorkers"`
	StateCounts     map[string]int `json:"stateCounts"`
	AverageProgress int            `json:"averageProgress"`
	CreatedAt       time.Time      `json:"createdAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	Error           string         `json:"error,omitempty"`
}
