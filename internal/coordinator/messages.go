package coordinator

import "github.com/haasonsaas/swarmcore/internal/swarmtypes"

// TaskProgressPayload is the bus.TaskProgress message payload a worker sends
// to report progress (spec §4.9 "task_progress").
type TaskProgressPayload struct {
	WorkerID      string
	Progress      int
	CurrentAction string
}

// TaskCompletePayload is the bus.TaskComplete message payload (spec §4.9
// "task_complete").
type TaskCompletePayload struct {
	WorkerID string
	Result   any
	Metrics  swarmtypes.WorkerMetrics
}

// TaskFailedPayload is the bus.TaskFailed message payload (spec §4.9
// "task_failed").
type TaskFailedPayload struct {
	WorkerID string
	Error    string
}
