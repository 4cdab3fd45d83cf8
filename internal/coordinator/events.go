package coordinator

import "time"

// EventType discriminates a domain Event's payload shape (spec §4.9
// "Events (domain)").
type EventType string

const (
	EventSwarmStarted      EventType = "swarm_started"
	EventWorkerSpawned     EventType = "worker_spawned"
	EventWorkerProgress    EventType = "worker_progress"
	EventWorkerCompleted   EventType = "worker_completed"
	EventWorkerFailed      EventType = "worker_failed"
	EventAggregationStart  EventType = "aggregation_started"
	EventSwarmCompleted    EventType = "swarm_completed"
	EventSwarmFailed       EventType = "swarm_failed"
)

// Event is a single domain event, always carrying the swarmId (spec §4.9).
type Event struct {
	Type      EventType
	SwarmID   string
	Timestamp time.Time
	Payload   any
}

// SwarmStartedPayload accompanies EventSwarmStarted.
type SwarmStartedPayload struct {
	WorkerCount int
}

// WorkerSpawnedPayload accompanies EventWorkerSpawned.
type WorkerSpawnedPayload struct {
	WorkerID string
	TaskID   string
}

// WorkerProgressPayload accompanies EventWorkerProgress.
type WorkerProgressPayload struct {
	WorkerID string
	Progress int
}

// WorkerCompletedPayload accompanies EventWorkerCompleted.
type WorkerCompletedPayload struct {
	WorkerID string
}

// WorkerFailedPayload accompanies EventWorkerFailed.
type WorkerFailedPayload struct {
	WorkerID string
	Error    string
}

// SwarmCompletedPayload accompanies EventSwarmCompleted.
type SwarmCompletedPayload struct {
	Result any
}

// SwarmFailedPayload accompanies EventSwarmFailed.
type SwarmFailedPayload struct {
	Error string
}

// EventHandler processes an Event. Handlers must be non-blocking, mirroring
// the bus package's Handler contract.
type EventHandler func(Event)

// EventUnsubscribe removes a previously registered EventHandler.
type EventUnsubscribe func()
