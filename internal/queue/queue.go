// Package queue implements the priority-aware, dependency-resolving task
// queue (spec §4.2): a dynamic scoring function re-evaluated at every dequeue
// rather than a static heap, since the score depends on wall-clock age and
// deadline proximity and would go stale between operations.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

// Priority levels and their static weights (spec §4.2).
type Priority string

const (
	Critical   Priority = "critical"
	High       Priority = "high"
	Normal     Priority = "normal"
	Low        Priority = "low"
	Background Priority = "background"
)

var priorityWeight = map[Priority]float64{
	Critical:   1000,
	High:       100,
	Normal:     10,
	Low:        1,
	Background: 0.1,
}

const agingFactorPerMinute = 5.0

// ScheduledTask is a queue entry: a WorkerTask plus scheduling metadata
// (spec §3).
type ScheduledTask struct {
	swarmtypes.WorkerTask
	Priority             Priority
	Deadline             *time.Time
	EstimatedDurationMs  int
	AddedAt              time.Time
	ScheduledAt          *time.Time
	AssignedWorkerID     string
	DependenciesResolved bool
	PreemptCount         int
	OriginalPosition     int
}

// Options configures an individual enqueue call.
type Options struct {
	Deadline            *time.Time
	EstimatedDurationMs int
}

// Queue is the priority queue. All state is protected by mu; score
// evaluation happens at dequeue time, never cached (spec §5).
type Queue struct {
	mu       sync.Mutex
	tasks    map[string]*ScheduledTask
	position int
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{tasks: make(map[string]*ScheduledTask)}
}

// Enqueue inserts a new task and (re-)resolves dependencies across the
// queue.
func (q *Queue) Enqueue(task swarmtypes.WorkerTask, priority Priority, opts Options) *ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.insertLocked(task, priority, opts)
	q.resolveDependenciesLocked()
	return st
}

// EnqueueBatch inserts every task, resolving dependencies once after all
// inserts complete (spec §4.2).
func (q *Queue) EnqueueBatch(tasks []swarmtypes.WorkerTask, priority Priority) []*ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*ScheduledTask, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, q.insertLocked(task, priority, Options{}))
	}
	q.resolveDependenciesLocked()
	return out
}

func (q *Queue) insertLocked(task swarmtypes.WorkerTask, priority Priority, opts Options) *ScheduledTask {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	q.position++
	st := &ScheduledTask{
		WorkerTask:          task,
		Priority:            priority,
		Deadline:            opts.Deadline,
		EstimatedDurationMs: opts.EstimatedDurationMs,
		AddedAt:             time.Now(),
		OriginalPosition:    q.position,
	}
	q.tasks[st.ID] = st
	return st
}

// resolveDependenciesLocked marks every task whose dependencies are no
// longer present in the queue (i.e. presumed complete) as resolved.
func (q *Queue) resolveDependenciesLocked() {
	for _, st := range q.tasks {
		st.DependenciesResolved = q.dependenciesSatisfiedLocked(st)
	}
}

func (q *Queue) dependenciesSatisfiedLocked(st *ScheduledTask) bool {
	for _, dep := range st.Dependencies {
		if _, stillQueued := q.tasks[dep]; stillQueued {
			return false
		}
	}
	return true
}

// score computes the dynamic dequeue score for a task at time now (spec
// §4.2).
func score(st *ScheduledTask, now time.Time) float64 {
	s := priorityWeight[st.Priority]

	ageMinutes := now.Sub(st.AddedAt).Minutes()
	s += ageMinutes * agingFactorPerMinute

	if st.Deadline != nil {
		toDeadline := st.Deadline.Sub(now)
		switch {
		case toDeadline < 0:
			s += 10000
		case toDeadline < 60*time.Second:
			s *= 4
		case toDeadline < 300*time.Second:
			s *= 2
		}
	}

	s += float64(st.PreemptCount) * 50

	if !st.DependenciesResolved {
		s -= 1000
	}
	if st.ScheduledAt != nil {
		s -= 5000
	}

	return s
}

// dequeuable reports whether a task may be handed to a worker right now.
func dequeuable(st *ScheduledTask) bool {
	return st.DependenciesResolved && st.ScheduledAt == nil
}

// candidatesLocked returns every task in current score order, highest
// first, ties broken by insertion order (spec §4.2 tie-breaks).
func (q *Queue) candidatesLocked() []*ScheduledTask {
	now := time.Now()
	out := make([]*ScheduledTask, 0, len(q.tasks))
	for _, st := range q.tasks {
		out = append(out, st)
	}
	scores := make(map[string]float64, len(out))
	for _, st := range out {
		scores[st.ID] = score(st, now)
	}
	sort.Slice(out, func(i, j int) bool {
		if scores[out[i].ID] != scores[out[j].ID] {
			return scores[out[i].ID] > scores[out[j].ID]
		}
		return out[i].OriginalPosition < out[j].OriginalPosition
	})
	return out
}

// Peek returns the task that would currently be dequeued, without removing
// it or marking it scheduled. Callers must not cache this across mutations
// (spec §5) — by the next call the score may differ.
func (q *Queue) Peek() *ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, st := range q.candidatesLocked() {
		if dequeuable(st) {
			cp := *st
			return &cp
		}
	}
	return nil
}

// Dequeue marks the highest-scoring dequeuable task as scheduled and returns
// it.
func (q *Queue) Dequeue() *ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, st := range q.candidatesLocked() {
		if dequeuable(st) {
			now := time.Now()
			st.ScheduledAt = &now
			return st
		}
	}
	return nil
}

// DequeueN dequeues up to n dequeuable tasks, re-scoring between each pick.
func (q *Queue) DequeueN(n int) []*ScheduledTask {
	out := make([]*ScheduledTask, 0, n)
	for i := 0; i < n; i++ {
		st := q.Dequeue()
		if st == nil {
			break
		}
		out = append(out, st)
	}
	return out
}

// Complete removes a task that finished successfully, resolving any
// dependents.
func (q *Queue) Complete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, id)
	q.resolveDependenciesLocked()
}

// Fail removes a task that failed. Unlike Complete, its dependents are
// explicitly marked unresolved rather than treated as satisfied.
func (q *Queue) Fail(id string, _ error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, id)
	for _, st := range q.tasks {
		for _, dep := range st.Dependencies {
			if dep == id {
				st.DependenciesResolved = false
			}
		}
	}
}

// Preempt clears a task's scheduled state, bumps its preempt count, and
// (unless already critical) promotes it one priority step for fairness
// (spec §4.2).
func (q *Queue) Preempt(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.tasks[id]
	if !ok {
		return false
	}
	st.ScheduledAt = nil
	st.PreemptCount++
	st.Priority = promote(st.Priority)
	return true
}

func promote(p Priority) Priority {
	switch p {
	case Background:
		return Low
	case Low:
		return Normal
	case Normal:
		return High
	case High:
		return Critical
	default:
		return p
	}
}

func priorityRank(p Priority) int {
	switch p {
	case Critical:
		return 4
	case High:
		return 3
	case Normal:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// UpgradePriority raises id's priority, ignoring downgrades.
func (q *Queue) UpgradePriority(id string, newPriority Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.tasks[id]
	if !ok {
		return false
	}
	if priorityRank(newPriority) > priorityRank(st.Priority) {
		st.Priority = newPriority
		return true
	}
	return false
}

// Len returns the number of tasks currently held by the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Get returns a copy of the task with id, if present.
func (q *Queue) Get(id string) (*ScheduledTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *st
	return &cp, true
}
