// Package balancer implements the load balancer (spec §4.3): a worker
// capacity registry with pluggable selection strategies, health scoring, and
// sticky sessions, grounded on the teacher's browser pool capacity
// bookkeeping (internal/tools/browser/pool.go) generalized from a channel of
// interchangeable instances to a scored registry of heterogeneous workers.
package balancer

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/swarmcore/internal/swarmerr"
)

// Strategy selects among available workers.
type Strategy string

const (
	RoundRobin    Strategy = "round_robin"
	LeastConns    Strategy = "least_connections"
	Weighted      Strategy = "weighted"
	ResourceAware Strategy = "resource_aware"
	LatencyBased  Strategy = "latency_based"
)

const minHealthScore = 20.0

// Capacity is a worker's current resource and health snapshot (spec §3).
type Capacity struct {
	WorkerID          string
	ActiveTaskCount   int
	MaxTasks          int
	MemoryUsageMb     int
	MemoryLimitMb     int
	CPUUtilization    float64
	AvgTaskDurationMs float64
	CompletedTasks    int
	FailedTasks       int
	HealthScore       float64
	LastUpdated       time.Time
	Available         bool
	Specializations   map[string]struct{}
	Weight            int
}

func (c *Capacity) successRate() (rate float64, hasHistory bool) {
	total := c.CompletedTasks + c.FailedTasks
	if total == 0 {
		return 0, false
	}
	return float64(c.CompletedTasks) / float64(total), true
}

// Balancer maintains the worker capacity registry and routes tasks to
// workers under a configured Strategy.
type Balancer struct {
	mu       sync.Mutex
	workers  map[string]*Capacity
	strategy Strategy
	cursor   int
	sticky   map[string]string // sessionID -> workerID
}

// New creates a Balancer using strategy (defaults to ResourceAware when
// empty).
func New(strategy Strategy) *Balancer {
	if strategy == "" {
		strategy = ResourceAware
	}
	return &Balancer{
		workers:  make(map[string]*Capacity),
		strategy: strategy,
		sticky:   make(map[string]string),
	}
}

// Register adds or replaces a worker's capacity entry.
func (b *Balancer) Register(cap Capacity) {
	if cap.MaxTasks == 0 {
		cap.MaxTasks = 1
	}
	if cap.Weight == 0 {
		cap.Weight = 1
	}
	if cap.Specializations == nil {
		cap.Specializations = make(map[string]struct{})
	}
	cap.LastUpdated = time.Now()
	cap.Available = true

	b.mu.Lock()
	defer b.mu.Unlock()
	c := cap
	recomputeHealth(&c)
	b.workers[c.WorkerID] = &c
}

// Unregister removes a worker from the registry (spec §5: worker_terminated
// -> LB unregisters).
func (b *Balancer) Unregister(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.workers, workerID)
	for session, wid := range b.sticky {
		if wid == workerID {
			delete(b.sticky, session)
		}
	}
}

func available(c *Capacity) bool {
	return c.Available && c.HealthScore >= minHealthScore && c.ActiveTaskCount < c.MaxTasks
}

func (b *Balancer) availableLocked() []*Capacity {
	out := make([]*Capacity, 0, len(b.workers))
	for _, c := range b.workers {
		if available(c) {
			out = append(out, c)
		}
	}
	return out
}

// SelectOptions parameters a single selection call.
type SelectOptions struct {
	SessionID   string
	Instruction string
}

// Select picks a worker per the configured Strategy, honoring a sticky
// session pin when present and still available (spec §4.3).
func (b *Balancer) Select(opts SelectOptions) (*Capacity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if opts.SessionID != "" {
		if workerID, ok := b.sticky[opts.SessionID]; ok {
			if c, exists := b.workers[workerID]; exists && available(c) {
				return cloneCapacity(c), nil
			}
			delete(b.sticky, opts.SessionID)
		}
	}

	candidates := b.availableLocked()
	if len(candidates) == 0 {
		return nil, swarmerr.New(swarmerr.KindNotFound, "no available workers")
	}

	var chosen *Capacity
	switch b.strategy {
	case RoundRobin:
		chosen = b.pickRoundRobinLocked(candidates)
	case LeastConns:
		chosen = pickLeastConnections(candidates)
	case Weighted:
		chosen = pickWeighted(candidates)
	case LatencyBased:
		chosen = pickLatencyBased(candidates)
	default:
		chosen = pickResourceAware(candidates, opts.Instruction)
	}

	if opts.SessionID != "" {
		b.sticky[opts.SessionID] = chosen.WorkerID
	}
	return cloneCapacity(chosen), nil
}

func (b *Balancer) pickRoundRobinLocked(candidates []*Capacity) *Capacity {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].WorkerID < candidates[j].WorkerID })
	b.cursor = (b.cursor + 1) % len(candidates)
	return candidates[b.cursor]
}

func pickLeastConnections(candidates []*Capacity) *Capacity {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ActiveTaskCount < best.ActiveTaskCount {
			best = c
		}
	}
	return best
}

func pickWeighted(candidates []*Capacity) *Capacity {
	total := 0
	for _, c := range candidates {
		total += c.Weight
	}
	if total <= 0 {
		return candidates[0]
	}
	r := rand.Intn(total)
	for _, c := range candidates {
		r -= c.Weight
		if r < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func pickLatencyBased(candidates []*Capacity) *Capacity {
	var best *Capacity
	for _, c := range candidates {
		if c.AvgTaskDurationMs <= 0 {
			continue
		}
		if best == nil || c.AvgTaskDurationMs < best.AvgTaskDurationMs {
			best = c
		}
	}
	if best == nil {
		return pickLeastConnections(candidates)
	}
	return best
}

func pickResourceAware(candidates []*Capacity, instruction string) *Capacity {
	var best *Capacity
	bestScore := -1e18
	for _, c := range candidates {
		s := resourceAwareScore(c, instruction)
		if s > bestScore {
			bestScore = s
			best = c
		}
	}
	return best
}

func resourceAwareScore(c *Capacity, instruction string) float64 {
	score := 100 + c.HealthScore
	score -= 20 * float64(c.ActiveTaskCount)

	if c.MemoryLimitMb > 0 {
		score -= 30 * (float64(c.MemoryUsageMb) / float64(c.MemoryLimitMb))
	}
	score -= 0.5 * c.CPUUtilization

	if rate, has := c.successRate(); has {
		score += 20 * rate
	}

	if c.AvgTaskDurationMs > 0 {
		bonus := 20 - (c.AvgTaskDurationMs/60000)*20
		if bonus > 0 {
			score += bonus
		}
	}

	if instruction != "" {
		lower := strings.ToLower(instruction)
		for tag := range c.Specializations {
			if tag != "" && strings.Contains(lower, strings.ToLower(tag)) {
				score += 30
			}
		}
	}

	return score
}

// RecordTaskStart increments a worker's active task count.
func (b *Balancer) RecordTaskStart(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.workers[workerID]; ok {
		c.ActiveTaskCount++
		recomputeHealth(c)
	}
}

// RecordTaskOutcome updates a worker's counters and recomputed health score
// after a task completes (spec §4.3).
func (b *Balancer) RecordTaskOutcome(workerID string, durationMs float64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.workers[workerID]
	if !ok {
		return
	}
	if c.ActiveTaskCount > 0 {
		c.ActiveTaskCount--
	}
	if success {
		c.CompletedTasks++
	} else {
		c.FailedTasks++
	}
	total := c.CompletedTasks + c.FailedTasks
	if total > 0 {
		c.AvgTaskDurationMs = ((c.AvgTaskDurationMs * float64(total-1)) + durationMs) / float64(total)
	}
	c.LastUpdated = time.Now()
	recomputeHealth(c)
}

// UpdateResourceUsage refreshes a worker's memory/CPU snapshot and
// recomputes its health score.
func (b *Balancer) UpdateResourceUsage(workerID string, memoryUsageMb int, cpuUtilization float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.workers[workerID]; ok {
		c.MemoryUsageMb = memoryUsageMb
		c.CPUUtilization = cpuUtilization
		c.LastUpdated = time.Now()
		recomputeHealth(c)
	}
}

// SetAvailable toggles a worker's availability flag (e.g. during a deploy
// drain).
func (b *Balancer) SetAvailable(workerID string, isAvailable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.workers[workerID]; ok {
		c.Available = isAvailable
	}
}

// recomputeHealth implements the spec §4.3 health score formula. Caller
// must hold b.mu.
func recomputeHealth(c *Capacity) {
	score := 100.0
	if rate, has := c.successRate(); has {
		score = 100 * rate
	}

	if c.MemoryLimitMb > 0 {
		score -= 20 * (float64(c.MemoryUsageMb) / float64(c.MemoryLimitMb))
	}
	score -= 0.2 * c.CPUUtilization

	staleMinutes := time.Since(c.LastUpdated).Minutes()
	if staleMinutes > 5 {
		score -= 2 * staleMinutes
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	c.HealthScore = score
}

// Get returns a copy of a worker's current capacity.
func (b *Balancer) Get(workerID string) (*Capacity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.workers[workerID]
	if !ok {
		return nil, false
	}
	return cloneCapacity(c), true
}

func cloneCapacity(c *Capacity) *Capacity {
	cp := *c
	cp.Specializations = make(map[string]struct{}, len(c.Specializations))
	for k := range c.Specializations {
		cp.Specializations[k] = struct{}{}
	}
	return &cp
}
