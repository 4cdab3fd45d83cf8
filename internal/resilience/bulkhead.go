package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/swarmcore/internal/swarmerr"
)

// BulkheadConfig bounds concurrency and the FIFO wait queue (spec §4.4).
type BulkheadConfig struct {
	MaxConcurrent  int
	MaxQueue       int
	QueueTimeout   time.Duration
}

func (c *BulkheadConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.MaxQueue < 0 {
		c.MaxQueue = 50
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 5 * time.Second
	}
}

// Bulkhead bounds the number of concurrently executing operations, queuing
// excess acquirers FIFO up to MaxQueue.
type Bulkhead struct {
	config BulkheadConfig

	mu       sync.Mutex
	active   int
	waiters  []chan struct{}
}

// NewBulkhead creates a Bulkhead from config.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	config.applyDefaults()
	return &Bulkhead{config: config}
}

// Release is returned by Acquire; callers must invoke it to free the slot.
type Release func()

// Acquire grants a slot immediately, waits FIFO for one to free up, or
// returns BulkheadFull / BulkheadTimeout (spec §4.4).
func (b *Bulkhead) Acquire(ctx context.Context) (Release, error) {
	b.mu.Lock()
	if b.active < b.config.MaxConcurrent {
		b.active++
		b.mu.Unlock()
		return b.release, nil
	}
	if len(b.waiters) >= b.config.MaxQueue {
		b.mu.Unlock()
		return nil, swarmerr.New(swarmerr.KindBulkheadFull, "bulkhead queue is full")
	}
	ch := make(chan struct{})
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	timer := time.NewTimer(b.config.QueueTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		return b.release, nil
	case <-timer.C:
		b.removeWaiter(ch)
		return nil, swarmerr.New(swarmerr.KindBulkheadTimeout, "timed out waiting for bulkhead slot")
	case <-ctx.Done():
		b.removeWaiter(ch)
		return nil, ctx.Err()
	}
}

func (b *Bulkhead) removeWaiter(ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.waiters {
		if w == ch {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
	// Already popped by release racing with our timeout; consume the grant
	// so the slot it represents isn't lost.
	select {
	case <-ch:
		b.active--
	default:
	}
}

func (b *Bulkhead) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.waiters) > 0 {
		next := b.waiters[0]
		b.waiters = b.waiters[1:]
		close(next)
		return
	}
	if b.active > 0 {
		b.active--
	}
}

// ActiveCount returns the number of currently executing operations.
func (b *Bulkhead) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// QueueLength returns the number of acquirers currently waiting.
func (b *Bulkhead) QueueLength() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}
