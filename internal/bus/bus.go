// Package bus implements the in-process pub/sub message bus (spec §4.1):
// per-swarm channels for master/worker/broadcast/wiretap traffic, with
// bounded wait-for-message support (WaitFor).
//
// It generalizes the teacher's InMemorySwarmContext (a mutex-guarded latest-
// value store with a single best-effort update channel) to full per-channel
// pub/sub with typed message envelopes.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/swarmcore/internal/swarmerr"
)

// MessageType discriminates the payload shape of a Message (spec §6).
type MessageType string

const (
	TaskAssign   MessageType = "task_assign"
	TaskProgress MessageType = "task_progress"
	TaskComplete MessageType = "task_complete"
	TaskFailed   MessageType = "task_failed"
	Heartbeat    MessageType = "heartbeat"
	Terminate    MessageType = "terminate"
	Coordination MessageType = "coordination"
)

// Target sentinels for Message.TargetID.
const (
	TargetMaster    = "master"
	TargetBroadcast = "broadcast"
)

// Message is the envelope exchanged on the bus (spec §3).
type Message struct {
	ID        string
	Timestamp time.Time
	SwarmID   string
	SenderID  string
	TargetID  string
	Type      MessageType
	Payload   any
}

// Handler processes a Message. Handlers must be non-blocking; any I/O they
// perform is their own concern (spec §4.1).
type Handler func(Message)

// Unsubscribe removes a previously registered Handler.
type Unsubscribe func()

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the message bus. It holds no persistent state beyond live
// subscriptions (spec §4.1).
type Bus struct {
	mu        sync.RWMutex
	nextSubID uint64
	channels  map[string][]subscription // channel name -> subscribers
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{channels: make(map[string][]subscription)}
}

// MasterChannel returns the deterministic channel name for swarm-to-master
// traffic.
func MasterChannel(swarmID string) string {
	return fmt.Sprintf("swarm:%s:master", swarmID)
}

// WorkerChannel returns the deterministic channel name for master-to-worker
// traffic.
func WorkerChannel(swarmID, workerID string) string {
	return fmt.Sprintf("swarm:%s:worker:%s", swarmID, workerID)
}

// BroadcastChannel returns the deterministic channel name for swarm-wide
// broadcasts.
func BroadcastChannel(swarmID string) string {
	return fmt.Sprintf("swarm:%s:broadcast", swarmID)
}

// WiretapChannel returns the deterministic channel name mirroring every
// non-broadcast message sent within a swarm.
func WiretapChannel(swarmID string) string {
	return fmt.Sprintf("swarm:%s:all", swarmID)
}

func channelFor(swarmID, targetID string) string {
	switch targetID {
	case TargetMaster:
		return MasterChannel(swarmID)
	case TargetBroadcast:
		return BroadcastChannel(swarmID)
	default:
		return WorkerChannel(swarmID, targetID)
	}
}

// Send publishes a message to its target channel, and mirrors it into the
// swarm's wiretap channel unless the target is broadcast (spec §4.1).
func (b *Bus) Send(msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.publish(channelFor(msg.SwarmID, msg.TargetID), msg)
	if msg.TargetID != TargetBroadcast {
		b.publish(WiretapChannel(msg.SwarmID), msg)
	}
}

func (b *Bus) publish(channel string, msg Message) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.channels[channel]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(msg)
	}
}

// SendToWorker constructs and sends a Message addressed to a worker.
func (b *Bus) SendToWorker(swarmID, senderID, workerID string, typ MessageType, payload any) {
	b.Send(Message{SwarmID: swarmID, SenderID: senderID, TargetID: workerID, Type: typ, Payload: payload})
}

// SendToMaster constructs and sends a Message addressed to the master.
func (b *Bus) SendToMaster(swarmID, senderID string, typ MessageType, payload any) {
	b.Send(Message{SwarmID: swarmID, SenderID: senderID, TargetID: TargetMaster, Type: typ, Payload: payload})
}

// Broadcast constructs and sends a Message to every worker in the swarm.
func (b *Bus) Broadcast(swarmID, senderID string, typ MessageType, payload any) {
	b.Send(Message{SwarmID: swarmID, SenderID: senderID, TargetID: TargetBroadcast, Type: typ, Payload: payload})
}

// Subscribe registers handler on the channel swarm:{swarmID}:{targetID}
// resolves to, and returns a function that removes it.
func (b *Bus) Subscribe(swarmID, targetID string, handler Handler) Unsubscribe {
	return b.subscribeChannel(channelFor(swarmID, targetID), handler)
}

// SubscribeWiretap registers handler on the swarm's wiretap channel.
func (b *Bus) SubscribeWiretap(swarmID string, handler Handler) Unsubscribe {
	return b.subscribeChannel(WiretapChannel(swarmID), handler)
}

func (b *Bus) subscribeChannel(channel string, handler Handler) Unsubscribe {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.channels[channel] = append(b.channels[channel], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.channels[channel]
		for i, sub := range subs {
			if sub.id == id {
				b.channels[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.channels[channel]) == 0 {
			delete(b.channels, channel)
		}
	}
}

// WaitFor blocks until the first message of typ arrives on the swarm's
// targetID channel, or returns swarmerr.ErrTimeout after timeout elapses.
func (b *Bus) WaitFor(ctx context.Context, swarmID, targetID string, typ MessageType, timeout time.Duration) (Message, error) {
	result := make(chan Message, 1)
	unsub := b.Subscribe(swarmID, targetID, func(msg Message) {
		if msg.Type != typ {
			return
		}
		select {
		case result <- msg:
		default:
		}
	})
	defer unsub()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-result:
		return msg, nil
	case <-timer.C:
		return Message{}, swarmerr.New(swarmerr.KindTimeout, fmt.Sprintf("waiting for %s on swarm %s target %s", typ, swarmID, targetID))
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// RemoveSwarmListeners removes every subscription whose channel name starts
// with swarm:{swarmID}: — called on every terminal swarm transition so
// handlers don't leak (spec §5).
func (b *Bus) RemoveSwarmListeners(swarmID string) {
	prefix := fmt.Sprintf("swarm:%s:", swarmID)
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel := range b.channels {
		if strings.HasPrefix(channel, prefix) {
			delete(b.channels, channel)
		}
	}
}
