// Package bus provides the in-process publish/subscribe fabric that decouples
// state owners (registry, task manager, orchestrator, executor) from consumers
// (broadcaster, memory auditor). Publishing never blocks: each subscriber is
// drained by its own goroutine and a saturated subscriber drops events.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"conductor/internal/logging"
)

// EventType tags the kind of state change an event describes.
type EventType string

const (
	EventAgentIdle      EventType = "agent:idle"
	EventAgentWorking   EventType = "agent:working"
	EventAgentCooldown  EventType = "agent:cooldown"
	EventAgentOffline   EventType = "agent:offline"
	EventAgentError     EventType = "agent:error"
	EventAgentAdded     EventType = "agent:added"
	EventAgentRemoved   EventType = "agent:removed"
	EventAgentXPGained  EventType = "agent:xp-gained"
	EventAgentCompleted EventType = "agent:completed"

	EventTaskCreated   EventType = "task:created"
	EventTaskActive    EventType = "task:active"
	EventTaskCompleted EventType = "task:completed"
	EventTaskReview    EventType = "task:review"
	EventTaskFailed    EventType = "task:failed"
	EventTaskCancelled EventType = "task:cancelled"
	EventTaskApproved  EventType = "task:approved"
	EventTaskRejected  EventType = "task:rejected"

	EventExecDone         EventType = "exec:done"
	EventExecFailed       EventType = "exec:failed"
	EventExecRejectedPath EventType = "exec:rejected-path"
	EventFileWritten      EventType = "file:written"

	EventRLScored EventType = "rl:scored"
)

// SystemAgentID is used on events that do not originate from a single agent.
const SystemAgentID = "system"

// Event is one entry in the activity feed. Seq is assigned by the bus and is
// strictly increasing for the lifetime of the process.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	AgentID string    `json:"agentId"`
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// Handler receives published events. Handlers run on a per-subscriber
// goroutine, never on the publisher's.
type Handler func(Event)

const (
	ringSize         = 100
	subscriberBuffer = 64
)

type subscriber struct {
	ch     chan Event
	closed chan struct{}
}

// Bus is the process-wide event bus. The zero value is not usable; construct
// with New.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	ring   *lru.Cache[uint64, Event]
	seq    atomic.Uint64
	logger logging.Logger

	dropped atomic.Uint64
}

// New creates a Bus with a bounded activity ring of the 100 most recent events.
func New(logger logging.Logger) *Bus {
	// Access is append-only with monotone keys, so LRU eviction degenerates
	// to FIFO: the oldest entry is always the one displaced.
	ring, _ := lru.New[uint64, Event](ringSize)
	return &Bus{
		ring:   ring,
		logger: logging.OrNop(logger),
	}
}

// Publish stamps the event with a sequence number and timestamp, records it in
// the activity ring, and hands it to every subscriber. A subscriber whose
// buffer is full misses the event; the publisher is never delayed.
func (b *Bus) Publish(agentID string, eventType EventType, message string) Event {
	if agentID == "" {
		agentID = SystemAgentID
	}
	ev := Event{
		Seq:     b.seq.Add(1),
		Time:    time.Now(),
		AgentID: agentID,
		Type:    eventType,
		Message: message,
	}

	b.ring.Add(ev.Seq, ev)

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.closed:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber buffer full, dropping event %s (seq %d)", ev.Type, ev.Seq)
		}
	}
	return ev
}

// Subscribe registers a handler and returns an unsubscribe function. The
// handler observes events in publish order but may miss events under load.
func (b *Bus) Subscribe(handler Handler) func() {
	sub := &subscriber{
		ch:     make(chan Event, subscriberBuffer),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				handler(ev)
			case <-sub.closed:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.closed)
		})
	}
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Bus) Recent(n int) []Event {
	keys := b.ring.Keys()
	if n > 0 && len(keys) > n {
		keys = keys[len(keys)-n:]
	}
	out := make([]Event, 0, len(keys))
	for _, k := range keys {
		if ev, ok := b.ring.Peek(k); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped reports how many events were lost to saturated subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
