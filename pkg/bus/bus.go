// Package bus provides warden's in-process pub/sub observation channel.
// Topics form a closed set known at compile time. Delivery queues are bounded
// per subscriber with drop-oldest overflow; drops are silent except for a
// counter. The bus never carries results — it is observation only.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/sentience-labs/warden/pkg/metrics"
)

// Topic is an enumerated event channel. The set is closed; new topics are
// added here at edit time, never at runtime.
type Topic string

// The topic catalog.
const (
	TopicMessageInbound  Topic = "message:inbound"
	TopicBrowserSnapshot Topic = "browser:snapshot"
	TopicSkillExecuted   Topic = "skill:executed"
	TopicAgentReady      Topic = "agent:ready"
	TopicAgentExit       Topic = "agent:exit"
	TopicAgentShutdown   Topic = "agent:shutdown"
	TopicLoopTick        Topic = "loop:tick"
	TopicApprovalResolved Topic = "approval:resolved"
)

// IsValid reports whether the topic is part of the closed catalog.
func (t Topic) IsValid() bool {
	switch t {
	case TopicMessageInbound, TopicBrowserSnapshot, TopicSkillExecuted,
		TopicAgentReady, TopicAgentExit, TopicAgentShutdown,
		TopicLoopTick, TopicApprovalResolved:
		return true
	default:
		return false
	}
}

// Event is a published payload with its topic and publication timestamp.
type Event struct {
	Topic       Topic
	Payload     any
	PublishedAt time.Time
}

// DefaultQueueCapacity is the per-subscription queue bound when the
// subscriber does not choose one.
const DefaultQueueCapacity = 256

// Bus is the in-process event bus. The zero value is not usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]*Subscription)}
}

// Subscription is one subscriber's bounded delivery queue for a single topic.
type Subscription struct {
	topic    Topic
	capacity int

	mu    sync.Mutex
	queue []Event
	wake  chan struct{} // buffered(1); signaled when the queue goes non-empty
	drops uint64
	done  bool
}

// Subscribe registers a bounded delivery queue on topic. capacity <= 0 uses
// DefaultQueueCapacity.
func (b *Bus) Subscribe(topic Topic, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	s := &Subscription{
		topic:    topic,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
	return s
}

// Unsubscribe removes the subscription from the bus and wakes any blocked
// receiver, which then observes closure.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	list := b.subs[s.topic]
	for i, sub := range list {
		if sub == s {
			b.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.signal()
}

// Publish appends the payload to every live subscription on topic. It never
// blocks: a full queue drops its oldest element and increments the drop
// counter. Publication order is preserved per subscriber.
func (b *Bus) Publish(topic Topic, payload any) {
	evt := Event{Topic: topic, Payload: payload, PublishedAt: time.Now()}

	b.mu.RLock()
	list := b.subs[topic]
	// Copy so delivery happens outside the subscription-table lock.
	targets := make([]*Subscription, len(list))
	copy(targets, list)
	b.mu.RUnlock()

	for _, s := range targets {
		s.deliver(evt)
	}
}

func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		// Drop-oldest: the subscriber keeps the most recent capacity events.
		s.queue = s.queue[1:]
		s.drops++
		metrics.BusDrops.WithLabelValues(string(evt.Topic)).Inc()
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Receive blocks until an event is available, the context is cancelled, or
// the subscription is removed. ok is false on cancellation or closure.
func (s *Subscription) Receive(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue = s.queue[1:]
			if len(s.queue) > 0 {
				// More events remain; leave the wake signal armed for the
				// next call.
				s.mu.Unlock()
				s.signal()
				return evt, true
			}
			s.mu.Unlock()
			return evt, true
		}
		closed := s.done
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-ctx.Done():
			return Event{}, false
		case <-s.wake:
		}
	}
}

// Drain returns up to max queued events without blocking. Used by the agentic
// loop to snapshot recent activity each tick.
func (s *Subscription) Drain(max int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if max > 0 && n > max {
		n = max
	}
	out := make([]Event, n)
	copy(out, s.queue[:n])
	s.queue = s.queue[n:]
	return out
}

// Drops returns the number of events dropped from this subscription's queue.
func (s *Subscription) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic { return s.topic }
