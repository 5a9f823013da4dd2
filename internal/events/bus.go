// Package events carries controller notifications to external consumers.
//
// Each subscriber owns an unbounded FIFO drained by its own goroutine, so
// Publish never blocks the evaluation loop and every event published while a
// subscription is open is delivered to it in publish order.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an emitted event.
type Type string

// Event types.
const (
	Started       Type = "started"
	Stopped       Type = "stopped"
	Evaluation    Type = "evaluation"
	Scaled        Type = "scaled"
	ScalingError  Type = "scalingError"
	ResourceAlert Type = "resourceAlert"
	ModelLoaded   Type = "modelLoaded"
	ModelUnloaded Type = "modelUnloaded"
	EmergencyMode Type = "emergencyMode"
)

// Event is one notification. Payload holds a typed value per Type, e.g.
// model.ScalingDecision for Scaled or model.ResourceAlert for ResourceAlert.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Publisher is the write side of the bus, accepted by components that emit.
type Publisher interface {
	Publish(typ Type, payload any)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish stamps and enqueues an event for every current subscriber.
func (b *Bus) Publish(typ Type, payload any) {
	ev := Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Time:    time.Now(),
		Payload: payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.enqueue(ev)
	}
}

// Subscribe registers a new subscriber. Returns nil after Close.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	s := newSubscription(b)
	b.subs[s] = struct{}{}
	go s.pump()
	return s
}

// Close ends every subscription. Events already queued are still delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[*Subscription]struct{}{}
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus *Bus
	out chan Event

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	done     bool // no more events will be enqueued
	canceled bool // consumer went away; drop the queue
}

func newSubscription(b *Bus) *Subscription {
	s := &Subscription{bus: b, out: make(chan Event)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// C returns the delivery channel. It is closed after Close or Bus.Close once
// queued events have been delivered.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close unsubscribes and discards undelivered events.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.mu.Lock()
	s.done = true
	s.canceled = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	// Unblock a pending send.
	go func() {
		for range s.out {
		}
	}()
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if !s.done {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.done = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.canceled || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.out <- ev
	}
}
