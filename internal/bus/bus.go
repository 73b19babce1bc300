// Package bus provides in-process fan-out of agent run events to subscribers,
// keyed by run identifier.
package bus

import (
	"sync"

	gateway "github.com/hanzoai/bot/internal"
)

// subscriptionBuffer bounds how far a slow subscriber may fall behind before
// deliveries to it block the publisher.
const subscriptionBuffer = 64

// Subscription is a handle on one subscriber's event channel. Unsubscribe is
// explicit and must be called on terminal events and on client disconnect.
type Subscription struct {
	runID string
	ch    chan gateway.AgentEvent
	done  chan struct{}
	bus   *Bus

	once sync.Once
}

// Ch returns the subscriber's event channel. No more events arrive after
// Unsubscribe; the channel itself is never closed.
func (s *Subscription) Ch() <-chan gateway.AgentEvent { return s.ch }

// Done is closed when the subscription is detached.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe detaches the subscription. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// Bus fans out run events to live subscribers. Events for runs with no
// subscribers are dropped: there is no buffering for late subscribers.
// Per-run ordering is FIFO from the single engine producer; different runs
// may publish concurrently.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe registers interest in events for runID.
func (b *Bus) Subscribe(runID string) *Subscription {
	s := &Subscription{
		runID: runID,
		ch:    make(chan gateway.AgentEvent, subscriptionBuffer),
		done:  make(chan struct{}),
		bus:   b,
	}
	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], s)
	b.mu.Unlock()
	return s
}

// Publish delivers evt to every subscriber of its run that was live at
// publish time. A subscriber with a full buffer blocks the publisher until
// it drains or unsubscribes, so no live subscriber loses events.
func (b *Bus) Publish(evt gateway.AgentEvent) {
	b.mu.RLock()
	subs := b.subs[evt.RunID]
	// Copy under the lock; Unsubscribe may mutate the slice concurrently.
	targets := make([]*Subscription, len(subs))
	copy(targets, subs)
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- evt:
		case <-s.done:
		}
	}
}

// Subscribers reports the number of live subscriptions for runID.
func (b *Bus) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.runID]
	for i, cand := range subs {
		if cand == s {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, s.runID)
	} else {
		b.subs[s.runID] = subs
	}
}
