package events

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes plan step events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine in
	// registration order; iteration stops at the first subscriber error so a
	// critical subscriber can surface failures to the publisher.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber, stopping at the first error.
		Publish(ctx context.Context, event PlanStepEvent) error

		// Register adds a subscriber and returns a Subscription whose Close
		// unregisters it. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published plan step events.
	//
	// HandleEvent should return an error only when processing fails in a way
	// the publisher must see; the bus stops iterating at the first error, so
	// non-critical failures should be logged and swallowed.
	Subscriber interface {
		HandleEvent(ctx context.Context, event PlanStepEvent) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event PlanStepEvent) error

	// Subscription is an active registration; Close is idempotent and always
	// returns nil.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// HandleEvent invokes the function.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event PlanStepEvent) error {
	return f(ctx, event)
}

// NewBus constructs an in-memory event bus ready for immediate use.
func NewBus() Bus {
	return &bus{}
}

// Publish delivers the event to the subscribers registered at call time.
// Registrations and unregistrations during delivery do not affect the
// current fan-out.
func (b *bus) Publish(ctx context.Context, event PlanStepEvent) error {
	b.mu.RLock()
	snapshot := make([]*subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.RUnlock()
	for _, s := range snapshot {
		if err := s.sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register appends the subscriber; delivery order follows registration order.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Events already fanning out may
// still reach it.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, cur := range s.bus.subs {
			if cur == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
