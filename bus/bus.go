// Package bus distributes and persists run events. The engine publishes
// every event it emits to an EventBus; observers such as the SSE handler
// subscribe per run, and a StoreSubscriber copies the stream into an
// EventStore so late subscribers can replay what they missed.
package bus

import (
	"context"

	"github.com/arbor-labs/arborflow/engine"
)

// EventBus fans events out to subscribers.
type EventBus interface {
	// Publish delivers an event to every matching subscriber. It never
	// blocks: subscribers that cannot keep up lose events.
	Publish(event engine.Event)

	// Subscribe registers a subscriber for a single run. The
	// subscription closes itself when ctx is done; callers should still
	// Close it when finished earlier.
	Subscribe(ctx context.Context, runID string) Subscription

	// SubscribeAll registers a subscriber that sees events from every
	// run, with the same lifecycle as Subscribe.
	SubscribeAll(ctx context.Context) Subscription

	// Close shuts down the bus and every open subscription.
	Close() error
}

// Subscription is one subscriber's view of the event stream.
type Subscription interface {
	// Events returns the subscription's event channel. It is closed
	// when the subscription or the bus closes.
	Events() <-chan engine.Event

	// Close unsubscribes and releases resources. Safe to call more
	// than once.
	Close() error
}
