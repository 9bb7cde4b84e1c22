package bus

import (
	"context"
	"log/slog"

	"github.com/arbor-labs/arborflow/engine"
)

// StoreSubscriber copies events into an EventStore. Its Handle method
// satisfies engine.EventHandler, so it plugs directly into a run's
// handler chain; persistence failures are logged and never interrupt
// the run.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists one event.
func (s *StoreSubscriber) Handle(event engine.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Pump drains a bus subscription into the store until the subscription
// closes. It is meant to run in its own goroutine behind SubscribeAll.
func (s *StoreSubscriber) Pump(sub Subscription) {
	for event := range sub.Events() {
		s.Handle(event)
	}
}
