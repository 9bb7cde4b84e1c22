package bus

import (
	"context"

	"github.com/arbor-labs/arborflow/engine"
)

// EventStore persists run events for replay. Implementations must keep
// events for a run in ascending Seq order.
type EventStore interface {
	// Append stores one event.
	Append(ctx context.Context, event engine.Event) error

	// List returns events for a run with Seq > afterSeq, oldest first.
	// afterSeq 0 means from the beginning; limit 0 means no limit.
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]engine.Event, error)

	// LatestSeq returns the highest Seq stored for a run, 0 when the
	// run has no events.
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// RunIDs returns the distinct run IDs present in the store, sorted
	// ascending.
	RunIDs(ctx context.Context) ([]string, error)
}
