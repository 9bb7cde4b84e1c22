package bus

import (
	"context"
	"slices"
	"sync"

	"github.com/arbor-labs/arborflow/engine"
)

// MemStoreConfig configures an in-memory event store.
type MemStoreConfig struct {
	// MaxEventsPerRun caps how many events are retained per run; when
	// the cap is reached the oldest events are evicted. Zero means
	// unlimited.
	MaxEventsPerRun int
}

// MemStore is a thread-safe in-memory EventStore. Each run keeps a
// bounded window of its most recent events when a cap is configured.
type MemStore struct {
	mu    sync.RWMutex
	byRun map[string][]engine.Event
	cap   int
}

// NewMemStore creates an in-memory event store.
func NewMemStore(config MemStoreConfig) *MemStore {
	return &MemStore{
		byRun: make(map[string][]engine.Event),
		cap:   config.MaxEventsPerRun,
	}
}

// Append stores one event, evicting the run's oldest events if the
// configured cap is exceeded.
func (s *MemStore) Append(_ context.Context, event engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := append(s.byRun[event.RunID], event)
	if s.cap > 0 && len(events) > s.cap {
		events = events[len(events)-s.cap:]
	}
	s.byRun[event.RunID] = events
	return nil
}

// List returns events for a run with Seq > afterSeq, oldest first.
func (s *MemStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]engine.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []engine.Event
	for _, e := range s.byRun[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// LatestSeq returns the highest Seq stored for a run.
func (s *MemStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest uint64
	for _, e := range s.byRun[runID] {
		if e.Seq > latest {
			latest = e.Seq
		}
	}
	return latest, nil
}

// RunIDs returns the distinct run IDs present in the store, sorted.
func (s *MemStore) RunIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.byRun) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(s.byRun))
	for id := range s.byRun {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Compile-time interface check.
var _ EventStore = (*MemStore)(nil)
