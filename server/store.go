package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arbor-labs/arborflow/graph"
)

// Sentinel errors for store operations.
var (
	ErrWorkflowExists   = errors.New("workflow already exists")
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// Workflow is one stored workflow: the live editing session plus the
// bookkeeping the API reports. The Document pointer is shared between
// every holder of the entry; Document handles its own locking.
type Workflow struct {
	ID        string
	Document  *graph.Document
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowStore keeps the serving set of workflows. Mutations to a
// workflow's graph go through its Document; the store only tracks
// membership and timestamps.
type WorkflowStore interface {
	// List returns all workflows in creation order.
	List(ctx context.Context) ([]Workflow, error)

	// Get returns one workflow by id.
	Get(ctx context.Context, id string) (Workflow, bool, error)

	// Create adds a workflow. ErrWorkflowExists when the id is taken.
	Create(ctx context.Context, wf Workflow) error

	// Touch bumps the workflow's UpdatedAt after a graph mutation.
	Touch(ctx context.Context, id string) error

	// Delete removes a workflow by id.
	Delete(ctx context.Context, id string) error
}

// MemoryStore is the in-memory WorkflowStore. Graphs live only as long
// as the process; the event store is what persists run history.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Workflow
	order []string
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]Workflow),
		now:   time.Now,
	}
}

// List returns all workflows in creation order.
func (s *MemoryStore) List(ctx context.Context) ([]Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Workflow, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out, nil
}

// Get returns one workflow by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (Workflow, bool, error) {
	if err := ctx.Err(); err != nil {
		return Workflow{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.items[id]
	return wf, ok, nil
}

// Create adds a workflow.
func (s *MemoryStore) Create(ctx context.Context, wf Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[wf.ID]; ok {
		return ErrWorkflowExists
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = s.now()
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = wf.CreatedAt
	}
	s.items[wf.ID] = wf
	s.order = append(s.order, wf.ID)
	return nil
}

// Touch bumps the workflow's UpdatedAt.
func (s *MemoryStore) Touch(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.items[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	wf.UpdatedAt = s.now()
	s.items[id] = wf
	return nil
}

// Delete removes a workflow by id.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrWorkflowNotFound
	}
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

var _ WorkflowStore = (*MemoryStore)(nil)
