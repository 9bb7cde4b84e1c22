package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Sentinel errors for schedule store operations.
var (
	ErrScheduleExists   = errors.New("schedule already exists")
	ErrScheduleNotFound = errors.New("schedule not found")
)

// Last-run status values a schedule records.
const (
	ScheduleStatusRunning        = "running"
	ScheduleStatusCompleted      = "completed"
	ScheduleStatusFailed         = "failed"
	ScheduleStatusSkippedOverlap = "skipped_overlap"
)

// Schedule is one cron schedule attached to a workflow. Input and
// MaxSteps carry into every run the schedule fires, exactly as a POST
// to the runs endpoint would.
type Schedule struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Cron       string `json:"cron"`
	Enabled    bool   `json:"enabled"`
	Input      string `json:"input,omitempty"`
	MaxSteps   int    `json:"max_steps,omitempty"`

	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleStore keeps workflow schedules and answers the poller's "what
// is due" question.
type ScheduleStore interface {
	// ListSchedules returns a workflow's schedules in creation order.
	ListSchedules(ctx context.Context, workflowID string) ([]Schedule, error)

	// GetSchedule returns one schedule by id.
	GetSchedule(ctx context.Context, id string) (Schedule, bool, error)

	// CreateSchedule adds a schedule. ErrScheduleExists when the id is
	// taken.
	CreateSchedule(ctx context.Context, sched Schedule) error

	// UpdateSchedule replaces a schedule by id.
	UpdateSchedule(ctx context.Context, sched Schedule) error

	// DeleteSchedule removes one schedule.
	DeleteSchedule(ctx context.Context, id string) error

	// DeleteSchedulesByWorkflow removes every schedule of a workflow.
	DeleteSchedulesByWorkflow(ctx context.Context, workflowID string) error

	// ListDueSchedules returns enabled schedules whose NextRunAt is at
	// or before now, soonest first, capped at limit.
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
}

// MemScheduleStore is the in-memory ScheduleStore.
type MemScheduleStore struct {
	mu    sync.RWMutex
	items map[string]Schedule
	order []string
}

// NewMemScheduleStore creates an empty in-memory schedule store.
func NewMemScheduleStore() *MemScheduleStore {
	return &MemScheduleStore{items: make(map[string]Schedule)}
}

// ListSchedules returns a workflow's schedules in creation order.
func (s *MemScheduleStore) ListSchedules(ctx context.Context, workflowID string) ([]Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Schedule
	for _, id := range s.order {
		if sched := s.items[id]; sched.WorkflowID == workflowID {
			out = append(out, sched)
		}
	}
	return out, nil
}

// GetSchedule returns one schedule by id.
func (s *MemScheduleStore) GetSchedule(ctx context.Context, id string) (Schedule, bool, error) {
	if err := ctx.Err(); err != nil {
		return Schedule{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.items[id]
	return sched, ok, nil
}

// CreateSchedule adds a schedule.
func (s *MemScheduleStore) CreateSchedule(ctx context.Context, sched Schedule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[sched.ID]; ok {
		return ErrScheduleExists
	}
	s.items[sched.ID] = sched
	s.order = append(s.order, sched.ID)
	return nil
}

// UpdateSchedule replaces a schedule by id.
func (s *MemScheduleStore) UpdateSchedule(ctx context.Context, sched Schedule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[sched.ID]; !ok {
		return ErrScheduleNotFound
	}
	s.items[sched.ID] = sched
	return nil
}

// DeleteSchedule removes one schedule.
func (s *MemScheduleStore) DeleteSchedule(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrScheduleNotFound
	}
	s.remove(id)
	return nil
}

// DeleteSchedulesByWorkflow removes every schedule of a workflow.
func (s *MemScheduleStore) DeleteSchedulesByWorkflow(ctx context.Context, workflowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range append([]string(nil), s.order...) {
		if s.items[id].WorkflowID == workflowID {
			s.remove(id)
		}
	}
	return nil
}

// ListDueSchedules returns due enabled schedules, soonest first.
func (s *MemScheduleStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Schedule
	for _, sched := range s.items {
		if sched.Enabled && !sched.NextRunAt.IsZero() && !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(due[j].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// remove deletes one entry. Callers hold s.mu.
func (s *MemScheduleStore) remove(id string) {
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

var _ ScheduleStore = (*MemScheduleStore)(nil)
