package server

import (
	"sync"
	"time"

	"github.com/arbor-labs/arborflow/engine"
)

// Run lifecycle statuses reported by the run history endpoints.
const (
	runStatusRunning   = "running"
	runStatusCompleted = "completed"
	runStatusFailed    = "failed"
)

// runTracker records which runs this process is currently executing.
// The event store alone cannot tell "still running" apart from
// "interrupted by a restart"; membership here settles it.
type runTracker struct {
	mu     sync.RWMutex
	active map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[string]struct{})}
}

func (t *runTracker) add(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[runID] = struct{}{}
}

func (t *runTracker) remove(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, runID)
}

func (t *runTracker) isActive(runID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.active[runID]
	return ok
}

// RunSummary is one row of run history, folded from a run's event log.
type RunSummary struct {
	RunID       string     `json:"run_id"`
	WorkflowID  string     `json:"workflow_id,omitempty"`
	Status      string     `json:"status"`
	Steps       int        `json:"steps"`
	Trigger     string     `json:"trigger,omitempty"`
	ScheduleID  string     `json:"schedule_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// summarizeRunEvents folds a run's event history into a single summary.
// A run with no finish event reads as running; reconcileRunSummary
// decides whether that is still true.
func summarizeRunEvents(runID string, events []engine.Event) RunSummary {
	summary := RunSummary{RunID: runID, Status: runStatusRunning}
	for _, e := range events {
		switch e.Kind {
		case engine.EventRunStarted:
			summary.StartedAt = e.Time.UTC()
			summary.WorkflowID = payloadString(e.Payload, "workflow")
			if id := payloadString(e.Payload, "workflow_id"); id != "" {
				summary.WorkflowID = id
			}
			summary.Trigger = payloadString(e.Payload, "trigger")
			summary.ScheduleID = payloadString(e.Payload, "schedule_id")
		case engine.EventNodeStarted:
			summary.Steps++
		case engine.EventRunFinished:
			if status := payloadString(e.Payload, "status"); status != "" {
				summary.Status = status
			}
			at := e.Time.UTC()
			summary.CompletedAt = &at
			summary.DurationMs = e.Elapsed.Milliseconds()
			if steps, ok := payloadInt(e.Payload, "steps"); ok {
				summary.Steps = steps
			}
			summary.Error = payloadString(e.Payload, "error")
		}
	}
	return summary
}

// reconcileRunSummary downgrades phantom "running" rows. A run with no
// finish event that this process is not executing was interrupted, so
// it reports as failed with its last event time as the end.
func (s *Server) reconcileRunSummary(summary RunSummary, events []engine.Event) RunSummary {
	if summary.Status != runStatusRunning || s.tracker.isActive(summary.RunID) {
		return summary
	}
	summary.Status = runStatusFailed
	summary.Error = "interrupted"
	at := latestEventTime(events)
	if at.IsZero() {
		at = summary.StartedAt
	}
	at = at.UTC()
	summary.CompletedAt = &at
	if !summary.StartedAt.IsZero() && at.After(summary.StartedAt) {
		summary.DurationMs = at.Sub(summary.StartedAt).Milliseconds()
	}
	return summary
}

func latestEventTime(events []engine.Event) time.Time {
	var latest time.Time
	for _, e := range events {
		if e.Time.After(latest) {
			latest = e.Time
		}
	}
	return latest
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

// payloadInt reads an integer payload field, tolerating the float64
// that JSON round trips produce.
func payloadInt(payload map[string]any, key string) (int, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
