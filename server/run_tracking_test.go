package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/arbor-labs/arborflow/engine"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSummarizeRunEventsCompleted(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []engine.Event{
		{Kind: engine.EventRunStarted, RunID: "r1", Time: start, Payload: map[string]any{"workflow": "wf-1", "start": "s"}},
		{Kind: engine.EventNodeStarted, RunID: "r1", NodeID: "s", Time: start},
		{Kind: engine.EventNodeStarted, RunID: "r1", NodeID: "a", Time: start.Add(time.Second)},
		{Kind: engine.EventNodeStarted, RunID: "r1", NodeID: "e", Time: start.Add(2 * time.Second)},
		{
			Kind:    engine.EventRunFinished,
			RunID:   "r1",
			Time:    start.Add(3 * time.Second),
			Elapsed: 3 * time.Second,
			// float64 is what a JSON round trip through the store yields.
			Payload: map[string]any{"status": "completed", "steps": float64(3)},
		},
	}

	got := summarizeRunEvents("r1", events)
	if got.Status != runStatusCompleted {
		t.Fatalf("status = %q, want %q", got.Status, runStatusCompleted)
	}
	if got.WorkflowID != "wf-1" {
		t.Fatalf("workflow id = %q, want wf-1", got.WorkflowID)
	}
	if got.Steps != 3 {
		t.Fatalf("steps = %d, want 3", got.Steps)
	}
	if !got.StartedAt.Equal(start) {
		t.Fatalf("started at = %s, want %s", got.StartedAt, start)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(start.Add(3*time.Second)) {
		t.Fatalf("completed at = %v", got.CompletedAt)
	}
	if got.DurationMs != 3000 {
		t.Fatalf("duration ms = %d, want 3000", got.DurationMs)
	}
	if got.Error != "" {
		t.Fatalf("error = %q, want empty", got.Error)
	}
}

func TestSummarizeRunEventsFailed(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []engine.Event{
		{Kind: engine.EventRunStarted, RunID: "r1", Time: start, Payload: map[string]any{"workflow": "wf-1"}},
		{Kind: engine.EventNodeStarted, RunID: "r1", NodeID: "s", Time: start},
		{Kind: engine.EventNodeFailed, RunID: "r1", NodeID: "a", Time: start.Add(time.Second)},
		{
			Kind:    engine.EventRunFinished,
			RunID:   "r1",
			Time:    start.Add(time.Second),
			Elapsed: time.Second,
			Payload: map[string]any{"status": "failed", "error": "agent exploded"},
		},
	}

	got := summarizeRunEvents("r1", events)
	if got.Status != runStatusFailed {
		t.Fatalf("status = %q, want %q", got.Status, runStatusFailed)
	}
	if got.Error != "agent exploded" {
		t.Fatalf("error = %q", got.Error)
	}
	// No steps payload on failure; the node.started count stands.
	if got.Steps != 1 {
		t.Fatalf("steps = %d, want 1", got.Steps)
	}
}

func TestSummarizeRunEventsScheduleMetadata(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []engine.Event{
		{Kind: engine.EventRunStarted, RunID: "r1", Time: start, Payload: map[string]any{
			"workflow":    "wf-1",
			"workflow_id": "wf-1",
			"trigger":     "schedule",
			"schedule_id": "sch-9",
		}},
	}

	got := summarizeRunEvents("r1", events)
	if got.Trigger != "schedule" {
		t.Fatalf("trigger = %q, want schedule", got.Trigger)
	}
	if got.ScheduleID != "sch-9" {
		t.Fatalf("schedule id = %q, want sch-9", got.ScheduleID)
	}
}

func TestReconcileRunSummaryInterrupted(t *testing.T) {
	srv := NewServer(ServerConfig{Logger: discardLogger()})
	defer srv.Close()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []engine.Event{
		{Kind: engine.EventRunStarted, RunID: "r1", Time: start, Payload: map[string]any{"workflow": "wf-1"}},
		{Kind: engine.EventNodeStarted, RunID: "r1", NodeID: "s", Time: start.Add(2 * time.Second)},
	}

	got := srv.reconcileRunSummary(summarizeRunEvents("r1", events), events)
	if got.Status != runStatusFailed {
		t.Fatalf("status = %q, want %q", got.Status, runStatusFailed)
	}
	if got.Error != "interrupted" {
		t.Fatalf("error = %q, want interrupted", got.Error)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(start.Add(2*time.Second)) {
		t.Fatalf("completed at = %v, want last event time", got.CompletedAt)
	}
	if got.DurationMs != 2000 {
		t.Fatalf("duration ms = %d, want 2000", got.DurationMs)
	}
}

func TestReconcileRunSummaryActiveRunStaysRunning(t *testing.T) {
	srv := NewServer(ServerConfig{Logger: discardLogger()})
	defer srv.Close()

	srv.tracker.add("r1")
	defer srv.tracker.remove("r1")

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []engine.Event{
		{Kind: engine.EventRunStarted, RunID: "r1", Time: start, Payload: map[string]any{"workflow": "wf-1"}},
	}

	got := srv.reconcileRunSummary(summarizeRunEvents("r1", events), events)
	if got.Status != runStatusRunning {
		t.Fatalf("status = %q, want %q", got.Status, runStatusRunning)
	}
	if got.CompletedAt != nil {
		t.Fatalf("completed at = %v, want nil", got.CompletedAt)
	}
}

func TestRunTracker(t *testing.T) {
	tr := newRunTracker()
	if tr.isActive("r1") {
		t.Fatal("fresh tracker claims r1 active")
	}
	tr.add("r1")
	if !tr.isActive("r1") {
		t.Fatal("r1 not active after add")
	}
	tr.remove("r1")
	if tr.isActive("r1") {
		t.Fatal("r1 still active after remove")
	}
}
