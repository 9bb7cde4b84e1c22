package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/arbor-labs/arborflow/bus"
	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/engine"
	"github.com/arbor-labs/arborflow/graph"
)

// RunRequest is the body of POST /api/workflows/{id}/runs. An empty
// body launches with defaults.
type RunRequest struct {
	// Input seeds the run's conversation as the user's opening message.
	Input string `json:"input,omitempty"`
	// MaxSteps overrides the server's step ceiling for this run.
	MaxSteps int `json:"max_steps,omitempty"`
}

// RunLaunched is the accepted-run response.
type RunLaunched struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleLaunchRun(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}

	var req RunRequest
	if err := decodeJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return
	}

	if result := wf.Document.Validation(); !result.Valid() {
		issues := result.Errors()
		details := make([]string, len(issues))
		for i, issue := range issues {
			details[i] = issue.Message
		}
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED",
			"workflow failed validation", details...)
		return
	}

	runID, _ := s.launchRun(wf, req, nil)
	writeJSON(w, http.StatusAccepted, RunLaunched{RunID: runID})
}

// launchRun starts one run in its own goroutine over a fresh snapshot
// of the workflow's graph. It returns immediately; the caller can wait
// on the returned channel for the run's terminal error. Runs outlive
// the launching request, so they execute under the server's context,
// not the request's.
func (s *Server) launchRun(wf Workflow, req RunRequest, extra engine.EventEmitterDecorator) (string, <-chan error) {
	runID := uuid.NewString()

	wf.Document.ResetStatuses()
	snapshot := wf.Document.Snapshot()

	opts := engine.RunOptions{
		RunID:    runID,
		MaxSteps: s.maxSteps,
		Bus:      s.bus,
		Handler: engine.MultiEventHandler(
			s.persist.Handle,
			mirrorNodeStatuses(wf.Document),
			s.runEvents,
		),
	}
	if req.MaxSteps > 0 {
		opts.MaxSteps = req.MaxSteps
	}
	if req.Input != "" {
		opts.Messages = []core.Message{{Role: "user", Content: req.Input}}
	}

	// Delta coalescing sits closest to the engine so every decorator
	// and sink downstream sees the reduced stream.
	var throttle *bus.ThrottledEmitter
	coalesce := func(emit engine.EventEmitter) engine.EventEmitter {
		throttle = bus.NewThrottledEmitter(emit, bus.ThrottleConfig{})
		return throttle.Emit
	}
	decorator := combineEmitDecorators(s.decorator, extra)
	opts.Decorator = combineEmitDecorators(decorator, coalesce)

	s.tracker.add(runID)
	done := make(chan error, 1)
	go func() {
		defer s.tracker.remove(runID)
		_, err := s.engine.Run(s.runCtx, &snapshot, opts)
		// The engine only builds the emit chain after preflight, so the
		// throttle is nil when the snapshot failed re-validation.
		if throttle != nil {
			throttle.Close()
		}
		if err != nil {
			s.logger.Error("run failed",
				"run_id", runID, "workflow_id", wf.ID, "error", err)
		}
		done <- err
	}()
	return runID, done
}

// mirrorNodeStatuses reflects node lifecycle events onto the canvas
// document so editors see nodes light up as the run progresses.
func mirrorNodeStatuses(doc *graph.Document) engine.EventHandler {
	return func(e engine.Event) {
		switch e.Kind {
		case engine.EventNodeStarted, engine.EventNodeFinished, engine.EventNodeFailed:
			if e.NodeID != "" {
				doc.SetStatus(e.NodeID, e.Status)
			}
		}
	}
}

// combineEmitDecorators nests two emit decorators, the second wrapping
// the first. Either may be nil.
func combineEmitDecorators(first, second engine.EventEmitterDecorator) engine.EventEmitterDecorator {
	if first == nil {
		return second
	}
	if second == nil {
		return first
	}
	return func(emit engine.EventEmitter) engine.EventEmitter {
		return second(first(emit))
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runIDs, err := s.events.RunIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "list runs: "+err.Error())
		return
	}

	statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))
	workflowFilter := strings.TrimSpace(r.URL.Query().Get("workflow_id"))

	summaries := make([]RunSummary, 0, len(runIDs))
	for _, runID := range runIDs {
		events, err := s.events.List(r.Context(), runID, 0, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", "list run events: "+err.Error())
			return
		}
		if len(events) == 0 {
			continue
		}
		summary := s.reconcileRunSummary(summarizeRunEvents(runID, events), events)
		if statusFilter != "" && !strings.EqualFold(summary.Status, statusFilter) {
			continue
		}
		if workflowFilter != "" && summary.WorkflowID != workflowFilter {
			continue
		}
		summaries = append(summaries, summary)
	}

	// Newest first.
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	events, err := s.events.List(r.Context(), runID, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", "load run events: "+err.Error())
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, s.reconcileRunSummary(summarizeRunEvents(runID, events), events))
}
