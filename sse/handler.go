// Package sse streams run events to HTTP clients over Server-Sent
// Events. Stored events replay first, then the stream follows the live
// bus until the run finishes or the client goes away.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/arbor-labs/arborflow/bus"
	"github.com/arbor-labs/arborflow/engine"
)

// HeartbeatInterval is the default gap between SSE keep-alive comments.
const HeartbeatInterval = 15 * time.Second

// wireEvent is the JSON shape of an event on the SSE stream.
type wireEvent struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id,omitempty"`
	NodeType  string         `json:"node_type,omitempty"`
	Status    string         `json:"status,omitempty"`
	Time      time.Time      `json:"time"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func toWire(e engine.Event) wireEvent {
	return wireEvent{
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		NodeID:    e.NodeID,
		NodeType:  string(e.NodeType),
		Status:    string(e.Status),
		Time:      e.Time,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// Handler serves the SSE stream for one run. Stored events are replayed
// from the EventStore before the handler follows the live EventBus;
// events seen in both phases are deduplicated by sequence number.
//
// The handler expects a "run_id" path value (Go 1.22+ ServeMux). The
// replay cursor comes from an explicit "after" query parameter or, on
// reconnect, from the Last-Event-ID header an EventSource sends.
//
// Messages use the format
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// with a ": ping" comment between heartbeats. The stream closes when a
// run.finished event is delivered or the client disconnects.
type Handler struct {
	store bus.EventStore
	bus   bus.EventBus

	// Heartbeat overrides the keep-alive interval. Zero means
	// HeartbeatInterval.
	Heartbeat time.Duration
}

// NewHandler creates a Handler over the given store and bus.
func NewHandler(store bus.EventStore, eb bus.EventBus) *Handler {
	return &Handler{
		store: store,
		bus:   eb,
	}
}

// ServeHTTP implements http.Handler. It streams events for the run
// identified by the "run_id" path value.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	afterSeq, err := resumeCursor(r)
	if err != nil {
		http.Error(w, "invalid resume cursor", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so no event can fall into the gap
	// between the two phases.
	sub := h.bus.Subscribe(ctx, runID)
	defer sub.Close()

	lastSeq := afterSeq

	finished, err := h.replay(ctx, w, flusher, runID, afterSeq, &lastSeq)
	if err != nil || finished {
		return
	}

	h.follow(ctx, w, flusher, sub, &lastSeq)
}

// resumeCursor picks the replay cursor: an explicit ?after= beats the
// Last-Event-ID header a reconnecting EventSource sends automatically.
func resumeCursor(r *http.Request) (uint64, error) {
	if after := r.URL.Query().Get("after"); after != "" {
		return strconv.ParseUint(after, 10, 64)
	}
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		return strconv.ParseUint(lastID, 10, 64)
	}
	return 0, nil
}

// replay writes stored events to the stream. It reports finished=true
// when a run.finished event went out, meaning the stream should close.
func (h *Handler) replay(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	runID string,
	afterSeq uint64,
	lastSeq *uint64,
) (finished bool, err error) {
	events, err := h.store.List(ctx, runID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if err := writeEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()

		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}

		if evt.Kind == engine.EventRunFinished {
			return true, nil
		}
	}

	return false, nil
}

// follow streams live events from the subscription, skipping sequence
// numbers the replay already sent.
func (h *Handler) follow(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
) {
	interval := h.Heartbeat
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				// Subscription closed.
				return
			}

			if evt.Seq <= *lastSeq {
				continue
			}

			if err := writeEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()

			*lastSeq = evt.Seq

			if evt.Kind == engine.EventRunFinished {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes a single event in SSE format.
func writeEvent(w http.ResponseWriter, evt engine.Event) error {
	data, err := json.Marshal(toWire(evt))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
