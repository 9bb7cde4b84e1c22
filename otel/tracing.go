// Package otel exports run events as OpenTelemetry traces and metrics.
// Its handlers slot into the engine's event chain next to the bus and
// the store subscriber.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbor-labs/arborflow/engine"
)

// TracingHandler translates run events into OpenTelemetry spans: one
// root span per run, one child span per node execution, and branch
// decisions recorded as span events on the if-else node's span.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span
	runCtxs   map[string]context.Context // parent contexts for node spans
	nodeSpans map[string]trace.Span      // keyed runID:nodeID
}

// NewTracingHandler creates a TracingHandler that starts spans on the
// given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle processes one run event, creating or ending spans by kind. It
// satisfies engine.EventHandler.
func (h *TracingHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventRunStarted:
		h.handleRunStarted(e)
	case engine.EventNodeStarted:
		h.handleNodeStarted(e)
	case engine.EventNodeFinished:
		h.handleNodeFinished(e)
	case engine.EventNodeFailed:
		h.handleNodeFailed(e)
	case engine.EventBranchTaken:
		h.handleBranchTaken(e)
	case engine.EventRunCompleted:
		h.handleRunCompleted(e)
	case engine.EventRunFinished:
		h.handleRunFinished(e)
	}
}

// handleRunStarted opens the root span for the run, named after the
// workflow when the event carries one.
func (h *TracingHandler) handleRunStarted(e engine.Event) {
	workflow := payloadString(e.Payload, "workflow")

	spanName := "run:" + e.RunID
	if workflow != "" {
		spanName = "run:" + workflow
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("arborflow.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)

	if workflow != "" {
		span.SetAttributes(attribute.String("arborflow.workflow", workflow))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// handleNodeStarted opens a child span under the run span.
func (h *TracingHandler) handleNodeStarted(e engine.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		// No run span to parent under; start from background.
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("arborflow.run_id", e.RunID),
			attribute.String("arborflow.node_id", e.NodeID),
			attribute.String("arborflow.node_type", string(e.NodeType)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[e.RunID+":"+e.NodeID] = span
	h.mu.Unlock()
}

// handleNodeFinished ends the node span with Ok status.
func (h *TracingHandler) handleNodeFinished(e engine.Event) {
	span, ok := h.takeNodeSpan(e.RunID, e.NodeID)
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("arborflow.duration", e.Elapsed.String()),
	)
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

// handleNodeFailed ends the node span with Error status and records
// the failure.
func (h *TracingHandler) handleNodeFailed(e engine.Event) {
	span, ok := h.takeNodeSpan(e.RunID, e.NodeID)
	if !ok {
		return
	}
	errMsg := payloadString(e.Payload, "error")
	if errMsg == "" {
		errMsg = "unknown error"
	}
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

// handleBranchTaken records the routing decision as a span event on the
// if-else node's span.
func (h *TracingHandler) handleBranchTaken(e engine.Event) {
	h.mu.RLock()
	span, ok := h.nodeSpans[e.RunID+":"+e.NodeID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("arborflow.handle", payloadString(e.Payload, "handle")),
		attribute.String("arborflow.target", payloadString(e.Payload, "target")),
	}
	if label := payloadString(e.Payload, "label"); label != "" {
		attrs = append(attrs, attribute.String("arborflow.label", label))
	}

	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleRunCompleted marks the end node's completion on the run span.
// The run span itself stays open until run.finished.
func (h *TracingHandler) handleRunCompleted(e engine.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()

	if !ok {
		return
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(
		attribute.String("arborflow.node_id", e.NodeID),
	))
}

// handleRunFinished ends the root span, carrying the final status.
func (h *TracingHandler) handleRunFinished(e engine.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	status := payloadString(e.Payload, "status")
	span.SetAttributes(
		attribute.String("arborflow.duration", e.Elapsed.String()),
		attribute.String("arborflow.status", status),
	)

	if status == "failed" {
		errMsg := payloadString(e.Payload, "error")
		if errMsg == "" {
			errMsg = "run failed"
		}
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(e.Time))
}

// takeNodeSpan removes and returns the active span for a node.
func (h *TracingHandler) takeNodeSpan(runID, nodeID string) (trace.Span, bool) {
	key := runID + ":" + nodeID
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	return span, ok
}

// ActiveSpanContext returns the SpanContext for the node's active span,
// or an empty SpanContext when none is open.
func (h *TracingHandler) ActiveSpanContext(runID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodeSpans[runID+":"+nodeID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the run's root span,
// or an empty SpanContext when none is open.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// payloadString reads a string payload value, returning "" when the key
// is absent or holds another type.
func payloadString(p map[string]any, key string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// spanError carries a payload error message into span records.
type spanError string

func (e spanError) Error() string { return string(e) }
