package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/arbor-labs/arborflow/engine"
)

// MetricsHandler translates run events into OpenTelemetry metrics:
// counters for runs and node executions, histograms for durations and
// steps per run. Attributes stay low-cardinality (node type and status,
// never ids).
type MetricsHandler struct {
	runs           metric.Int64Counter
	nodeExecutions metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
	runSteps       metric.Int64Histogram
}

// NewMetricsHandler creates a MetricsHandler with instruments built on
// the given meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	runs, err := meter.Int64Counter("arborflow.runs",
		metric.WithDescription("Number of completed runs by final status"),
	)
	if err != nil {
		return nil, err
	}

	nodeExec, err := meter.Int64Counter("arborflow.node.executions",
		metric.WithDescription("Number of node executions by type and status"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("arborflow.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("arborflow.run.duration",
		metric.WithDescription("Duration of workflow runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runSteps, err := meter.Int64Histogram("arborflow.run.steps",
		metric.WithDescription("Node visits consumed per run"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		runs:           runs,
		nodeExecutions: nodeExec,
		nodeDuration:   nodeDur,
		runDuration:    runDur,
		runSteps:       runSteps,
	}, nil
}

// Handle processes one run event and records the matching instruments.
// It satisfies engine.EventHandler.
func (h *MetricsHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventNodeFinished:
		h.handleNodeFinished(e)
	case engine.EventNodeFailed:
		h.handleNodeFailed(e)
	case engine.EventRunFinished:
		h.handleRunFinished(e)
	}
}

// handleNodeFinished counts the execution and records its duration.
func (h *MetricsHandler) handleNodeFinished(e engine.Event) {
	ctx := context.Background()
	typeAttr := attribute.String("node_type", string(e.NodeType))
	h.nodeExecutions.Add(ctx, 1, metric.WithAttributes(
		typeAttr,
		attribute.String("status", string(e.Status)),
	))
	h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(typeAttr))
}

// handleNodeFailed counts the execution under its error status.
func (h *MetricsHandler) handleNodeFailed(e engine.Event) {
	h.nodeExecutions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("node_type", string(e.NodeType)),
		attribute.String("status", string(e.Status)),
	))
}

// handleRunFinished counts the run and records duration and step usage.
func (h *MetricsHandler) handleRunFinished(e engine.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("status", payloadString(e.Payload, "status")),
	)
	h.runs.Add(ctx, 1, attrs)
	h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	if steps, ok := payloadSteps(e.Payload); ok {
		h.runSteps.Record(ctx, steps, attrs)
	}
}

// payloadSteps reads the step count from a run.finished payload. Events
// that crossed a JSON round trip carry it as float64.
func payloadSteps(p map[string]any) (int64, bool) {
	switch v := p["steps"].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}
