// Package engine interprets validated workflow graphs: one node at a
// time from the start node, dispatching by node type and streaming
// lifecycle events to the caller's sink.
package engine

import (
	"time"

	"github.com/arbor-labs/arborflow/core"
)

// EventKind identifies the type of event emitted during a run.
type EventKind string

const (
	// EventRunStarted is emitted once when a run begins.
	EventRunStarted EventKind = "run.started"

	// EventNodeStarted is emitted when a node begins execution. The
	// event's Status is processing.
	EventNodeStarted EventKind = "node.started"

	// EventNodeFinished is emitted when a node completes. The event's
	// Status is success.
	EventNodeFinished EventKind = "node.finished"

	// EventNodeFailed is emitted when a node raises. The event's Status
	// is error and the payload carries the message.
	EventNodeFailed EventKind = "node.failed"

	// EventBranchTaken is emitted when an if-else node picks an edge.
	EventBranchTaken EventKind = "branch.taken"

	// EventNodeOutputDelta is emitted for incremental streaming output,
	// typically by the agent executor while a model responds.
	EventNodeOutputDelta EventKind = "node.output.delta"

	// EventRunCompleted is the terminal completion signal an end node
	// emits when the run reaches it.
	EventRunCompleted EventKind = "run.completed"

	// EventRunFinished closes every run's event stream, successful or
	// not; the payload carries the final status.
	EventRunFinished EventKind = "run.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a
// run. Events should stay small: node results live in the run result and
// the event store, not in payloads.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// NodeID is the node that produced this event (empty for run-level
	// events).
	NodeID string

	// NodeType is the type of that node (empty for run-level events).
	NodeType core.NodeType

	// Status is the node lifecycle state this event reports, when any.
	Status core.NodeStatus

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the run or node started.
	Elapsed time.Duration

	// Payload carries event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when
	// OTel is inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel
	// is inactive).
	SpanID string
}

// NewEvent creates an event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID string, nodeType core.NodeType) Event {
	e.NodeID = nodeID
	e.NodeType = nodeType
	return e
}

// WithStatus sets the reported lifecycle state on the event.
func (e Event) WithStatus(status core.NodeStatus) Event {
	e.Status = status
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events. The engine hands
// an emitter to collaborators that stream intermediate output.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior,
// such as enriching events with trace metadata.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers. The bus
// package satisfies this, letting the engine distribute events without
// importing it.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events, typically to
// log them or hand them to a sink the engine does not know about.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// The channel should have sufficient buffer to avoid blocking; events
// are dropped if it is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
