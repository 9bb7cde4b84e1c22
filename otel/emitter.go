package otel

import (
	"github.com/arbor-labs/arborflow/engine"
)

// EnrichEmitter wraps an emitter so outgoing events carry the trace
// context of the span they happened under. Node-level events get the
// node span when one is open, falling back to the run span; events with
// no active span pass through unchanged.
func EnrichEmitter(emit engine.EventEmitter, tracing *TracingHandler) engine.EventEmitter {
	return func(e engine.Event) {
		if e.NodeID != "" {
			sc := tracing.ActiveSpanContext(e.RunID, e.NodeID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// Decorator adapts EnrichEmitter to the engine's decorator hook.
func Decorator(tracing *TracingHandler) engine.EventEmitterDecorator {
	return func(emit engine.EventEmitter) engine.EventEmitter {
		return EnrichEmitter(emit, tracing)
	}
}
