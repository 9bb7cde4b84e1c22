package bus

import (
	"sync"
	"time"

	"github.com/arbor-labs/arborflow/engine"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often coalesced delta events are flushed.
	// Default: 100ms.
	CoalesceInterval time.Duration
}

// deltaKey identifies one node's delta stream within one run.
type deltaKey struct {
	runID  string
	nodeID string
}

// ThrottledEmitter wraps an engine.EventEmitter and coalesces
// high-frequency node.output.delta events. Deltas are coalesced per run
// and node: text fragments under the payload key "delta" are
// concatenated across the interval, every other field follows the
// latest fragment, and a background ticker flushes the survivors. A
// delta without text is not accumulated; the latest one simply wins.
//
// Non-delta events are a barrier: pending deltas flush first, then the
// event passes through. Deltas therefore never trail the node.finished
// or run.finished that supersedes them.
type ThrottledEmitter struct {
	emit     engine.EventEmitter
	interval time.Duration

	mu      sync.Mutex
	pending map[deltaKey]engine.Event
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter wraps emit with delta coalescing at the
// configured interval.
func NewThrottledEmitter(emit engine.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[deltaKey]engine.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

// Emit sends an event through the throttled emitter. Non-delta events
// flush anything pending and then pass straight through;
// node.output.delta events fold into any pending delta for the same run
// and node until the next flush.
func (te *ThrottledEmitter) Emit(e engine.Event) {
	if e.Kind != engine.EventNodeOutputDelta {
		te.flush()
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.closed {
		return
	}

	key := deltaKey{runID: e.RunID, nodeID: e.NodeID}
	if prev, ok := te.pending[key]; ok {
		e = mergeDelta(prev, e)
	}
	te.pending[key] = e
}

// mergeDelta folds two deltas for the same node into one: accumulated
// text plus the newer event's remaining fields. The payload map is
// copied so the caller's event is never written through.
func mergeDelta(prev, next engine.Event) engine.Event {
	prevText, prevOK := prev.Payload["delta"].(string)
	nextText, nextOK := next.Payload["delta"].(string)
	if !prevOK && !nextOK {
		return next
	}

	merged := next
	payload := make(map[string]any, len(next.Payload))
	for k, v := range next.Payload {
		payload[k] = v
	}
	payload["delta"] = prevText + nextText
	merged.Payload = payload
	return merged
}

// Close flushes any pending deltas and stops the background ticker.
// Safe to call more than once.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			// Flush whatever is still pending before exiting.
			te.flush()
			return
		}
	}
}

// flush emits all pending coalesced deltas and clears the pending map.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}

	// Swap the map out so emission happens outside the lock.
	toFlush := te.pending
	te.pending = make(map[deltaKey]engine.Event)
	te.mu.Unlock()

	for _, e := range toFlush {
		te.emit(e)
	}
}
