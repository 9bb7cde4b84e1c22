package engine

import (
	"testing"
	"time"

	"github.com/arbor-labs/arborflow/core"
)

func TestNewEventBuilders(t *testing.T) {
	ev := NewEvent(EventNodeStarted, "run-1").
		WithNode("a", core.NodeAgent).
		WithStatus(core.StatusProcessing).
		WithElapsed(5 * time.Millisecond).
		WithPayload("attempt", 1)

	if ev.Kind != EventNodeStarted {
		t.Errorf("Kind = %q, want %q", ev.Kind, EventNodeStarted)
	}
	if ev.RunID != "run-1" {
		t.Errorf("RunID = %q, want %q", ev.RunID, "run-1")
	}
	if ev.NodeID != "a" || ev.NodeType != core.NodeAgent {
		t.Errorf("node = %q/%q, want a/agent", ev.NodeID, ev.NodeType)
	}
	if ev.Status != core.StatusProcessing {
		t.Errorf("Status = %q, want %q", ev.Status, core.StatusProcessing)
	}
	if ev.Elapsed != 5*time.Millisecond {
		t.Errorf("Elapsed = %v, want 5ms", ev.Elapsed)
	}
	if got := ev.Payload["attempt"]; got != 1 {
		t.Errorf("Payload[attempt] = %v, want 1", got)
	}
	if ev.Time.IsZero() {
		t.Error("Time should be stamped by NewEvent")
	}
}

func TestWithPayloadNilMap(t *testing.T) {
	ev := Event{Kind: EventRunStarted}.WithPayload("k", "v")
	if got := ev.Payload["k"]; got != "v" {
		t.Errorf("Payload[k] = %v, want v", got)
	}
}

func TestMultiEventHandler(t *testing.T) {
	var first, second []Event
	h := MultiEventHandler(
		func(e Event) { first = append(first, e) },
		nil,
		func(e Event) { second = append(second, e) },
	)

	h(NewEvent(EventRunStarted, "run-1"))
	h(NewEvent(EventRunFinished, "run-1"))

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("handlers saw %d/%d events, want 2/2", len(first), len(second))
	}
	if first[0].Kind != EventRunStarted || second[1].Kind != EventRunFinished {
		t.Error("handlers saw events out of order")
	}
}

func TestChannelEventHandlerDropsWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	h := ChannelEventHandler(ch)

	h(NewEvent(EventRunStarted, "run-1"))
	h(NewEvent(EventRunFinished, "run-1")) // dropped, buffer is full

	if len(ch) != 1 {
		t.Fatalf("channel holds %d events, want 1", len(ch))
	}
	got := <-ch
	if got.Kind != EventRunStarted {
		t.Errorf("kept event = %q, want %q", got.Kind, EventRunStarted)
	}
}
