package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/engine"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestStore(t *testing.T, cfg ...SQLiteStoreConfig) *SQLiteStore {
	t.Helper()
	var c SQLiteStoreConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DSN == "" {
		c.DSN = testDSN(t)
	}
	store, err := NewSQLiteStore(c)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreAppendList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		e := storedEvent("run-1", i, engine.EventNodeStarted)
		e.NodeID = fmt.Sprintf("node-%d", i)
		e.NodeType = core.NodeAgent
		e.Status = core.StatusProcessing
		e.Elapsed = time.Duration(i) * time.Millisecond
		e.TraceID = "trace-abc"
		e.SpanID = "span-def"
		e.Payload = map[string]any{"index": float64(i)}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	events, err := store.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	// Round-trip fidelity.
	e := events[0]
	if e.RunID != "run-1" {
		t.Errorf("RunID = %q, want %q", e.RunID, "run-1")
	}
	if e.Seq != 1 {
		t.Errorf("Seq = %d, want 1", e.Seq)
	}
	if e.Kind != engine.EventNodeStarted {
		t.Errorf("Kind = %q, want %q", e.Kind, engine.EventNodeStarted)
	}
	if e.NodeID != "node-1" {
		t.Errorf("NodeID = %q, want %q", e.NodeID, "node-1")
	}
	if e.NodeType != core.NodeAgent {
		t.Errorf("NodeType = %q, want %q", e.NodeType, core.NodeAgent)
	}
	if e.Status != core.StatusProcessing {
		t.Errorf("Status = %q, want %q", e.Status, core.StatusProcessing)
	}
	if e.Elapsed != time.Millisecond {
		t.Errorf("Elapsed = %v, want %v", e.Elapsed, time.Millisecond)
	}
	if e.TraceID != "trace-abc" {
		t.Errorf("TraceID = %q, want %q", e.TraceID, "trace-abc")
	}
	if e.SpanID != "span-def" {
		t.Errorf("SpanID = %q, want %q", e.SpanID, "span-def")
	}
	if v, ok := e.Payload["index"]; !ok || v != float64(1) {
		t.Errorf("Payload[index] = %v (%T), want 1 (float64)", v, v)
	}
}

func TestSQLiteStoreAppendDuplicateSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := storedEvent("run-1", 1, engine.EventNodeStarted)
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Second insert with the same (run_id, seq) must hit the unique
	// constraint.
	if err := store.Append(ctx, e); err == nil {
		t.Fatal("expected error on duplicate (run_id, seq), got nil")
	}
}

func TestSQLiteStoreListAfterSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 10; i++ {
		if err := store.Append(ctx, storedEvent("run-1", i, engine.EventNodeStarted)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	events, err := store.List(ctx, "run-1", 7, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (seq 8,9,10)", len(events))
	}
	if events[0].Seq != 8 {
		t.Errorf("first event Seq = %d, want 8", events[0].Seq)
	}
	if events[2].Seq != 10 {
		t.Errorf("last event Seq = %d, want 10", events[2].Seq)
	}
}

func TestSQLiteStoreListWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 10; i++ {
		store.Append(ctx, storedEvent("run-1", i, engine.EventNodeStarted))
	}

	events, err := store.List(ctx, "run-1", 0, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}
}

func TestSQLiteStoreListAfterSeqWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 10; i++ {
		store.Append(ctx, storedEvent("run-1", i, engine.EventNodeStarted))
	}

	events, err := store.List(ctx, "run-1", 5, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Seq != 6 {
		t.Errorf("first event Seq = %d, want 6", events[0].Seq)
	}
	if events[1].Seq != 7 {
		t.Errorf("second event Seq = %d, want 7", events[1].Seq)
	}
}

func TestSQLiteStoreListEmptyStore(t *testing.T) {
	store := newTestStore(t)

	events, err := store.List(context.Background(), "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
}

func TestSQLiteStoreLatestSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seq, err := store.LatestSeq(ctx, "run-1")
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq != 0 {
		t.Errorf("empty store LatestSeq = %d, want 0", seq)
	}

	for i := uint64(1); i <= 5; i++ {
		store.Append(ctx, storedEvent("run-1", i, engine.EventNodeStarted))
	}

	seq, err = store.LatestSeq(ctx, "run-1")
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq != 5 {
		t.Errorf("LatestSeq = %d, want 5", seq)
	}
}

func TestSQLiteStoreRunIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Append(ctx, storedEvent("run-1", 1, engine.EventRunStarted))
	store.Append(ctx, storedEvent("run-1", 2, engine.EventRunFinished))
	store.Append(ctx, storedEvent("run-2", 1, engine.EventRunStarted))

	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 2 {
		t.Errorf("run-1 events = %d, want 2", len(events))
	}

	events, _ = store.List(ctx, "run-2", 0, 0)
	if len(events) != 1 {
		t.Errorf("run-2 events = %d, want 1", len(events))
	}

	seq, _ := store.LatestSeq(ctx, "run-1")
	if seq != 2 {
		t.Errorf("run-1 LatestSeq = %d, want 2", seq)
	}
	seq, _ = store.LatestSeq(ctx, "run-2")
	if seq != 1 {
		t.Errorf("run-2 LatestSeq = %d, want 1", seq)
	}
}

func TestSQLiteStorePruneByAge(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{
		DSN:          "file:TestSQLiteStorePruneByAge?mode=memory&cache=shared",
		RetentionAge: 500 * time.Millisecond,
	})
	ctx := context.Background()

	old := storedEvent("run-1", 1, engine.EventNodeStarted)
	old.Time = time.Now().Add(-1 * time.Hour)
	store.Append(ctx, old)

	recent := storedEvent("run-1", 2, engine.EventNodeFinished)
	recent.Time = time.Now()
	store.Append(ctx, recent)

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 1 {
		t.Fatalf("after prune got %d events, want 1", len(events))
	}
	if events[0].Seq != 2 {
		t.Errorf("remaining event Seq = %d, want 2", events[0].Seq)
	}
}

func TestSQLiteStorePruneByCount(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{
		DSN:            "file:TestSQLiteStorePruneByCount?mode=memory&cache=shared",
		RetentionCount: 3,
	})
	ctx := context.Background()

	for i := uint64(1); i <= 7; i++ {
		store.Append(ctx, storedEvent("run-1", i, engine.EventNodeStarted))
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 3 {
		t.Fatalf("after prune got %d events, want 3", len(events))
	}
	// The highest sequence numbers survive: 5, 6, 7.
	if events[0].Seq != 5 {
		t.Errorf("first remaining event Seq = %d, want 5", events[0].Seq)
	}
	if events[2].Seq != 7 {
		t.Errorf("last remaining event Seq = %d, want 7", events[2].Seq)
	}
}

func TestSQLiteStorePruneByCountMultipleRuns(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{
		DSN:            "file:TestSQLiteStorePruneByCountMultipleRuns?mode=memory&cache=shared",
		RetentionCount: 2,
	})
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		store.Append(ctx, storedEvent("run-1", i, engine.EventNodeStarted))
		store.Append(ctx, storedEvent("run-2", i, engine.EventNodeStarted))
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	events1, _ := store.List(ctx, "run-1", 0, 0)
	events2, _ := store.List(ctx, "run-2", 0, 0)
	if len(events1) != 2 {
		t.Errorf("run-1 after prune got %d events, want 2", len(events1))
	}
	if len(events2) != 2 {
		t.Errorf("run-2 after prune got %d events, want 2", len(events2))
	}
}

func TestSQLiteStoreWALConcurrentReads(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 20; i++ {
		store.Append(ctx, storedEvent("run-1", i, engine.EventNodeStarted))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := store.List(ctx, "run-1", 0, 0)
			if err != nil {
				errs <- fmt.Errorf("List: %w", err)
				return
			}
			if len(events) != 20 {
				errs <- fmt.Errorf("got %d events, want 20", len(events))
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestSQLiteStoreWALConcurrentReadWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 50; i++ {
			store.Append(ctx, storedEvent("run-1", i, engine.EventNodeStarted))
		}
	}()

	errs := make(chan error, 5)
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := store.List(ctx, "run-1", 0, 0); err != nil {
					errs <- err
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent read error: %v", err)
	}

	events, err := store.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("final List: %v", err)
	}
	if len(events) != 50 {
		t.Errorf("got %d events, want 50", len(events))
	}
}

func TestSQLiteStorePersistenceAcrossReopen(t *testing.T) {
	// File-based temp DB so data survives Close.
	dsn := t.TempDir() + "/events.db"

	store1, err := NewSQLiteStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("open store1: %v", err)
	}

	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		e := storedEvent("run-1", i, engine.EventNodeStarted)
		e.NodeID = fmt.Sprintf("node-%d", i)
		e.Payload = map[string]any{"val": float64(i)}
		store1.Append(ctx, e)
	}

	if err := store1.Close(); err != nil {
		t.Fatalf("close store1: %v", err)
	}

	store2, err := NewSQLiteStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("open store2: %v", err)
	}
	defer store2.Close()

	events, err := store2.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List after reopen: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("after reopen got %d events, want 3", len(events))
	}
	if events[0].NodeID != "node-1" {
		t.Errorf("NodeID = %q, want %q", events[0].NodeID, "node-1")
	}
	if v, ok := events[1].Payload["val"]; !ok || v != float64(2) {
		t.Errorf("Payload[val] = %v, want 2", v)
	}

	seq, _ := store2.LatestSeq(ctx, "run-1")
	if seq != 3 {
		t.Errorf("LatestSeq after reopen = %d, want 3", seq)
	}
}

func TestSQLiteStoreRunIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ids, err := store.RunIDs(ctx)
	if err != nil {
		t.Fatalf("RunIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("empty store RunIDs = %v, want empty", ids)
	}

	store.Append(ctx, storedEvent("run-b", 1, engine.EventRunStarted))
	store.Append(ctx, storedEvent("run-a", 1, engine.EventRunStarted))
	store.Append(ctx, storedEvent("run-b", 2, engine.EventRunFinished))
	store.Append(ctx, storedEvent("run-c", 1, engine.EventRunStarted))

	ids, err = store.RunIDs(ctx)
	if err != nil {
		t.Fatalf("RunIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d run IDs, want 3", len(ids))
	}
	if ids[0] != "run-a" || ids[1] != "run-b" || ids[2] != "run-c" {
		t.Errorf("RunIDs = %v, want [run-a run-b run-c]", ids)
	}
}

func TestSQLiteStoreComplexPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := storedEvent("run-1", 1, engine.EventNodeFinished)
	e.Payload = map[string]any{
		"text":   "hello world",
		"count":  float64(42),
		"nested": map[string]any{"key": "value"},
		"list":   []any{float64(1), float64(2), float64(3)},
		"flag":   true,
	}
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	p := events[0].Payload
	if p["text"] != "hello world" {
		t.Errorf("Payload[text] = %v", p["text"])
	}
	if p["count"] != float64(42) {
		t.Errorf("Payload[count] = %v", p["count"])
	}
	if p["flag"] != true {
		t.Errorf("Payload[flag] = %v", p["flag"])
	}
	nested, ok := p["nested"].(map[string]any)
	if !ok || nested["key"] != "value" {
		t.Errorf("Payload[nested] = %v", p["nested"])
	}
}

func TestSQLiteStoreNilPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := storedEvent("run-1", 1, engine.EventNodeStarted)
	e.Payload = nil
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	// An empty map comes back, never nil.
	if events[0].Payload == nil {
		t.Error("Payload is nil, want empty map")
	}
}
