package server

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func testScheduler(t *testing.T, srv *Server, now time.Time) *Scheduler {
	t.Helper()
	sched, err := NewScheduler(SchedulerConfig{
		Server: srv,
		Now:    func() time.Time { return now },
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return sched
}

func waitForScheduleStatus(t *testing.T, store ScheduleStore, id, want string) Schedule {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sched, found, err := store.GetSchedule(context.Background(), id)
		if err != nil {
			t.Fatalf("GetSchedule: %v", err)
		}
		if found && sched.LastStatus == want {
			return sched
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("schedule %s never reached status %q", id, want)
	return Schedule{}
}

func TestSchedulerFiresDueSchedule(t *testing.T) {
	srv := testServer(t)
	created := createWorkflow(t, srv, validGraph("wf-sched"))

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	err := srv.schedules.CreateSchedule(context.Background(), Schedule{
		ID:         "sch-1",
		WorkflowID: created.ID,
		Cron:       "* * * * *",
		Enabled:    true,
		Input:      "scheduled hello",
		NextRunAt:  now.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	scheduler := testScheduler(t, srv, now)
	if err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	sched := waitForScheduleStatus(t, srv.schedules, "sch-1", ScheduleStatusCompleted)
	if sched.LastRunID == "" {
		t.Fatal("expected a recorded run id")
	}
	if sched.LastRunAt == nil {
		t.Fatal("expected a recorded run time")
	}
	if sched.LastError != "" {
		t.Fatalf("last error = %q, want empty", sched.LastError)
	}
	// Next fire is the following minute boundary.
	want := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	if !sched.NextRunAt.Equal(want) {
		t.Fatalf("next run at = %s, want %s", sched.NextRunAt, want)
	}

	// The run carries schedule provenance in its history row.
	summary := waitForRun(t, srv, sched.LastRunID)
	if summary.Status != runStatusCompleted {
		t.Fatalf("run status = %q (error %q), want completed", summary.Status, summary.Error)
	}
	if summary.Trigger != "schedule" || summary.ScheduleID != "sch-1" {
		t.Fatalf("summary trigger = %q schedule = %q, want schedule/sch-1", summary.Trigger, summary.ScheduleID)
	}
	if summary.WorkflowID != created.ID {
		t.Fatalf("summary workflow id = %q, want %q", summary.WorkflowID, created.ID)
	}
}

func TestSchedulerSkipsOverlap(t *testing.T) {
	srv := testServer(t)
	created := createWorkflow(t, srv, validGraph("wf-overlap"))

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	_ = srv.schedules.CreateSchedule(context.Background(), Schedule{
		ID:         "sch-busy",
		WorkflowID: created.ID,
		Cron:       "* * * * *",
		Enabled:    true,
		NextRunAt:  now.Add(-time.Second),
	})

	scheduler := testScheduler(t, srv, now)
	scheduler.markActive("sch-busy")
	defer scheduler.unmarkActive("sch-busy")

	if err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	sched, _, _ := srv.schedules.GetSchedule(context.Background(), "sch-busy")
	if sched.LastStatus != ScheduleStatusSkippedOverlap {
		t.Fatalf("last status = %q, want %q", sched.LastStatus, ScheduleStatusSkippedOverlap)
	}
	if sched.LastError == "" {
		t.Fatal("expected the overlap reason on the schedule")
	}
	if !sched.NextRunAt.After(now) {
		t.Fatalf("next run at = %s, want after %s", sched.NextRunAt, now)
	}
}

func TestSchedulerRecordsMissingWorkflow(t *testing.T) {
	srv := testServer(t)

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	_ = srv.schedules.CreateSchedule(context.Background(), Schedule{
		ID:         "sch-ghost",
		WorkflowID: "ghost",
		Cron:       "* * * * *",
		Enabled:    true,
		NextRunAt:  now.Add(-time.Second),
	})

	scheduler := testScheduler(t, srv, now)
	if err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	sched := waitForScheduleStatus(t, srv.schedules, "sch-ghost", ScheduleStatusFailed)
	if sched.LastError == "" {
		t.Fatal("expected the failure reason on the schedule")
	}
}

func TestSchedulerIgnoresNotDue(t *testing.T) {
	srv := testServer(t)
	created := createWorkflow(t, srv, validGraph("wf-later"))

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	_ = srv.schedules.CreateSchedule(context.Background(), Schedule{
		ID:         "sch-later",
		WorkflowID: created.ID,
		Cron:       "* * * * *",
		Enabled:    true,
		NextRunAt:  now.Add(time.Hour),
	})
	_ = srv.schedules.CreateSchedule(context.Background(), Schedule{
		ID:         "sch-off",
		WorkflowID: created.ID,
		Cron:       "* * * * *",
		Enabled:    false,
		NextRunAt:  now.Add(-time.Hour),
	})

	scheduler := testScheduler(t, srv, now)
	if err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	for _, id := range []string{"sch-later", "sch-off"} {
		sched, _, _ := srv.schedules.GetSchedule(context.Background(), id)
		if sched.LastStatus != "" {
			t.Fatalf("schedule %s fired: last status %q", id, sched.LastStatus)
		}
	}

	lw := doRequest(t, srv, http.MethodGet, "/api/runs", nil)
	var list struct {
		Runs []RunSummary `json:"runs"`
	}
	decodeResponse(t, lw, &list)
	if len(list.Runs) != 0 {
		t.Fatalf("%d runs launched for not-due schedules", len(list.Runs))
	}
}

func TestSchedulerStartStop(t *testing.T) {
	srv := testServer(t)
	scheduler := testScheduler(t, srv, time.Now().UTC())

	scheduler.Start()
	scheduler.Start() // second Start is a no-op

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := scheduler.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := scheduler.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
