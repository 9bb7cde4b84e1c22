package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbor-labs/arborflow/engine"
)

const (
	defaultSchedulePollInterval = 5 * time.Second
	defaultScheduleBatchLimit   = 100
)

// SchedulerConfig configures the background schedule poller.
type SchedulerConfig struct {
	Server       *Server
	PollInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler polls the schedule store and fires due schedules through
// the server's run path. One run per schedule at a time; a tick that
// finds the previous run still going records a skip instead.
type Scheduler struct {
	srv          *Server
	store        ScheduleStore
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler over the server's schedule store.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Server == nil {
		return nil, errors.New("scheduler server is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultScheduleBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		srv:          cfg.Server,
		store:        cfg.Server.schedules,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
		active:       map[string]struct{}{},
	}, nil
}

// Start begins background polling. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()
}

// Stop halts polling and waits for the loop to exit or ctx to expire.
// In-flight runs keep going; the server's Close cancels those.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single polling pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now, s.batchLimit)
	if err != nil {
		return err
	}

	for _, sched := range due {
		s.processDue(ctx, sched, now)
	}
	return nil
}

func (s *Scheduler) processDue(ctx context.Context, sched Schedule, now time.Time) {
	if !sched.Enabled {
		return
	}

	if s.isActive(sched.ID) {
		s.markSkippedOverlap(ctx, sched, now)
		return
	}

	next, err := nextCronRunUTC(sched.Cron, now)
	if err != nil {
		s.markFailure(ctx, sched, now, err)
		return
	}

	sched.NextRunAt = next
	sched.LastStatus = ScheduleStatusRunning
	sched.LastError = ""
	sched.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error("update schedule before run",
			"schedule_id", sched.ID, "workflow_id", sched.WorkflowID, "error", err)
		return
	}

	s.markActive(sched.ID)
	go s.runSchedule(sched, now)
}

// runSchedule fires one scheduled run and records its outcome on the
// schedule once the run finishes.
func (s *Scheduler) runSchedule(sched Schedule, scheduledAt time.Time) {
	defer s.unmarkActive(sched.ID)

	runID, runErr := s.launch(sched, scheduledAt)

	finish := s.now().UTC()
	latest, found, err := s.store.GetSchedule(context.Background(), sched.ID)
	if err != nil {
		s.logger.Error("load schedule after run",
			"schedule_id", sched.ID, "workflow_id", sched.WorkflowID, "error", err)
		return
	}
	if !found {
		return
	}

	latest.UpdatedAt = finish
	latest.LastRunAt = &finish
	latest.LastRunID = runID
	if runErr != nil {
		latest.LastStatus = ScheduleStatusFailed
		latest.LastError = runErr.Error()
	} else {
		latest.LastStatus = ScheduleStatusCompleted
		latest.LastError = ""
	}

	if err := s.store.UpdateSchedule(context.Background(), latest); err != nil {
		s.logger.Error("persist schedule run result",
			"schedule_id", sched.ID, "workflow_id", sched.WorkflowID, "error", err)
	}
}

// launch resolves the schedule's workflow and runs it to a terminal
// result.
func (s *Scheduler) launch(sched Schedule, scheduledAt time.Time) (string, error) {
	wf, found, err := s.srv.store.Get(context.Background(), sched.WorkflowID)
	if err != nil {
		return "", fmt.Errorf("load workflow: %w", err)
	}
	if !found {
		return "", fmt.Errorf("workflow %q not found", sched.WorkflowID)
	}
	if result := wf.Document.Validation(); !result.Valid() {
		return "", fmt.Errorf("workflow %q failed validation", sched.WorkflowID)
	}

	req := RunRequest{Input: sched.Input, MaxSteps: sched.MaxSteps}
	runID, done := s.srv.launchRun(wf, req, scheduleMetadataDecorator(sched.ID, sched.WorkflowID, scheduledAt))
	return runID, <-done
}

func (s *Scheduler) markSkippedOverlap(ctx context.Context, sched Schedule, now time.Time) {
	next, err := nextCronRunUTC(sched.Cron, now)
	if err != nil {
		s.markFailure(ctx, sched, now, err)
		return
	}

	sched.NextRunAt = next
	sched.LastStatus = ScheduleStatusSkippedOverlap
	sched.LastError = "skipped because the prior scheduled run is still active"
	sched.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error("persist overlap skip",
			"schedule_id", sched.ID, "workflow_id", sched.WorkflowID, "error", err)
	}
}

func (s *Scheduler) markFailure(ctx context.Context, sched Schedule, now time.Time, cause error) {
	if next, err := nextCronRunUTC(sched.Cron, now); err == nil {
		sched.NextRunAt = next
	}
	sched.LastStatus = ScheduleStatusFailed
	sched.LastError = cause.Error()
	sched.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error("persist schedule failure",
			"schedule_id", sched.ID, "workflow_id", sched.WorkflowID, "error", err)
	}
}

func (s *Scheduler) isActive(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[scheduleID]
	return ok
}

func (s *Scheduler) markActive(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[scheduleID] = struct{}{}
}

func (s *Scheduler) unmarkActive(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, scheduleID)
}

// scheduleMetadataDecorator stamps schedule provenance onto a run's
// start and finish events so run history can attribute the trigger.
func scheduleMetadataDecorator(scheduleID, workflowID string, scheduledAt time.Time) engine.EventEmitterDecorator {
	return func(emit engine.EventEmitter) engine.EventEmitter {
		return func(e engine.Event) {
			if e.Kind == engine.EventRunStarted || e.Kind == engine.EventRunFinished {
				payload := make(map[string]any, len(e.Payload)+4)
				for k, v := range e.Payload {
					payload[k] = v
				}
				payload["trigger"] = "schedule"
				payload["schedule_id"] = scheduleID
				payload["workflow_id"] = workflowID
				payload["scheduled_at"] = scheduledAt.UTC().Format(time.RFC3339Nano)
				e.Payload = payload
			}
			emit(e)
		}
	}
}
