package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// scheduleRequest is the body of schedule create and patch calls.
// Absent fields keep their current values.
type scheduleRequest struct {
	Cron     string  `json:"cron,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
	Input    *string `json:"input,omitempty"`
	MaxSteps *int    `json:"max_steps,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}

	schedules, err := s.schedules.ListSchedules(r.Context(), wf.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if schedules == nil {
		schedules = []Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	now := time.Now().UTC()
	sched := Schedule{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	sched, err := applyScheduleRequest(sched, req, true, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}

	if err := s.schedules.CreateSchedule(r.Context(), sched); err != nil {
		if errors.Is(err, ErrScheduleExists) {
			writeError(w, http.StatusConflict, "ALREADY_EXISTS", fmt.Sprintf("schedule %q already exists", sched.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	scheduleID := r.PathValue("schedule_id")

	existing, found, err := s.schedules.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found || existing.WorkflowID != wf.ID {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	now := time.Now().UTC()
	next, err := applyScheduleRequest(existing, req, false, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}
	next.UpdatedAt = now

	if err := s.schedules.UpdateSchedule(r.Context(), next); err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	scheduleID := r.PathValue("schedule_id")

	existing, found, err := s.schedules.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found || existing.WorkflowID != wf.ID {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}

	if err := s.schedules.DeleteSchedule(r.Context(), scheduleID); err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// applyScheduleRequest folds a request into a schedule and recomputes
// NextRunAt when the cron expression changed, the schedule was just
// enabled, or it never had a next fire time.
func applyScheduleRequest(base Schedule, req scheduleRequest, creating bool, now time.Time) (Schedule, error) {
	currentCron := base.Cron
	wasEnabled := base.Enabled

	if cron := strings.TrimSpace(req.Cron); cron != "" {
		base.Cron = cron
	}
	if req.Enabled != nil {
		base.Enabled = *req.Enabled
	}
	if req.Input != nil {
		base.Input = *req.Input
	}
	if req.MaxSteps != nil {
		if *req.MaxSteps < 0 {
			return Schedule{}, fmt.Errorf("max_steps must not be negative")
		}
		base.MaxSteps = *req.MaxSteps
	}

	if _, err := parseCronUTC(base.Cron); err != nil {
		return Schedule{}, err
	}

	cronChanged := currentCron != "" && currentCron != base.Cron
	if base.Enabled && (creating || cronChanged || !wasEnabled || base.NextRunAt.IsZero()) {
		next, err := nextCronRunUTC(base.Cron, now)
		if err != nil {
			return Schedule{}, err
		}
		base.NextRunAt = next
	}
	return base, nil
}
