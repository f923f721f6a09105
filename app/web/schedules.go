package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/scriptdash/scriptdash/app/schedule"
	"github.com/scriptdash/scriptdash/app/store"
)

// scheduleRequest is the body of schedule create and update calls
type scheduleRequest struct {
	Name           string         `json:"name"`
	Script         string         `json:"script"`
	CronExpression string         `json:"cron_expression"`
	Params         map[string]any `json:"params,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	Description    string         `json:"description,omitempty"`
}

func (r scheduleRequest) enabled() bool { return r.Enabled == nil || *r.Enabled }

func (r scheduleRequest) validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Script == "" {
		return fmt.Errorf("script is required")
	}
	if v := schedule.ValidateExpression(r.CronExpression, 1); !v.Valid {
		return fmt.Errorf("%s", v.Error)
	}
	return nil
}

// handleListSchedules returns all ledger schedules decorated with the
// reconciler's next-run times
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.store.ListSchedules(r.Context())
	if err != nil {
		log.Printf("[WARN] failed to list schedules: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	nextRuns := map[int64]time.Time{}
	if jobs, err := s.sched.List(); err != nil {
		log.Printf("[WARN] failed to list crontab jobs: %v", err)
	} else {
		for _, j := range jobs {
			nextRuns[j.ScheduleID] = j.NextRun
		}
	}

	for i := range scheds {
		if next, ok := nextRuns[scheds[i].ID]; ok && !next.IsZero() {
			scheds[i].NextRun = &next
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds, "total": len(scheds)})
}

// handleCreateSchedule creates the ledger record and the crontab entry. The
// ledger row is rolled back when the crontab write fails, no partial state.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.store.CreateSchedule(r.Context(), store.Schedule{
		Name:           req.Name,
		ScriptPath:     req.Script,
		CronExpression: req.CronExpression,
		Parameters:     paramsJSON(req.Params),
		Enabled:        req.enabled(),
		Description:    req.Description,
	})
	if err != nil {
		log.Printf("[WARN] failed to create schedule %q: %v", req.Name, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	next, err := s.sched.Create(created.ID, req.Script, req.CronExpression, req.Params, req.enabled())
	if err != nil {
		log.Printf("[WARN] failed to install crontab job for schedule %d, rolling back: %v", created.ID, err)
		if delErr := s.store.DeleteSchedule(r.Context(), created.ID); delErr != nil {
			log.Printf("[ERROR] failed to roll back schedule %d: %v", created.ID, delErr)
		}
		s.writeJSONError(w, http.StatusInternalServerError, "failed to install crontab job")
		return
	}

	if !next.IsZero() {
		created.NextRun = &next
		if err := s.store.UpdateSchedule(r.Context(), created); err != nil {
			log.Printf("[WARN] failed to store next run for schedule %d: %v", created.ID, err)
		}
	}

	s.writeJSON(w, http.StatusCreated, created)
}

// handleUpdateSchedule replaces the schedule with the full desired state in
// both the ledger and the crontab
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sched, err := s.store.GetSchedule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("schedule %d not found", id))
		return
	}
	if err != nil {
		log.Printf("[WARN] failed to get schedule %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}

	next, err := s.sched.Update(id, req.Script, req.CronExpression, req.Params, req.enabled())
	if err != nil {
		log.Printf("[WARN] failed to update crontab job for schedule %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to update crontab job")
		return
	}

	sched.Name = req.Name
	sched.ScriptPath = req.Script
	sched.CronExpression = req.CronExpression
	sched.Parameters = paramsJSON(req.Params)
	sched.Enabled = req.enabled()
	sched.Description = req.Description
	sched.NextRun = nil
	if !next.IsZero() {
		sched.NextRun = &next
	}

	if err := s.store.UpdateSchedule(r.Context(), sched); err != nil {
		log.Printf("[WARN] failed to update schedule %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}

	s.writeJSON(w, http.StatusOK, sched)
}

// handleDeleteSchedule removes the schedule from both ledger and crontab.
// The crontab removal is idempotent, a missing entry is not an error.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	removed, err := s.sched.Delete(id)
	if err != nil {
		log.Printf("[WARN] failed to remove crontab job for schedule %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to remove crontab job")
		return
	}
	if !removed {
		log.Printf("[DEBUG] no crontab job found for schedule %d", id)
	}

	err = s.store.DeleteSchedule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("schedule %d not found", id))
		return
	}
	if err != nil {
		log.Printf("[WARN] failed to delete schedule %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// handleToggleSchedule flips the enabled state in ledger and crontab
func (s *Server) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sched, err := s.store.GetSchedule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("schedule %d not found", id))
		return
	}
	if err != nil {
		log.Printf("[WARN] failed to get schedule %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}

	next, found, err := s.sched.Toggle(id, req.Enabled)
	if err != nil {
		log.Printf("[WARN] failed to toggle crontab job for schedule %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to toggle crontab job")
		return
	}
	if !found {
		// ledger record exists without a crontab entry, reinstall it
		next, err = s.sched.Create(id, sched.ScriptPath, sched.CronExpression, sched.ParamsMap(), req.Enabled)
		if err != nil {
			log.Printf("[WARN] failed to reinstall crontab job for schedule %d: %v", id, err)
			s.writeJSONError(w, http.StatusInternalServerError, "failed to toggle crontab job")
			return
		}
	}

	sched.Enabled = req.Enabled
	sched.NextRun = nil
	if !next.IsZero() {
		sched.NextRun = &next
	}
	if err := s.store.UpdateSchedule(r.Context(), sched); err != nil {
		log.Printf("[WARN] failed to update schedule %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}

	s.writeJSON(w, http.StatusOK, sched)
}

// handleScheduleLogs returns recent log lines of the schedule's runs
func (s *Server) handleScheduleLogs(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	logs, err := s.sched.GetLogs(id, lines)
	if err != nil {
		log.Printf("[WARN] failed to read logs for schedule %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to read schedule logs")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"schedule_id": id, "logs": logs})
}

// handleValidateSchedule checks a cron expression and reports next fire times
func (s *Server) handleValidateSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression string `json:"expression"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.writeJSON(w, http.StatusOK, schedule.ValidateExpression(req.Expression, 3))
}

// handleSchedulePresets returns the static preset catalog
func (s *Server) handleSchedulePresets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"presets": s.sched.Presets()})
}
