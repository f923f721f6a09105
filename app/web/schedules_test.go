package web

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptdash/scriptdash/app/schedule"
	"github.com/scriptdash/scriptdash/app/store"
)

func TestServer_CreateSchedule(t *testing.T) {
	e := newTestEnv(t)

	var created store.Schedule
	resp := e.sendJSON(t, http.MethodPost, "/api/schedules", map[string]any{
		"name":            "nightly report",
		"script":          "users/report.ps1",
		"cron_expression": "0 2 * * *",
		"params":          map[string]any{"Full": true},
		"description":     "nightly",
	}, &created)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Positive(t, created.ID)
	assert.True(t, created.Enabled)
	require.NotNil(t, created.NextRun)
	assert.True(t, created.NextRun.After(time.Now()))

	// crontab entry installed with the schedule tag
	require.Len(t, e.crontab.entries, 1)
	entry := e.crontab.entries[0]
	id, ok := entry.ScheduleID()
	require.True(t, ok)
	assert.Equal(t, created.ID, id)
	assert.Equal(t, "0 2 * * *", entry.Spec)
	assert.Contains(t, entry.Command, "users/report.ps1")
	assert.Contains(t, entry.Command, "-Full")

	// ledger record matches
	rec, err := e.store.GetSchedule(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly report", rec.Name)
}

func TestServer_CreateSchedule_invalid(t *testing.T) {
	e := newTestEnv(t)

	tbl := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"script": "a.ps1", "cron_expression": "0 * * * *"}},
		{"missing script", map[string]any{"name": "x", "cron_expression": "0 * * * *"}},
		{"bad expression", map[string]any{"name": "x", "script": "a.ps1", "cron_expression": "banana"}},
		{"short expression", map[string]any{"name": "x", "script": "a.ps1", "cron_expression": "0 * *"}},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.sendJSON(t, http.MethodPost, "/api/schedules", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	scheds, err := e.store.ListSchedules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, scheds, "no ledger writes for invalid requests")
}

func TestServer_CreateSchedule_rollbackOnCrontabFailure(t *testing.T) {
	e := newTestEnv(t)
	e.crontab.failSave = true

	resp := e.sendJSON(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "x", "script": "a.ps1", "cron_expression": "0 * * * *",
	}, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	scheds, err := e.store.ListSchedules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, scheds, "ledger row rolled back when crontab write fails")
}

func TestServer_ListSchedules(t *testing.T) {
	e := newTestEnv(t)

	e.sendJSON(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "a", "script": "users/report.ps1", "cron_expression": "0 2 * * *"}, nil)
	e.sendJSON(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "b", "script": "users/fail.ps1", "cron_expression": "30 3 * * *", "enabled": false}, nil)

	var res struct {
		Schedules []store.Schedule `json:"schedules"`
		Total     int              `json:"total"`
	}
	resp := e.getJSON(t, "/api/schedules", &res)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, res.Total)
	assert.NotNil(t, res.Schedules[0].NextRun)
	assert.Nil(t, res.Schedules[1].NextRun, "disabled schedule has no next run")
}

func TestServer_UpdateSchedule(t *testing.T) {
	e := newTestEnv(t)

	var created store.Schedule
	e.sendJSON(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "a", "script": "users/report.ps1", "cron_expression": "0 2 * * *"}, &created)

	var updated store.Schedule
	resp := e.sendJSON(t, http.MethodPut, fmt.Sprintf("/api/schedules/%d", created.ID), map[string]any{
		"name": "a2", "script": "users/fail.ps1", "cron_expression": "15 4 * * 1-5",
		"params": map[string]any{"User": "bob"},
	}, &updated)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a2", updated.Name)
	assert.Equal(t, "15 4 * * 1-5", updated.CronExpression)

	require.Len(t, e.crontab.entries, 1, "still exactly one crontab entry")
	assert.Equal(t, "15 4 * * 1-5", e.crontab.entries[0].Spec)
	assert.Contains(t, e.crontab.entries[0].Command, "users/fail.ps1")
	assert.Contains(t, e.crontab.entries[0].Command, "-User 'bob'")

	resp = e.sendJSON(t, http.MethodPut, "/api/schedules/9999", map[string]any{
		"name": "x", "script": "a.ps1", "cron_expression": "0 * * * *"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ToggleSchedule(t *testing.T) {
	e := newTestEnv(t)

	var created store.Schedule
	e.sendJSON(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "a", "script": "users/report.ps1", "cron_expression": "0 2 * * *"}, &created)

	var toggled store.Schedule
	resp := e.sendJSON(t, http.MethodPost, fmt.Sprintf("/api/schedules/%d/toggle", created.ID),
		map[string]any{"enabled": false}, &toggled)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, toggled.Enabled)
	assert.Nil(t, toggled.NextRun)
	assert.False(t, e.crontab.entries[0].Enabled, "crontab entry disabled in place")

	resp = e.sendJSON(t, http.MethodPost, fmt.Sprintf("/api/schedules/%d/toggle", created.ID),
		map[string]any{"enabled": true}, &toggled)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, toggled.Enabled)
	assert.NotNil(t, toggled.NextRun)
	assert.True(t, e.crontab.entries[0].Enabled)

	resp = e.sendJSON(t, http.MethodPost, "/api/schedules/9999/toggle", map[string]any{"enabled": true}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ToggleSchedule_reinstallsMissingEntry(t *testing.T) {
	e := newTestEnv(t)

	var created store.Schedule
	e.sendJSON(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "a", "script": "users/report.ps1", "cron_expression": "0 2 * * *"}, &created)

	// crontab lost the entry out of band
	e.crontab.entries = nil

	var toggled store.Schedule
	resp := e.sendJSON(t, http.MethodPost, fmt.Sprintf("/api/schedules/%d/toggle", created.ID),
		map[string]any{"enabled": true}, &toggled)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, e.crontab.entries, 1, "entry reinstalled from the ledger record")
	id, ok := e.crontab.entries[0].ScheduleID()
	require.True(t, ok)
	assert.Equal(t, created.ID, id)
}

func TestServer_DeleteSchedule(t *testing.T) {
	e := newTestEnv(t)

	var created store.Schedule
	e.sendJSON(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "a", "script": "users/report.ps1", "cron_expression": "0 2 * * *"}, &created)

	resp := e.sendJSON(t, http.MethodDelete, fmt.Sprintf("/api/schedules/%d", created.ID), map[string]any{}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, e.crontab.entries)

	_, err := e.store.GetSchedule(context.Background(), created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	resp = e.sendJSON(t, http.MethodDelete, fmt.Sprintf("/api/schedules/%d", created.ID), map[string]any{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "second delete reports missing ledger record")
}

func TestServer_DeleteSchedule_preservesForeignEntries(t *testing.T) {
	e := newTestEnv(t)
	e.crontab.entries = []schedule.Entry{{Raw: "*/5 * * * * /usr/local/bin/other.sh"}}

	var created store.Schedule
	e.sendJSON(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "a", "script": "users/report.ps1", "cron_expression": "0 2 * * *"}, &created)
	require.Len(t, e.crontab.entries, 2)

	resp := e.sendJSON(t, http.MethodDelete, fmt.Sprintf("/api/schedules/%d", created.ID), map[string]any{}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, e.crontab.entries, 1)
	assert.Equal(t, "*/5 * * * * /usr/local/bin/other.sh", e.crontab.entries[0].Raw, "foreign line untouched")
}

func TestServer_ScheduleLogs(t *testing.T) {
	e := newTestEnv(t)

	var created store.Schedule
	e.sendJSON(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "a", "script": "users/report.ps1", "cron_expression": "0 2 * * *"}, &created)

	var res struct {
		ScheduleID int64              `json:"schedule_id"`
		Logs       []schedule.LogLine `json:"logs"`
	}
	resp := e.getJSON(t, fmt.Sprintf("/api/schedules/%d/logs", created.ID), &res)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, res.ScheduleID)
	assert.Empty(t, res.Logs, "no runs yet")
}

func TestServer_ValidateSchedule(t *testing.T) {
	e := newTestEnv(t)

	var res schedule.Validation
	resp := e.sendJSON(t, http.MethodPost, "/api/schedules/validate",
		map[string]any{"expression": "*/15 * * * *"}, &res)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.Valid)
	assert.Equal(t, "every 15 minutes", res.Description)
	assert.Len(t, res.NextRuns, 3)

	resp = e.sendJSON(t, http.MethodPost, "/api/schedules/validate",
		map[string]any{"expression": "bad"}, &res)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)
}

func TestServer_SchedulePresets(t *testing.T) {
	e := newTestEnv(t)

	var res struct {
		Presets []schedule.Preset `json:"presets"`
	}
	resp := e.getJSON(t, "/api/schedules/presets", &res)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, res.Presets)
	for _, p := range res.Presets {
		assert.True(t, schedule.ValidateExpression(p.Expression, 1).Valid)
	}
}
