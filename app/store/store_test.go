package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestSQLiteStore_RecordAndGetExecution(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	completed := time.Now()
	id, err := s.RecordExecution(ctx, Execution{
		ScriptPath:  "users/report.ps1",
		ScriptName:  "report",
		Category:    "users",
		Parameters:  `{"UserName":"bob"}`,
		Status:      StatusSuccess,
		Output:      "done\n",
		ExitCode:    0,
		StartedAt:   completed.Add(-2 * time.Second),
		CompletedAt: &completed,
		Duration:    2.0,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "users/report.ps1", got.ScriptPath)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "done\n", got.Output)
	assert.InDelta(t, 2.0, got.Duration, 0.001)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, map[string]any{"UserName": "bob"}, got.ParamsMap())
}

func TestSQLiteStore_GetExecution_notFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetExecution(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_GetExecutions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	statuses := []Status{StatusSuccess, StatusFailed, StatusSuccess, StatusTimeout, StatusSuccess}
	for i, st := range statuses {
		_, err := s.RecordExecution(ctx, Execution{
			ScriptPath: "a.ps1", ScriptName: "a", Status: st,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	all, err := s.GetExecutions(ctx, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, StatusTimeout, all[1].Status, "newest first")

	page, err := s.GetExecutions(ctx, 2, 1, nil)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)

	failed := StatusFailed
	filtered, err := s.GetExecutions(ctx, 10, 0, &failed)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, StatusFailed, filtered[0].Status)
}

func TestSQLiteStore_GetScriptExecutions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, path := range []string{"a.ps1", "b.ps1", "a.ps1"} {
		_, err := s.RecordExecution(ctx, Execution{ScriptPath: path, ScriptName: path, Status: StatusSuccess})
		require.NoError(t, err)
	}

	res, err := s.GetScriptExecutions(ctx, "a.ps1", 10)
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, e := range res {
		assert.Equal(t, "a.ps1", e.ScriptPath)
	}

	n, err := s.CountExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSQLiteStore_GetStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recs := []Execution{
		{ScriptPath: "a.ps1", ScriptName: "a", Status: StatusSuccess, StartedAt: old},
		{ScriptPath: "a.ps1", ScriptName: "a", Status: StatusSuccess},
		{ScriptPath: "a.ps1", ScriptName: "a", Status: StatusSuccess},
		{ScriptPath: "b.ps1", ScriptName: "b", Status: StatusFailed},
		{ScriptPath: "b.ps1", ScriptName: "b", Status: StatusRunning},
	}
	for _, r := range recs {
		_, err := s.RecordExecution(ctx, r)
		require.NoError(t, err)
	}

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(4), stats.Last24h, "old execution excluded from 24h window")
	assert.Equal(t, int64(3), stats.ByStatus["success"])
	assert.Equal(t, int64(1), stats.ByStatus["failed"])
	assert.InDelta(t, 75.0, stats.SuccessRate, 0.001, "running executions excluded from the rate")
}

func TestSQLiteStore_ScheduleCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.CreateSchedule(ctx, Schedule{
		Name:           "nightly report",
		ScriptPath:     "users/report.ps1",
		CronExpression: "0 2 * * *",
		Parameters:     `{"Full":true}`,
		Enabled:        true,
		Description:    "nightly activity report",
	})
	require.NoError(t, err)
	assert.Positive(t, created.ID)

	got, err := s.GetSchedule(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly report", got.Name)
	assert.Equal(t, "0 2 * * *", got.CronExpression)
	assert.True(t, got.Enabled)
	assert.Equal(t, map[string]any{"Full": true}, got.ParamsMap())
	assert.False(t, got.CreatedAt.IsZero())

	got.CronExpression = "0 3 * * *"
	got.Enabled = false
	require.NoError(t, s.UpdateSchedule(ctx, got))

	updated, err := s.GetSchedule(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", updated.CronExpression)
	assert.False(t, updated.Enabled)

	list, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteSchedule(ctx, created.ID))
	_, err = s.GetSchedule(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteSchedule(ctx, created.ID), ErrNotFound)
}

func TestSQLiteStore_UpdateSchedule_notFound(t *testing.T) {
	s := testStore(t)
	err := s.UpdateSchedule(context.Background(), Schedule{ID: 99, Name: "x", ScriptPath: "x.ps1", CronExpression: "0 * * * *"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_MarkScheduleRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.CreateSchedule(ctx, Schedule{Name: "job", ScriptPath: "a.ps1", CronExpression: "0 * * * *", Enabled: true})
	require.NoError(t, err)

	ranAt := time.Now()
	next := ranAt.Add(time.Hour)
	require.NoError(t, s.MarkScheduleRun(ctx, created.ID, ranAt, StatusSuccess, &next))
	require.NoError(t, s.MarkScheduleRun(ctx, created.ID, ranAt, StatusFailed, &next))

	got, err := s.GetSchedule(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RunCount)
	assert.Equal(t, "failed", got.LastStatus)
	require.NotNil(t, got.LastRun)
	require.NotNil(t, got.NextRun)
}

func TestStatus(t *testing.T) {
	tbl := []struct {
		status Status
		name   string
	}{
		{StatusRunning, "running"},
		{StatusSuccess, "success"},
		{StatusFailed, "failed"},
		{StatusTimeout, "timeout"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.status.String())

			parsed, err := ParseStatus(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.status, parsed)

			text, err := tt.status.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, tt.name, string(text))

			var s Status
			require.NoError(t, s.Scan(tt.name))
			assert.Equal(t, tt.status, s)
		})
	}

	_, err := ParseStatus("bogus")
	assert.Error(t, err)

	var s Status
	assert.Error(t, s.Scan(42))
}
