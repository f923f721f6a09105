package schedule

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"

	"github.com/scriptdash/scriptdash/app/executor"
)

// Manager reconciles schedule records onto the external job store, keeping at
// most one tagged crontab entry per schedule id. Mutations are expected to be
// serialized per schedule id by the caller; the single-write Save keeps the
// one-job-per-id invariant even so.
type Manager struct {
	store      Store
	shell      string
	scriptsDir string
	logDir     string
	parser     cron.Parser
}

// Config for Manager constructor
type Config struct {
	Store      Store  // external job store, required
	Shell      string // script interpreter used in scheduled commands
	ScriptsDir string // trusted scripts root
	LogDir     string // per-schedule log files location, created if missing
}

// Job is the reconciler's view of one managed crontab entry
type Job struct {
	ScheduleID int64     `json:"schedule_id"`
	Command    string    `json:"command"`
	Spec       string    `json:"cron_expression"`
	Enabled    bool      `json:"enabled"`
	NextRun    time.Time `json:"next_run,omitzero"`
}

// LogLine is one line of a schedule log file
type LogLine struct {
	File string `json:"file"`
	Line string `json:"line"`
}

// Preset is a named cron expression for UI convenience
type Preset struct {
	Label      string `json:"label"`
	Expression string `json:"expression"`
}

// New creates a Manager and ensures the log directory exists
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("schedule manager requires a job store")
	}
	if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("can't create schedule log dir %s: %w", cfg.LogDir, err)
	}
	return &Manager{
		store:      cfg.Store,
		shell:      cfg.Shell,
		scriptsDir: cfg.ScriptsDir,
		logDir:     cfg.LogDir,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}, nil
}

// Create registers a crontab entry for the schedule. Any existing entry with
// the same id is removed first (delete-then-create, never update-in-place), so
// a failed save leaves at most the previous single entry and never two.
// Returns the next fire time, zero when disabled.
func (m *Manager) Create(scheduleID int64, scriptPath, spec string, params executor.Params, enabled bool) (time.Time, error) {
	sched, err := m.parseSpec(spec)
	if err != nil {
		return time.Time{}, err
	}

	entries, err := m.store.Load()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load job store: %w", err)
	}

	entries = removeByID(entries, scheduleID)
	entries = append(entries, Entry{
		Spec:    spec,
		Command: m.buildCommand(scheduleID, scriptPath, params),
		Tag:     Tag(scheduleID),
		Enabled: enabled,
	})

	if err := m.store.Save(entries); err != nil {
		return time.Time{}, fmt.Errorf("failed to save job store: %w", err)
	}

	log.Printf("[INFO] created schedule %d for %s: %s", scheduleID, scriptPath, spec)
	if !enabled {
		return time.Time{}, nil
	}
	return sched.Next(time.Now()), nil
}

// Update replaces the entry for the schedule with the full desired state. The
// script path comes from the caller's schedule record rather than being
// re-extracted from the stored command text. Missing entry is an error.
func (m *Manager) Update(scheduleID int64, scriptPath, spec string, params executor.Params, enabled bool) (time.Time, error) {
	sched, err := m.parseSpec(spec)
	if err != nil {
		return time.Time{}, err
	}

	entries, err := m.store.Load()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load job store: %w", err)
	}

	idx := indexByID(entries, scheduleID)
	if idx < 0 {
		return time.Time{}, fmt.Errorf("schedule %d not found in job store", scheduleID)
	}

	entries[idx].Spec = spec
	entries[idx].Command = m.buildCommand(scheduleID, scriptPath, params)
	entries[idx].Enabled = enabled

	if err := m.store.Save(entries); err != nil {
		return time.Time{}, fmt.Errorf("failed to save job store: %w", err)
	}

	log.Printf("[INFO] updated schedule %d", scheduleID)
	if !enabled {
		return time.Time{}, nil
	}
	return sched.Next(time.Now()), nil
}

// Delete removes the entry for the schedule. Deleting a schedule without an
// entry is not an error; the returned flag reports whether anything was
// actually removed.
func (m *Manager) Delete(scheduleID int64) (removed bool, err error) {
	entries, err := m.store.Load()
	if err != nil {
		return false, fmt.Errorf("failed to load job store: %w", err)
	}

	remaining := removeByID(entries, scheduleID)
	if len(remaining) == len(entries) {
		return false, nil
	}

	if err := m.store.Save(remaining); err != nil {
		return false, fmt.Errorf("failed to save job store: %w", err)
	}
	log.Printf("[INFO] deleted schedule %d", scheduleID)
	return true, nil
}

// Toggle flips the enabled state of the schedule's entry. A missing entry is
// reported via found=false, not as an error.
func (m *Manager) Toggle(scheduleID int64, enabled bool) (next time.Time, found bool, err error) {
	entries, err := m.store.Load()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load job store: %w", err)
	}

	idx := indexByID(entries, scheduleID)
	if idx < 0 {
		return time.Time{}, false, nil
	}

	entries[idx].Enabled = enabled
	if err := m.store.Save(entries); err != nil {
		return time.Time{}, true, fmt.Errorf("failed to save job store: %w", err)
	}

	log.Printf("[INFO] schedule %d %s", scheduleID, map[bool]string{true: "enabled", false: "disabled"}[enabled])
	if !enabled {
		return time.Time{}, true, nil
	}

	sched, perr := m.parseSpec(entries[idx].Spec)
	if perr != nil {
		// entry exists with a spec we can't parse, report toggle success without next run
		log.Printf("[WARN] can't parse spec for schedule %d: %v", scheduleID, perr)
		return time.Time{}, true, nil
	}
	return sched.Next(time.Now()), true, nil
}

// List returns all managed entries, skipping foreign lines and malformed tags
func (m *Manager) List() ([]Job, error) {
	entries, err := m.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load job store: %w", err)
	}

	jobs := []Job{}
	for _, e := range entries {
		id, ok := e.ScheduleID()
		if !ok {
			continue
		}
		job := Job{ScheduleID: id, Command: e.Command, Spec: e.Spec, Enabled: e.Enabled}
		if e.Enabled {
			if sched, err := m.parseSpec(e.Spec); err == nil {
				job.NextRun = sched.Next(time.Now())
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetLogs reads up to maxLines most recent log lines for the schedule,
// most recent log file first
func (m *Manager) GetLogs(scheduleID int64, maxLines int) ([]LogLine, error) {
	if maxLines <= 0 {
		maxLines = 100
	}

	pattern := filepath.Join(m.logDir, fmt.Sprintf("schedule_%d_*.log", scheduleID))
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob schedule logs: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files))) // date is in the name, lexical order is date order

	res := []LogLine{}
	for _, file := range files {
		if len(res) >= maxLines {
			break
		}
		lines, err := tailLines(file, maxLines-len(res))
		if err != nil {
			log.Printf("[WARN] can't read schedule log %s: %v", file, err)
			continue
		}
		for _, l := range lines {
			res = append(res, LogLine{File: filepath.Base(file), Line: l})
		}
	}
	return res, nil
}

// LogPath returns the log file path for a schedule on the given day
func (m *Manager) LogPath(scheduleID int64, day time.Time) string {
	return filepath.Join(m.logDir, fmt.Sprintf("schedule_%d_%s.log", scheduleID, day.Format("20060102")))
}

// Presets returns the static catalog of common cron expressions
func (m *Manager) Presets() []Preset {
	return []Preset{
		{Label: "Every 15 minutes", Expression: "*/15 * * * *"},
		{Label: "Every 30 minutes", Expression: "*/30 * * * *"},
		{Label: "Every hour", Expression: "0 * * * *"},
		{Label: "Every 6 hours", Expression: "0 */6 * * *"},
		{Label: "Daily at midnight", Expression: "0 0 * * *"},
		{Label: "Daily at 6 AM", Expression: "0 6 * * *"},
		{Label: "Daily at 9 AM", Expression: "0 9 * * *"},
		{Label: "Daily at 6 PM", Expression: "0 18 * * *"},
		{Label: "Weekdays at 9 AM", Expression: "0 9 * * 1-5"},
		{Label: "Weekends at noon", Expression: "0 12 * * 0,6"},
		{Label: "Weekly on Monday at 9 AM", Expression: "0 9 * * 1"},
		{Label: "Weekly on Friday at 5 PM", Expression: "0 17 * * 5"},
		{Label: "First day of month at 9 AM", Expression: "0 9 1 * *"},
	}
}

// buildCommand renders the scheduled shell command. The log file date is fixed
// at reconcile time; GetLogs globs all dates so older files remain reachable.
func (m *Manager) buildCommand(scheduleID int64, scriptPath string, params executor.Params) string {
	full := filepath.Join(m.scriptsDir, scriptPath)
	logFile := m.LogPath(scheduleID, time.Now())
	return executor.BuildShellCommand(m.shell, full, params, logFile)
}

// parseSpec validates the 5-field form and the cron grammar
func (m *Manager) parseSpec(spec string) (cron.Schedule, error) {
	if err := checkFieldCount(spec); err != nil {
		return nil, err
	}
	sched, err := m.parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return sched, nil
}

func removeByID(entries []Entry, scheduleID int64) []Entry {
	res := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if id, ok := e.ScheduleID(); ok && id == scheduleID {
			continue
		}
		res = append(res, e)
	}
	return res
}

func indexByID(entries []Entry, scheduleID int64) int {
	for i, e := range entries {
		if id, ok := e.ScheduleID(); ok && id == scheduleID {
			return i
		}
	}
	return -1
}

// tailLines reads the last n lines of a file
func tailLines(file string, n int) ([]string, error) {
	f, err := os.Open(file) //nolint:gosec // path built from logDir and numeric id
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
