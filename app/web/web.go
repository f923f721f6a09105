// Package web implements the JSON API server for the script dashboard
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/scriptdash/scriptdash/app/executor"
	"github.com/scriptdash/scriptdash/app/schedule"
	"github.com/scriptdash/scriptdash/app/scripts"
	"github.com/scriptdash/scriptdash/app/store"
)

// Executor runs scripts from the trusted root
type Executor interface {
	Run(ctx context.Context, scriptPath string, params executor.Params) executor.Result
	RunStream(ctx context.Context, scriptPath string, params executor.Params) <-chan executor.Event
}

// Persistence defines ledger storage operations
type Persistence interface {
	RecordExecution(ctx context.Context, exec store.Execution) (int64, error)
	GetExecutions(ctx context.Context, limit, offset int, status *store.Status) ([]store.Execution, error)
	GetExecution(ctx context.Context, id int64) (store.Execution, error)
	GetScriptExecutions(ctx context.Context, scriptPath string, limit int) ([]store.Execution, error)
	CountExecutions(ctx context.Context) (int64, error)
	GetStats(ctx context.Context) (store.Stats, error)
	CreateSchedule(ctx context.Context, sched store.Schedule) (store.Schedule, error)
	GetSchedule(ctx context.Context, id int64) (store.Schedule, error)
	ListSchedules(ctx context.Context) ([]store.Schedule, error)
	UpdateSchedule(ctx context.Context, sched store.Schedule) error
	DeleteSchedule(ctx context.Context, id int64) error
}

// Scheduler reconciles schedule records to the external job store
type Scheduler interface {
	Create(scheduleID int64, scriptPath, spec string, params executor.Params, enabled bool) (time.Time, error)
	Update(scheduleID int64, scriptPath, spec string, params executor.Params, enabled bool) (time.Time, error)
	Delete(scheduleID int64) (removed bool, err error)
	Toggle(scheduleID int64, enabled bool) (next time.Time, found bool, err error)
	List() ([]schedule.Job, error)
	GetLogs(scheduleID int64, maxLines int) ([]schedule.LogLine, error)
	Presets() []schedule.Preset
}

// ScriptsProvider discovers scripts under the trusted root
type ScriptsProvider interface {
	List() ([]scripts.Info, error)
	ListWithSynopsis(ctx context.Context) ([]scripts.Info, error)
	Categories() ([]string, error)
	Root() string
}

// Notifier delivers failure alerts, nil disables notifications
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	MakeErrorHTML(scriptPath, params, errorLog string) (string, error)
}

// Repeater retries transient failures
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Server represents the web server
type Server struct {
	executor Executor
	store    Persistence
	sched    Scheduler
	scripts  ScriptsProvider
	notifier Notifier
	repeater Repeater
	version  string
	diskPath string
}

// Config holds server configuration
type Config struct {
	Executor Executor
	Store    Persistence
	Sched    Scheduler
	Scripts  ScriptsProvider
	Notifier Notifier // optional
	Repeater Repeater
	Version  string
	DiskPath string // mount point reported in statistics, default "/"
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Executor == nil || cfg.Store == nil || cfg.Sched == nil || cfg.Scripts == nil {
		return nil, fmt.Errorf("web server initialization failed: executor, store, scheduler and scripts are required")
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	return &Server{
		executor: cfg.Executor,
		store:    cfg.Store,
		sched:    cfg.Sched,
		scripts:  cfg.Scripts,
		notifier: cfg.Notifier,
		repeater: cfg.Repeater,
		version:  cfg.Version,
		diskPath: cfg.DiskPath,
	}, nil
}

// Run starts the web server and blocks until the context is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("scriptdash", "scriptdash", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	executeLimiter := tollbooth.NewLimiter(10, nil)

	router.Mount("/api").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.HandleFunc("GET /scripts", s.handleListScripts)
		api.HandleFunc("GET /scripts/{path...}", s.handleGetScript)

		api.With(tollbooth.HTTPMiddleware(executeLimiter)).HandleFunc("POST /execute", s.handleExecute)
		api.With(tollbooth.HTTPMiddleware(executeLimiter)).HandleFunc("POST /execute/stream", s.handleExecuteStream)

		api.HandleFunc("GET /executions", s.handleListExecutions)
		api.HandleFunc("GET /executions/{id}", s.handleGetExecution)
		api.HandleFunc("GET /statistics", s.handleStatistics)

		api.HandleFunc("GET /schedules", s.handleListSchedules)
		api.HandleFunc("POST /schedules", s.handleCreateSchedule)
		api.HandleFunc("PUT /schedules/{id}", s.handleUpdateSchedule)
		api.HandleFunc("DELETE /schedules/{id}", s.handleDeleteSchedule)
		api.HandleFunc("POST /schedules/{id}/toggle", s.handleToggleSchedule)
		api.HandleFunc("GET /schedules/{id}/logs", s.handleScheduleLogs)
		api.HandleFunc("POST /schedules/validate", s.handleValidateSchedule)
		api.HandleFunc("GET /schedules/presets", s.handleSchedulePresets)
	})

	return router
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}

// recordWithRetry writes an execution to the ledger, retrying transient
// failures, and returns the assigned id. Zero id on final failure.
func (s *Server) recordWithRetry(ctx context.Context, exec store.Execution) int64 {
	var id int64
	write := func() error {
		var err error
		id, err = s.store.RecordExecution(ctx, exec)
		return err
	}

	var err error
	if s.repeater != nil {
		err = s.repeater.Do(ctx, write)
	} else {
		err = write()
	}
	if err != nil {
		log.Printf("[ERROR] failed to record execution of %s: %v", exec.ScriptPath, err)
		return 0
	}
	return id
}

// notifyFailure sends a failure email when a notifier is configured
func (s *Server) notifyFailure(ctx context.Context, scriptPath, params, errorLog string) {
	if s.notifier == nil {
		return
	}
	msg, err := s.notifier.MakeErrorHTML(scriptPath, params, errorLog)
	if err != nil {
		log.Printf("[WARN] failed to make failure message for %s: %v", scriptPath, err)
		return
	}
	if err := s.notifier.Send(ctx, fmt.Sprintf("script failed: %s", scriptPath), msg); err != nil {
		log.Printf("[WARN] failed to send failure notification for %s: %v", scriptPath, err)
	}
}
