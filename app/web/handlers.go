package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/scriptdash/scriptdash/app/executor"
	"github.com/scriptdash/scriptdash/app/scripts"
	"github.com/scriptdash/scriptdash/app/store"
	"github.com/scriptdash/scriptdash/app/sysinfo"
)

// executeRequest is the body of POST /api/execute and /api/execute/stream
type executeRequest struct {
	Script string         `json:"script"`
	Params map[string]any `json:"params,omitempty"`
}

// executeResponse extends the executor result with the ledger id
type executeResponse struct {
	executor.Result
	ExecutionID int64  `json:"execution_id,omitempty"`
	Script      string `json:"script"`
}

// handleListScripts returns discovered scripts, filtered by optional category
// and search query parameters
func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	list, err := s.scripts.ListWithSynopsis(r.Context())
	if err != nil {
		log.Printf("[WARN] failed to list scripts: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list scripts")
		return
	}

	category := r.URL.Query().Get("category")
	search := strings.ToLower(r.URL.Query().Get("search"))

	res := []scripts.Info{}
	for _, info := range list {
		if category != "" && info.Category != category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(info.Name), search) &&
			!strings.Contains(strings.ToLower(info.Synopsis), search) {
			continue
		}
		res = append(res, info)
	}

	categories, err := s.scripts.Categories()
	if err != nil {
		log.Printf("[WARN] failed to list categories: %v", err)
		categories = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"scripts":    res,
		"categories": categories,
		"total":      len(res),
	})
}

// handleGetScript returns one script with its full parsed documentation and
// recent execution history
func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	scriptPath := r.PathValue("path")

	list, err := s.scripts.List()
	if err != nil {
		log.Printf("[WARN] failed to list scripts: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list scripts")
		return
	}

	var info *scripts.Info
	for i := range list {
		if list[i].Path == scriptPath {
			info = &list[i]
			break
		}
	}
	if info == nil {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("script %s not found", scriptPath))
		return
	}

	help, err := scripts.ParseFile(filepath.Join(s.scripts.Root(), filepath.FromSlash(scriptPath)))
	if err != nil {
		log.Printf("[WARN] failed to parse script %s: %v", scriptPath, err)
	}

	history, err := s.store.GetScriptExecutions(r.Context(), scriptPath, 10)
	if err != nil {
		log.Printf("[WARN] failed to load history for %s: %v", scriptPath, err)
		history = []store.Execution{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"script":  info,
		"help":    help,
		"history": history,
	})
}

// handleExecute runs a script synchronously and records the outcome
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Script == "" {
		s.writeJSONError(w, http.StatusBadRequest, "script is required")
		return
	}

	started := time.Now()
	res := s.executor.Run(r.Context(), req.Script, req.Params)

	status := statusOf(res)
	execID := s.recordWithRetry(r.Context(), s.executionRecord(req, res, started, status))

	if status != store.StatusSuccess {
		s.notifyFailure(r.Context(), req.Script, paramsJSON(req.Params), res.Stderr)
	}

	s.writeJSON(w, http.StatusOK, executeResponse{Result: res, ExecutionID: execID, Script: req.Script})
}

// handleExecuteStream runs a script and streams its stdout line by line as
// server-sent events. Client disconnect cancels the run and kills the process.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Script == "" {
		s.writeJSONError(w, http.StatusBadRequest, "script is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	started := time.Now()
	var output strings.Builder
	var errText string
	exitCode := 0
	status := store.StatusFailed // overwritten by the terminal event

	for ev := range s.executor.RunStream(r.Context(), req.Script, req.Params) {
		switch ev.Type {
		case executor.EventStdout:
			output.WriteString(ev.Message)
			output.WriteString("\n")
		case executor.EventStderr:
			errText = ev.Message
		case executor.EventComplete:
			exitCode = ev.ExitCode
			if exitCode == 0 {
				status = store.StatusSuccess
			}
		case executor.EventError:
			exitCode = ev.ExitCode
			if exitCode == executor.ExitCodeTimeout {
				status = store.StatusTimeout
			}
			if errText == "" {
				errText = ev.Message
			}
		}

		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[WARN] failed to marshal stream event: %v", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// client gone, the canceled request context kills the process
			log.Printf("[DEBUG] stream client disconnected: %v", err)
			break
		}
		flusher.Flush()
	}

	completed := time.Now()
	rec := store.Execution{
		ScriptPath:  req.Script,
		ScriptName:  scriptName(req.Script),
		Category:    scriptCategory(req.Script),
		Parameters:  paramsJSON(req.Params),
		Status:      status,
		Output:      output.String(),
		Error:       errText,
		ExitCode:    exitCode,
		StartedAt:   started,
		CompletedAt: &completed,
		Duration:    completed.Sub(started).Seconds(),
	}
	// request context may be dead already if the client disconnected
	recCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.recordWithRetry(recCtx, rec)

	if status != store.StatusSuccess {
		s.notifyFailure(recCtx, req.Script, paramsJSON(req.Params), errText)
	}
}

// handleListExecutions returns recorded executions, newest first
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	var status *store.Status
	if v := r.URL.Query().Get("status"); v != "" {
		parsed, err := store.ParseStatus(v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", v))
			return
		}
		status = &parsed
	}

	executions, err := s.store.GetExecutions(r.Context(), limit, offset, status)
	if err != nil {
		log.Printf("[WARN] failed to list executions: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	total, err := s.store.CountExecutions(r.Context())
	if err != nil {
		log.Printf("[WARN] failed to count executions: %v", err)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"executions": executions, "total": total})
}

// handleGetExecution returns one execution with its captured output
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid execution id")
		return
	}

	exec, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("execution %d not found", id))
		return
	}
	if err != nil {
		log.Printf("[WARN] failed to get execution %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, exec)
}

// handleStatistics returns ledger aggregates, script counts and host metrics
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		log.Printf("[WARN] failed to get stats: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get statistics")
		return
	}

	scriptCount := 0
	categoryCount := 0
	if list, err := s.scripts.List(); err == nil {
		scriptCount = len(list)
	}
	if cats, err := s.scripts.Categories(); err == nil {
		categoryCount = len(cats)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"executions": stats,
		"scripts":    map[string]int{"total": scriptCount, "categories": categoryCount},
		"host":       sysinfo.Collect(s.diskPath),
		"timestamp":  time.Now(),
	})
}

// statusOf maps an executor result to a ledger status
func statusOf(res executor.Result) store.Status {
	switch {
	case res.Success:
		return store.StatusSuccess
	case res.ExitCode == executor.ExitCodeTimeout:
		return store.StatusTimeout
	default:
		return store.StatusFailed
	}
}

func (s *Server) executionRecord(req executeRequest, res executor.Result, started time.Time, status store.Status) store.Execution {
	completed := started.Add(time.Duration(res.Duration * float64(time.Second)))
	return store.Execution{
		ScriptPath:  req.Script,
		ScriptName:  scriptName(req.Script),
		Category:    scriptCategory(req.Script),
		Parameters:  paramsJSON(req.Params),
		Status:      status,
		Output:      res.Stdout,
		Error:       res.Stderr,
		ExitCode:    res.ExitCode,
		StartedAt:   started,
		CompletedAt: &completed,
		Duration:    res.Duration,
	}
}

func paramsJSON(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func scriptName(scriptPath string) string {
	base := filepath.Base(scriptPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func scriptCategory(scriptPath string) string {
	if i := strings.Index(scriptPath, "/"); i > 0 {
		return scriptPath[:i]
	}
	return "general"
}
