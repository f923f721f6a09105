// Package executor runs administrative scripts as subprocesses with parameter
// sanitization, path validation and timeout enforcement. Supports synchronous
// execution collecting full output and streaming execution emitting one event
// per output line.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

// sentinel exit codes, distinct from anything a real process can return
const (
	ExitCodeInvalid = -1 // path validation failed, no process spawned
	ExitCodeTimeout = -2 // process killed after exceeding the timeout
	ExitCodeError   = -3 // process failed to start or other system error
)

// Executor invokes scripts from the trusted root directory
type Executor struct {
	shell     string        // script interpreter, e.g. pwsh
	shellArgs []string      // interpreter flags preceding the script path
	root      string        // trusted scripts root, resolved to absolute
	timeout   time.Duration // hard per-invocation bound
}

// Option func type
type Option func(e *Executor)

// ShellArgs overrides the interpreter flags inserted before the script path,
// defaults to the pwsh invocation flags
func ShellArgs(args ...string) Option {
	return func(e *Executor) {
		e.shellArgs = args
	}
}

// Result of a synchronous execution, produced exactly once per invocation
type Result struct {
	Success  bool    `json:"success"`
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	Duration float64 `json:"duration"` // seconds
}

// New creates executor for scripts under root, invoked with shell.
// Zero timeout defaults to an hour.
func New(shell, root string, timeout time.Duration, options ...Option) (*Executor, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("can't resolve scripts root %s: %w", root, err)
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	res := &Executor{
		shell:     shell,
		shellArgs: []string{"-NoProfile", "-ExecutionPolicy", "Bypass", "-File"},
		root:      abs,
		timeout:   timeout,
	}
	for _, opt := range options {
		opt(res)
	}
	return res, nil
}

// argv builds the full argument vector for the resolved script path
func (e *Executor) argv(fullPath string, params Params) []string {
	argv := append([]string{e.shell}, e.shellArgs...)
	argv = append(argv, fullPath)
	return append(argv, ParamTokens(params)...)
}

// Root returns the resolved trusted scripts root
func (e *Executor) Root() string { return e.root }

// ResolvePath validates a script path relative to the trusted root and returns
// the absolute path. The resolved path must stay under the root, carry the
// .ps1 extension and exist. Called before any process is spawned.
func (e *Executor) ResolvePath(scriptPath string) (string, error) {
	full, err := filepath.Abs(filepath.Join(e.root, scriptPath))
	if err != nil {
		return "", fmt.Errorf("can't resolve script path %s: %w", scriptPath, err)
	}

	rel, err := filepath.Rel(e.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("script path %s is outside of scripts root", scriptPath)
	}

	if !strings.EqualFold(filepath.Ext(full), ".ps1") {
		return "", fmt.Errorf("script %s has invalid extension, .ps1 required", scriptPath)
	}

	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("script %s not found: %w", scriptPath, err)
	}

	return full, nil
}

// Run executes a script synchronously and returns the collected result.
// Validation failures and timeouts are reported inside Result with sentinel
// exit codes, not as errors; err is reserved for result-delivery problems.
func (e *Executor) Run(ctx context.Context, scriptPath string, params Params) Result {
	st := time.Now()

	full, err := e.ResolvePath(scriptPath)
	if err != nil {
		log.Printf("[WARN] rejected execution of %s: %v", scriptPath, err)
		return Result{ExitCode: ExitCodeInvalid, Stderr: err.Error(), Duration: time.Since(st).Seconds()}
	}

	argv := e.argv(full, params)
	log.Printf("[INFO] executing %s", strings.Join(argv, " "))

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...) //nolint:gosec // argv built by sanitizer
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	duration := time.Since(st)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		log.Printf("[WARN] %s timed out after %v", scriptPath, duration)
		return Result{
			ExitCode: ExitCodeTimeout,
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("script execution timed out after %.2f seconds", duration.Seconds()),
			Duration: duration.Seconds(),
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// normal failed run, exit code and stderr surfaced verbatim
			log.Printf("[INFO] %s completed in %.2fs, exit code %d", scriptPath, duration.Seconds(), exitErr.ExitCode())
			return Result{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				Duration: duration.Seconds(),
			}
		}
		log.Printf("[WARN] failed to run %s: %v", scriptPath, err)
		return Result{ExitCode: ExitCodeError, Stderr: err.Error(), Duration: duration.Seconds()}
	}

	log.Printf("[INFO] %s completed in %.2fs, exit code 0", scriptPath, duration.Seconds())
	return Result{
		Success:  true,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration.Seconds(),
	}
}
