package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

// event types emitted by RunStream, in protocol order
const (
	EventStart    = "start"
	EventStdout   = "stdout"
	EventStderr   = "stderr"
	EventComplete = "complete"
	EventError    = "error"
)

// Event is a single element of a streaming execution. The sequence always
// opens with start and terminates with exactly one of complete or error.
// ExitCode is the process exit code on complete and a sentinel code on error,
// matching what Run reports for the same failure.
type Event struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ExitCode  int       `json:"exit_code"`
	Duration  float64   `json:"duration,omitempty"`
}

// RunStream executes a script and returns a channel of execution events, one
// per stdout line as the process produces them; stderr is collected and
// emitted as a single batched event after the process exits. The channel is
// single-pass and always closed after the terminal event. Canceling ctx kills
// the underlying process; the same hard timeout as Run applies, including the
// wait-for-exit phase after stdout is drained.
func (e *Executor) RunStream(ctx context.Context, scriptPath string, params Params) <-chan Event {
	ch := make(chan Event)

	go func() {
		defer close(ch)
		st := time.Now()

		full, err := e.ResolvePath(scriptPath)
		if err != nil {
			log.Printf("[WARN] rejected streaming execution of %s: %v", scriptPath, err)
			e.emit(ctx, ch, Event{Type: EventError, Message: err.Error(), Timestamp: time.Now(), ExitCode: ExitCodeInvalid})
			return
		}

		argv := e.argv(full, params)
		log.Printf("[INFO] streaming execution of %s", strings.Join(argv, " "))

		runCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv built by sanitizer
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			e.emit(ctx, ch, Event{Type: EventError, Message: err.Error(), Timestamp: time.Now(), ExitCode: ExitCodeError})
			return
		}

		if !e.emit(runCtx, ch, Event{Type: EventStart, Timestamp: time.Now(),
			Message: fmt.Sprintf("starting execution of %s", filepath.Base(full))}) {
			return
		}

		if err := cmd.Start(); err != nil {
			e.emit(ctx, ch, Event{Type: EventError, Message: err.Error(), Timestamp: time.Now(), ExitCode: ExitCodeError})
			return
		}

		// the process is an owned resource, kill it on cancellation or timeout
		// regardless of where the reader loop is. released via done on every
		// other exit path.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-runCtx.Done():
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			case <-done:
			}
		}()

		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			if !e.emit(runCtx, ch, Event{Type: EventStdout, Message: sc.Text(), Timestamp: time.Now()}) {
				break // consumer gone, killer goroutine reaps the process
			}
		}

		werr := cmd.Wait()
		duration := time.Since(st)

		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			log.Printf("[WARN] streaming %s timed out after %v", scriptPath, duration)
			e.emit(ctx, ch, Event{Type: EventError, Timestamp: time.Now(), ExitCode: ExitCodeTimeout,
				Message:  fmt.Sprintf("script execution timed out after %.2f seconds", duration.Seconds()),
				Duration: duration.Seconds()})
			return
		}

		if ctx.Err() != nil {
			log.Printf("[INFO] streaming %s canceled after %v", scriptPath, duration)
			return // consumer disconnected, no one left to receive a terminal event
		}

		if stderr.Len() > 0 {
			if !e.emit(runCtx, ch, Event{Type: EventStderr, Message: stderr.String(), Timestamp: time.Now()}) {
				return
			}
		}

		exitCode := 0
		if werr != nil {
			var exitErr *exec.ExitError
			if errors.As(werr, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				e.emit(ctx, ch, Event{Type: EventError, Message: werr.Error(), Timestamp: time.Now(),
					ExitCode: ExitCodeError, Duration: duration.Seconds()})
				return
			}
		}

		log.Printf("[INFO] streaming %s completed in %.2fs, exit code %d", scriptPath, duration.Seconds(), exitCode)
		e.emit(ctx, ch, Event{Type: EventComplete, Timestamp: time.Now(), ExitCode: exitCode,
			Message:  fmt.Sprintf("execution completed in %.2fs", duration.Seconds()),
			Duration: duration.Seconds()})
	}()

	return ch
}

// emit delivers an event unless the consumer is gone. Returns false when the
// context is done, which unblocks the producer on consumer disconnect.
func (e *Executor) emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
