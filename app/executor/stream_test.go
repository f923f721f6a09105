package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains the event channel with an overall deadline
func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out draining event channel")
		}
	}
}

func TestExecutor_RunStream_ordering(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "lines.ps1", "echo one\necho two\necho three")
	e := testExecutor(t, root, time.Minute)

	events := collect(t, e.RunStream(context.Background(), "lines.ps1", nil))

	require.Len(t, events, 5)
	assert.Equal(t, EventStart, events[0].Type)
	assert.Equal(t, EventStdout, events[1].Type)
	assert.Equal(t, "one", events[1].Message)
	assert.Equal(t, "two", events[2].Message)
	assert.Equal(t, "three", events[3].Message)
	assert.Equal(t, EventComplete, events[4].Type)
	assert.Equal(t, 0, events[4].ExitCode)
	assert.Greater(t, events[4].Duration, 0.0)
}

func TestExecutor_RunStream_stderrBatchedAfterExit(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "mixed.ps1", "echo out1\necho err1 >&2\necho err2 >&2\nexit 2")
	e := testExecutor(t, root, time.Minute)

	events := collect(t, e.RunStream(context.Background(), "mixed.ps1", nil))

	require.NotEmpty(t, events)
	assert.Equal(t, EventStart, events[0].Type)

	var stderrEv, completeEv *Event
	for i := range events {
		switch events[i].Type {
		case EventStderr:
			stderrEv = &events[i]
		case EventComplete:
			completeEv = &events[i]
		}
	}
	require.NotNil(t, stderrEv)
	assert.Contains(t, stderrEv.Message, "err1")
	assert.Contains(t, stderrEv.Message, "err2")
	require.NotNil(t, completeEv)
	assert.Equal(t, 2, completeEv.ExitCode)
	// stderr is batched and precedes the terminal event
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
}

func TestExecutor_RunStream_invalidPath(t *testing.T) {
	e := testExecutor(t, t.TempDir(), time.Minute)

	events := collect(t, e.RunStream(context.Background(), "../outside.ps1", nil))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Message, "outside")
	assert.Equal(t, ExitCodeInvalid, events[0].ExitCode, "validation failure carries the same sentinel as Run")
}

func TestExecutor_RunStream_timeout(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "slow.ps1", "echo started\nsleep 10")
	e := testExecutor(t, root, 300*time.Millisecond)

	st := time.Now()
	events := collect(t, e.RunStream(context.Background(), "slow.ps1", nil))
	elapsed := time.Since(st)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Message, "timed out")
	assert.Equal(t, ExitCodeTimeout, last.ExitCode)
	assert.Less(t, elapsed, 5*time.Second, "timeout must kill the process, not wait for it")

	// exactly one terminal event
	terminals := 0
	for _, ev := range events {
		if ev.Type == EventComplete || ev.Type == EventError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestExecutor_RunStream_cancelKillsProcess(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "forever.ps1", "echo first\nsleep 60")
	e := testExecutor(t, root, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	ch := e.RunStream(ctx, "forever.ps1", nil)

	// consume until the first stdout line, then walk away
	for ev := range ch {
		if ev.Type == EventStdout {
			break
		}
	}
	cancel()

	// channel must close promptly, the subprocess is killed rather than leaked
	closed := make(chan struct{})
	go func() {
		for range ch { //nolint:revive // draining
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate after cancel")
	}
}
