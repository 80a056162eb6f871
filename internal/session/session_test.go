//go:build unix

package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cc-executor/cc-executor/internal/common/config"
	apperrors "github.com/cc-executor/cc-executor/internal/common/errors"
	"github.com/cc-executor/cc-executor/internal/common/logger"
	"github.com/cc-executor/cc-executor/internal/events/bus"
	"github.com/cc-executor/cc-executor/internal/hooks"
	"github.com/cc-executor/cc-executor/internal/timing"
	v1 "github.com/cc-executor/cc-executor/pkg/api/v1"
)

type notification struct {
	method string
	params interface{}
}

// fakeNotifier records everything the session pushes at the client.
type fakeNotifier struct {
	mu        sync.Mutex
	sent      []notification
	shutdowns []string
}

func (n *fakeNotifier) Notify(method string, params interface{}) {
	n.mu.Lock()
	n.sent = append(n.sent, notification{method: method, params: params})
	n.mu.Unlock()
}

func (n *fakeNotifier) Shutdown(reason string) {
	n.mu.Lock()
	n.shutdowns = append(n.shutdowns, reason)
	n.mu.Unlock()
}

func (n *fakeNotifier) methods() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.method
	}
	return out
}

func (n *fakeNotifier) find(method string) (interface{}, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		if s.method == method {
			return s.params, true
		}
	}
	return nil, false
}

// waitForMethod polls until the notifier has seen the method.
func (n *fakeNotifier) waitForMethod(t *testing.T, method string, within time.Duration) interface{} {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if params, ok := n.find(method); ok {
			return params
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("notification %q not observed within %s (saw %v)", method, within, n.methods())
	return nil
}

func testSessionConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{MaxSessions: 10, IdleTimeoutS: 3600},
		Execution: config.ExecutionConfig{
			DefaultTotalTimeoutS: 30,
			DefaultStallTimeoutS: 30,
			ExtremeStallTimeoutS: 600,
			StallFractionOfTotal: 0.5,
			GracefulShutdownS:    0.5,
			MaxLineBytes:         8 * 1024,
			MaxTotalBytes:        1 << 20,
			SensitiveEnvKeys:     []string{"API_KEY", "TOKEN", "SECRET"},
		},
		Hooks:  config.HooksConfig{DefaultTimeoutS: 10},
		Timing: config.TimingConfig{HistoryTTLS: 3600, SamplesCap: 100, MinStallS: 1, MaxStallS: 600},
	}
}

type sessionEnv struct {
	session  *Session
	notifier *fakeNotifier
	store    *timing.Store
}

func newSessionEnv(t *testing.T, cfg *config.Config, hookCfg *hooks.Config) *sessionEnv {
	t.Helper()
	log := logger.Default()
	if hookCfg == nil {
		var err error
		hookCfg, err = hooks.LoadFile("", 10*time.Second, log)
		require.NoError(t, err)
	}
	runner := hooks.NewRunner(hookCfg, cfg.Execution.SensitiveEnvKeys, log)
	store, err := timing.New(cfg.Timing, cfg.Execution.StallFractionOfTotal, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	notifier := &fakeNotifier{}
	s := New(cfg, runner, store, bus.NewMemoryEventBus(log), notifier, log)
	t.Cleanup(func() { s.Close("test_teardown") })
	return &sessionEnv{session: s, notifier: notifier, store: store}
}

func TestExecuteLifecycle(t *testing.T) {
	env := newSessionEnv(t, testSessionConfig(), nil)

	result, appErr := env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "echo hello"})
	require.Nil(t, appErr)
	assert.True(t, result.Accepted)
	assert.NotEmpty(t, result.ExecutionID)

	params := env.notifier.waitForMethod(t, v1.NotificationExecutionCompleted, 10*time.Second)
	completed := params.(*v1.ExecutionCompletedParams)
	assert.Equal(t, result.ExecutionID, completed.ExecutionID)
	assert.Equal(t, v1.StatusExited, completed.Status)
	require.NotNil(t, completed.ExitCode)
	assert.Equal(t, 0, *completed.ExitCode)
	assert.Equal(t, int64(6), completed.BytesOut)

	// Started precedes every chunk, completed is last.
	methods := env.notifier.methods()
	started, chunk, done := -1, -1, -1
	for i, m := range methods {
		switch m {
		case v1.NotificationExecutionStarted:
			started = i
		case v1.NotificationOutputChunk:
			if chunk == -1 {
				chunk = i
			}
		case v1.NotificationExecutionCompleted:
			done = i
		}
	}
	require.GreaterOrEqual(t, started, 0)
	require.GreaterOrEqual(t, chunk, 0)
	assert.Less(t, started, chunk)
	assert.Equal(t, len(methods)-1, done)
}

func TestExecuteSequentialEnforcement(t *testing.T) {
	env := newSessionEnv(t, testSessionConfig(), nil)

	first, appErr := env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "sleep 2"})
	require.Nil(t, appErr)

	_, appErr = env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "sleep 1"})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeAlreadyRunning, appErr.Code)
	assert.Contains(t, appErr.Message, first.ExecutionID)
}

func TestExecuteSlotFreedAfterCompletion(t *testing.T) {
	env := newSessionEnv(t, testSessionConfig(), nil)
	ctx := context.Background()

	_, appErr := env.session.Execute(ctx, &v1.ExecuteParams{Command: "echo one"})
	require.Nil(t, appErr)
	env.notifier.waitForMethod(t, v1.NotificationExecutionCompleted, 10*time.Second)

	_, appErr = env.session.Execute(ctx, &v1.ExecuteParams{Command: "echo two"})
	assert.Nil(t, appErr)
}

func TestExecuteEmptyCommand(t *testing.T) {
	env := newSessionEnv(t, testSessionConfig(), nil)

	_, appErr := env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "   "})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidCommand, appErr.Code)
	assert.False(t, env.session.Busy())
}

func TestExecuteAllowList(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Execution.AllowedCommands = "echo,true"
	env := newSessionEnv(t, cfg, nil)
	ctx := context.Background()

	_, appErr := env.session.Execute(ctx, &v1.ExecuteParams{Command: "sleep 1"})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeCommandNotAllowed, appErr.Code)

	_, appErr = env.session.Execute(ctx, &v1.ExecuteParams{Command: "echo allowed"})
	assert.Nil(t, appErr)
}

func TestExecuteSpawnFailure(t *testing.T) {
	env := newSessionEnv(t, testSessionConfig(), nil)

	_, appErr := env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "/nonexistent/binary"})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeSpawnFailed, appErr.Code)
	assert.False(t, env.session.Busy())
}

func TestControlCancel(t *testing.T) {
	env := newSessionEnv(t, testSessionConfig(), nil)

	_, appErr := env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "sleep 30"})
	require.Nil(t, appErr)

	ack, appErr := env.session.Control(&v1.ControlParams{Type: v1.ControlCancel})
	require.Nil(t, appErr)
	assert.True(t, ack.Acknowledged)

	params := env.notifier.waitForMethod(t, v1.NotificationExecutionCompleted, 10*time.Second)
	assert.Equal(t, v1.StatusCancelled, params.(*v1.ExecutionCompletedParams).Status)
}

func TestControlWithoutExecution(t *testing.T) {
	env := newSessionEnv(t, testSessionConfig(), nil)

	_, appErr := env.session.Control(&v1.ControlParams{Type: v1.ControlCancel})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeNoActiveExecution, appErr.Code)
}

func TestControlPauseResume(t *testing.T) {
	env := newSessionEnv(t, testSessionConfig(), nil)

	_, appErr := env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "sleep 30"})
	require.Nil(t, appErr)

	// Resume before pause is an invalid transition.
	_, appErr = env.session.Control(&v1.ControlParams{Type: v1.ControlResume})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidState, appErr.Code)

	_, appErr = env.session.Control(&v1.ControlParams{Type: v1.ControlPause})
	require.Nil(t, appErr)
	env.notifier.waitForMethod(t, v1.NotificationPaused, 2*time.Second)

	// Double pause is rejected.
	_, appErr = env.session.Control(&v1.ControlParams{Type: v1.ControlPause})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidState, appErr.Code)

	_, appErr = env.session.Control(&v1.ControlParams{Type: v1.ControlResume})
	require.Nil(t, appErr)
	env.notifier.waitForMethod(t, v1.NotificationResumed, 2*time.Second)

	_, appErr = env.session.Control(&v1.ControlParams{Type: v1.ControlCancel})
	require.Nil(t, appErr)
	env.notifier.waitForMethod(t, v1.NotificationExecutionCompleted, 10*time.Second)
}

func TestHookAbortBlocksSpawn(t *testing.T) {
	script := filepath.Join(t.TempDir(), "abort.sh")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\necho '{\"abort\": true, \"error\": \"forbidden\"}'\n"), 0o755))

	hookCfg := &hooks.Config{
		Specs: map[hooks.Point][]hooks.Spec{
			hooks.PointPreExecute: {{Point: hooks.PointPreExecute, Command: script, Timeout: 10 * time.Second}},
		},
		DefaultTimeout: 10 * time.Second,
		Env:            map[string]string{},
	}
	env := newSessionEnv(t, testSessionConfig(), hookCfg)

	_, appErr := env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "echo nope"})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeHookAborted, appErr.Code)
	assert.Equal(t, "forbidden", appErr.Message)

	// No process was spawned and the slot is free again.
	assert.False(t, env.session.Busy())
	_, found := env.notifier.find(v1.NotificationExecutionStarted)
	assert.False(t, found)
}

func TestHookMutationRewritesCommand(t *testing.T) {
	script := filepath.Join(t.TempDir(), "mutate.sh")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\necho '{\"modified_command\": \"echo rewritten\"}'\n"), 0o755))

	hookCfg := &hooks.Config{
		Specs: map[hooks.Point][]hooks.Spec{
			hooks.PointPreExecute: {{Point: hooks.PointPreExecute, Command: script, Timeout: 10 * time.Second}},
		},
		DefaultTimeout: 10 * time.Second,
		Env:            map[string]string{},
	}
	env := newSessionEnv(t, testSessionConfig(), hookCfg)

	_, appErr := env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "echo original"})
	require.Nil(t, appErr)

	env.notifier.waitForMethod(t, v1.NotificationExecutionCompleted, 10*time.Second)

	var stdout string
	env.notifier.mu.Lock()
	for _, n := range env.notifier.sent {
		if n.method == v1.NotificationOutputChunk {
			stdout += n.params.(*v1.OutputChunkParams).Data
		}
	}
	env.notifier.mu.Unlock()
	assert.Equal(t, "rewritten\n", stdout)
}

func TestTimingRecordedOnCleanExit(t *testing.T) {
	env := newSessionEnv(t, testSessionConfig(), nil)

	_, appErr := env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "echo timed"})
	require.Nil(t, appErr)
	env.notifier.waitForMethod(t, v1.NotificationExecutionCompleted, 10*time.Second)

	// Record happens in the completion goroutine right before release.
	fp := timing.Fingerprint("echo timed")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if est := env.store.Lookup(context.Background(), fp); est != nil {
			assert.Equal(t, 1, est.Samples)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timing sample was not recorded")
}

func TestCloseCancelsRunningExecution(t *testing.T) {
	env := newSessionEnv(t, testSessionConfig(), nil)

	_, appErr := env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "sleep 30"})
	require.Nil(t, appErr)

	start := time.Now()
	env.session.Close("socket_closed")
	assert.Less(t, time.Since(start), 5*time.Second)

	env.notifier.waitForMethod(t, v1.NotificationExecutionCompleted, 5*time.Second)
	params, _ := env.notifier.find(v1.NotificationExecutionCompleted)
	assert.Equal(t, v1.StatusCancelled, params.(*v1.ExecutionCompletedParams).Status)

	// The session accepts nothing after close.
	_, appErr = env.session.Execute(context.Background(), &v1.ExecuteParams{Command: "echo late"})
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidState, appErr.Code)
}

func TestPing(t *testing.T) {
	env := newSessionEnv(t, testSessionConfig(), nil)
	res := env.session.Ping()
	assert.True(t, res.Pong)
	assert.NotEmpty(t, res.ServerTime)
}
