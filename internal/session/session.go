// Package session implements the per-connection execution slot: sequential
// execution enforcement, the hook pipeline around each execution, timing
// estimates, lifecycle notifications and teardown.
package session

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cc-executor/cc-executor/internal/common/config"
	"github.com/cc-executor/cc-executor/internal/common/envutil"
	apperrors "github.com/cc-executor/cc-executor/internal/common/errors"
	"github.com/cc-executor/cc-executor/internal/common/logger"
	"github.com/cc-executor/cc-executor/internal/events"
	"github.com/cc-executor/cc-executor/internal/events/bus"
	"github.com/cc-executor/cc-executor/internal/executor"
	"github.com/cc-executor/cc-executor/internal/hooks"
	"github.com/cc-executor/cc-executor/internal/timing"
	v1 "github.com/cc-executor/cc-executor/pkg/api/v1"
)

// hookBreakerThreshold is the number of consecutive executions with hook
// infrastructure failures after which this session stops invoking hooks.
const hookBreakerThreshold = 3

// claudeClass is the command class that additionally triggers the
// pre_claude/post_claude hook points.
const claudeClass = "claude"

// Notifier is the session's handle on its websocket client. Notify may block;
// that is the back-pressure path for output chunks. Both methods must be safe
// after the socket is gone (they become no-ops).
type Notifier interface {
	Notify(method string, params interface{})
	// Shutdown asks the client to close the socket after a close notification
	// with the given reason. Teardown then follows the normal socket-close
	// path.
	Shutdown(reason string)
}

// activeExecution is the single execution slot of a session.
type activeExecution struct {
	id      string
	command string
	sup     *executor.Supervisor
	// startedGate is closed once execution_started has been sent, so no
	// output_chunk can overtake it.
	startedGate chan struct{}
	paused      bool
}

// Session owns one websocket connection's execution state.
type Session struct {
	ID string

	cfg      *config.Config
	hooks    *hooks.Runner
	timing   *timing.Store
	bus      bus.EventBus
	notifier Notifier
	log      *logger.Logger

	mu     sync.Mutex
	exec   *activeExecution
	closed bool
	// hookFailStreak counts consecutive executions whose hook pipeline had
	// infrastructure failures; at hookBreakerThreshold the breaker opens for
	// the rest of the session.
	hookFailStreak int
	breakerOpen    bool

	lastActivity atomic.Int64
}

// New creates a session bound to one client connection.
func New(cfg *config.Config, runner *hooks.Runner, store *timing.Store, eventBus bus.EventBus, notifier Notifier, log *logger.Logger) *Session {
	s := &Session{
		ID:       uuid.New().String(),
		cfg:      cfg,
		hooks:    runner,
		timing:   store,
		bus:      eventBus,
		notifier: notifier,
	}
	s.log = log.WithSessionID(s.ID)
	s.touch()
	return s
}

// touch records activity for the idle sweeper.
func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last request or execution completion.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Busy reports whether an execution currently occupies the slot.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec != nil
}

// Ping answers the keepalive method.
func (s *Session) Ping() *v1.PingResult {
	s.touch()
	return &v1.PingResult{
		Pong:       true,
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Execute validates, hooks, and spawns a command. At most one execution may
// occupy the slot; a second request is rejected, never queued.
func (s *Session) Execute(ctx context.Context, params *v1.ExecuteParams) (*v1.ExecuteResult, *apperrors.AppError) {
	s.touch()

	if strings.TrimSpace(params.Command) == "" {
		return nil, apperrors.InvalidCommand("command is empty")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeInvalidState, "session is closing")
	}
	if s.exec != nil {
		id := s.exec.id
		s.mu.Unlock()
		return nil, apperrors.AlreadyRunning(id)
	}
	exec := &activeExecution{
		id:          uuid.New().String(),
		startedGate: make(chan struct{}),
	}
	s.exec = exec
	s.mu.Unlock()

	result, appErr := s.startExecution(ctx, exec, params)
	if appErr != nil {
		s.release(exec.id)
		return nil, appErr
	}
	return result, nil
}

// startExecution runs the pre hooks and spawns the supervisor. The slot is
// already reserved; on error the caller releases it.
func (s *Session) startExecution(ctx context.Context, exec *activeExecution, params *v1.ExecuteParams) (*v1.ExecuteResult, *apperrors.AppError) {
	log := s.log.WithExecutionID(exec.id)
	command := params.Command

	command, appErr := s.runPreHooks(ctx, exec.id, command)
	if appErr != nil {
		return nil, appErr
	}

	argv, appErr := executor.ParseCommand(command)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := executor.CheckAllowed(argv, s.cfg.Execution.AllowList()); appErr != nil {
		return nil, appErr
	}
	exec.command = command

	fingerprint := timing.Fingerprint(command)
	estimate := s.timing.Lookup(ctx, fingerprint)
	limits := s.resolveLimits(params, estimate)

	env := envutil.Sanitize(os.Environ(), s.cfg.Execution.SensitiveEnvKeys)
	env = envutil.Merge(env, params.Env)
	env = append(env,
		"CC_EXECUTOR_SESSION_ID="+s.ID,
		"CC_EXECUTOR_EXECUTION_ID="+exec.id,
	)

	sup := executor.New(executor.Options{
		Argv:   argv,
		Env:    env,
		Limits: limits,
		OnChunk: func(chunk executor.Chunk) {
			<-exec.startedGate
			s.notifier.Notify(v1.NotificationOutputChunk, &v1.OutputChunkParams{
				ExecutionID: exec.id,
				Stream:      chunk.Stream,
				Seq:         chunk.Seq,
				Data:        executor.DecodeChunkData(chunk.Data),
				Truncated:   chunk.Truncated,
			})
		},
		OnOutputLimit: func() {
			s.notifier.Notify(v1.NotificationWarning, &v1.WarningParams{
				ExecutionID: exec.id,
				Kind:        v1.WarningOutputLimitReached,
				Message:     "total output budget exhausted; further output is dropped",
			})
		},
		Logger: log,
	})

	if err := sup.Start(); err != nil {
		log.Warn("spawn failed", zap.Error(err), zap.String("command", command))
		return nil, apperrors.Newf(apperrors.ErrCodeSpawnFailed, "spawn failed: %v", err)
	}

	s.mu.Lock()
	exec.sup = sup
	s.mu.Unlock()

	started := &v1.ExecutionStartedParams{
		ExecutionID: exec.id,
		Fingerprint: fingerprint,
	}
	if estimate != nil {
		total, stall := estimate.TotalS, estimate.StallS
		started.PredictedTotalS = &total
		started.PredictedStallS = &stall
	}
	s.notifier.Notify(v1.NotificationExecutionStarted, started)
	close(exec.startedGate)

	s.publish(events.SubjectExecutionStarted, events.TypeExecutionStarted, map[string]interface{}{
		"session_id":   s.ID,
		"execution_id": exec.id,
		"fingerprint":  fingerprint,
		"pid":          sup.Pid(),
	})

	log.Info("execution started",
		zap.String("command", command),
		zap.String("fingerprint", fingerprint),
		zap.Int("pid", sup.Pid()),
		zap.Duration("total_timeout", limits.TotalTimeout),
		zap.Duration("stall_timeout", limits.StallTimeout))

	go s.await(exec, fingerprint, log)

	return &v1.ExecuteResult{ExecutionID: exec.id, Accepted: true}, nil
}

// resolveLimits picks the timeout budget: explicit client values win, then the
// timing estimate, then configured defaults. The stall timeout is capped by
// the extreme stall bound.
func (s *Session) resolveLimits(params *v1.ExecuteParams, estimate *timing.Estimate) executor.Limits {
	ex := &s.cfg.Execution

	totalS := ex.DefaultTotalTimeoutS
	stallS := ex.DefaultStallTimeoutS
	if estimate != nil {
		totalS = estimate.TotalS
		stallS = estimate.StallS
	}
	if params.TotalTimeoutS > 0 {
		totalS = params.TotalTimeoutS
	}
	if params.StallTimeoutS > 0 {
		stallS = params.StallTimeoutS
	}
	if ex.ExtremeStallTimeoutS > 0 && stallS > ex.ExtremeStallTimeoutS {
		stallS = ex.ExtremeStallTimeoutS
	}

	return executor.Limits{
		TotalTimeout:  time.Duration(totalS * float64(time.Second)),
		StallTimeout:  time.Duration(stallS * float64(time.Second)),
		Graceful:      ex.GracefulShutdown(),
		MaxLineBytes:  ex.MaxLineBytes,
		MaxTotalBytes: ex.MaxTotalBytes,
	}
}

// runPreHooks applies pre_execute and, for claude-class commands, pre_claude.
// The returned command carries any hook mutation.
func (s *Session) runPreHooks(ctx context.Context, executionID, command string) (string, *apperrors.AppError) {
	points := []hooks.Point{hooks.PointPreExecute}
	if timing.CommandClass(command) == claudeClass {
		points = append(points, hooks.PointPreClaude)
	}

	for _, point := range points {
		outcome := s.runHooks(ctx, point, hooks.Context{
			SessionID:   s.ID,
			ExecutionID: executionID,
			Command:     command,
		})
		if outcome == nil {
			continue
		}
		if outcome.Abort {
			return "", apperrors.HookAborted(outcome.AbortReason)
		}
		if outcome.Command != "" {
			s.log.Info("hook rewrote command",
				zap.String("hook_point", string(point)),
				zap.String("command", outcome.Command))
			command = outcome.Command
		}
	}
	return command, nil
}

// runHooks executes one hook point through the circuit breaker and surfaces
// warnings and failures to the client. Returns nil when the point has no
// hooks or the breaker is open.
func (s *Session) runHooks(ctx context.Context, point hooks.Point, hctx hooks.Context) *hooks.Outcome {
	if !s.hooks.HasHooks(point) {
		return nil
	}

	s.mu.Lock()
	open := s.breakerOpen
	s.mu.Unlock()
	if open {
		return nil
	}

	outcome := s.hooks.Run(ctx, point, hctx)

	for _, warning := range outcome.Warnings {
		s.notifier.Notify(v1.NotificationHookWarning, &v1.HookWarningParams{
			HookPoint: string(point),
			Severity:  "warning",
			Error:     warning,
		})
	}
	for _, failure := range outcome.Failures {
		s.log.Warn("hook failed",
			zap.String("hook_point", string(point)),
			zap.String("kind", string(failure.Kind)),
			zap.String("error", failure.Message))
		s.notifier.Notify(v1.NotificationHookWarning, &v1.HookWarningParams{
			HookPoint:  string(point),
			Severity:   failure.Severity(),
			Error:      failure.Message,
			Suggestion: "check the hook configuration and executable",
		})
	}

	s.recordHookHealth(len(outcome.Failures) > 0)
	return outcome
}

// recordHookHealth feeds the circuit breaker. The breaker never auto-resets;
// a reconnect gets a fresh session and a fresh breaker.
func (s *Session) recordHookHealth(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !failed {
		s.hookFailStreak = 0
		return
	}
	s.hookFailStreak++
	if s.hookFailStreak >= hookBreakerThreshold && !s.breakerOpen {
		s.breakerOpen = true
		s.log.Warn("hook circuit breaker opened for session",
			zap.Int("consecutive_failures", s.hookFailStreak))
	}
}

// await waits for the supervisor to finish, then runs post hooks, records
// timing, notifies the client and frees the slot.
func (s *Session) await(exec *activeExecution, fingerprint string, log *logger.Logger) {
	<-exec.sup.Done()
	res := exec.sup.Result()
	duration := res.EndedAt.Sub(res.StartedAt).Seconds()

	if res.Status == v1.StatusExited {
		s.timing.Record(context.Background(), fingerprint, duration)
	}

	// Post hooks run before the completed notification so that any
	// hook_warning they produce precedes it; completed is always the last
	// notification of an execution.
	hctx := hooks.Context{
		SessionID:   s.ID,
		ExecutionID: exec.id,
		Command:     exec.command,
		ExitCode:    res.ExitCode,
		BytesOut:    res.BytesOut,
		BytesErr:    res.BytesErr,
		DurationS:   duration,
		Extra: map[string]interface{}{
			"status": string(res.Status),
		},
	}
	if timing.CommandClass(exec.command) == claudeClass {
		s.runHooks(context.Background(), hooks.PointPostClaude, hctx)
	}
	s.runHooks(context.Background(), hooks.PointPostOutput, hctx)

	s.notifier.Notify(v1.NotificationExecutionCompleted, &v1.ExecutionCompletedParams{
		ExecutionID:   exec.id,
		Status:        res.Status,
		ExitCode:      res.ExitCode,
		Signal:        res.Signal,
		DurationS:     duration,
		BytesOut:      res.BytesOut,
		BytesErr:      res.BytesErr,
		BytesDropped:  res.BytesDropped,
		AlsoTriggered: res.AlsoTriggered,
	})

	s.publish(events.SubjectExecutionCompleted, events.TypeExecutionCompleted, map[string]interface{}{
		"session_id":   s.ID,
		"execution_id": exec.id,
		"status":       string(res.Status),
		"duration_s":   duration,
		"bytes_out":    res.BytesOut,
		"bytes_err":    res.BytesErr,
	})

	log.Info("execution completed",
		zap.String("status", string(res.Status)),
		zap.Float64("duration_s", duration),
		zap.Int64("bytes_out", res.BytesOut),
		zap.Int64("bytes_err", res.BytesErr),
		zap.Int64("bytes_dropped", res.BytesDropped))

	s.touch()
	s.release(exec.id)
}

// release frees the execution slot if it still holds id.
func (s *Session) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec != nil && s.exec.id == id {
		s.exec = nil
	}
}

// Control applies PAUSE, RESUME or CANCEL to the active execution. The
// acknowledgement is immediate; for CANCEL the execution_completed
// notification follows once the termination protocol finishes.
func (s *Session) Control(params *v1.ControlParams) (*v1.ControlResult, *apperrors.AppError) {
	s.touch()

	s.mu.Lock()
	exec := s.exec
	if exec == nil || exec.sup == nil {
		s.mu.Unlock()
		return nil, apperrors.NoActiveExecution()
	}

	switch params.Type {
	case v1.ControlPause:
		if exec.paused {
			s.mu.Unlock()
			return nil, apperrors.New(apperrors.ErrCodeInvalidState, "execution is already paused")
		}
		if err := exec.sup.Pause(); err != nil {
			s.mu.Unlock()
			return nil, apperrors.Wrap(err, "pause failed")
		}
		exec.paused = true
		s.mu.Unlock()
		s.notifier.Notify(v1.NotificationPaused, &v1.ExecutionRefParams{ExecutionID: exec.id})
		return &v1.ControlResult{Acknowledged: true}, nil

	case v1.ControlResume:
		if !exec.paused {
			s.mu.Unlock()
			return nil, apperrors.New(apperrors.ErrCodeInvalidState, "execution is not paused")
		}
		if err := exec.sup.Resume(); err != nil {
			s.mu.Unlock()
			return nil, apperrors.Wrap(err, "resume failed")
		}
		exec.paused = false
		s.mu.Unlock()
		s.notifier.Notify(v1.NotificationResumed, &v1.ExecutionRefParams{ExecutionID: exec.id})
		return &v1.ControlResult{Acknowledged: true}, nil

	case v1.ControlCancel:
		sup := exec.sup
		s.mu.Unlock()
		sup.Cancel()
		return &v1.ControlResult{Acknowledged: true}, nil

	default:
		s.mu.Unlock()
		return nil, apperrors.Newf(apperrors.ErrCodeProtocol, "unknown control type %q", params.Type)
	}
}

// Close tears the session down: any running execution is cancelled and the
// termination protocol is awaited before the session state is destroyed.
// Close is idempotent.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	exec := s.exec
	s.mu.Unlock()

	if exec != nil && exec.sup != nil {
		s.log.Info("cancelling execution on session close",
			zap.String("execution_id", exec.id),
			zap.String("reason", reason))
		exec.sup.Cancel()
		<-exec.sup.Done()
	}

	s.publish(events.SubjectSessionClosed, events.TypeSessionClosed, map[string]interface{}{
		"session_id": s.ID,
		"reason":     reason,
	})
	s.log.Info("session closed", zap.String("reason", reason))
}

// publish mirrors a lifecycle event onto the bus. Bus failures are logged and
// never affect the session.
func (s *Session) publish(subject, eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, events.Source, data)
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.log.Warn("event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
