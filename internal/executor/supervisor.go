package executor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cc-executor/cc-executor/internal/common/logger"
	v1 "github.com/cc-executor/cc-executor/pkg/api/v1"
)

// watchdogInterval is how often the timeout and stall conditions are checked.
const watchdogInterval = 100 * time.Millisecond

// killWait bounds how long the terminator waits after SIGKILL before the
// process is declared leaked.
const killWait = 5 * time.Second

// Limits bounds one execution.
type Limits struct {
	TotalTimeout  time.Duration
	StallTimeout  time.Duration
	Graceful      time.Duration
	MaxLineBytes  int64
	MaxTotalBytes int64
}

// Options configures a Supervisor.
type Options struct {
	Argv []string
	// Env is the fully prepared child environment (already sanitized and
	// merged with overrides).
	Env    []string
	Limits Limits
	// OnChunk delivers framed output. It may block; blocking propagates as
	// back-pressure to the child's pipes.
	OnChunk func(Chunk)
	// OnOutputLimit fires exactly once when the total-byte budget is
	// exhausted.
	OnOutputLimit func()
	Logger        *logger.Logger
}

// Result is the terminal record of an execution.
type Result struct {
	Status        v1.ExecutionStatus
	ExitCode      *int
	Signal        *int
	StartedAt     time.Time
	EndedAt       time.Time
	BytesOut      int64
	BytesErr      int64
	BytesDropped  int64
	AlsoTriggered []string
	Leaked        bool
}

// Supervisor owns one child process: it spawns the command in a new process
// group, drains both streams, enforces the total and stall timers, applies
// control signals and guarantees group termination.
type Supervisor struct {
	opts Options
	log  *logger.Logger

	cmd *exec.Cmd
	pid int

	budget      *outputBudget
	outDrainer  *drainer
	errDrainer  *drainer
	lastByte    atomic.Int64
	stdoutRead  *os.File
	stderrRead  *os.File
	drainersRun sync.WaitGroup

	mu      sync.Mutex
	paused  bool
	reasons []v1.ExecutionStatus

	waitDone chan struct{}
	waitErr  error

	finalized sync.Once
	done      chan struct{}
	result    Result
}

// New creates a Supervisor. Start must be called before any other method.
func New(opts Options) *Supervisor {
	return &Supervisor{
		opts:     opts,
		log:      opts.Logger.WithFields(zap.String("component", "supervisor")),
		waitDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start spawns the child in its own process group and launches the drainers,
// the waiter and the watchdog. A spawn failure is returned synchronously; no
// goroutines are left behind in that case.
func (s *Supervisor) Start() error {
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		stdoutRead.Close()
		stdoutWrite.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(s.opts.Argv[0], s.opts.Argv[1:]...)
	cmd.Env = s.opts.Env
	cmd.Stdin = nil // child gets /dev/null; no interactive input
	cmd.Stdout = stdoutWrite
	cmd.Stderr = stderrWrite
	cmd.SysProcAttr = procAttr()

	if err := cmd.Start(); err != nil {
		stdoutRead.Close()
		stdoutWrite.Close()
		stderrRead.Close()
		stderrWrite.Close()
		return err
	}

	// The child holds the write ends now; the parent must not.
	stdoutWrite.Close()
	stderrWrite.Close()

	now := time.Now()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.stdoutRead = stdoutRead
	s.stderrRead = stderrRead
	s.result.StartedAt = now
	s.lastByte.Store(now.UnixNano())

	s.budget = newOutputBudget(s.opts.Limits.MaxTotalBytes, s.opts.OnOutputLimit)
	clock := func() int64 { return time.Now().UnixNano() }
	maxLine := int(s.opts.Limits.MaxLineBytes)
	s.outDrainer = newDrainer("stdout", stdoutRead, maxLine, s.budget, &s.lastByte, clock, s.opts.OnChunk)
	s.errDrainer = newDrainer("stderr", stderrRead, maxLine, s.budget, &s.lastByte, clock, s.opts.OnChunk)

	s.drainersRun.Add(2)
	go func() { defer s.drainersRun.Done(); s.outDrainer.run() }()
	go func() { defer s.drainersRun.Done(); s.errDrainer.run() }()
	go s.waiter()
	go s.watchdog()

	s.log.Debug("child spawned",
		zap.Int("pid", s.pid),
		zap.Strings("argv", s.opts.Argv))
	return nil
}

// Pid returns the child's process id (also its process-group id).
func (s *Supervisor) Pid() int {
	return s.pid
}

// Done is closed once the Result is final.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Result returns the terminal record. Valid only after Done is closed.
func (s *Supervisor) Result() Result {
	return s.result
}

// Pause stops the entire process group and suspends the stall timer.
func (s *Supervisor) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return nil
	}
	if err := signalGroup(s.pid, sigPause); err != nil {
		return fmt.Errorf("pausing process group %d: %w", s.pid, err)
	}
	s.paused = true
	return nil
}

// Resume continues the process group and restarts the stall timer.
func (s *Supervisor) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return nil
	}
	if err := signalGroup(s.pid, sigResume); err != nil {
		return fmt.Errorf("resuming process group %d: %w", s.pid, err)
	}
	s.paused = false
	s.lastByte.Store(time.Now().UnixNano())
	return nil
}

// Cancel initiates group termination. Idempotent; a cancel that arrives after
// natural exit is a no-op.
func (s *Supervisor) Cancel() {
	s.trigger(v1.StatusCancelled)
}

// waiter reaps the child, awaits the drainers for a bounded grace window and
// finalizes the result.
func (s *Supervisor) waiter() {
	err := s.cmd.Wait()
	s.waitErr = err
	close(s.waitDone)

	// DRAINING: the pipes deliver their residue after exit. Past the grace
	// window the read ends are torn down and whatever was unread is lost.
	drained := make(chan struct{})
	go func() {
		s.drainersRun.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.opts.Limits.Graceful):
		s.log.Warn("drainers did not reach EOF within grace window, cancelling",
			zap.Int("pid", s.pid))
		s.stdoutRead.Close()
		s.stderrRead.Close()
		<-drained
	}

	s.finalize(false)
}

// watchdog enforces the total timeout and stall detection.
func (s *Supervisor) watchdog() {
	deadline := s.result.StartedAt.Add(s.opts.Limits.TotalTimeout)
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.waitDone:
			return
		case now := <-ticker.C:
			if now.After(deadline) {
				s.trigger(v1.StatusTimeout)
				continue
			}
			s.mu.Lock()
			paused := s.paused
			s.mu.Unlock()
			if paused {
				continue
			}
			idle := now.Sub(time.Unix(0, s.lastByte.Load()))
			if idle > s.opts.Limits.StallTimeout {
				s.trigger(v1.StatusStalled)
			}
		}
	}
}

// trigger records a termination reason. The first reason to arrive owns the
// final status and starts the termination protocol; later distinct reasons
// are recorded as also-triggered.
func (s *Supervisor) trigger(reason v1.ExecutionStatus) {
	select {
	case <-s.waitDone:
		// Child already exited; natural status wins.
		return
	default:
	}

	s.mu.Lock()
	for _, existing := range s.reasons {
		if existing == reason {
			s.mu.Unlock()
			return
		}
	}
	s.reasons = append(s.reasons, reason)
	first := len(s.reasons) == 1
	paused := s.paused
	s.mu.Unlock()

	if !first {
		return
	}
	// A stopped group would never act on SIGTERM; continue it first.
	if paused {
		_ = signalGroup(s.pid, sigResume)
	}
	go s.terminate(reason)
}

// terminate runs the TERM → KILL escalation against the whole process group.
func (s *Supervisor) terminate(reason v1.ExecutionStatus) {
	s.log.Info("terminating process group",
		zap.Int("pid", s.pid),
		zap.String("reason", string(reason)))

	if err := signalGroup(s.pid, sigTerm); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.log.Warn("SIGTERM failed", zap.Int("pid", s.pid), zap.Error(err))
	}

	select {
	case <-s.waitDone:
		return
	case <-time.After(s.opts.Limits.Graceful):
	}

	if err := signalGroup(s.pid, sigKill); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.log.Warn("SIGKILL failed", zap.Int("pid", s.pid), zap.Error(err))
	}

	select {
	case <-s.waitDone:
	case <-time.After(killWait):
		// Unkillable child. Give up the wait and report the leak; session
		// teardown proceeds regardless.
		s.log.Error("process group survived SIGKILL, marking leaked",
			zap.Int("pid", s.pid))
		s.stdoutRead.Close()
		s.stderrRead.Close()
		s.finalize(true)
	}
}

// finalize computes the terminal Result exactly once and closes Done.
func (s *Supervisor) finalize(leaked bool) {
	s.finalized.Do(func() {
		s.mu.Lock()
		reasons := s.reasons
		s.mu.Unlock()

		res := &s.result
		res.EndedAt = time.Now()
		res.Leaked = leaked
		res.BytesOut = s.outDrainer.Emitted()
		res.BytesErr = s.errDrainer.Emitted()
		res.BytesDropped = s.budget.Dropped()

		if len(reasons) > 0 {
			res.Status = reasons[0]
			for _, r := range reasons[1:] {
				res.AlsoTriggered = append(res.AlsoTriggered, string(r))
			}
		} else {
			res.Status = v1.StatusExited
		}

		if !leaked {
			if code, sig, ok := exitStatus(s.cmd, s.waitErr); ok {
				if sig >= 0 {
					if len(reasons) == 0 {
						res.Status = v1.StatusSignaled
					}
					s := sig
					res.Signal = &s
				} else {
					c := code
					res.ExitCode = &c
				}
			}
		}

		s.log.Debug("execution finalized",
			zap.String("status", string(res.Status)),
			zap.Int64("bytes_out", res.BytesOut),
			zap.Int64("bytes_err", res.BytesErr),
			zap.Int64("bytes_dropped", res.BytesDropped))
		close(s.done)
	})
}

// exitStatus extracts (exitCode, signal, ok) from a completed command.
// signal is -1 when the child exited normally.
func exitStatus(cmd *exec.Cmd, waitErr error) (int, int, bool) {
	state := cmd.ProcessState
	if state == nil {
		return 0, -1, false
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 0, int(ws.Signal()), true
		}
		return ws.ExitStatus(), -1, true
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), -1, true
		}
		return 1, -1, true
	}
	return state.ExitCode(), -1, true
}
