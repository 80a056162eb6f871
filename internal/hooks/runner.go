package hooks

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/cc-executor/cc-executor/internal/common/envutil"
	"github.com/cc-executor/cc-executor/internal/common/logger"
)

// stdoutLogCap bounds how much hook stdout is reproduced in logs.
const stdoutLogCap = 10 * 1024

// binaryPreviewLen is the number of bytes shown when hook stdout is binary.
const binaryPreviewLen = 32

// FailureKind classifies a hook invocation failure.
type FailureKind string

const (
	FailureExecutableNotFound FailureKind = "executable_not_found"
	FailureTimeout            FailureKind = "timeout"
	FailureExit               FailureKind = "exit"
)

// Failure records one failed hook invocation.
type Failure struct {
	Point    Point
	Command  string
	Kind     FailureKind
	ExitCode int
	Message  string
}

// Severity returns the reporting severity for this failure: pre-execution
// failures block, post failures only warn.
func (f Failure) Severity() string {
	if mutatingPoints[f.Point] {
		return "error"
	}
	return "warning"
}

// result is the recognized shape of a hook's JSON stdout.
type result struct {
	ModifiedCommand string   `json:"modified_command"`
	Abort           bool     `json:"abort"`
	Error           string   `json:"error"`
	Warnings        []string `json:"warnings"`
}

// Outcome aggregates the effects of running every hook at one point.
type Outcome struct {
	// Command is the mutated command, empty when no hook rewrote it. Only
	// populated for pre_execute/pre_claude.
	Command string
	// Abort is set when a hook requested the execution not be spawned.
	Abort       bool
	AbortReason string
	// Warnings collects hook-emitted warning strings.
	Warnings []string
	// Failures collects invocation failures (not aborts).
	Failures []Failure
}

// Context carries the execution context exported to hooks as environment
// variables. Structured extras are serialized to JSON strings.
type Context struct {
	SessionID   string
	ExecutionID string
	Command     string
	ExitCode    *int
	BytesOut    int64
	BytesErr    int64
	DurationS   float64
	Extra       map[string]interface{}
}

func (c Context) envVars(point Point) []string {
	vars := []string{
		"CC_EXECUTOR_HOOK_POINT=" + string(point),
		"CC_EXECUTOR_SESSION_ID=" + c.SessionID,
		"CC_EXECUTOR_EXECUTION_ID=" + c.ExecutionID,
		"CC_EXECUTOR_COMMAND=" + c.Command,
		"CC_EXECUTOR_BYTES_OUT=" + strconv.FormatInt(c.BytesOut, 10),
		"CC_EXECUTOR_BYTES_ERR=" + strconv.FormatInt(c.BytesErr, 10),
		"CC_EXECUTOR_DURATION_S=" + strconv.FormatFloat(c.DurationS, 'f', 3, 64),
	}
	if c.ExitCode != nil {
		vars = append(vars, "CC_EXECUTOR_EXIT_CODE="+strconv.Itoa(*c.ExitCode))
	}
	for key, value := range c.Extra {
		name := "CC_EXECUTOR_CTX_" + strings.ToUpper(key)
		switch v := value.(type) {
		case string:
			vars = append(vars, name+"="+v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			vars = append(vars, name+"="+string(data))
		}
	}
	return vars
}

// Runner executes the configured hook pipeline for a lifecycle point.
type Runner struct {
	config        *Config
	sensitiveKeys []string
	logger        *logger.Logger
}

// NewRunner creates a hook runner. sensitiveKeys is the env blocklist applied
// to every hook's environment.
func NewRunner(cfg *Config, sensitiveKeys []string, log *logger.Logger) *Runner {
	return &Runner{
		config:        cfg,
		sensitiveKeys: sensitiveKeys,
		logger:        log.WithFields(zap.String("component", "hook-runner")),
	}
}

// HasHooks reports whether any hook is configured for the point.
func (r *Runner) HasHooks(point Point) bool {
	return r.config.HasHooks(point)
}

// Run executes every hook declared for the point sequentially, in declaration
// order, and aggregates the outcome. Run never returns an error for hook
// failures; those are reported in the Outcome so callers can decide whether
// to block or merely warn.
func (r *Runner) Run(ctx context.Context, point Point, hctx Context) *Outcome {
	outcome := &Outcome{}
	specs := r.config.Specs[point]
	command := hctx.Command

	for _, spec := range specs {
		res, failure := r.invoke(ctx, spec, point, hctx, command)
		if failure != nil {
			outcome.Failures = append(outcome.Failures, *failure)
			// A timed-out pre hook aborts the pipeline.
			if failure.Kind == FailureTimeout && mutatingPoints[point] {
				outcome.Abort = true
				outcome.AbortReason = failure.Message
				return outcome
			}
			continue
		}
		if res == nil {
			continue
		}
		outcome.Warnings = append(outcome.Warnings, res.Warnings...)
		if res.Abort && mutatingPoints[point] {
			outcome.Abort = true
			outcome.AbortReason = res.Error
			return outcome
		}
		if res.ModifiedCommand != "" && mutatingPoints[point] {
			command = res.ModifiedCommand
			outcome.Command = res.ModifiedCommand
		}
	}
	return outcome
}

// invoke runs a single hook command. The command is shell-lexed and executed
// directly; no shell is involved.
func (r *Runner) invoke(ctx context.Context, spec Spec, point Point, hctx Context, command string) (*result, *Failure) {
	argv, err := shlex.Split(spec.Command)
	if err != nil || len(argv) == 0 {
		return nil, &Failure{
			Point:   point,
			Command: spec.Command,
			Kind:    FailureExecutableNotFound,
			Message: fmt.Sprintf("unparseable hook command: %v", err),
		}
	}

	path, err := resolveExecutable(argv[0])
	if err != nil {
		return nil, &Failure{
			Point:   point,
			Command: spec.Command,
			Kind:    FailureExecutableNotFound,
			Message: err.Error(),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	hctx.Command = command
	cmd := exec.CommandContext(runCtx, path, argv[1:]...)
	env := envutil.Sanitize(os.Environ(), r.sensitiveKeys)
	env = envutil.Merge(env, r.config.Env)
	cmd.Env = append(env, hctx.envVars(point)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	r.logger.Debug("hook finished",
		zap.String("hook_point", string(point)),
		zap.String("command", spec.Command),
		zap.Duration("elapsed", elapsed),
		zap.String("stdout", previewOutput(stdout.Bytes())))

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &Failure{
			Point:   point,
			Command: spec.Command,
			Kind:    FailureTimeout,
			Message: fmt.Sprintf("hook timed out after %s", spec.Timeout),
		}
	}
	if runErr != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &Failure{
			Point:    point,
			Command:  spec.Command,
			Kind:     FailureExit,
			ExitCode: exitCode,
			Message:  fmt.Sprintf("hook exited with code %d: %s", exitCode, strings.TrimSpace(stderr.String())),
		}
	}

	// Stdout that does not parse as JSON is not an error; the hook simply
	// produced no structured result.
	var res result
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		return nil, nil
	}
	return &res, nil
}

// resolveExecutable maps the first token of a hook command to an executable
// path: either an absolute path to an executable file or a PATH lookup.
func resolveExecutable(name string) (string, error) {
	if filepath.IsAbs(name) {
		info, err := os.Stat(name)
		if err != nil {
			return "", fmt.Errorf("hook executable not found: %s", name)
		}
		if info.IsDir() || info.Mode()&0111 == 0 {
			return "", fmt.Errorf("hook path is not executable: %s", name)
		}
		return name, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("hook executable not found on PATH: %s", name)
	}
	return path, nil
}

// previewOutput renders hook stdout for logging: binary content becomes a
// short hex preview, text is capped at stdoutLogCap.
func previewOutput(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		n := len(data)
		if n > binaryPreviewLen {
			n = binaryPreviewLen
		}
		return fmt.Sprintf("<binary %d bytes: %s>", len(data), hex.EncodeToString(data[:n]))
	}
	if len(data) > stdoutLogCap {
		return string(data[:stdoutLogCap]) + "…(truncated)"
	}
	return string(data)
}
