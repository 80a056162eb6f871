// Package v1 defines the typed method and notification payloads exchanged on
// the /ws/mcp websocket. These are the only shapes that cross the process
// boundary; everything internal is typed.
package v1

// Client -> server methods.
const (
	MethodExecute = "execute"
	MethodControl = "control"
	MethodPing    = "ping"
)

// Server -> client notifications.
const (
	NotificationConnected          = "connected"
	NotificationExecutionStarted   = "execution_started"
	NotificationOutputChunk        = "output_chunk"
	NotificationPaused             = "paused"
	NotificationResumed            = "resumed"
	NotificationWarning            = "warning"
	NotificationHookWarning        = "hook_warning"
	NotificationExecutionCompleted = "execution_completed"
	NotificationClose              = "close"
)

// ControlType enumerates the control operations on a running execution.
type ControlType string

const (
	ControlPause  ControlType = "PAUSE"
	ControlResume ControlType = "RESUME"
	ControlCancel ControlType = "CANCEL"
)

// ExecutionStatus is the terminal status of an execution.
type ExecutionStatus string

const (
	StatusExited      ExecutionStatus = "EXITED"
	StatusSignaled    ExecutionStatus = "SIGNALED"
	StatusTimeout     ExecutionStatus = "TIMEOUT"
	StatusStalled     ExecutionStatus = "STALLED"
	StatusCancelled   ExecutionStatus = "CANCELLED"
	StatusHookAborted ExecutionStatus = "HOOK_ABORTED"
	StatusSpawnFailed ExecutionStatus = "SPAWN_FAILED"
)

// ExecuteParams is the payload of the execute method.
type ExecuteParams struct {
	Command       string            `json:"command"`
	Env           map[string]string `json:"env,omitempty"`
	TotalTimeoutS float64           `json:"total_timeout_s,omitempty"`
	StallTimeoutS float64           `json:"stall_timeout_s,omitempty"`
	Tools         []string          `json:"tools,omitempty"`
}

// ExecuteResult acknowledges an accepted execution.
type ExecuteResult struct {
	ExecutionID string `json:"execution_id"`
	Accepted    bool   `json:"accepted"`
}

// ControlParams is the payload of the control method.
type ControlParams struct {
	Type ControlType `json:"type"`
}

// ControlResult acknowledges a control request.
type ControlResult struct {
	Acknowledged bool `json:"acknowledged"`
}

// PingResult is the payload of the ping response.
type PingResult struct {
	Pong       bool   `json:"pong"`
	ServerTime string `json:"server_time"`
}

// Limits describes the per-execution output and timeout bounds, sent to the
// client in the connected notification.
type Limits struct {
	MaxMessageBytes int64   `json:"ws_max_message_bytes"`
	MaxTotalBytes   int64   `json:"max_total_bytes"`
	MaxLineBytes    int64   `json:"max_line_bytes"`
	TotalTimeoutS   float64 `json:"default_total_timeout_s"`
	StallTimeoutS   float64 `json:"default_stall_timeout_s"`
}

// ConnectedParams is pushed once after session admission.
type ConnectedParams struct {
	SessionID     string `json:"session_id"`
	ServerVersion string `json:"server_version"`
	Limits        Limits `json:"limits"`
}

// ExecutionStartedParams is pushed when the child has been spawned.
type ExecutionStartedParams struct {
	ExecutionID     string   `json:"execution_id"`
	Fingerprint     string   `json:"fingerprint"`
	PredictedTotalS *float64 `json:"predicted_total_s,omitempty"`
	PredictedStallS *float64 `json:"predicted_stall_s,omitempty"`
}

// OutputChunkParams carries one framed piece of child output.
type OutputChunkParams struct {
	ExecutionID string `json:"execution_id"`
	Stream      string `json:"stream"` // "stdout" or "stderr"
	Seq         uint64 `json:"seq"`
	Data        string `json:"data"`
	Truncated   bool   `json:"truncated"`
}

// ExecutionRefParams identifies an execution in paused/resumed notifications.
type ExecutionRefParams struct {
	ExecutionID string `json:"execution_id"`
}

// WarningParams is a non-fatal in-band warning.
type WarningParams struct {
	ExecutionID string `json:"execution_id,omitempty"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
}

// Warning kinds.
const (
	WarningOutputLimitReached = "output_limit_reached"
)

// HookWarningParams surfaces a hook failure or hook-emitted warning.
type HookWarningParams struct {
	HookPoint  string `json:"hook_point"`
	Severity   string `json:"severity"`
	Error      string `json:"error"`
	Impact     string `json:"impact,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ExecutionCompletedParams is the final notification for an execution.
type ExecutionCompletedParams struct {
	ExecutionID   string          `json:"execution_id"`
	Status        ExecutionStatus `json:"status"`
	ExitCode      *int            `json:"exit_code,omitempty"`
	Signal        *int            `json:"signal,omitempty"`
	DurationS     float64         `json:"duration_s"`
	BytesOut      int64           `json:"bytes_out"`
	BytesErr      int64           `json:"bytes_err"`
	BytesDropped  int64           `json:"bytes_dropped"`
	AlsoTriggered []string        `json:"also_triggered,omitempty"`
}

// CloseParams is sent before the server closes an idle session.
type CloseParams struct {
	Reason string `json:"reason"`
}
