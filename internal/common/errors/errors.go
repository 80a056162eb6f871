// Package errors provides the application error taxonomy for cc-executor.
package errors

import (
	"errors"
	"fmt"

	"github.com/cc-executor/cc-executor/pkg/jsonrpc"
)

// Error codes as constants.
const (
	ErrCodeConfig            = "CONFIG_ERROR"
	ErrCodeAdmission         = "ADMISSION_ERROR"
	ErrCodeProtocol          = "PROTOCOL_ERROR"
	ErrCodeAlreadyRunning    = "ALREADY_RUNNING"
	ErrCodeNoActiveExecution = "NO_ACTIVE_EXECUTION"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeCommandNotAllowed = "COMMAND_NOT_ALLOWED"
	ErrCodeHookAborted       = "HOOK_ABORTED"
	ErrCodeSpawnFailed       = "SPAWN_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// rpcCodes maps application error codes to JSON-RPC error codes.
var rpcCodes = map[string]int{
	ErrCodeProtocol:          jsonrpc.CodeInvalidRequest,
	ErrCodeAlreadyRunning:    jsonrpc.CodeAlreadyRunning,
	ErrCodeNoActiveExecution: jsonrpc.CodeNoActiveExecution,
	ErrCodeInvalidState:      jsonrpc.CodeInvalidState,
	ErrCodeInvalidCommand:    jsonrpc.CodeInvalidCommand,
	ErrCodeCommandNotAllowed: jsonrpc.CodeCommandNotAllowed,
	ErrCodeHookAborted:       jsonrpc.CodeHookAborted,
	ErrCodeAdmission:         jsonrpc.CodeAdmissionRejected,
}

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// RPCCode returns the JSON-RPC error code for this error.
func (e *AppError) RPCCode() int {
	if code, ok := rpcCodes[e.Code]; ok {
		return code
	}
	return jsonrpc.CodeInternalError
}

// New creates an AppError with the given code and message.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AlreadyRunning creates the session-busy error.
func AlreadyRunning(executionID string) *AppError {
	return &AppError{
		Code:    ErrCodeAlreadyRunning,
		Message: fmt.Sprintf("execution %s is still running; sequential execution is enforced", executionID),
	}
}

// NoActiveExecution creates the no-active-execution error.
func NoActiveExecution() *AppError {
	return &AppError{Code: ErrCodeNoActiveExecution, Message: "no active execution"}
}

// InvalidCommand creates a shell-lex or empty-command error.
func InvalidCommand(reason string) *AppError {
	return &AppError{Code: ErrCodeInvalidCommand, Message: reason}
}

// CommandNotAllowed creates an allow-list rejection error.
func CommandNotAllowed(name string) *AppError {
	return &AppError{
		Code:    ErrCodeCommandNotAllowed,
		Message: fmt.Sprintf("command %q is not in the allow-list", name),
	}
}

// HookAborted creates the pre-execute hook abort error.
func HookAborted(reason string) *AppError {
	if reason == "" {
		reason = "execution aborted by hook"
	}
	return &AppError{Code: ErrCodeHookAborted, Message: reason}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: message, Err: err}
}

// Wrap wraps an existing error, preserving its code when it already is an
// AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}
	return &AppError{Code: ErrCodeInternal, Message: message, Err: err}
}

// AsAppError extracts an AppError from err, wrapping as internal when the
// error is of another type.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{Code: ErrCodeInternal, Message: err.Error(), Err: err}
}

// IsCode checks whether err is an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
