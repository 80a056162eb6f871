package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cc-executor/cc-executor/pkg/jsonrpc"
)

func TestRPCCodeMapping(t *testing.T) {
	assert.Equal(t, jsonrpc.CodeAlreadyRunning, AlreadyRunning("e-1").RPCCode())
	assert.Equal(t, jsonrpc.CodeNoActiveExecution, NoActiveExecution().RPCCode())
	assert.Equal(t, jsonrpc.CodeInvalidCommand, InvalidCommand("empty").RPCCode())
	assert.Equal(t, jsonrpc.CodeCommandNotAllowed, CommandNotAllowed("rm").RPCCode())
	assert.Equal(t, jsonrpc.CodeHookAborted, HookAborted("forbidden").RPCCode())
	assert.Equal(t, jsonrpc.CodeInternalError, Internal("boom", nil).RPCCode())
}

func TestHookAbortedDefaultReason(t *testing.T) {
	assert.Equal(t, "execution aborted by hook", HookAborted("").Message)
	assert.Equal(t, "forbidden", HookAborted("forbidden").Message)
}

func TestWrapPreservesCode(t *testing.T) {
	inner := CommandNotAllowed("curl")
	wrapped := Wrap(fmt.Errorf("validating: %w", inner), "execute failed")

	assert.Equal(t, ErrCodeCommandNotAllowed, wrapped.Code)
	assert.True(t, IsCode(wrapped, ErrCodeCommandNotAllowed))
}

func TestWrapForeignError(t *testing.T) {
	wrapped := Wrap(stderrors.New("disk on fire"), "spawn")
	assert.Equal(t, ErrCodeInternal, wrapped.Code)
	assert.ErrorContains(t, wrapped, "disk on fire")
}

func TestAsAppError(t *testing.T) {
	appErr := AsAppError(stderrors.New("plain"))
	assert.Equal(t, ErrCodeInternal, appErr.Code)

	same := NoActiveExecution()
	assert.Same(t, same, AsAppError(same))
	assert.Nil(t, AsAppError(nil))
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("cause")
	err := Internal("wrapper", cause)
	assert.True(t, stderrors.Is(err, cause))
}
