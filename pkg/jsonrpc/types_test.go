package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIsNotification(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping"}`), &req))
	assert.True(t, req.IsNotification())

	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`), &req))
	assert.False(t, req.IsNotification())
}

func TestNewResponseRoundTrip(t *testing.T) {
	resp, err := NewResponse("42", map[string]bool{"pong": true})
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"42","result":{"pong":true}}`, string(data))
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("7", CodeAlreadyRunning, "busy")

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"7","error":{"code":-32000,"message":"busy"}}`, string(data))
}

func TestNewNotification(t *testing.T) {
	n, err := NewNotification("output_chunk", map[string]int{"seq": 3})
	require.NoError(t, err)

	data, err := json.Marshal(n)
	require.NoError(t, err)
	// Notifications never carry an id.
	assert.NotContains(t, string(data), `"id"`)
	assert.Contains(t, string(data), `"output_chunk"`)
}

func TestServerErrorCodesAreInReservedRange(t *testing.T) {
	for _, code := range []int{
		CodeAlreadyRunning, CodeNoActiveExecution, CodeInvalidState,
		CodeInvalidCommand, CodeCommandNotAllowed, CodeHookAborted,
		CodeAdmissionRejected,
	} {
		assert.GreaterOrEqual(t, code, -32099)
		assert.LessOrEqual(t, code, -32000)
	}
}
