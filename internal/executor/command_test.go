package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/cc-executor/cc-executor/internal/common/errors"
)

func TestParseCommand(t *testing.T) {
	argv, appErr := ParseCommand(`python -c 'print("hi there")'`)
	require.Nil(t, appErr)
	assert.Equal(t, []string{"python", "-c", `print("hi there")`}, argv)
}

func TestParseCommandEmpty(t *testing.T) {
	_, appErr := ParseCommand("   ")
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidCommand, appErr.Code)
}

func TestParseCommandUnbalancedQuote(t *testing.T) {
	_, appErr := ParseCommand(`echo "unterminated`)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidCommand, appErr.Code)
}

func TestCheckAllowedEmptyListAcceptsAll(t *testing.T) {
	assert.Nil(t, CheckAllowed([]string{"anything"}, nil))
}

func TestCheckAllowedByBaseName(t *testing.T) {
	allow := []string{"python", "git"}
	assert.Nil(t, CheckAllowed([]string{"/usr/bin/python", "x.py"}, allow))
	assert.Nil(t, CheckAllowed([]string{"git", "status"}, allow))

	appErr := CheckAllowed([]string{"curl", "http://example.com"}, allow)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeCommandNotAllowed, appErr.Code)
	assert.Contains(t, appErr.Message, "curl")
}
