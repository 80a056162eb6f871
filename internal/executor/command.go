// Package executor owns a single execution's process: spawn in a fresh
// process group, bounded dual-stream draining, timeout and stall watchdogs,
// control signals, and guaranteed group termination.
package executor

import (
	"path/filepath"

	"github.com/google/shlex"

	apperrors "github.com/cc-executor/cc-executor/internal/common/errors"
)

// ParseCommand splits a command string with shell-lexing rules. The result is
// executed directly; no shell is ever invoked.
func ParseCommand(command string) ([]string, *apperrors.AppError) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, apperrors.InvalidCommand("command is not shell-lexable: " + err.Error())
	}
	if len(argv) == 0 {
		return nil, apperrors.InvalidCommand("command is empty")
	}
	return argv, nil
}

// CheckAllowed enforces the optional command allow-list against the first
// token of argv. A nil allow-list accepts everything.
func CheckAllowed(argv []string, allowList []string) *apperrors.AppError {
	if len(allowList) == 0 {
		return nil
	}
	name := filepath.Base(argv[0])
	for _, allowed := range allowList {
		if name == allowed || argv[0] == allowed {
			return nil
		}
	}
	return apperrors.CommandNotAllowed(name)
}
