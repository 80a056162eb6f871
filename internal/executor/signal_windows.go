//go:build windows

package executor

import (
	"errors"
	"syscall"
)

var errSignalsUnsupported = errors.New("process-group signals are not supported on windows")

func signalGroup(pid int, sig syscall.Signal) error {
	return errSignalsUnsupported
}

func groupAlive(pid int) bool {
	return false
}

const (
	sigTerm   = syscall.Signal(0xf)
	sigKill   = syscall.Signal(0x9)
	sigPause  = syscall.Signal(0x13)
	sigResume = syscall.Signal(0x12)
)
