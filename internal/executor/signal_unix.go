//go:build unix

package executor

import "syscall"

// signalGroup sends sig to the entire process group led by pid. Existence is
// checked first so a recycled PID is never signaled.
func signalGroup(pid int, sig syscall.Signal) error {
	if !groupAlive(pid) {
		return syscall.ESRCH
	}
	return syscall.Kill(-pid, sig)
}

// groupAlive reports whether the process group led by pid still has members.
func groupAlive(pid int) bool {
	return syscall.Kill(-pid, 0) == nil
}

const (
	sigTerm   = syscall.SIGTERM
	sigKill   = syscall.SIGKILL
	sigPause  = syscall.SIGSTOP
	sigResume = syscall.SIGCONT
)
