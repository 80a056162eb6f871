//go:build unix

package executor

import "syscall"

// procAttr places the child in a new process group with the child as leader,
// so the whole descendant tree can be signaled as one unit.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
