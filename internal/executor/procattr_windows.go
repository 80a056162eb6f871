//go:build windows

package executor

import "syscall"

// procAttr creates the child in its own process group so console control
// events can target it without hitting the service.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
