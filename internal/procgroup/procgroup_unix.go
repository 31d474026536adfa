//go:build unix

// Package procgroup runs child commands in their own process group so a
// timeout or cancellation can kill every descendant, not just the shell.
package procgroup

import (
	"os/exec"
	"syscall"
)

// Isolate places cmd in a new process group and makes context
// cancellation kill the whole group.
func Isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return Kill(cmd) }
}

// Kill sends SIGKILL to every process in the command's group.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
