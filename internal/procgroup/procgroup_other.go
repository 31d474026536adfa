//go:build !unix

// Package procgroup runs child commands in their own process group so a
// timeout or cancellation can kill every descendant, not just the shell.
package procgroup

import "os/exec"

// Isolate makes context cancellation kill the direct child. Process
// groups are unavailable on this platform.
func Isolate(cmd *exec.Cmd) {
	cmd.Cancel = func() error { return Kill(cmd) }
}

// Kill kills the direct child.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
