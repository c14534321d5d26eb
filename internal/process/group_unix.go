//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

const (
	shellBinary = "/bin/sh"
	shellFlag   = "-c"
)

var trueCommand = []string{"/bin/true"}

// Isolate places the command in its own process group and makes context
// cancellation kill the whole group rather than only the direct child.
func Isolate(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return KillGroup(cmd.Process.Pid)
	}
}

// KillGroup sends SIGKILL to the process group led by pid.
func KillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
