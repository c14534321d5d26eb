//go:build windows

package process

import (
	"os"
	"os/exec"
)

const (
	shellBinary = "cmd"
	shellFlag   = "/C"
)

var trueCommand = []string{"cmd", "/C", "exit 0"}

// Isolate makes context cancellation terminate the child. Windows has no
// process groups reachable through os/exec, so only the child is killed.
func Isolate(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}

func KillGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
