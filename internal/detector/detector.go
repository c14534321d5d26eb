// Package detector answers whether a recorded OS process is still running.
package detector

import "fmt"

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	Alive() (bool, error)
	Describe() string
}

// Process detects an OS process by pid. When StartUnix is set the process
// must also have been started at that time, which guards against the pid
// having been reused by an unrelated process.
type Process struct {
	PID       int
	StartUnix int64
}

func (d Process) Alive() (bool, error) {
	if d.PID <= 0 {
		return false, nil
	}
	if d.StartUnix > 0 {
		if cur := StartUnix(d.PID); cur > 0 && cur != d.StartUnix {
			return false, nil
		}
	}
	return pidAlive(d.PID), nil
}

func (d Process) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// Self describes the calling process.
func Self(pid int) Process {
	return Process{PID: pid, StartUnix: StartUnix(pid)}
}

// StartUnix returns the start time of pid in Unix seconds, or 0 when it
// cannot be determined.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	return procStartUnix(pid)
}
