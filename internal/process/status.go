package process

import (
	"fmt"
	"os"
)

// ExitStatus is either StillRunning or Exited.
type ExitStatus interface {
	fmt.Stringer
	exitStatus()
}

// StillRunning is the exit status of a process that has not terminated.
type StillRunning struct{}

func (StillRunning) exitStatus()    {}
func (StillRunning) String() string { return "running" }

// Exited is the exit status of a terminated process. Code is -1 and Signal
// is set when the process was killed by a signal.
type Exited struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func (Exited) exitStatus() {}

func (e Exited) String() string {
	if e.Signal != "" {
		return "signal: " + e.Signal
	}
	return fmt.Sprintf("exit %d", e.Code)
}

// Success reports a zero exit code.
func (e Exited) Success() bool { return e.Code == 0 && e.Signal == "" }

func exitedFrom(ps *os.ProcessState) Exited {
	if ps == nil {
		return Exited{Code: -1}
	}
	e := Exited{Code: ps.ExitCode()}
	if e.Code == -1 {
		e.Signal = signalName(ps)
	}
	return e
}
