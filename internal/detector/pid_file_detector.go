package detector

import (
	"errors"
	"fmt"
	"os"

	"github.com/loykin/procwarden/internal/lease"
)

// PIDFileDetector detects a process through a PID marker written by the
// lease codec (or a plain pidfile holding only the pid).
type PIDFileDetector struct {
	PIDFile string
	Oracle  Oracle // nil means Native()
}

func (d PIDFileDetector) Alive() (bool, error) {
	m, err := lease.ReadPIDMarker(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return AliveWithIdentity(d.oracle(), m.PID, m.StartUnix), nil
}

func (d PIDFileDetector) oracle() Oracle {
	if d.Oracle == nil {
		return Native()
	}
	return d.Oracle
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct {
	PID    int
	Oracle Oracle
}

func (d PIDDetector) Alive() (bool, error) {
	if d.Oracle == nil {
		return pidAlive(d.PID), nil
	}
	return d.Oracle.Alive(d.PID), nil
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }
