package detector

// Detector is a strategy that determines if a process is running.
// Implementations may check a PID marker, a PID number, or a custom command.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Oracle answers whether a process with the given pid is currently running on
// this host. Nonexistent pids and pids we may not inspect are both reported as
// not alive.
type Oracle interface {
	Alive(pid int) bool
}

// IdentityOracle is an Oracle that can also tell a recycled pid apart from the
// process that originally held it, using the process start time recorded when
// the marker was written.
type IdentityOracle interface {
	Oracle
	AliveSince(pid int, startUnix int64) bool
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(pid int) bool

func (f OracleFunc) Alive(pid int) bool { return f(pid) }

type nativeOracle struct{}

// Native returns the Oracle backed by the host process table.
func Native() IdentityOracle { return nativeOracle{} }

func (nativeOracle) Alive(pid int) bool { return pidAlive(pid) }

func (nativeOracle) AliveSince(pid int, startUnix int64) bool {
	if !pidAlive(pid) {
		return false
	}
	if startUnix > 0 {
		if cur := ProcessStartUnix(pid); cur > 0 && cur != startUnix {
			return false
		}
	}
	return true
}

// AliveWithIdentity consults o, using the start-time guard when o supports it.
func AliveWithIdentity(o Oracle, pid int, startUnix int64) bool {
	if io, ok := o.(IdentityOracle); ok && startUnix > 0 {
		return io.AliveSince(pid, startUnix)
	}
	return o.Alive(pid)
}
