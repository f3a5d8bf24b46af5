package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/procwarden/internal/detector"
	"github.com/loykin/procwarden/internal/lease"
)

// daemonize re-executes the current command in the background without the
// daemon flags, records the child's pid and exits the parent.
func daemonize(pidFile, logFile string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	child := exec.Command(self, daemonArgs(os.Args[1:])...) // #nosec G204
	configureDaemonAttrs(child)

	out, err := openDaemonLog(logFile)
	if err != nil {
		return err
	}
	if out != nil {
		defer func() { _ = out.Close() }()
		child.Stdout, child.Stderr = out, out
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	pid := child.Process.Pid
	if pidFile != "" {
		if err := writePidFile(pidFile, pid); err != nil {
			return fmt.Errorf("pid file %s: %w", pidFile, err)
		}
	}
	fmt.Printf("procwarden daemon running as pid %d\n", pid)
	os.Exit(0)
	return nil
}

// openDaemonLog returns nil when no log file is configured.
func openDaemonLog(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("daemon log: %w", err)
	}
	return f, nil
}

// daemonArgs strips --daemonize, --pidfile and --logfile (both "--x v" and
// "--x=v" forms) so the child runs in the foreground.
func daemonArgs(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		flag, _, hasValue := strings.Cut(args[i], "=")
		switch flag {
		case "--daemonize":
		case "--pidfile", "--logfile":
			if !hasValue {
				i++
			}
		default:
			out = append(out, args[i])
		}
	}
	return out
}

// writePidFile writes a lease PID marker when the file name ends in .pid, so
// `procwarden watch --pidfile` can guard against PID reuse. Other names get a
// bare pid.
func writePidFile(pidFile string, pid int) error {
	if name, ok := strings.CutSuffix(filepath.Base(pidFile), lease.PIDSuffix); ok && name != "" {
		_, err := lease.NewCodec(nil).WritePIDMarker(filepath.Dir(pidFile), name, pid, detector.ProcessStartUnix(pid))
		return err
	}
	return os.WriteFile(filepath.Clean(pidFile), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}
