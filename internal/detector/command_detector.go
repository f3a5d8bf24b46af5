package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/procwarden/internal/process"
)

const defaultCommandTimeout = 5 * time.Second

// CommandDetector runs a probe command; exit status 0 means the watched process
// is running. Useful for processes this host did not launch. The command line
// is parsed like a task command: shell only when it needs one.
type CommandDetector struct {
	Command string
	Timeout time.Duration
}

func (d CommandDetector) Alive() (bool, error) {
	if strings.TrimSpace(d.Command) == "" {
		return false, errors.New("command detector: empty command")
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := process.Spec{Name: "probe", Command: d.Command}.BuildCommandContext(ctx).Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// non-zero exit code means not alive
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
