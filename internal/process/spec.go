package process

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
)

// Spec describes a command to run under supervision.
type Spec struct {
	Name string `json:"name" mapstructure:"name"`
	// Command is a command line. Shell metacharacters or an explicit
	// "sh -c ..." prefix run it through the shell; otherwise it is split on
	// whitespace and executed directly.
	Command string `json:"command" mapstructure:"command"`
	// Args, when set, are passed verbatim to Command, which is then the
	// program path and is never interpreted by a shell.
	Args     []string `json:"args,omitempty" mapstructure:"args"`
	WorkDir  string   `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Env      []string `json:"env,omitempty" mapstructure:"env"` // appended to the parent environment
	Detached bool     `json:"detached,omitempty" mapstructure:"detached"`
	// Stdin, when set, feeds the child's standard input and the handle
	// offers no writable stdin.
	Stdin io.Reader `json:"-" mapstructure:"-"`
}

// Validate performs basic invariant checks on a Spec.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process requires name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("process " + s.Name + " requires command")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the spec. It avoids invoking a
// shell when not necessary and respects an explicit shell invocation already
// present in the command string (e.g., "sh -c 'echo hi'") without
// double-wrapping it.
func (s Spec) BuildCommand() *exec.Cmd {
	return s.BuildCommandContext(context.Background())
}

// BuildCommandContext is BuildCommand with the process killed when ctx is done.
func (s Spec) BuildCommandContext(ctx context.Context) *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return shellCommand(ctx, noopScript)
	}
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.CommandContext(ctx, cmdStr, s.Args...)
	}
	if script, ok := explicitShellScript(cmdStr); ok {
		return shellCommand(ctx, script)
	}
	if strings.ContainsAny(cmdStr, shellMeta) {
		return shellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

const shellMeta = "|&;<>*?`$\"'(){}[]~"

var shellPrefixes = []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}

func shellCommand(ctx context.Context, script string) *exec.Cmd {
	argv := append(append([]string(nil), shellArgv...), script)
	// #nosec G204
	return exec.CommandContext(ctx, argv[0], argv[1:]...)
}

// explicitShellScript returns the script of a command line that already
// starts with "sh -c", minus one pair of outer quotes, so it is not wrapped
// twice.
func explicitShellScript(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range shellPrefixes {
		script, ok := strings.CutPrefix(trim, p)
		if !ok {
			continue
		}
		if n := len(script); n >= 2 && script[0] == script[n-1] && (script[0] == '\'' || script[0] == '"') {
			script = script[1 : n-1]
		}
		return script, true
	}
	return "", false
}
