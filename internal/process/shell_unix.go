//go:build !windows

package process

// Absolute so a task Env that replaces PATH still finds the shell.
var shellArgv = []string{"/bin/sh", "-c"}

const noopScript = ":"
