//go:build windows

package process

var shellArgv = []string{"cmd", "/c"}

const noopScript = "rem"
