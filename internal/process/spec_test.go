package process

import (
	"runtime"
	"strings"
	"testing"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// An explicit "sh -c" prefix must not be wrapped in a second shell.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "x", Command: "sh -c 'echo hi'"}
	cmd := s.BuildCommand()
	if len(cmd.Args) != 3 || cmd.Args[1] != "-c" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Args[2] != "echo hi" {
		t.Fatalf("expected outer quotes stripped, got %q", cmd.Args[2])
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "y", Command: "echo hi | wc -c"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_PlainCommandIsSplit(t *testing.T) {
	s := Spec{Name: "z", Command: "  printf   a  b "}
	cmd := s.BuildCommand()
	want := []string{"printf", "a", "b"}
	if strings.Join(cmd.Args, ",") != strings.Join(want, ",") {
		t.Fatalf("argv = %#v, want %#v", cmd.Args, want)
	}
}

func TestBuildCommand_ArgsAreNeverShellParsed(t *testing.T) {
	s := Spec{Name: "a", Command: "echo", Args: []string{"$HOME", "a|b"}}
	cmd := s.BuildCommand()
	if len(cmd.Args) != 3 || cmd.Args[1] != "$HOME" || cmd.Args[2] != "a|b" {
		t.Fatalf("argv = %#v", cmd.Args)
	}
}

func TestBuildCommand_Empty(t *testing.T) {
	requireUnix(t)
	cmd := Spec{Name: "e"}.BuildCommand()
	if got := strings.Join(cmd.Args, " "); got != "/bin/sh -c :" {
		t.Fatalf("expected a no-op shell for empty command, got %q", got)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name        string
		spec        Spec
		errContains string
	}{
		{"valid spec", Spec{Name: "p", Command: "echo hello"}, ""},
		{"empty name", Spec{Command: "echo hello"}, "process requires name"},
		{"whitespace only name", Spec{Name: "   ", Command: "echo"}, "process requires name"},
		{"empty command", Spec{Name: "p"}, "requires command"},
		{"whitespace only command", Spec{Name: "p", Command: "   "}, "requires command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

func TestExplicitShellScript(t *testing.T) {
	tests := []struct {
		in     string
		script string
		ok     bool
	}{
		{"sh -c 'echo hi'", "echo hi", true},
		{"/bin/sh -c \"ls -l\"", "ls -l", true},
		{"  /usr/bin/sh -c true", "true", true},
		{"sh -c 'a' && echo b", "'a' && echo b", true},
		{"bash -c true", "", false},
		{"echo sh -c", "", false},
	}
	for _, tt := range tests {
		script, ok := explicitShellScript(tt.in)
		if script != tt.script || ok != tt.ok {
			t.Errorf("explicitShellScript(%q) = (%q, %v)", tt.in, script, ok)
		}
	}
}
