// Package remote runs commands and long-lived processes on fleet hosts,
// either on the controller machine itself or over SSH.
package remote

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrChannelUnavailable reports that the transport to a host is gone. A
// liveness query failing with it means "unknown", not "dead".
var ErrChannelUnavailable = errors.New("remote channel unavailable")

// Command describes one invocation on a host.
type Command struct {
	Argv []string
	Dir  string
	Env  []string
	// Stdout and Stderr receive output of Run, or of Start when LogFile is empty.
	Stdout io.Writer
	Stderr io.Writer
	// LogFile, for Start, is a path on the host that receives both streams.
	LogFile string
}

func (c Command) String() string { return strings.Join(c.Argv, " ") }

// Executor runs commands on one host.
type Executor interface {
	// Run executes cmd to completion and returns its exit code. A non-nil
	// error means the command could not be run at all.
	Run(ctx context.Context, cmd Command) (int, error)
	// Start launches cmd detached from the call and returns a handle to it.
	Start(ctx context.Context, cmd Command) (Handle, error)
	// Posix reports whether the host runs a POSIX shell environment.
	Posix() bool
}

// Handle refers to a process launched through an Executor.
type Handle interface {
	// Alive reports whether the process is running. It fails with
	// ErrChannelUnavailable when the host cannot be asked.
	Alive(ctx context.Context) (bool, error)
	// Kill terminates the process and waits for it to go away. Killing a
	// process that already exited is not an error.
	Kill(ctx context.Context) error
	// PID is the process id on the host, 0 if unknown.
	PID() int
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:=@%+,", r)
}

// ShellJoin quotes and joins argv for a POSIX shell.
func ShellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = ShellQuote(a)
	}
	return strings.Join(parts, " ")
}

// WindowsJoin joins argv for cmd.exe, quoting arguments containing spaces.
func WindowsJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\"") {
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
