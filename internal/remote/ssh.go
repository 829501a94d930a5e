package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Dialer opens a new SSH client connection to a host.
type Dialer func(ctx context.Context) (*ssh.Client, error)

// SSH executes commands on a remote host over SSH. The client connection is
// dialed lazily and dropped on transport errors, so the next call redials.
type SSH struct {
	dial  Dialer
	posix bool

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSH(dial Dialer, posix bool) *SSH {
	return &SSH{dial: dial, posix: posix}
}

func (s *SSH) Posix() bool { return s.posix }

func (s *SSH) conn(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	s.client = c
	return c, nil
}

func (s *SSH) drop(c *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == c && c != nil {
		_ = c.Close()
		s.client = nil
	}
}

// Ping checks that the connection is usable, dialing if needed.
func (s *SSH) Ping(ctx context.Context) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, _, err := c.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		s.drop(c)
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

// Connected reports whether a client connection is currently held.
func (s *SSH) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *SSH) Run(ctx context.Context, c Command) (int, error) {
	if len(c.Argv) == 0 {
		return -1, errors.New("empty command")
	}
	return s.runLine(ctx, s.commandLine(c), c)
}

func (s *SSH) runLine(ctx context.Context, line string, c Command) (int, error) {
	cl, err := s.conn(ctx)
	if err != nil {
		return -1, err
	}
	sess, err := cl.NewSession()
	if err != nil {
		s.drop(cl)
		return -1, fmt.Errorf("%w: new session: %v", ErrChannelUnavailable, err)
	}
	defer func() { _ = sess.Close() }()
	sess.Stdout = c.Stdout
	sess.Stderr = c.Stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(line) }()
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return -1, fmt.Errorf("run %s: %w", c, ctx.Err())
	case err = <-done:
	}
	if err == nil {
		return 0, nil
	}
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		return ee.ExitStatus(), nil
	}
	s.drop(cl)
	return -1, fmt.Errorf("%w: run %s: %v", ErrChannelUnavailable, c, err)
}

func (s *SSH) commandLine(c Command) string {
	if !s.posix {
		line := WindowsJoin(c.Argv)
		if c.Dir != "" {
			line = fmt.Sprintf(`cd /d "%s" && %s`, c.Dir, line)
		}
		return line
	}
	var b strings.Builder
	if c.Dir != "" {
		b.WriteString("cd " + ShellQuote(c.Dir) + " && ")
	}
	if len(c.Env) > 0 {
		b.WriteString("env " + ShellJoin(c.Env) + " ")
	}
	b.WriteString(ShellJoin(c.Argv))
	return b.String()
}

// Start launches the command in the background on the host, redirecting its
// output to LogFile (or discarding it), and returns a pid based handle.
func (s *SSH) Start(ctx context.Context, c Command) (Handle, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	var line string
	if s.posix {
		target := "/dev/null"
		if c.LogFile != "" {
			target = ShellQuote(c.LogFile)
		}
		inner := c
		inner.Dir = ""
		line = fmt.Sprintf("%s > %s 2>&1 < /dev/null & echo $!", s.commandLine(inner), target)
		if c.Dir != "" {
			line = "cd " + ShellQuote(c.Dir) + " && { " + line + "; }"
		}
	} else {
		line = startProcessPS(c)
	}
	var out, errOut bytes.Buffer
	code, err := s.runLine(ctx, line, Command{Argv: c.Argv, Stdout: &out, Stderr: &errOut})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("start %s: exit %d: %s", c, code, strings.TrimSpace(errOut.String()))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out.String()))
	if err != nil || pid <= 1 {
		return nil, fmt.Errorf("start %s: unexpected pid output %q", c, out.String())
	}
	return NewPIDHandle(s, pid), nil
}

func psQuote(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

func startProcessPS(c Command) string {
	args := make([]string, 0, len(c.Argv)-1)
	for _, a := range c.Argv[1:] {
		args = append(args, psQuote(a))
	}
	var b strings.Builder
	b.WriteString("powershell -NoProfile -Command \"")
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			b.WriteString("$env:" + k + "=" + psQuote(v) + "; ")
		}
	}
	b.WriteString("$p = Start-Process -PassThru -WindowStyle Hidden -FilePath ")
	b.WriteString(psQuote(c.Argv[0]))
	if len(args) > 0 {
		b.WriteString(" -ArgumentList " + strings.Join(args, ","))
	}
	if c.Dir != "" {
		b.WriteString(" -WorkingDirectory " + psQuote(c.Dir))
	}
	if c.LogFile != "" {
		b.WriteString(" -RedirectStandardOutput " + psQuote(c.LogFile))
		b.WriteString(" -RedirectStandardError " + psQuote(c.LogFile+".err"))
	}
	b.WriteString("; $p.Id\"")
	return b.String()
}
