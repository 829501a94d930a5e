package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "''", ShellQuote(""))
	assert.Equal(t, "/opt/grid/selenium-4.1.jar", ShellQuote("/opt/grid/selenium-4.1.jar"))
	assert.Equal(t, "'a b'", ShellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
	assert.Equal(t, "'$(reboot)'", ShellQuote("$(reboot)"))
	assert.Equal(t, "java -jar 'my jar.jar'", ShellJoin([]string{"java", "-jar", "my jar.jar"}))
}

func TestWindowsJoin(t *testing.T) {
	assert.Equal(t, `java -jar "C:\grid dir\s.jar"`, WindowsJoin([]string{"java", "-jar", `C:\grid dir\s.jar`}))
}

func TestSSH_CommandLine(t *testing.T) {
	s := NewSSH(nil, true)
	line := s.commandLine(Command{Argv: []string{"java", "-version"}, Dir: "/home/ci/grid tmp", Env: []string{"A=1"}})
	assert.Equal(t, "cd '/home/ci/grid tmp' && env A=1 java -version", line)

	w := NewSSH(nil, false)
	assert.Equal(t, `cd /d "C:\ci" && java -version`, w.commandLine(Command{Argv: []string{"java", "-version"}, Dir: `C:\ci`}))
}

func TestSSH_DialFailureIsChannelUnavailable(t *testing.T) {
	s := NewSSH(func(ctx context.Context) (*ssh.Client, error) {
		return nil, errors.New("connection refused")
	}, true)
	_, err := s.Run(context.Background(), Command{Argv: []string{"true"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.False(t, s.Connected())

	_, err = s.Start(context.Background(), Command{Argv: []string{"sleep", "1"}})
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrChannelUnavailable)
}

func TestStartProcessPS(t *testing.T) {
	line := startProcessPS(Command{Argv: []string{"java", "-jar", "s.jar"}, Dir: `C:\ci`, LogFile: `C:\ci\n.log`})
	assert.Contains(t, line, "-FilePath 'java'")
	assert.Contains(t, line, "-ArgumentList '-jar','s.jar'")
	assert.Contains(t, line, `-RedirectStandardOutput 'C:\ci\n.log'`)

	line = startProcessPS(Command{Argv: []string{"java"}, Env: []string{"JAVA_OPTS=-Xmx1g"}})
	assert.Contains(t, line, `-Command "$env:JAVA_OPTS='-Xmx1g'; $p = Start-Process`)
}
