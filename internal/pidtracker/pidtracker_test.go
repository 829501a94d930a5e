package pidtracker

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/loykin/gridwarden/internal/remote"
	"github.com/loykin/gridwarden/internal/remote/remotetest"
	"github.com/loykin/gridwarden/internal/statuslog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	marker = "/work/grid-tmp/grid-node.pid"
	jar    = "/work/grid-tmp/selenium-4.21.0.jar"
)

func TestValidPID(t *testing.T) {
	for _, s := range []string{"", " ", "0", "1", "00", "01", "-5", "12a", "abc", "1.5", "42 43"} {
		_, ok := ValidPID(s)
		assert.False(t, ok, "value %q must not be trusted", s)
	}
	pid, ok := ValidPID(" 4242\n")
	assert.True(t, ok)
	assert.Equal(t, 4242, pid)
	pid, ok = ValidPID("2")
	assert.True(t, ok)
	assert.Equal(t, 2, pid)
}

func TestKillOrphan_NeverKillsUntrustedValues(t *testing.T) {
	for _, v := range []string{"0", "1", "", "not-a-pid", "0\n", "1 "} {
		host := remotetest.New(true)
		host.WriteFile(marker, v)
		log := statuslog.New(10)
		tr := New(host, marker, "node", log)

		pid, err := tr.KillOrphan(context.Background())
		require.NoError(t, err)
		assert.Zero(t, pid)
		assert.Zero(t, host.RanMatching("kill -9"), "value %q", v)
		_, exists := host.File(marker)
		assert.False(t, exists, "marker is removed after cleanup")
	}
}

func TestKillOrphan_KillsRecordedProcess(t *testing.T) {
	host := remotetest.New(true)
	orphan := host.Spawn("java", "-jar", jar, "node")
	host.WriteFile(marker, "  "+itoa(orphan)+"\n")
	log := statuslog.New(10)
	tr := New(host, marker, "node", log)

	pid, err := tr.KillOrphan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orphan, pid)
	assert.False(t, host.IsAlive(orphan))
	_, exists := host.File(marker)
	assert.False(t, exists)
	assert.Contains(t, log.Entries()[0].Message, "Killed node by pid marker")
}

func TestKillOrphan_NoMarker(t *testing.T) {
	host := remotetest.New(true)
	pid, err := New(host, marker, "node", nil).KillOrphan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.Zero(t, host.RanMatching("kill"))
}

func TestKillOrphan_ChannelDown(t *testing.T) {
	host := remotetest.New(true)
	host.Unavailable.Store(true)
	_, err := New(host, marker, "node", nil).KillOrphan(context.Background())
	assert.ErrorIs(t, err, remote.ErrChannelUnavailable)
}

func TestDiscover_ZeroMatchesIsNotFatal(t *testing.T) {
	host := remotetest.New(true)
	log := statuslog.New(10)
	tr := New(host, marker, "node", log)
	pid, err := tr.Discover(context.Background(), jar)
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.Contains(t, log.Entries()[0].Message, "No process found")
}

func TestDiscover_EmptyOutputIsNotFatal(t *testing.T) {
	host := remotetest.New(true)
	host.Hook = func(c remote.Command) (int, string, bool) {
		if c.Argv[0] == "pgrep" {
			return 0, "  \n", true
		}
		return 0, "", false
	}
	log := statuslog.New(10)
	pid, err := New(host, marker, "node", log).Discover(context.Background(), jar)
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.Contains(t, log.Entries()[0].Message, "output was empty")
}

func TestDiscover_UsesRoleScopedPattern(t *testing.T) {
	host := remotetest.New(true)
	host.Spawn("java", "-jar", jar, "hub")
	node := host.Spawn("java", "-jar", jar, "node", "--port", "5555")
	tr := New(host, marker, "node", nil)
	pid, err := tr.Discover(context.Background(), jar)
	require.NoError(t, err)
	assert.Equal(t, node, pid)
	assert.Equal(t, 1, host.RanMatching("pgrep -f -n "+jar+".* node"))
}

func TestDiscover_RejectsUnsafeArtifact(t *testing.T) {
	host := remotetest.New(true)
	_, err := New(host, marker, "node", nil).Discover(context.Background(), "/tmp/x.jar; reboot")
	assert.ErrorIs(t, err, ErrInvalidArtifactPath)
	assert.Empty(t, host.Runs())
}

func TestRecord_WritesMarker(t *testing.T) {
	host := remotetest.New(true)
	node := host.Spawn("java", "-jar", jar, "node")
	tr := New(host, marker, "node", nil)
	pid, err := tr.Record(context.Background(), jar)
	require.NoError(t, err)
	assert.Equal(t, node, pid)
	got, err := tr.ReadMarker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, itoa(node), got)

	require.NoError(t, tr.ClearMarker(context.Background()))
	got, err = tr.ReadMarker(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteMarker_RefusesReservedPIDs(t *testing.T) {
	tr := New(remotetest.New(true), marker, "node", nil)
	assert.Error(t, tr.WriteMarker(context.Background(), 1))
	assert.Error(t, tr.WriteMarker(context.Background(), 0))
}

type stubFinder struct {
	pid     int
	pattern string
}

func (s *stubFinder) Find(ctx context.Context, re *regexp.Regexp) (int, error) {
	s.pattern = re.String()
	return s.pid, nil
}

func TestDiscover_WithFinder(t *testing.T) {
	host := remotetest.New(true)
	f := &stubFinder{pid: 777}
	tr := New(host, marker, "node", nil)
	tr.Finder = f
	pid, err := tr.Discover(context.Background(), "/opt/grid/selenium-4.21.0.jar")
	require.NoError(t, err)
	assert.Equal(t, 777, pid)
	assert.True(t, strings.HasSuffix(f.pattern, ".* node"))
	assert.Empty(t, host.Runs())
}

func itoa(i int) string { return strconv.Itoa(i) }
