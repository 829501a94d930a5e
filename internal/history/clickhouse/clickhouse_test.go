package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/gridwarden/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
	}
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	c, addr := setupClickHouseContainer(ctx, t)
	defer func() { _ = c.Terminate(ctx) }()

	sink, err := New(addr, "grid_history")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	start := history.NewEvent(history.EventStart, "h1", "node")
	start.PID = 12345
	require.NoError(t, sink.Send(ctx, start))
	require.NoError(t, sink.Send(ctx, history.NewEvent(history.EventStop, "h1", "node")))

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM grid_history WHERE host = ?", "h1").Scan(&count))
	assert.Equal(t, uint64(2), count)
}

func TestClickHouseSink_InvalidTable(t *testing.T) {
	_, err := Open(Options{Addr: "localhost:9000", Table: "x; DROP TABLE y"})
	assert.Error(t, err)
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	_, err := New("invalid-host.invalid:9000", "grid_history")
	assert.Error(t, err)
}
