package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/gridwarden/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteSink_SendAndRecent(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	ctx := context.Background()

	start := history.NewEvent(history.EventStart, "h1", "node")
	start.PID = 4242
	start.Version = "4.21.0"
	start.OccurredAt = time.Now().Add(-time.Minute).UTC()
	require.NoError(t, sink.Send(ctx, start))

	stop := history.NewEvent(history.EventStop, "h1", "node")
	stop.Message = "operator stop"
	require.NoError(t, sink.Send(ctx, stop))

	require.NoError(t, sink.Send(ctx, history.NewEvent(history.EventStart, "h2", "node")))

	got, err := sink.Recent(ctx, "h1", "node", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, history.EventStop, got[0].Type)
	assert.Equal(t, "operator stop", got[0].Message)
	assert.Equal(t, start.ID, got[1].ID)
	assert.Equal(t, 4242, got[1].PID)
	assert.Equal(t, "4.21.0", got[1].Version)
}

func TestSQLiteSink_DuplicateIDRejected(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	e := history.NewEvent(history.EventRestart, "h1", "node")
	require.NoError(t, sink.Send(context.Background(), e))
	assert.Error(t, sink.Send(context.Background(), e))
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New(" ")
	assert.Error(t, err)
}
