package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.EnsureSchema(context.Background()))
	require.NoError(t, Exercise(context.Background(), m))
}
