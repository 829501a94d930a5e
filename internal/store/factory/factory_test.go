package factory

import (
	"path/filepath"
	"testing"

	"github.com/loykin/gridwarden/internal/store"
	bo "github.com/loykin/gridwarden/internal/store/bolt"
	pg "github.com/loykin/gridwarden/internal/store/postgres"
	sq "github.com/loykin/gridwarden/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryDSNSelection(t *testing.T) {
	_, err := NewFromDSN("  ")
	assert.Error(t, err)

	// sql.Open does not connect, so no server is needed here
	s, err := NewFromDSN("postgres://user@localhost/db")
	require.NoError(t, err)
	assert.IsType(t, &pg.DB{}, s)
	_ = s.Close()

	s, err = NewFromDSN("sqlite://:memory:")
	require.NoError(t, err)
	assert.IsType(t, &sq.DB{}, s)
	_ = s.Close()

	s, err = NewFromDSN(":memory:")
	require.NoError(t, err)
	assert.IsType(t, &sq.DB{}, s)
	_ = s.Close()

	s, err = NewFromDSN("memory://")
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, s)

	s, err = NewFromDSN("bolt://" + filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	assert.IsType(t, &bo.Store{}, s)
	_ = s.Close()
}
