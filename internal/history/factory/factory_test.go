package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gridwarden/internal/history"
	"github.com/loykin/gridwarden/internal/history/opensearch"
	"github.com/loykin/gridwarden/internal/history/sqlite"
)

func TestFactoryDSNTypes(t *testing.T) {
	_, err := NewSinkFromDSN("")
	assert.Error(t, err)
	_, err = NewSinkFromDSN("invalid://test")
	assert.Error(t, err)

	s, err := NewSinkFromDSN("sqlite://:memory:")
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Sink{}, s)
	_ = s.(*sqlite.Sink).Close()

	s, err = NewSinkFromDSN(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Sink{}, s)
	_ = s.(*sqlite.Sink).Close()

	// the OpenSearch sink does not connect until Send
	s, err = NewSinkFromDSN("opensearch://localhost:9200/grid-logs")
	require.NoError(t, err)
	assert.IsType(t, &opensearch.Sink{}, s)
}

func TestBuild(t *testing.T) {
	rec := history.NewRecorder(nil)
	require.NoError(t, Build([]string{"sqlite://:memory:", "opensearch://localhost:9200/x"}, rec))
	require.NoError(t, rec.Close())

	err := Build([]string{"sqlite://:memory:", "bogus://x"}, history.NewRecorder(nil))
	assert.Error(t, err)
}
