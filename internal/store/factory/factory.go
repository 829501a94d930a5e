package factory

import (
	"errors"
	"strings"

	"github.com/loykin/gridwarden/internal/store"
	bo "github.com/loykin/gridwarden/internal/store/bolt"
	pg "github.com/loykin/gridwarden/internal/store/postgres"
	sq "github.com/loykin/gridwarden/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - memory:   "memory://"
//   - bbolt:    "bolt://<path>"
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - sqlite:   "sqlite://<path>" or a bare file path
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, errors.New("empty DSN")
	case ld == "memory://" || ld == "memory":
		return store.NewMemory(), nil
	case strings.HasPrefix(ld, "bolt://"):
		return bo.New(d[len("bolt://"):])
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	}
	return sq.New(d)
}
