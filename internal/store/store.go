// Package store persists operator intent for supervised processes and a few
// controller settings, such as the selected artifact version.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by LoadSetting when a setting was never saved.
var ErrNotFound = errors.New("not found")

// SettingVersion is the setting key for the selected artifact version.
const SettingVersion = "version"

// DesiredState is the persisted desired-active flag of one supervised
// process. Key identifies the process, e.g. "host-a/node".
type DesiredState struct {
	Key       string
	Active    bool
	UpdatedAt time.Time
}

// Store is implemented by every backend. LoadDesiredState returns an
// inactive state with a zero UpdatedAt for unknown keys.
type Store interface {
	EnsureSchema(ctx context.Context) error
	LoadDesiredState(ctx context.Context, key string) (DesiredState, error)
	SaveDesiredState(ctx context.Context, key string, active bool) error
	ListDesiredStates(ctx context.Context) ([]DesiredState, error)
	LoadSetting(ctx context.Context, name string) (string, error)
	SaveSetting(ctx context.Context, name, value string) error
	Close() error
}
