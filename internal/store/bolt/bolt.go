package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loykin/gridwarden/internal/store"
)

var (
	bucketDesired  = []byte("desired_state")
	bucketSettings = []byte("settings")
)

type desiredRecord struct {
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store implements store.Store on a single bbolt file.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) the bbolt database at path.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty bolt path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDesired, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) LoadDesiredState(ctx context.Context, key string) (store.DesiredState, error) {
	st := store.DesiredState{Key: key}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDesired).Get([]byte(key))
		if data == nil {
			return nil
		}
		var r desiredRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		st.Active, st.UpdatedAt = r.Active, r.UpdatedAt
		return nil
	})
	return st, err
}

func (s *Store) SaveDesiredState(ctx context.Context, key string, active bool) error {
	data, err := json.Marshal(desiredRecord{Active: active, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDesired).Put([]byte(key), data)
	})
}

// ListDesiredStates returns states in key order, which bbolt keeps sorted.
func (s *Store) ListDesiredStates(ctx context.Context) ([]store.DesiredState, error) {
	var out []store.DesiredState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDesired).ForEach(func(k, v []byte) error {
			var r desiredRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, store.DesiredState{Key: string(k), Active: r.Active, UpdatedAt: r.UpdatedAt})
			return nil
		})
	})
	return out, err
}

func (s *Store) LoadSetting(ctx context.Context, name string) (string, error) {
	var v string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get([]byte(name))
		if data == nil {
			return store.ErrNotFound
		}
		v = string(data)
		return nil
	})
	return v, err
}

func (s *Store) SaveSetting(ctx context.Context, name, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(name), []byte(value))
	})
}
