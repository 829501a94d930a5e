package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. Contents are lost on exit.
type Memory struct {
	mu       sync.RWMutex
	states   map[string]DesiredState
	settings map[string]string
}

func NewMemory() *Memory {
	return &Memory{states: map[string]DesiredState{}, settings: map[string]string{}}
}

func (m *Memory) EnsureSchema(ctx context.Context) error { return nil }

func (m *Memory) LoadDesiredState(ctx context.Context, key string) (DesiredState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[key]; ok {
		return s, nil
	}
	return DesiredState{Key: key}, nil
}

func (m *Memory) SaveDesiredState(ctx context.Context, key string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = DesiredState{Key: key, Active: active, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *Memory) ListDesiredStates(ctx context.Context) ([]DesiredState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DesiredState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) LoadSetting(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) SaveSetting(ctx context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[name] = value
	return nil
}

func (m *Memory) Close() error { return nil }
