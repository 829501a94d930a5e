package supervisor

import (
	"sort"
	"sync"
)

// Registry holds every supervisor of the fleet, keyed by host and role. It
// is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	sups map[Key]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{sups: make(map[Key]*Supervisor)}
}

// Get returns the supervisor for key.
func (r *Registry) Get(key Key) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sups[key]
	return s, ok
}

// GetOrCreate returns the supervisor for key, calling create under the
// registry lock when none exists. created reports whether create ran.
func (r *Registry) GetOrCreate(key Key, create func() *Supervisor) (s *Supervisor, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sups[key]; ok {
		return s, false
	}
	s = create()
	r.sups[key] = s
	return s, true
}

// Remove drops the supervisor for key and returns it.
func (r *Registry) Remove(key Key) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sups[key]
	delete(r.sups, key)
	return s, ok
}

// RemoveHost drops every supervisor on host.
func (r *Registry) RemoveHost(host string) []*Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Supervisor
	for k, s := range r.sups {
		if k.Host == host {
			out = append(out, s)
			delete(r.sups, k)
		}
	}
	sortSupervisors(out)
	return out
}

// ForHost returns the supervisors on host.
func (r *Registry) ForHost(host string) []*Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Supervisor
	for k, s := range r.sups {
		if k.Host == host {
			out = append(out, s)
		}
	}
	sortSupervisors(out)
	return out
}

// Hub returns the hub supervisor, or nil.
func (r *Registry) Hub() *Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, s := range r.sups {
		if k.Role == RoleHub {
			return s
		}
	}
	return nil
}

// List returns all supervisors, hub first, then by host.
func (r *Registry) List() []*Supervisor {
	r.mu.RLock()
	out := make([]*Supervisor, 0, len(r.sups))
	for _, s := range r.sups {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sortSupervisors(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sups)
}

func sortSupervisors(s []*Supervisor) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i].key, s[j].key
		if (a.Role == RoleHub) != (b.Role == RoleHub) {
			return a.Role == RoleHub
		}
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.Role < b.Role
	})
}
