package supervisor

import (
	"maps"
	"sort"
	"sync"
)

// Registry names the supervisors of running subsystems for health views.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*Supervisor{}}
}

// Set registers sup under name; a nil sup removes the entry.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *Registry) Delete(name string) { r.Set(name, nil) }

func (r *Registry) All() map[string]*Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.m)
}

// Snapshots returns every registered supervisor's snapshot keyed by name.
func (r *Registry) Snapshots() map[string]Snapshot {
	all := r.All()
	out := make(map[string]Snapshot, len(all))
	for name, s := range all {
		out[name] = s.Snapshot()
	}
	return out
}

// Names returns registered names in order.
func (r *Registry) Names() []string {
	all := r.All()
	out := make([]string, 0, len(all))
	for k := range all {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
