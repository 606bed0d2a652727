package router

import (
	"sort"
	"sync"

	rtsup "github.com/BruceKZ/cfreminder-bot/internal/runtime/supervisor"
)

// CounterSource is anything that reports supervisor counters.
type CounterSource interface {
	Counters() rtsup.Counters
}

// SupervisorRegistry is a small thread-safe registry of subsystem
// supervisors, read by /status.
type SupervisorRegistry struct {
	mu sync.RWMutex
	m  map[string]func() CounterSource
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{m: map[string]func() CounterSource{}}
}

// Set registers a getter under name. The getter may return nil while the
// subsystem is stopped.
func (r *SupervisorRegistry) Set(name string, get func() CounterSource) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if get == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = get
}

// NamedCounters is one registry entry.
type NamedCounters struct {
	Name string
	rtsup.Counters
	Running bool
}

// Snapshot returns the counters of every entry, sorted by name.
func (r *SupervisorRegistry) Snapshot() []NamedCounters {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	getters := make(map[string]func() CounterSource, len(r.m))
	for k, v := range r.m {
		getters[k] = v
	}
	r.mu.RUnlock()

	out := make([]NamedCounters, 0, len(getters))
	for name, get := range getters {
		nc := NamedCounters{Name: name}
		if src := get(); src != nil {
			nc.Counters = src.Counters()
			nc.Running = true
		}
		out = append(out, nc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FromSupervisor adapts a supervisor accessor, mapping a nil supervisor to a
// nil CounterSource.
func FromSupervisor(get func() *rtsup.Supervisor) func() CounterSource {
	return func() CounterSource {
		if s := get(); s != nil {
			return s
		}
		return nil
	}
}
