// Package machineregistry implements MachineRegistry (spec §4.7): one
// registered evaluator per machine id, each backed by a bounded LRU cache
// of its live/recently-used charts.
//
// Named machineregistry rather than registry: the teacher repo already
// carries a registry package (service discovery, registry/client.go) with
// an unrelated Registry/Client shape — see DESIGN.md's "Dropped / adapted
// teacher dependencies" for why that one isn't reused here.
package machineregistry

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/evalgo/xjog/config"
	"github.com/evalgo/xjog/evaluator"
	"github.com/evalgo/xjog/model"
	"github.com/evalgo/xjog/xjogerr"
)

// Chart is a cache entry: the in-memory mirror of one persisted chart,
// kept warm across sends so repeated traffic to the same chart doesn't
// round-trip the store every time.
type Chart struct {
	Ref   model.ChartReference
	State evaluator.State
}

// Registry holds one LRU cache per registered machine. golang-lru/v2 is
// present in the teacher's indirect dependency set but unused by it; this
// is its one real home, sized per config.Machine.CacheSize (spec default
// 1000, minimum 10).
type Registry struct {
	cacheSize int

	mu       sync.RWMutex
	machines map[string]evaluator.Machine
	caches   map[string]*lru.Cache[string, *Chart]
	closed   bool
}

// New builds a Registry. cfg.CacheSize is normalized by config.Normalize
// before reaching here.
func New(cfg config.Machine) *Registry {
	return &Registry{
		cacheSize: cfg.CacheSize,
		machines:  make(map[string]evaluator.Machine),
		caches:    make(map[string]*lru.Cache[string, *Chart]),
	}
}

// RegisterMachine adds a machine definition, building its chart cache.
// Returns xjogerr.ErrRegistrationClosed once the registry has been closed
// (spec: registration closes after Engine.Start).
func (r *Registry) RegisterMachine(m evaluator.Machine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return xjogerr.ErrRegistrationClosed
	}
	if _, exists := r.machines[m.ID]; exists {
		return fmt.Errorf("machineregistry: machine %q already registered", m.ID)
	}
	cache, err := lru.New[string, *Chart](r.cacheSize)
	if err != nil {
		return fmt.Errorf("machineregistry: build cache for %q: %w", m.ID, err)
	}
	r.machines[m.ID] = m
	r.caches[m.ID] = cache
	return nil
}

// Close prevents further RegisterMachine calls.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Machine looks up a registered machine definition.
func (r *Registry) Machine(machineID string) (evaluator.Machine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[machineID]
	if !ok {
		return evaluator.Machine{}, xjogerr.ErrMachineNotFound
	}
	return m, nil
}

// GetChart returns the cached Chart for ref, if present.
func (r *Registry) GetChart(ref model.ChartReference) (*Chart, bool) {
	r.mu.RLock()
	cache, ok := r.caches[ref.MachineID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cache.Get(ref.ChartID)
}

// PutChart inserts or updates ref's cache entry, evicting the
// least-recently-used chart for that machine if the cache is full.
func (r *Registry) PutChart(ref model.ChartReference, c *Chart) error {
	r.mu.RLock()
	cache, ok := r.caches[ref.MachineID]
	r.mu.RUnlock()
	if !ok {
		return xjogerr.ErrMachineNotFound
	}
	cache.Add(ref.ChartID, c)
	return nil
}

// Evict drops ref from its machine's cache, e.g. after the chart finishes
// or is destroyed.
func (r *Registry) Evict(ref model.ChartReference) {
	r.mu.RLock()
	cache, ok := r.caches[ref.MachineID]
	r.mu.RUnlock()
	if ok {
		cache.Remove(ref.ChartID)
	}
}

// MachineIDs lists every registered machine, for introspection.
func (r *Registry) MachineIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	return ids
}
