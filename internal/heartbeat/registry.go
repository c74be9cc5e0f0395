// File: internal/heartbeat/registry.go
// Description: In-process liveness registry. Each run periodically records a
// timestamp plus its last-known step; the pool's monitor reads staleness from
// here instead of any live channel into the run.

package heartbeat

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is one run's latest liveness record.
type Entry struct {
	Step string    `json:"step"`
	At   time.Time `json:"at"`
}

// Registry is a concurrent map of run key -> latest heartbeat.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		clock:   time.Now,
	}
}

// NewRegistryWithClock creates a registry with an injected clock, for tests.
func NewRegistryWithClock(clock func() time.Time) *Registry {
	r := NewRegistry()
	r.clock = clock
	return r
}

// Beat records progress for key with the last-known step marker.
func (r *Registry) Beat(key, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = Entry{Step: step, At: r.clock()}
}

// Get returns the latest entry for key.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// Remove drops the record for key; callers do this once the run finalizes.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Stale reports whether key's heartbeat is older than threshold. A key with
// no record is not stale: the run has not started beating yet.
func (r *Registry) Stale(key string, threshold time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	return r.clock().Sub(e.At) > threshold
}

// Snapshot serializes all live entries, the hook for an out-of-process
// supervisor.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal(r.entries)
}
