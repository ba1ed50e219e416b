// Package registry maps device identifiers to their live connection handle.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Entry is one live device connection.
type Entry[H comparable] struct {
	DeviceID    string
	Handle      H
	ConnectedAt time.Time
}

// Registry is the only owner of the deviceID → handle mapping.
// Re-registering a device id replaces the previous handle (last writer wins).
type Registry[H comparable] struct {
	mu      sync.RWMutex
	entries map[string]Entry[H]
	now     func() time.Time
}

// New creates an empty registry.
func New[H comparable]() *Registry[H] {
	return &Registry[H]{
		entries: make(map[string]Entry[H]),
		now:     time.Now,
	}
}

// Register maps deviceID to handle. If another handle was registered it is
// returned with replaced=true so the caller can log the takeover.
func (r *Registry[H]) Register(deviceID string, handle H) (previous H, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[deviceID]; ok && prev.Handle != handle {
		previous, replaced = prev.Handle, true
	}
	r.entries[deviceID] = Entry[H]{
		DeviceID:    deviceID,
		Handle:      handle,
		ConnectedAt: r.now(),
	}
	return previous, replaced
}

// Lookup returns the live handle for deviceID.
func (r *Registry[H]) Lookup(deviceID string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[deviceID]
	return e.Handle, ok
}

// IsConnected reports whether deviceID has a live handle.
func (r *Registry[H]) IsConnected(deviceID string) bool {
	_, ok := r.Lookup(deviceID)
	return ok
}

// Unregister removes deviceID only if it is still mapped to handle. A
// disconnect from a handle that has since been superseded is ignored.
func (r *Registry[H]) Unregister(deviceID string, handle H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok || e.Handle != handle {
		return false
	}
	delete(r.entries, deviceID)
	return true
}

// List returns a snapshot of all entries sorted by device id.
func (r *Registry[H]) List() []Entry[H] {
	r.mu.RLock()
	result := make([]Entry[H], 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, e)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result
}

// Len returns the number of live devices.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
