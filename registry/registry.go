// Package registry implements the endpoint-type registry (C5): a guarded
// device-id to endpoint-type map that survives across notification events,
// grounded on the mutex-guarded-map style of iotdevice's messageMux.
package registry

import "sync"

// Registry maps a device id to the endpoint type it last reported.
type Registry struct {
	mu sync.RWMutex
	m  map[string]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{m: make(map[string]string)}
}

// Set records endpointType for deviceID, overwriting any prior value.
func (r *Registry) Set(deviceID, endpointType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[deviceID] = endpointType
}

// Get returns the endpoint type recorded for deviceID, and whether one was
// found.
func (r *Registry) Get(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.m[deviceID]
	return t, ok
}

// Delete removes deviceID's entry, if any.
func (r *Registry) Delete(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, deviceID)
}

// Len returns the number of tracked devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
