package input

import (
	"maps"
	"slices"
	"time"
)

// DeviceID identifies a tracked device. IDs are never reused.
type DeviceID uint64

// TrackedDevice is a registered trigger device.
type TrackedDevice struct {
	ID     DeviceID
	Handle Handle
	Path   string
	Name   string
	Since  time.Time
}

// Registry is an arena of tracked devices keyed by DeviceID with a path
// index. It is owned by a single goroutine and not synchronized.
type Registry struct {
	next    DeviceID
	devices map[DeviceID]*TrackedDevice
	byPath  map[string]DeviceID
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[DeviceID]*TrackedDevice),
		byPath:  make(map[string]DeviceID),
	}
}

// Add registers h and returns its new ID. A device already tracked at the
// same path is replaced and returned so the caller can close it.
func (r *Registry) Add(h Handle) (DeviceID, *TrackedDevice) {
	var replaced *TrackedDevice
	if id, ok := r.byPath[h.Path()]; ok {
		replaced, _ = r.Remove(id)
	}
	r.next++
	id := r.next
	r.devices[id] = &TrackedDevice{
		ID:     id,
		Handle: h,
		Path:   h.Path(),
		Name:   h.Name(),
		Since:  time.Now(),
	}
	r.byPath[h.Path()] = id
	return id, replaced
}

// Remove unregisters id and returns the device. The handle is not closed.
func (r *Registry) Remove(id DeviceID) (*TrackedDevice, bool) {
	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	delete(r.devices, id)
	delete(r.byPath, d.Path)
	return d, true
}

func (r *Registry) Get(id DeviceID) (*TrackedDevice, bool) {
	d, ok := r.devices[id]
	return d, ok
}

// Lookup finds the device registered at path.
func (r *Registry) Lookup(path string) (DeviceID, bool) {
	id, ok := r.byPath[path]
	return id, ok
}

func (r *Registry) Len() int { return len(r.devices) }

// IDs returns all IDs in registration order.
func (r *Registry) IDs() []DeviceID {
	return slices.Sorted(maps.Keys(r.devices))
}

// Devices returns all tracked devices in registration order.
func (r *Registry) Devices() []*TrackedDevice {
	ids := r.IDs()
	out := make([]*TrackedDevice, len(ids))
	for i, id := range ids {
		out[i] = r.devices[id]
	}
	return out
}
