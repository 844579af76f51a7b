// Package device holds the static device/group configuration and the
// provider interface through which the engine reads and writes device state.
package device

import (
	"fmt"
	"sync"
)

// Provider is the external device integration consumed by the engine. Both
// calls are synchronous from the engine's point of view; how the provider
// talks to hardware is its own business. Implementations must be safe for
// concurrent use across different device ids — the engine serializes calls
// per device id through the registry's device locks.
type Provider interface {
	// Read returns the current property map for a device
	Read(deviceID string) (map[string]interface{}, error)

	// Write applies command values to a device
	Write(deviceID string, values map[string]interface{}) error
}

// Config is the static description of one managed device, immutable for the
// lifetime of a run.
type Config struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name"`
	Enabled bool              `yaml:"enabled"`
	Poll    bool              `yaml:"poll"`
	Meta    map[string]string `yaml:"meta,omitempty"`
}

// Group names a set of member devices addressed by fan-out commands
type Group struct {
	ID      string   `yaml:"id"`
	Devices []string `yaml:"devices"`
}

// Registry indexes devices and groups and owns the per-device locks that
// serialize provider access between the poll loop and the command dispatcher.
type Registry struct {
	devices map[string]*Config
	order   []string
	groups  map[string]*Group

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry builds a registry from parsed configuration
func NewRegistry(devices []Config, groups []Group) (*Registry, error) {
	r := &Registry{
		devices: make(map[string]*Config, len(devices)),
		groups:  make(map[string]*Group, len(groups)),
		locks:   make(map[string]*sync.Mutex),
	}

	for i := range devices {
		d := devices[i]
		if d.ID == "" {
			return nil, fmt.Errorf("device at index %d has no id", i)
		}
		if _, exists := r.devices[d.ID]; exists {
			return nil, fmt.Errorf("duplicate device id: %s", d.ID)
		}
		r.devices[d.ID] = &d
		r.order = append(r.order, d.ID)
	}

	for i := range groups {
		g := groups[i]
		if g.ID == "" {
			return nil, fmt.Errorf("group at index %d has no id", i)
		}
		if _, exists := r.groups[g.ID]; exists {
			return nil, fmt.Errorf("duplicate group id: %s", g.ID)
		}
		for _, member := range g.Devices {
			if _, ok := r.devices[member]; !ok {
				return nil, fmt.Errorf("group %s references unknown device %s", g.ID, member)
			}
		}
		r.groups[g.ID] = &g
	}

	return r, nil
}

// Device looks up a device by id
func (r *Registry) Device(id string) (*Config, bool) {
	d, ok := r.devices[id]
	return d, ok
}

// Group looks up a group by id
func (r *Registry) Group(id string) (*Group, bool) {
	g, ok := r.groups[id]
	return g, ok
}

// Devices returns all devices in registry order
func (r *Registry) Devices() []*Config {
	out := make([]*Config, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

// Len returns the number of configured devices
func (r *Registry) Len() int {
	return len(r.devices)
}

// DeviceLock returns the mutex serializing provider access for one device.
// The poll loop and the command dispatcher both take it before touching the
// provider, so the provider's per-device connection handle has one owner at
// a time.
func (r *Registry) DeviceLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}
