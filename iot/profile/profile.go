/*Package profile provides device-type profiles for the control plane.

A profile supplies the shadow-desired defaults and connection hints that
the bootstrap service hands to a device of that type. Profiles come from a
static registry: a startup-time table maps factory names to factory
functions, and configuration binds device types to factories. There is no
loading of code from disk.
*/
package profile

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Profile describes the bootstrap-time defaults of one device type.
type Profile interface {
	// ShadowDefaults returns the initial shadow-desired document. With
	// complete=false the device sent partial information and only
	// minimized placeholders are handed out.
	ShadowDefaults(complete bool) map[string]json.RawMessage
	// Keepalive is the MQTT keepalive interval the device should use.
	Keepalive() time.Duration
}

// Factory creates a profile from configuration parameters.
type Factory func(params json.RawMessage) (Profile, error)

// Binding binds one device type to a registered factory.
type Binding struct {
	DeviceType string          `json:"device_type"`
	Factory    string          `json:"factory"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Registry maps device types to profiles.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	profiles  map[string]Profile
	fallback  Profile
}

// NewRegistry returns a registry with the generic factory pre-registered
// and installed as fallback for unknown device types.
func NewRegistry() *Registry {
	r := &Registry{
		factories: map[string]Factory{},
		profiles:  map[string]Profile{},
	}
	r.RegisterFactory("generic", newGenericProfile)
	fallback, err := newGenericProfile(nil)
	if err != nil {
		panic(err)
	}
	r.fallback = fallback
	return r
}

// RegisterFactory adds a factory to the startup-time table. Registering
// the same name twice panics; the table is meant to be assembled once.
func (r *Registry) RegisterFactory(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("profile factory %s already registered", name))
	}
	r.factories[name] = factory
}

// Configure builds profiles for the given bindings. Unknown factory names
// are an error, configuration must be consistent with the factory table.
func (r *Registry) Configure(bindings []Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range bindings {
		factory, ok := r.factories[b.Factory]
		if !ok {
			return fmt.Errorf("device type %s refers to unknown profile factory %s", b.DeviceType, b.Factory)
		}
		p, err := factory(b.Params)
		if err != nil {
			return fmt.Errorf("profile for device type %s: %w", b.DeviceType, err)
		}
		r.profiles[b.DeviceType] = p
	}
	return nil
}

// Lookup returns the profile for a device type, falling back to the
// generic profile for unbound types.
func (r *Registry) Lookup(deviceType string) Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[deviceType]; ok {
		return p
	}
	return r.fallback
}

type genericProfile struct {
	ReportingIntervalS int             `json:"reporting_interval_s"`
	KeepaliveS         int             `json:"keepalive_s"`
	Sensors            json.RawMessage `json:"sensors,omitempty"`
	Thresholds         json.RawMessage `json:"thresholds,omitempty"`
	Features           json.RawMessage `json:"features,omitempty"`
}

func newGenericProfile(params json.RawMessage) (Profile, error) {
	p := genericProfile{
		ReportingIntervalS: 60,
		KeepaliveS:         120,
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (p *genericProfile) ShadowDefaults(complete bool) map[string]json.RawMessage {
	defaults := map[string]json.RawMessage{
		"reporting": mustJSON(map[string]interface{}{
			"intervalSeconds": p.ReportingIntervalS,
			"batchSize":       1,
		}),
	}
	if !complete {
		// the device sent partial information, hand out placeholders only
		defaults["features"] = json.RawMessage(`{}`)
		return defaults
	}
	defaults["sensors"] = orEmpty(p.Sensors)
	defaults["thresholds"] = orEmpty(p.Thresholds)
	defaults["features"] = orEmpty(p.Features)
	return defaults
}

func (p *genericProfile) Keepalive() time.Duration {
	return time.Duration(p.KeepaliveS) * time.Second
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
