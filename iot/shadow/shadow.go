/*Package shadow implements the device shadow service.

A shadow is a dual desired/reported configuration document per device.
The version is monotonic and advances on desired writes only: operator
intent advances the version, device observation does not. Downstream
ordering depends on this asymmetry.

The delta between desired and reported is derived on every read and never
stored.
*/
package shadow

import (
	"context"
	"reflect"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetcontrol/core/kv"
	"github.com/relabs-tech/fleetcontrol/core/logger"
	"github.com/relabs-tech/fleetcontrol/iot"
	"github.com/relabs-tech/fleetcontrol/iot/notify"
	"github.com/relabs-tech/fleetcontrol/iot/policy"
	"github.com/relabs-tech/fleetcontrol/iot/state"
)

const cacheTTL = 30 * time.Second

// Store is the persistence the shadow service needs.
type Store interface {
	GetShadow(ctx context.Context, tenantID, deviceID string) (*state.Shadow, error)
	PutShadow(ctx context.Context, sh *state.Shadow) error
	AppendShadowHistory(ctx context.Context, h *state.ShadowHistory) error
	ListShadowHistory(ctx context.Context, tenantID, deviceID string, limit int) ([]state.ShadowHistory, error)
	GetDevice(ctx context.Context, tenantID, deviceID string) (*state.Device, error)
}

// Document is the external representation of a shadow.
type Document struct {
	Desired   map[string]json.RawMessage `json:"desired"`
	Reported  map[string]json.RawMessage `json:"reported"`
	Delta     map[string]json.RawMessage `json:"delta"`
	Version   int64                      `json:"version"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

// Service is the device shadow service.
type Service struct {
	store     Store
	cache     kv.KV
	publisher iot.MessagePublisher
	bus       *notify.Bus
}

// Builder is a builder helper for the shadow service.
type Builder struct {
	// Store is the persistent shadow store. This is mandatory.
	Store Store
	// Cache is the TTL read cache. This is optional.
	Cache kv.KV
	// Publisher publishes desired-update notifications to devices. This is optional.
	Publisher iot.MessagePublisher
	// Bus is the in-process event bus. This is optional.
	Bus *notify.Bus
}

// NewService realizes the shadow service.
func NewService(b *Builder) *Service {
	if b.Store == nil {
		panic("Store is missing")
	}
	return &Service{
		store:     b.Store,
		cache:     b.Cache,
		publisher: b.Publisher,
		bus:       b.Bus,
	}
}

// SetPublisher wires the device notification publisher. The broker needs
// the shadow service for report ingestion, so the publisher is set after
// both are constructed.
func (s *Service) SetPublisher(p iot.MessagePublisher) {
	s.publisher = p
}

// ErrNotFound is re-exported for callers that only import this package.
var ErrNotFound = state.ErrNotFound

// Get returns the shadow document with its derived delta. Reads go through
// the TTL cache; the store stays authoritative and a cache miss or error
// never changes observed behavior.
func (s *Service) Get(ctx context.Context, tenantID, deviceID string) (*Document, error) {
	if sh := s.cacheRead(ctx, tenantID, deviceID); sh != nil {
		return document(sh), nil
	}

	sh, err := s.store.GetShadow(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	s.cacheWrite(ctx, sh)
	return document(sh), nil
}

// UpdateDesired merges partial into the desired document with shallow
// top-level semantics, advances the version, persists and notifies the
// device. clientToken is carried in the notification for correlation.
func (s *Service) UpdateDesired(ctx context.Context, tenantID, deviceID string, partial map[string]json.RawMessage, clientToken string) (*Document, error) {
	sh, err := s.loadOrNew(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}

	merge(sh.Desired, partial)
	sh.Version++
	sh.UpdatedAt = time.Now().UTC()

	if err := s.store.PutShadow(ctx, sh); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, sh, "desired", partial, clientToken)
	s.cacheInvalidate(ctx, tenantID, deviceID)
	s.notifyDesired(ctx, sh, partial, clientToken)

	return document(sh), nil
}

// UpdateReported merges partial into the reported document with the same
// shallow semantics. The version is deliberately not advanced.
func (s *Service) UpdateReported(ctx context.Context, tenantID, deviceID string, partial map[string]json.RawMessage) (*Document, error) {
	sh, err := s.loadOrNew(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}

	merge(sh.Reported, partial)
	sh.UpdatedAt = time.Now().UTC()

	if err := s.store.PutShadow(ctx, sh); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, sh, "reported", partial, "")
	s.cacheInvalidate(ctx, tenantID, deviceID)

	if s.bus != nil {
		s.bus.Publish(notify.Event{
			Kind:     notify.KindShadowReported,
			TenantID: tenantID,
			DeviceID: deviceID,
		})
	}
	return document(sh), nil
}

// SeedDefaults creates the shadow with the given desired defaults if no
// shadow exists yet, and returns the effective desired document. Used by
// bootstrap.
func (s *Service) SeedDefaults(ctx context.Context, tenantID, deviceID string, defaults map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	sh, err := s.store.GetShadow(ctx, tenantID, deviceID)
	if err == nil {
		return sh.Desired, nil
	}
	if err != state.ErrNotFound {
		return nil, err
	}

	doc, err := s.UpdateDesired(ctx, tenantID, deviceID, defaults, "")
	if err != nil {
		return nil, err
	}
	return doc.Desired, nil
}

// History returns the most recent shadow mutations, newest first.
func (s *Service) History(ctx context.Context, tenantID, deviceID string, limit int) ([]state.ShadowHistory, error) {
	return s.store.ListShadowHistory(ctx, tenantID, deviceID, limit)
}

// Delta computes the divergence between desired and reported: every
// desired key whose value is not JSON-equal to reported's value appears in
// the delta, including keys absent from reported. Keys only present in
// reported never appear.
func Delta(desired, reported map[string]json.RawMessage) map[string]json.RawMessage {
	delta := map[string]json.RawMessage{}
	for key, want := range desired {
		have, ok := reported[key]
		if !ok || !jsonEqual(want, have) {
			delta[key] = want
		}
	}
	return delta
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// merge applies shallow top-level semantics: each key of partial fully
// replaces the prior value, no recursive merge.
func merge(doc, partial map[string]json.RawMessage) {
	for key, value := range partial {
		doc[key] = value
	}
}

func document(sh *state.Shadow) *Document {
	return &Document{
		Desired:   sh.Desired,
		Reported:  sh.Reported,
		Delta:     Delta(sh.Desired, sh.Reported),
		Version:   sh.Version,
		UpdatedAt: sh.UpdatedAt,
	}
}

func (s *Service) loadOrNew(ctx context.Context, tenantID, deviceID string) (*state.Shadow, error) {
	sh, err := s.store.GetShadow(ctx, tenantID, deviceID)
	if err == state.ErrNotFound {
		return &state.Shadow{
			TenantID: tenantID,
			DeviceID: deviceID,
			Desired:  map[string]json.RawMessage{},
			Reported: map[string]json.RawMessage{},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if sh.Desired == nil {
		sh.Desired = map[string]json.RawMessage{}
	}
	if sh.Reported == nil {
		sh.Reported = map[string]json.RawMessage{}
	}
	return sh, nil
}

func (s *Service) appendHistory(ctx context.Context, sh *state.Shadow, section string, partial map[string]json.RawMessage, clientToken string) {
	patch, err := json.Marshal(partial)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("shadow: cannot marshal history patch")
		return
	}
	err = s.store.AppendShadowHistory(ctx, &state.ShadowHistory{
		TenantID:    sh.TenantID,
		DeviceID:    sh.DeviceID,
		Version:     sh.Version,
		Section:     section,
		Patch:       patch,
		ClientToken: clientToken,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("shadow: cannot append history")
	}
}

// notifyDesired publishes the desired update on the device's
// shadow/desired channel and the event bus. Loss is acceptable, the
// persisted shadow is the source of truth.
func (s *Service) notifyDesired(ctx context.Context, sh *state.Shadow, partial map[string]json.RawMessage, clientToken string) {
	payload, err := json.Marshal(struct {
		Desired     map[string]json.RawMessage `json:"desired"`
		Version     int64                      `json:"version"`
		ClientToken string                     `json:"clientToken,omitempty"`
	}{partial, sh.Version, clientToken})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("shadow: cannot marshal notification")
		return
	}

	if s.bus != nil {
		s.bus.Publish(notify.Event{
			Kind:     notify.KindShadowDesiredUpdated,
			TenantID: sh.TenantID,
			DeviceID: sh.DeviceID,
			Payload:  payload,
		})
	}

	if s.publisher == nil {
		return
	}
	device, err := s.store.GetDevice(ctx, sh.TenantID, sh.DeviceID)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("shadow: no device record, skipping desired notification")
		return
	}
	topic := policy.Topic(sh.TenantID, device.DeviceType, sh.DeviceID, policy.ChannelShadowDesired)
	s.publisher.PublishMessageQ1(topic, payload)
}

func cacheKey(tenantID, deviceID string) string {
	return "shadow:" + tenantID + ":" + deviceID
}

func (s *Service) cacheRead(ctx context.Context, tenantID, deviceID string) *state.Shadow {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, cacheKey(tenantID, deviceID))
	if err != nil {
		if err != kv.ErrMiss {
			logger.FromContext(ctx).WithError(err).Warn("shadow: cache read failed")
		}
		return nil
	}
	var sh state.Shadow
	if err := json.Unmarshal(data, &sh); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("shadow: corrupt cache entry")
		return nil
	}
	return &sh
}

func (s *Service) cacheWrite(ctx context.Context, sh *state.Shadow) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(sh)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(sh.TenantID, sh.DeviceID), data, cacheTTL); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("shadow: cache write failed")
	}
}

func (s *Service) cacheInvalidate(ctx context.Context, tenantID, deviceID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cacheKey(tenantID, deviceID)); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("shadow: cache invalidation failed")
	}
}
