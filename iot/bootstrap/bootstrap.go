/*Package bootstrap implements the device-facing provisioning protocol.

A bootstrap request runs through a fixed sequence once per request, with
no persisted intermediate state: idempotency check, structural validation,
optional signature check, tenant check, device upsert with capability
registration, response assembly, response signing and caching. Any failure
at any step yields a uniform error envelope; devices always receive a
parseable response.

Identical-messageId retries are idempotent via the cache. Concurrent
first-time requests for the same device are not mutually excluded: they
race at the storage layer with last-write-wins semantics, which is
acceptable for device-initiated, low-frequency provisioning. Once the
side-effecting steps begin they run to completion; a client-side timeout
does not abort them.
*/
package bootstrap

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/fleetcontrol/core/kv"
	"github.com/relabs-tech/fleetcontrol/core/logger"
	"github.com/relabs-tech/fleetcontrol/iot"
	"github.com/relabs-tech/fleetcontrol/iot/fwstore"
	"github.com/relabs-tech/fleetcontrol/iot/notify"
	"github.com/relabs-tech/fleetcontrol/iot/policy"
	"github.com/relabs-tech/fleetcontrol/iot/profile"
	"github.com/relabs-tech/fleetcontrol/iot/shadow"
	"github.com/relabs-tech/fleetcontrol/iot/state"
)

// Store is the persistence the bootstrap service needs.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*state.Tenant, error)
	GetDevice(ctx context.Context, tenantID, deviceID string) (*state.Device, error)
	UpsertDevice(ctx context.Context, d *state.Device) error
	UpsertCapability(ctx context.Context, c *state.Capability) error
	LatestPublishedFirmware(ctx context.Context, tenantID, deviceType, channel string) (*state.Firmware, error)
}

// Config holds the fixed response parameters of the bootstrap service.
type Config struct {
	// Brokers is the broker address list handed to devices. Mandatory.
	Brokers []string
	// DefaultTenant is used when a request carries no tenantId.
	DefaultTenant string
	// CredentialTTL is the lifetime of issued broker credentials.
	CredentialTTL time.Duration
	// IdempotencyTTL is the lifetime of idempotency records. It is
	// independent of the envelope's own expiry.
	IdempotencyTTL time.Duration
	// TLSEnabled and CACertFingerprint describe the broker TLS endpoint.
	TLSEnabled        bool
	CACertFingerprint string
	// WebsocketURL enables the websocket transport section when set.
	WebsocketURL string
}

func (c *Config) applyDefaults() {
	if c.CredentialTTL == 0 {
		c.CredentialTTL = 24 * time.Hour
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = 10 * time.Minute
	}
}

// Service is the bootstrap/provisioning protocol service.
type Service struct {
	store    Store
	shadows  *shadow.Service
	engine   *policy.Engine
	profiles *profile.Registry
	cache    kv.KV
	firmware fwstore.Driver
	bus      *notify.Bus
	schema   *gojsonschema.Schema
	config   Config
	now      func() time.Time
}

// Builder is a builder helper for the bootstrap service.
type Builder struct {
	// Store is the persistent store. This is mandatory.
	Store Store
	// Shadows is the device shadow service. This is mandatory.
	Shadows *shadow.Service
	// Engine is the credential policy engine. This is mandatory.
	Engine *policy.Engine
	// Profiles is the device-profile registry. This is mandatory.
	Profiles *profile.Registry
	// Cache holds idempotency records and response envelopes. This is optional.
	Cache kv.KV
	// Firmware mints OTA download URLs. This is optional.
	Firmware fwstore.Driver
	// Bus is the in-process event bus. This is optional.
	Bus *notify.Bus
	// Config holds the fixed response parameters.
	Config Config
}

// NewService realizes the bootstrap service.
func NewService(b *Builder) *Service {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Shadows == nil {
		panic("Shadows is missing")
	}
	if b.Engine == nil {
		panic("Engine is missing")
	}
	if b.Profiles == nil {
		panic("Profiles is missing")
	}
	if len(b.Config.Brokers) == 0 {
		panic("Brokers are missing")
	}
	config := b.Config
	config.applyDefaults()
	return &Service{
		store:    b.Store,
		shadows:  b.Shadows,
		engine:   b.Engine,
		profiles: b.Profiles,
		cache:    b.Cache,
		firmware: b.Firmware,
		bus:      b.Bus,
		schema:   mustCompileRequestSchema(),
		config:   config,
		now:      time.Now,
	}
}

// Handle runs one bootstrap request and always returns a serialized
// envelope, never an error.
func (s *Service) Handle(ctx context.Context, body []byte) []byte {
	rlog := logger.FromContext(ctx)

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return s.errorEnvelope(iot.WrapError(iot.ErrCodeValidation, err, "request is not valid json"), "", "")
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = s.config.DefaultTenant
	}

	// step 1: an identical messageId retry within the idempotency TTL
	// returns the cached envelope unchanged; nothing else executes
	if cached := s.idempotentReplay(ctx, tenantID, &req); cached != nil {
		rlog.WithField("device", req.DeviceID).Debug("bootstrap: idempotent replay")
		return cached
	}

	envelope, err := s.provision(ctx, tenantID, &req, body)
	if err != nil {
		rlog.WithError(err).WithField("device", req.DeviceID).Warn("bootstrap failed")
		return s.errorEnvelope(err, tenantID, req.DeviceID)
	}
	return envelope
}

func (s *Service) provision(ctx context.Context, tenantID string, req *Request, body []byte) ([]byte, error) {
	// step 2: structural validation; partial firmware/hardware detail is
	// not a rejection, it only minimizes the handed-out defaults
	if err := validateStructure(s.schema, body); err != nil {
		return nil, iot.WrapError(iot.ErrCodeValidation, err, "validation failed")
	}
	complete := req.hasCompleteInfo()

	// step 3: signature check, only if a signature is present
	deviceSecret, secretErr := s.engine.DeriveDeviceSecret(tenantID, req.DeviceID)
	if req.Signature != "" {
		if secretErr != nil {
			return nil, iot.WrapError(iot.ErrCodeSignature, secretErr, "cannot derive device secret")
		}
		ok, err := verifySignature(deviceSecret, body, req.Signature)
		if err != nil {
			return nil, iot.WrapError(iot.ErrCodeSignature, err, "cannot verify signature")
		}
		if !ok {
			logger.FromContext(ctx).WithField("device", req.DeviceID).
				WithField("tenant", tenantID).Warn("bootstrap: signature mismatch")
			return nil, iot.NewError(iot.ErrCodeSignature, "signature mismatch")
		}
	}

	// step 4: the tenant must exist; unknown devices are auto-registered
	// further down, deliberately not rejected
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err == state.ErrNotFound {
		return nil, iot.NewError(iot.ErrCodeTenant, "unknown tenant '%s'", tenantID)
	}
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot load tenant")
	}
	if tenant.RequireSignature && req.Signature == "" {
		return nil, iot.NewError(iot.ErrCodeSignature, "tenant requires signed bootstrap requests")
	}

	// step 5: device upsert and capability registration
	device := &state.Device{
		TenantID:   tenantID,
		DeviceID:   req.DeviceID,
		MAC:        req.MAC,
		DeviceType: req.DeviceType,
		Status:     state.DeviceOnline,
		LastSeen:   s.now().UTC(),
	}
	if req.Firmware != nil {
		device.FirmwareVersion = req.Firmware.Current
		device.FirmwareBuild = req.Firmware.Build
	}
	if req.Hardware != nil {
		device.HardwareVersion = req.Hardware.Version
		device.HardwareSerial = req.Hardware.Serial
	}
	if err := s.store.UpsertDevice(ctx, device); err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot upsert device")
	}
	for _, c := range req.Capabilities {
		err := s.store.UpsertCapability(ctx, &state.Capability{
			TenantID: tenantID,
			DeviceID: req.DeviceID,
			Name:     c.Name,
			Version:  c.Version,
			Params:   c.Params,
		})
		if err != nil {
			return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot upsert capability '%s'", c.Name)
		}
	}

	// step 6: assemble the response
	data, err := s.assemble(ctx, tenantID, req, complete)
	if err != nil {
		return nil, err
	}

	// step 7: sign the response with the per-device secret; fall back to
	// the service secret on derivation failure, loudly, never silently
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodeInternal, err, "cannot marshal response")
	}
	var signature string
	if secretErr != nil {
		logger.FromContext(ctx).WithError(secretErr).
			WithField("device", req.DeviceID).WithField("tenant", tenantID).
			Error("bootstrap: device secret derivation failed, signing with service secret")
		signature = s.engine.ServiceSign(payload)
	} else {
		signature = sign(deviceSecret, payload)
	}

	envelope := Envelope{
		Code:      200,
		Message:   "provisioned",
		Timestamp: s.now().UnixMilli(),
		Signature: signature,
		Data:      data,
	}
	serialized, err := json.Marshal(envelope)
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodeInternal, err, "cannot marshal envelope")
	}

	// step 8: cache the envelope and the idempotency record. Cache
	// failures degrade performance only, never correctness.
	s.cacheEnvelope(ctx, tenantID, req, serialized, data.Cfg.ExpiresAt)

	if s.bus != nil {
		s.bus.Publish(notify.Event{
			Kind:     notify.KindDeviceProvisioned,
			TenantID: tenantID,
			DeviceID: req.DeviceID,
		})
	}
	return serialized, nil
}

func (s *Service) assemble(ctx context.Context, tenantID string, req *Request, complete bool) (*ResponseData, error) {
	now := s.now().UTC()
	expiresAt := now.Add(s.config.CredentialTTL)

	credentials := s.engine.DeriveCredentials(tenantID, req.DeviceType, req.DeviceID, expiresAt)
	acl := policy.GenerateACL(tenantID, req.DeviceType, req.DeviceID)
	prof := s.profiles.Lookup(req.DeviceType)

	shadowDesired, err := s.shadows.SeedDefaults(ctx, tenantID, req.DeviceID, prof.ShadowDefaults(complete))
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot seed shadow defaults")
	}

	capabilities := req.Capabilities
	if capabilities == nil {
		capabilities = []CapabilityInfo{}
	}

	topics := map[string]string{}
	for channel := range acl.QoSRetainPolicy {
		topics[channel] = policy.Topic(tenantID, req.DeviceType, req.DeviceID, channel)
	}

	data := &ResponseData{
		Cfg: CfgSection{
			Ver:       1,
			IssuedAt:  now,
			ExpiresAt: expiresAt,
			Tenant:    tenantID,
			Device: DeviceSection{
				ID:           req.DeviceID,
				Type:         req.DeviceType,
				UniqueID:     tenantID + ":" + req.DeviceID,
				FW:           req.Firmware,
				HW:           req.Hardware,
				Capabilities: capabilities,
			},
		},
		MQTT: MQTTSection{
			Brokers:           s.config.Brokers,
			ClientID:          credentials.Username,
			Username:          credentials.Username,
			Password:          credentials.Token(),
			PasswordExpiresAt: credentials.ExpiresAt,
			Keepalive:         int(prof.Keepalive().Seconds()),
			CleanStart:        true,
			SessionExpiry:     3600,
			TLS: TLSSection{
				Enabled:           s.config.TLSEnabled,
				CACertFingerprint: s.config.CACertFingerprint,
			},
			LWT: LWTSection{
				Topic:   policy.Topic(tenantID, req.DeviceType, req.DeviceID, policy.ChannelStatus),
				QoS:     1,
				Retain:  true,
				Payload: `{"status":"offline"}`,
			},
			Topics:          topics,
			QoSRetainPolicy: acl.QoSRetainPolicy,
			ACL: ACLSection{
				Publish:   acl.Publish,
				Subscribe: acl.Subscribe,
			},
			Backoff: BackoffSection{BaseMs: 1000, MaxMs: 60000, Jitter: 0.2},
		},
		ShadowDesired: shadowDesired,
		OTA:           s.otaDecision(ctx, tenantID, req),
		Policies: PoliciesSection{
			IngestLimits: IngestLimits{MaxMessagesPerMinute: 120, MaxPayloadBytes: 64 * 1024},
			Retention:    Retention{TelemetryDays: 30, EventDays: 90},
		},
		ServerTime: ServerTimeSection{
			Timestamp:      now.UnixMilli(),
			TimezoneOffset: 0,
		},
		Websocket: WebsocketSection{
			Enabled:     s.config.WebsocketURL != "",
			URL:         s.config.WebsocketURL,
			ReconnectMs: 5000,
			HeartbeatMs: 30000,
			TimeoutMs:   10000,
		},
	}
	return data, nil
}

// otaDecision offers an update iff the device runs on the beta or dev
// firmware channel and a published firmware exists for its type.
func (s *Service) otaDecision(ctx context.Context, tenantID string, req *Request) OTASection {
	ota := OTASection{
		Available: false,
		Retry:     RetrySection{BaseMs: 30000, MaxMs: 600000},
	}
	if req.Firmware == nil {
		return ota
	}
	channel := req.Firmware.Channel
	if channel != "beta" && channel != "dev" {
		return ota
	}

	fw, err := s.store.LatestPublishedFirmware(ctx, tenantID, req.DeviceType, channel)
	if err == state.ErrNotFound {
		return ota
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("bootstrap: firmware lookup failed, offering no update")
		return ota
	}
	if fw.Version == req.Firmware.Current {
		return ota
	}

	offered := &OTAFirmware{
		Version:   fw.Version,
		Build:     fw.Build,
		Channel:   fw.Channel,
		SizeBytes: fw.SizeBytes,
		SHA256:    fw.SHA256,
	}
	if s.firmware != nil && fw.StorageKey != "" {
		url, err := s.firmware.SignedURL(fwstore.Get, fw.StorageKey, s.config.CredentialTTL)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warn("bootstrap: cannot mint firmware URL")
		} else {
			offered.URL = url
		}
	}
	ota.Available = true
	ota.Firmware = offered
	return ota
}

func idempotencyKey(tenantID, deviceID, messageID string) string {
	return "bootstrap:idem:" + tenantID + ":" + deviceID + ":" + messageID
}

func envelopeKey(tenantID, deviceID string) string {
	return "bootstrap:envelope:" + tenantID + ":" + deviceID
}

// idempotentReplay returns the cached envelope for a repeated messageId if
// its embedded expiry is still in the future.
func (s *Service) idempotentReplay(ctx context.Context, tenantID string, req *Request) []byte {
	if s.cache == nil || req.MessageID == "" {
		return nil
	}
	cached, err := s.cache.Get(ctx, idempotencyKey(tenantID, req.DeviceID, req.MessageID))
	if err != nil {
		if err != kv.ErrMiss {
			logger.FromContext(ctx).WithError(err).Warn("bootstrap: idempotency lookup failed")
		}
		return nil
	}

	var envelope struct {
		Data *struct {
			Cfg struct {
				ExpiresAt time.Time `json:"expiresAt"`
			} `json:"cfg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(cached, &envelope); err != nil || envelope.Data == nil {
		return nil
	}
	if !s.now().Before(envelope.Data.Cfg.ExpiresAt) {
		return nil
	}
	return cached
}

func (s *Service) cacheEnvelope(ctx context.Context, tenantID string, req *Request, serialized []byte, expiresAt time.Time) {
	if s.cache == nil {
		return
	}
	rlog := logger.FromContext(ctx)

	if ttl := expiresAt.Sub(s.now()); ttl > 0 {
		if err := s.cache.Set(ctx, envelopeKey(tenantID, req.DeviceID), serialized, ttl); err != nil {
			rlog.WithError(err).Warn("bootstrap: cannot cache envelope")
		}
	}
	if req.MessageID != "" {
		err := s.cache.Set(ctx, idempotencyKey(tenantID, req.DeviceID, req.MessageID), serialized, s.config.IdempotencyTTL)
		if err != nil {
			rlog.WithError(err).Warn("bootstrap: cannot store idempotency record")
		}
	}
}

// errorEnvelope converts any failure into the uniform device-facing error
// envelope. Internals stay behind the errorCode; no stack traces.
func (s *Service) errorEnvelope(err error, tenantID, deviceID string) []byte {
	envelope := Envelope{
		Code:      500,
		Message:   err.Error(),
		Timestamp: s.now().UnixMilli(),
		Signature: "",
		ErrorCode: string(iot.CodeOf(err)),
		ErrorDetails: &ErrorDetails{
			DeviceID: deviceID,
			TenantID: tenantID,
		},
	}
	serialized, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		// cannot happen with this struct, but devices must get json no matter what
		return []byte(`{"code":500,"message":"internal error","signature":"","errorCode":"INTERNAL_ERROR"}`)
	}
	return serialized
}
