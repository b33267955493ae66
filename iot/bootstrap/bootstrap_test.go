package bootstrap

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetcontrol/core/kv"
	"github.com/relabs-tech/fleetcontrol/iot"
	"github.com/relabs-tech/fleetcontrol/iot/policy"
	"github.com/relabs-tech/fleetcontrol/iot/profile"
	"github.com/relabs-tech/fleetcontrol/iot/shadow"
	"github.com/relabs-tech/fleetcontrol/iot/state"
)

// fakeStore covers both the bootstrap and the shadow persistence in memory.
type fakeStore struct {
	tenants  map[string]*state.Tenant
	devices  map[string]*state.Device
	caps     map[string][]*state.Capability
	shadows  map[string]*state.Shadow
	history  []state.ShadowHistory
	firmware *state.Firmware

	deviceUpserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants: map[string]*state.Tenant{
			"acme": {TenantID: "acme", Name: "ACME"},
		},
		devices: map[string]*state.Device{},
		caps:    map[string][]*state.Capability{},
		shadows: map[string]*state.Shadow{},
	}
}

func deviceKey(tenantID, deviceID string) string { return tenantID + ":" + deviceID }

func (f *fakeStore) GetTenant(ctx context.Context, tenantID string) (*state.Tenant, error) {
	t, ok := f.tenants[tenantID]
	if !ok {
		return nil, state.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) GetDevice(ctx context.Context, tenantID, deviceID string) (*state.Device, error) {
	d, ok := f.devices[deviceKey(tenantID, deviceID)]
	if !ok {
		return nil, state.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) UpsertDevice(ctx context.Context, d *state.Device) error {
	c := *d
	f.devices[deviceKey(d.TenantID, d.DeviceID)] = &c
	f.deviceUpserts++
	return nil
}

func (f *fakeStore) UpsertCapability(ctx context.Context, c *state.Capability) error {
	cc := *c
	f.caps[deviceKey(c.TenantID, c.DeviceID)] = append(f.caps[deviceKey(c.TenantID, c.DeviceID)], &cc)
	return nil
}

func (f *fakeStore) LatestPublishedFirmware(ctx context.Context, tenantID, deviceType, channel string) (*state.Firmware, error) {
	fw := f.firmware
	if fw == nil || fw.TenantID != tenantID || fw.DeviceType != deviceType || fw.Channel != channel || !fw.Published {
		return nil, state.ErrNotFound
	}
	return fw, nil
}

func (f *fakeStore) GetShadow(ctx context.Context, tenantID, deviceID string) (*state.Shadow, error) {
	sh, ok := f.shadows[deviceKey(tenantID, deviceID)]
	if !ok {
		return nil, state.ErrNotFound
	}
	return sh, nil
}

func (f *fakeStore) PutShadow(ctx context.Context, sh *state.Shadow) error {
	c := *sh
	f.shadows[deviceKey(sh.TenantID, sh.DeviceID)] = &c
	return nil
}

func (f *fakeStore) AppendShadowHistory(ctx context.Context, h *state.ShadowHistory) error {
	f.history = append(f.history, *h)
	return nil
}

func (f *fakeStore) ListShadowHistory(ctx context.Context, tenantID, deviceID string, limit int) ([]state.ShadowHistory, error) {
	return f.history, nil
}

var testTime = time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *fakeStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := kv.NewRedisKV(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	store := newFakeStore()
	engine := policy.NewEngine([]byte("test-service-secret"))
	shadows := shadow.NewService(&shadow.Builder{Store: store})

	s := NewService(&Builder{
		Store:    store,
		Shadows:  shadows,
		Engine:   engine,
		Profiles: profile.NewRegistry(),
		Cache:    cache,
		Config: Config{
			Brokers:       []string{"tls://broker.acme.example:8883"},
			DefaultTenant: "acme",
		},
	})
	s.now = func() time.Time { return testTime }
	return s, store, mr
}

func request(t *testing.T, overrides map[string]interface{}) []byte {
	t.Helper()
	m := map[string]interface{}{
		"deviceId":   "dev-1",
		"mac":        "aa:bb:cc:dd:ee:ff",
		"deviceType": "sensor-v7",
		"firmware":   map[string]interface{}{"current": "2.0.0", "build": "1142", "channel": "stable"},
		"hardware":   map[string]interface{}{"version": "rev-c", "serial": "SN-0042"},
		"capabilities": []interface{}{
			map[string]interface{}{"name": "temperature", "version": "1.1"},
		},
		"timestamp": testTime.UnixMilli(),
	}
	for k, v := range overrides {
		if v == nil {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	body, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func decode(t *testing.T, serialized []byte) *Envelope {
	t.Helper()
	var envelope Envelope
	if err := json.Unmarshal(serialized, &envelope); err != nil {
		t.Fatal(err)
	}
	return &envelope
}

func TestProvisionHappyPath(t *testing.T) {
	s, store, _ := newTestService(t)

	envelope := decode(t, s.Handle(context.Background(), request(t, nil)))
	if envelope.Code != 200 {
		t.Fatalf("expected code 200, got %d: %s", envelope.Code, envelope.Message)
	}
	data := envelope.Data
	if data == nil {
		t.Fatal("expected data in envelope")
	}
	if data.MQTT.Username != "acme.sensor-v7.dev-1" {
		t.Errorf("unexpected username %s", data.MQTT.Username)
	}
	if data.MQTT.Password == "" {
		t.Error("expected a password")
	}
	if len(data.MQTT.ACL.Publish) == 0 || len(data.MQTT.ACL.Subscribe) == 0 {
		t.Error("expected a populated ACL")
	}
	if len(data.ShadowDesired) == 0 {
		t.Error("expected seeded shadow defaults")
	}
	if data.Cfg.ExpiresAt != testTime.Add(24*time.Hour) {
		t.Errorf("unexpected credential expiry %v", data.Cfg.ExpiresAt)
	}

	device := store.devices["acme:dev-1"]
	if device == nil {
		t.Fatal("device was not registered")
	}
	if device.Status != state.DeviceOnline {
		t.Errorf("expected device online, got %s", device.Status)
	}
	if device.FirmwareVersion != "2.0.0" || device.HardwareVersion != "rev-c" {
		t.Error("firmware or hardware detail was not recorded")
	}
	if len(store.caps["acme:dev-1"]) != 1 {
		t.Error("capability was not registered")
	}
}

func TestProvisionResponseSignature(t *testing.T) {
	s, _, _ := newTestService(t)

	serialized := s.Handle(context.Background(), request(t, nil))

	// extract the exact data bytes the service signed
	var raw struct {
		Signature string          `json:"signature"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(serialized, &raw); err != nil {
		t.Fatal(err)
	}
	secret, err := s.engine.DeriveDeviceSecret("acme", "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if sign(secret, raw.Data) != raw.Signature {
		t.Fatal("response signature does not verify with the device secret")
	}
}

func TestBootstrapIdempotentReplay(t *testing.T) {
	s, store, _ := newTestService(t)

	body := request(t, map[string]interface{}{"messageId": "msg-77"})
	first := s.Handle(context.Background(), body)
	second := s.Handle(context.Background(), body)

	if !bytes.Equal(first, second) {
		t.Fatal("retry with the same messageId must return the identical envelope")
	}
	if store.deviceUpserts != 1 {
		t.Fatalf("expected exactly one device upsert, got %d", store.deviceUpserts)
	}
}

func TestBootstrapFreshMessageIDProvisionsAgain(t *testing.T) {
	s, store, _ := newTestService(t)

	s.Handle(context.Background(), request(t, map[string]interface{}{"messageId": "msg-1"}))
	s.Handle(context.Background(), request(t, map[string]interface{}{"messageId": "msg-2"}))

	if store.deviceUpserts != 2 {
		t.Fatalf("expected two device upserts, got %d", store.deviceUpserts)
	}
}

func TestBootstrapValidationError(t *testing.T) {
	s, store, _ := newTestService(t)

	envelope := decode(t, s.Handle(context.Background(), request(t, map[string]interface{}{"deviceId": nil})))
	if envelope.Code != 500 {
		t.Fatalf("expected code 500, got %d", envelope.Code)
	}
	if envelope.ErrorCode != string(iot.ErrCodeValidation) {
		t.Errorf("expected %s, got %s", iot.ErrCodeValidation, envelope.ErrorCode)
	}
	if store.deviceUpserts != 0 {
		t.Error("a rejected request must not register a device")
	}
}

func TestBootstrapUnknownTenant(t *testing.T) {
	s, store, _ := newTestService(t)

	envelope := decode(t, s.Handle(context.Background(), request(t, map[string]interface{}{"tenantId": "nobody"})))
	if envelope.ErrorCode != string(iot.ErrCodeTenant) {
		t.Fatalf("expected %s, got %s", iot.ErrCodeTenant, envelope.ErrorCode)
	}
	if envelope.ErrorDetails == nil || envelope.ErrorDetails.TenantID != "nobody" {
		t.Error("expected the tenant in the error details")
	}
	if store.deviceUpserts != 0 {
		t.Error("an unknown tenant must not register a device")
	}
}

func signedRequest(t *testing.T, s *Service, overrides map[string]interface{}) []byte {
	t.Helper()
	body := request(t, overrides)
	secret, err := s.engine.DeriveDeviceSecret("acme", "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	canonical, err := canonicalize(body)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatal(err)
	}
	m["signature"] = sign(secret, canonical)
	signed, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestBootstrapValidSignature(t *testing.T) {
	s, _, _ := newTestService(t)

	envelope := decode(t, s.Handle(context.Background(), signedRequest(t, s, nil)))
	if envelope.Code != 200 {
		t.Fatalf("expected code 200, got %d: %s", envelope.Code, envelope.Message)
	}
}

func TestBootstrapTamperedSignature(t *testing.T) {
	s, store, _ := newTestService(t)

	signed := signedRequest(t, s, nil)
	tampered := bytes.Replace(signed, []byte("aa:bb:cc:dd:ee:ff"), []byte("00:00:00:00:00:01"), 1)

	envelope := decode(t, s.Handle(context.Background(), tampered))
	if envelope.ErrorCode != string(iot.ErrCodeSignature) {
		t.Fatalf("expected %s, got %s", iot.ErrCodeSignature, envelope.ErrorCode)
	}
	if store.deviceUpserts != 0 {
		t.Error("a forged request must not register a device")
	}
}

func TestBootstrapTenantRequiresSignature(t *testing.T) {
	s, store, _ := newTestService(t)
	store.tenants["acme"].RequireSignature = true

	envelope := decode(t, s.Handle(context.Background(), request(t, nil)))
	if envelope.ErrorCode != string(iot.ErrCodeSignature) {
		t.Fatalf("expected %s, got %s", iot.ErrCodeSignature, envelope.ErrorCode)
	}

	envelope = decode(t, s.Handle(context.Background(), signedRequest(t, s, nil)))
	if envelope.Code != 200 {
		t.Fatalf("expected code 200 for the signed request, got %d", envelope.Code)
	}
}

func TestBootstrapOTAOffer(t *testing.T) {
	s, store, _ := newTestService(t)
	store.firmware = &state.Firmware{
		TenantID:   "acme",
		DeviceType: "sensor-v7",
		Version:    "2.1.0",
		Channel:    "beta",
		Published:  true,
		SizeBytes:  123456,
		SHA256:     "abcdef",
	}

	// stable channel devices get no offer
	envelope := decode(t, s.Handle(context.Background(), request(t, nil)))
	if envelope.Data.OTA.Available {
		t.Error("stable channel device must not get an OTA offer")
	}

	beta := map[string]interface{}{
		"firmware": map[string]interface{}{"current": "2.0.0", "channel": "beta"},
	}
	envelope = decode(t, s.Handle(context.Background(), request(t, beta)))
	if !envelope.Data.OTA.Available {
		t.Fatal("beta channel device with a published firmware must get an offer")
	}
	if envelope.Data.OTA.Firmware.Version != "2.1.0" {
		t.Errorf("unexpected offered version %s", envelope.Data.OTA.Firmware.Version)
	}

	// already on the offered version: no offer
	current := map[string]interface{}{
		"firmware": map[string]interface{}{"current": "2.1.0", "channel": "beta"},
	}
	envelope = decode(t, s.Handle(context.Background(), request(t, current)))
	if envelope.Data.OTA.Available {
		t.Error("a device already on the published version must not get an offer")
	}
}

func TestBootstrapSurvivesCacheOutage(t *testing.T) {
	s, store, mr := newTestService(t)
	mr.Close()

	envelope := decode(t, s.Handle(context.Background(), request(t, map[string]interface{}{"messageId": "msg-9"})))
	if envelope.Code != 200 {
		t.Fatalf("expected code 200 with the cache down, got %d: %s", envelope.Code, envelope.Message)
	}
	if store.deviceUpserts != 1 {
		t.Error("provisioning must proceed without the cache")
	}
}

func TestBootstrapIncompleteInfo(t *testing.T) {
	s, store, _ := newTestService(t)

	envelope := decode(t, s.Handle(context.Background(), request(t, map[string]interface{}{
		"firmware": nil,
		"hardware": nil,
	})))
	if envelope.Code != 200 {
		t.Fatalf("partial detail must not be a rejection, got %d: %s", envelope.Code, envelope.Message)
	}
	if store.devices["acme:dev-1"] == nil {
		t.Fatal("device was not registered")
	}
	if len(envelope.Data.ShadowDesired) == 0 {
		t.Error("expected minimal shadow defaults")
	}
}
