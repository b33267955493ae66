package bootstrap

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetcontrol/iot/policy"
)

// Envelope is the uniform bootstrap response. A success carries code 200
// and a signed data document; any failure carries code 500 and error
// detail. Devices always receive a parseable envelope.
type Envelope struct {
	Code         int           `json:"code"`
	Message      string        `json:"message"`
	Timestamp    int64         `json:"timestamp"`
	Signature    string        `json:"signature"`
	Data         *ResponseData `json:"data,omitempty"`
	ErrorCode    string        `json:"errorCode,omitempty"`
	ErrorDetails *ErrorDetails `json:"errorDetails,omitempty"`
}

// ErrorDetails identifies the failing request without leaking internals.
// Stack traces never cross the device-facing boundary.
type ErrorDetails struct {
	DeviceID string `json:"deviceId"`
	TenantID string `json:"tenantId"`
}

// ResponseData is the signed payload of a successful bootstrap.
type ResponseData struct {
	Cfg           CfgSection                 `json:"cfg"`
	MQTT          MQTTSection                `json:"mqtt"`
	ShadowDesired map[string]json.RawMessage `json:"shadowDesired"`
	OTA           OTASection                 `json:"ota"`
	Policies      PoliciesSection            `json:"policies"`
	ServerTime    ServerTimeSection          `json:"serverTime"`
	Websocket     WebsocketSection           `json:"websocket"`
}

// CfgSection describes the issued configuration and its validity.
type CfgSection struct {
	Ver       int           `json:"ver"`
	IssuedAt  time.Time     `json:"issuedAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Tenant    string        `json:"tenant"`
	Device    DeviceSection `json:"device"`
}

// DeviceSection echoes the provisioned device identity.
type DeviceSection struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	UniqueID     string           `json:"uniqueId"`
	FW           *FirmwareInfo    `json:"fw,omitempty"`
	HW           *HardwareInfo    `json:"hw,omitempty"`
	Capabilities []CapabilityInfo `json:"capabilities"`
}

// MQTTSection carries broker connection parameters, credentials and the
// permission set.
type MQTTSection struct {
	Brokers           []string                        `json:"brokers"`
	ClientID          string                          `json:"clientId"`
	Username          string                          `json:"username"`
	Password          string                          `json:"password"`
	PasswordExpiresAt time.Time                       `json:"passwordExpiresAt"`
	Keepalive         int                             `json:"keepalive"`
	CleanStart        bool                            `json:"cleanStart"`
	SessionExpiry     int                             `json:"sessionExpiry"`
	TLS               TLSSection                      `json:"tls"`
	LWT               LWTSection                      `json:"lwt"`
	Topics            map[string]string               `json:"topics"`
	QoSRetainPolicy   map[string]policy.ChannelPolicy `json:"qosRetainPolicy"`
	ACL               ACLSection                      `json:"acl"`
	Backoff           BackoffSection                  `json:"backoff"`
}

// TLSSection carries broker TLS parameters.
type TLSSection struct {
	Enabled           bool   `json:"enabled"`
	CACertFingerprint string `json:"caCertFingerprint,omitempty"`
}

// LWTSection is the last-will message the device should register.
type LWTSection struct {
	Topic   string `json:"topic"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
	Payload string `json:"payload"`
}

// ACLSection is the permission set in response form.
type ACLSection struct {
	Publish   []string `json:"publish"`
	Subscribe []string `json:"subscribe"`
}

// BackoffSection governs device-side reconnect behavior.
type BackoffSection struct {
	BaseMs int     `json:"baseMs"`
	MaxMs  int     `json:"maxMs"`
	Jitter float64 `json:"jitter"`
}

// OTASection is the firmware update decision for this device.
type OTASection struct {
	Available bool         `json:"available"`
	Firmware  *OTAFirmware `json:"firmware,omitempty"`
	Retry     RetrySection `json:"retry"`
}

// OTAFirmware describes the offered firmware image.
type OTAFirmware struct {
	Version   string `json:"version"`
	Build     string `json:"build,omitempty"`
	Channel   string `json:"channel"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
	URL       string `json:"url,omitempty"`
}

// RetrySection governs device-side OTA retry behavior.
type RetrySection struct {
	BaseMs int `json:"baseMs"`
	MaxMs  int `json:"maxMs"`
}

// PoliciesSection carries the fixed ingest and retention policy values.
type PoliciesSection struct {
	IngestLimits IngestLimits `json:"ingestLimits"`
	Retention    Retention    `json:"retention"`
}

// IngestLimits caps device publish behavior.
type IngestLimits struct {
	MaxMessagesPerMinute int `json:"maxMessagesPerMinute"`
	MaxPayloadBytes      int `json:"maxPayloadBytes"`
}

// Retention tells the device how long the platform keeps its data.
type Retention struct {
	TelemetryDays int `json:"telemetryDays"`
	EventDays     int `json:"eventDays"`
}

// ServerTimeSection lets devices correct clock drift.
type ServerTimeSection struct {
	Timestamp      int64 `json:"timestamp"`
	TimezoneOffset int   `json:"timezoneOffset"`
}

// WebsocketSection carries optional websocket transport parameters.
type WebsocketSection struct {
	Enabled     bool   `json:"enabled"`
	URL         string `json:"url,omitempty"`
	ReconnectMs int    `json:"reconnectMs"`
	HeartbeatMs int    `json:"heartbeatMs"`
	TimeoutMs   int    `json:"timeoutMs"`
}
