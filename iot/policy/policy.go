/*Package policy derives per-device broker credentials and topic permissions.

The engine is pure computation over a service secret. Credentials are
self-verifying: verification recomputes the same HMAC, no credential store
is involved. The flip side is intentional and documented: anyone holding
the service secret can mint valid credentials for any device. The secret
must be rotated out-of-band, which invalidates all outstanding credentials.
*/
package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// the closed channel set of the topic grammar
const (
	ChannelTelemetry      = "telemetry"
	ChannelStatus         = "status"
	ChannelEvent          = "event"
	ChannelCmd            = "cmd"
	ChannelCmdRes         = "cmdres"
	ChannelShadowDesired  = "shadow/desired"
	ChannelShadowReported = "shadow/reported"
	ChannelCfg            = "cfg"
	ChannelOTAProgress    = "ota/progress"
	ChannelOTAStatus      = "ota/status"
)

// passwords are HMAC digests, base64url encoded and capped
const passwordLength = 32

// Credentials are short-lived broker credentials for one device.
type Credentials struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	ExpiresAt time.Time `json:"passwordExpiresAt"`
}

// ChannelPolicy is the fixed QoS/retain policy of one channel.
type ChannelPolicy struct {
	QoS    byte `json:"qos"`
	Retain bool `json:"retain"`
}

// ACL is the publish/subscribe permission set of one device.
type ACL struct {
	Publish         []string                 `json:"publish"`
	Subscribe       []string                 `json:"subscribe"`
	QoSRetainPolicy map[string]ChannelPolicy `json:"qosRetainPolicy"`
}

// Engine derives credentials and permissions from the service secret.
type Engine struct {
	secret []byte
}

// NewEngine returns a policy engine. The secret is mandatory.
func NewEngine(serviceSecret []byte) *Engine {
	if len(serviceSecret) == 0 {
		panic("service secret is missing")
	}
	return &Engine{secret: serviceSecret}
}

// DeriveCredentials derives deterministic broker credentials for a device.
// The password is an HMAC over username, expiry and device type, so the
// same inputs always yield the same credentials.
func (e *Engine) DeriveCredentials(tenantID, deviceType, deviceID string, expiresAt time.Time) Credentials {
	username := tenantID + "." + deviceType + "." + deviceID
	return Credentials{
		Username:  username,
		Password:  e.password(username, deviceType, expiresAt),
		ExpiresAt: expiresAt,
	}
}

// Token encodes credentials for the MQTT CONNECT password field: the
// expiry in unix milliseconds, a dot, and the derived password. The
// broker decodes the token and recomputes the HMAC, so it needs no
// credential store.
func (c Credentials) Token() string {
	return strconv.FormatInt(c.ExpiresAt.UnixMilli(), 10) + "." + c.Password
}

// ParseToken decodes a CONNECT password token back into credentials.
func ParseToken(username, token string) (Credentials, error) {
	millis, password, found := strings.Cut(token, ".")
	if !found {
		return Credentials{}, fmt.Errorf("malformed credential token")
	}
	expiresAt, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return Credentials{}, fmt.Errorf("malformed credential token expiry")
	}
	return Credentials{
		Username:  username,
		Password:  password,
		ExpiresAt: time.UnixMilli(expiresAt).UTC(),
	}, nil
}

// ParseUsername splits a broker username into tenant, device type and device.
func ParseUsername(username string) (tenantID, deviceType, deviceID string, ok bool) {
	parts := strings.SplitN(username, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return
	}
	return parts[0], parts[1], parts[2], true
}

// VerifyCredentials recomputes the password and compares in constant time.
// Expired credentials never verify.
func (e *Engine) VerifyCredentials(c Credentials, deviceType string, now time.Time) bool {
	if !now.Before(c.ExpiresAt) {
		return false
	}
	expected := e.password(c.Username, deviceType, c.ExpiresAt)
	return hmac.Equal([]byte(expected), []byte(c.Password))
}

func (e *Engine) password(username, deviceType string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, e.secret)
	mac.Write([]byte(username))
	mac.Write([]byte(strconv.FormatInt(expiresAt.UnixMilli(), 10)))
	mac.Write([]byte(deviceType))
	password := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if len(password) > passwordLength {
		password = password[:passwordLength]
	}
	return password
}

// DeriveDeviceSecret derives the per-device signing secret used for
// bootstrap request and response signatures.
func (e *Engine) DeriveDeviceSecret(tenantID, deviceID string) ([]byte, error) {
	if tenantID == "" || deviceID == "" {
		return nil, fmt.Errorf("cannot derive device secret for tenant '%s', device '%s'", tenantID, deviceID)
	}
	mac := hmac.New(sha256.New, e.secret)
	mac.Write([]byte("device-secret:"))
	mac.Write([]byte(tenantID))
	mac.Write([]byte{0})
	mac.Write([]byte(deviceID))
	return mac.Sum(nil), nil
}

// ServiceSign signs a payload with the service secret itself, as a
// fallback when no per-device secret can be derived. The signature is
// hex encoded HMAC-SHA256.
func (e *Engine) ServiceSign(payload []byte) string {
	mac := hmac.New(sha256.New, e.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Topic builds a topic of the fixed grammar
// iot/<tenant>/<deviceType>/<device>/<channel>.
func Topic(tenantID, deviceType, deviceID, channel string) string {
	return "iot/" + tenantID + "/" + deviceType + "/" + deviceID + "/" + channel
}

// GenerateACL returns the permission set for a device. The channel set is
// closed; nothing from any request payload can widen it.
func GenerateACL(tenantID, deviceType, deviceID string) ACL {
	topic := func(channel string) string {
		return Topic(tenantID, deviceType, deviceID, channel)
	}

	return ACL{
		Publish: []string{
			topic(ChannelTelemetry),
			topic(ChannelStatus),
			topic(ChannelEvent),
			topic(ChannelCmdRes),
			topic(ChannelShadowReported),
			topic(ChannelOTAProgress),
		},
		Subscribe: []string{
			topic(ChannelCmd),
			topic(ChannelShadowDesired),
			topic(ChannelCfg),
		},
		// state-carrying channels are QoS1 with retain, event-carrying
		// channels are QoS1 without retain
		QoSRetainPolicy: map[string]ChannelPolicy{
			ChannelTelemetry:      {QoS: 1, Retain: false},
			ChannelStatus:         {QoS: 1, Retain: true},
			ChannelEvent:          {QoS: 1, Retain: false},
			ChannelCmd:            {QoS: 1, Retain: false},
			ChannelCmdRes:         {QoS: 1, Retain: false},
			ChannelShadowDesired:  {QoS: 1, Retain: true},
			ChannelShadowReported: {QoS: 1, Retain: true},
			ChannelCfg:            {QoS: 1, Retain: true},
			ChannelOTAProgress:    {QoS: 1, Retain: false},
			ChannelOTAStatus:      {QoS: 1, Retain: false},
		},
	}
}

// CanPublish reports whether the ACL permits publishing to topic.
func (a ACL) CanPublish(topic string) bool {
	return contains(a.Publish, topic)
}

// CanSubscribe reports whether the ACL permits subscribing to topic.
func (a ACL) CanSubscribe(topic string) bool {
	return contains(a.Subscribe, topic)
}

func contains(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ParseTopic splits a topic of the fixed grammar into tenant, device type,
// device and channel. The channel part may contain one subchannel.
func ParseTopic(topic string) (tenantID, deviceType, deviceID, channel string, ok bool) {
	if !strings.HasPrefix(topic, "iot/") {
		return
	}
	parts := strings.SplitN(strings.TrimPrefix(topic, "iot/"), "/", 4)
	if len(parts) != 4 {
		return
	}
	return parts[0], parts[1], parts[2], parts[3], true
}
