package bootstrap

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// Request is the device-initiated bootstrap handshake.
type Request struct {
	DeviceID     string           `json:"deviceId"`
	MAC          string           `json:"mac"`
	DeviceType   string           `json:"deviceType"`
	Firmware     *FirmwareInfo    `json:"firmware,omitempty"`
	Hardware     *HardwareInfo    `json:"hardware,omitempty"`
	Capabilities []CapabilityInfo `json:"capabilities,omitempty"`
	TenantID     string           `json:"tenantId,omitempty"`
	Timestamp    int64            `json:"timestamp"`
	Signature    string           `json:"signature,omitempty"`
	MessageID    string           `json:"messageId,omitempty"`
}

// FirmwareInfo is the firmware detail a device reports about itself.
type FirmwareInfo struct {
	Current     string `json:"current,omitempty"`
	Build       string `json:"build,omitempty"`
	MinRequired string `json:"minRequired,omitempty"`
	Channel     string `json:"channel,omitempty"`
}

// HardwareInfo is the hardware detail a device reports about itself.
type HardwareInfo struct {
	Version     string `json:"version,omitempty"`
	Serial      string `json:"serial,omitempty"`
	Description string `json:"description,omitempty"`
}

// CapabilityInfo is one declared device capability.
type CapabilityInfo struct {
	Name    string          `json:"name"`
	Version string          `json:"version,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// requestSchema validates the structural shape of a bootstrap request.
// Firmware and hardware detail is optional: incomplete requests degrade
// gracefully, they are not rejected.
const requestSchema = `{
	"type": "object",
	"required": ["deviceId", "mac", "deviceType", "timestamp"],
	"properties": {
		"deviceId": {"type": "string", "minLength": 1, "maxLength": 128},
		"mac": {"type": "string", "minLength": 1, "maxLength": 64},
		"deviceType": {"type": "string", "minLength": 1, "maxLength": 64},
		"timestamp": {"type": "integer"},
		"tenantId": {"type": "string"},
		"messageId": {"type": "string"},
		"signature": {"type": "string"},
		"firmware": {"type": "object"},
		"hardware": {"type": "object"},
		"capabilities": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {"name": {"type": "string", "minLength": 1}}
			}
		}
	}
}`

func mustCompileRequestSchema() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(requestSchema))
	if err != nil {
		panic(err)
	}
	return schema
}

// validateStructure runs the schema over the raw request and reports the
// first violation.
func validateStructure(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("request is not valid json: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		return fmt.Errorf("invalid request: %s", errs[0].String())
	}
	return nil
}

// hasCompleteInfo reports whether the device sent full firmware and
// hardware detail. It gates full defaults versus minimized placeholders.
func (r *Request) hasCompleteInfo() bool {
	return r.Firmware != nil && r.Firmware.Current != "" &&
		r.Hardware != nil && r.Hardware.Version != ""
}

// canonicalize returns the canonical byte form of the request used for
// signing: decoded to a generic object, signature field removed, encoded
// again with sorted keys.
func canonicalize(body []byte) ([]byte, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, err
	}
	delete(generic, "signature")
	return json.Marshal(generic)
}

// sign computes the hex HMAC-SHA256 of payload with the given secret.
func sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature recomputes the request signature over the canonical form
// and compares in constant time.
func verifySignature(secret, body []byte, signature string) (bool, error) {
	canonical, err := canonicalize(body)
	if err != nil {
		return false, err
	}
	expected := sign(secret, canonical)
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}
