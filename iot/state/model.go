/*Package state is the persistent data model of the fleet control plane.

All entities are tenant-scoped and stored in postgres, which is the sole
source of truth. Concurrent writers race at the storage layer with
last-write-wins row semantics; there are no application-level locks.
*/
package state

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// DeviceStatus is the lifecycle status of a device.
type DeviceStatus string

const (
	DeviceOnline      DeviceStatus = "online"
	DeviceOffline     DeviceStatus = "offline"
	DeviceError       DeviceStatus = "error"
	DeviceMaintenance DeviceStatus = "maintenance"
)

// RolloutStatus is the lifecycle status of a firmware rollout.
type RolloutStatus string

const (
	RolloutDraft     RolloutStatus = "DRAFT"
	RolloutActive    RolloutStatus = "ACTIVE"
	RolloutPaused    RolloutStatus = "PAUSED"
	RolloutRollback  RolloutStatus = "ROLLBACK"
	RolloutCompleted RolloutStatus = "COMPLETED"
)

// Terminal reports whether the rollout can never change state again.
func (s RolloutStatus) Terminal() bool {
	return s == RolloutRollback || s == RolloutCompleted
}

// TaskStatus is the per-device firmware update status.
type TaskStatus string

const (
	TaskPending     TaskStatus = "PENDING"
	TaskScheduled   TaskStatus = "SCHEDULED"
	TaskDownloading TaskStatus = "DOWNLOADING"
	TaskDownloaded  TaskStatus = "DOWNLOADED"
	TaskInstalling  TaskStatus = "INSTALLING"
	TaskSuccess     TaskStatus = "SUCCESS"
	TaskFailed      TaskStatus = "FAILED"
	TaskCancelled   TaskStatus = "CANCELLED"
)

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskCancelled
}

// Tenant owns devices, firmwares and rollouts.
type Tenant struct {
	TenantID         string    `json:"tenant_id"`
	Name             string    `json:"name"`
	Plan             string    `json:"plan"`
	RequireSignature bool      `json:"require_signature"`
	CreatedAt        time.Time `json:"created_at"`
}

// Device is one device of a tenant. Devices are created on first bootstrap
// (auto-registration) or pre-provisioned, and never hard-deleted here.
type Device struct {
	TenantID        string       `json:"tenant_id"`
	DeviceID        string       `json:"device_id"`
	MAC             string       `json:"mac"`
	DeviceType      string       `json:"device_type"`
	FirmwareVersion string       `json:"firmware_version"`
	FirmwareBuild   string       `json:"firmware_build"`
	HardwareVersion string       `json:"hardware_version"`
	HardwareSerial  string       `json:"hardware_serial"`
	Tags            []string     `json:"tags"`
	Status          DeviceStatus `json:"status"`
	Deleted         bool         `json:"deleted"`
	LastSeen        time.Time    `json:"last_seen"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Capability is a declared device capability, unique per (device, name).
type Capability struct {
	TenantID  string          `json:"tenant_id"`
	DeviceID  string          `json:"device_id"`
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Params    json.RawMessage `json:"params"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Shadow is the dual desired/reported configuration document of a device.
// The version is monotonic and advanced by desired writes only.
type Shadow struct {
	TenantID  string                     `json:"tenant_id"`
	DeviceID  string                     `json:"device_id"`
	Desired   map[string]json.RawMessage `json:"desired"`
	Reported  map[string]json.RawMessage `json:"reported"`
	Version   int64                      `json:"version"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// ShadowHistory is one recorded shadow mutation.
type ShadowHistory struct {
	TenantID    string          `json:"tenant_id"`
	DeviceID    string          `json:"device_id"`
	Version     int64           `json:"version"`
	Section     string          `json:"section"` // desired or reported
	Patch       json.RawMessage `json:"patch"`
	ClientToken string          `json:"client_token,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Firmware is a firmware image registered for a tenant and device type.
type Firmware struct {
	TenantID   string    `json:"tenant_id"`
	FirmwareID uuid.UUID `json:"firmware_id"`
	DeviceType string    `json:"device_type"`
	Version    string    `json:"version"`
	Build      string    `json:"build"`
	Channel    string    `json:"channel"` // stable, beta, dev
	Published  bool      `json:"published"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256"`
	StorageKey string    `json:"storage_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Rollout is a staged firmware distribution for one (tenant, firmware).
type Rollout struct {
	TenantID    string          `json:"tenant_id"`
	RolloutID   uuid.UUID       `json:"rollout_id"`
	FirmwareID  uuid.UUID       `json:"firmware_id"`
	Strategy    json.RawMessage `json:"strategy"`
	Status      RolloutStatus   `json:"status"`
	Stats       json.RawMessage `json:"stats"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	PausedAt    *time.Time      `json:"paused_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Task is the firmware update status of one device within a rollout.
type Task struct {
	TenantID  string     `json:"tenant_id"`
	RolloutID uuid.UUID  `json:"rollout_id"`
	DeviceID  string     `json:"device_id"`
	Status    TaskStatus `json:"status"`
	Progress  int        `json:"progress"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DeviceFilter selects rollout candidate devices. All set fields intersect.
type DeviceFilter struct {
	DeviceType string
	Tags       []string
	DeviceIDs  []string
}
