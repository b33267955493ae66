package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/fleetcontrol/core/csql"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store is the postgres store for all control-plane entities.
type Store struct {
	db *csql.DB
}

// NewStore returns a store and creates the sql relations if they do not
// exist yet.
func NewStore(db *csql.DB) *Store {
	if db == nil {
		panic("DB is missing")
	}
	s := &Store{db: db}
	s.createTablesIfNotExist()
	return s
}

func (s *Store) createTablesIfNotExist() {
	// poor man's database migrations
	_, err := s.db.Exec(`
CREATE table IF NOT EXISTS ` + s.db.Schema + `.tenant
(tenant_id varchar NOT NULL,
name varchar NOT NULL DEFAULT '',
plan varchar NOT NULL DEFAULT 'standard',
require_signature boolean NOT NULL DEFAULT false,
created_at timestamp NOT NULL,
PRIMARY KEY(tenant_id)
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.device
(tenant_id varchar NOT NULL references ` + s.db.Schema + `.tenant(tenant_id) ON DELETE CASCADE,
device_id varchar NOT NULL,
mac varchar NOT NULL,
device_type varchar NOT NULL,
firmware_version varchar NOT NULL DEFAULT '',
firmware_build varchar NOT NULL DEFAULT '',
hardware_version varchar NOT NULL DEFAULT '',
hardware_serial varchar NOT NULL DEFAULT '',
tags varchar[] NOT NULL DEFAULT '{}',
status varchar NOT NULL DEFAULT 'offline',
deleted boolean NOT NULL DEFAULT false,
last_seen timestamp NOT NULL,
created_at timestamp NOT NULL,
PRIMARY KEY(tenant_id, device_id)
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.device_capability
(tenant_id varchar NOT NULL,
device_id varchar NOT NULL,
name varchar NOT NULL,
version varchar NOT NULL DEFAULT '',
params json NOT NULL DEFAULT '{}',
updated_at timestamp NOT NULL,
PRIMARY KEY(tenant_id, device_id, name),
FOREIGN KEY(tenant_id, device_id) references ` + s.db.Schema + `.device(tenant_id, device_id) ON DELETE CASCADE
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.shadow
(tenant_id varchar NOT NULL,
device_id varchar NOT NULL,
desired json NOT NULL DEFAULT '{}',
reported json NOT NULL DEFAULT '{}',
version bigint NOT NULL DEFAULT 0,
updated_at timestamp NOT NULL,
PRIMARY KEY(tenant_id, device_id)
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.shadow_history
(serial SERIAL,
tenant_id varchar NOT NULL,
device_id varchar NOT NULL,
version bigint NOT NULL,
section varchar NOT NULL,
patch json NOT NULL,
client_token varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL,
PRIMARY KEY(serial)
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.firmware
(tenant_id varchar NOT NULL references ` + s.db.Schema + `.tenant(tenant_id) ON DELETE CASCADE,
firmware_id uuid NOT NULL DEFAULT uuid_generate_v4(),
device_type varchar NOT NULL,
version varchar NOT NULL,
build varchar NOT NULL DEFAULT '',
channel varchar NOT NULL DEFAULT 'stable',
published boolean NOT NULL DEFAULT false,
size_bytes bigint NOT NULL DEFAULT 0,
sha256 varchar NOT NULL DEFAULT '',
storage_key varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL,
PRIMARY KEY(tenant_id, firmware_id)
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.firmware_rollout
(tenant_id varchar NOT NULL,
rollout_id uuid NOT NULL DEFAULT uuid_generate_v4(),
firmware_id uuid NOT NULL,
strategy json NOT NULL DEFAULT '{}',
status varchar NOT NULL DEFAULT 'DRAFT',
stats json NOT NULL DEFAULT '{}',
created_at timestamp NOT NULL,
started_at timestamp,
paused_at timestamp,
completed_at timestamp,
PRIMARY KEY(tenant_id, rollout_id),
FOREIGN KEY(tenant_id, firmware_id) references ` + s.db.Schema + `.firmware(tenant_id, firmware_id) ON DELETE CASCADE
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.firmware_update_status
(tenant_id varchar NOT NULL,
rollout_id uuid NOT NULL,
device_id varchar NOT NULL,
status varchar NOT NULL DEFAULT 'PENDING',
progress integer NOT NULL DEFAULT 0,
error varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL,
updated_at timestamp NOT NULL,
PRIMARY KEY(tenant_id, rollout_id, device_id),
FOREIGN KEY(tenant_id, rollout_id) references ` + s.db.Schema + `.firmware_rollout(tenant_id, rollout_id) ON DELETE CASCADE
);`)

	if err != nil {
		panic(err)
	}
}

// GetTenant returns one tenant or ErrNotFound.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	t := Tenant{}
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id,name,plan,require_signature,created_at FROM `+s.db.Schema+`.tenant WHERE tenant_id=$1;`,
		tenantID).Scan(&t.TenantID, &t.Name, &t.Plan, &t.RequireSignature, &t.CreatedAt)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTenant inserts a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Plan == "" {
		t.Plan = "standard"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.tenant(tenant_id,name,plan,require_signature,created_at) VALUES($1,$2,$3,$4,$5);`,
		t.TenantID, t.Name, t.Plan, t.RequireSignature, t.CreatedAt)
	return err
}

// GetDevice returns one device or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, tenantID, deviceID string) (*Device, error) {
	d := Device{}
	var tags pq.StringArray
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id,device_id,mac,device_type,firmware_version,firmware_build,hardware_version,hardware_serial,tags,status,deleted,last_seen,created_at
FROM `+s.db.Schema+`.device WHERE tenant_id=$1 AND device_id=$2;`,
		tenantID, deviceID).Scan(&d.TenantID, &d.DeviceID, &d.MAC, &d.DeviceType,
		&d.FirmwareVersion, &d.FirmwareBuild, &d.HardwareVersion, &d.HardwareSerial,
		&tags, &d.Status, &d.Deleted, &d.LastSeen, &d.CreatedAt)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Tags = tags
	return &d, nil
}

// UpsertDevice creates the device row or updates its mutable fields.
// Empty firmware/hardware fields on update keep their stored value, so a
// degraded bootstrap does not erase previously reported detail.
func (s *Store) UpsertDevice(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	if d.LastSeen.IsZero() {
		d.LastSeen = now
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Status == "" {
		d.Status = DeviceOnline
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device
(tenant_id,device_id,mac,device_type,firmware_version,firmware_build,hardware_version,hardware_serial,tags,status,last_seen,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (tenant_id, device_id) DO UPDATE SET
mac=$3,
device_type=$4,
firmware_version=CASE WHEN $5='' THEN device.firmware_version ELSE $5 END,
firmware_build=CASE WHEN $6='' THEN device.firmware_build ELSE $6 END,
hardware_version=CASE WHEN $7='' THEN device.hardware_version ELSE $7 END,
hardware_serial=CASE WHEN $8='' THEN device.hardware_serial ELSE $8 END,
status=$10,
last_seen=$11;`,
		d.TenantID, d.DeviceID, d.MAC, d.DeviceType,
		d.FirmwareVersion, d.FirmwareBuild, d.HardwareVersion, d.HardwareSerial,
		pq.StringArray(d.Tags), d.Status, d.LastSeen, d.CreatedAt)
	return err
}

// UpsertCapability registers or updates one declared capability.
func (s *Store) UpsertCapability(ctx context.Context, c *Capability) error {
	if len(c.Params) == 0 {
		c.Params = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device_capability(tenant_id,device_id,name,version,params,updated_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (tenant_id, device_id, name) DO UPDATE SET version=$4,params=$5,updated_at=$6;`,
		c.TenantID, c.DeviceID, c.Name, c.Version, []byte(c.Params), time.Now().UTC())
	return err
}

// ListCapabilities returns all capabilities of a device.
func (s *Store) ListCapabilities(ctx context.Context, tenantID, deviceID string) ([]Capability, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id,device_id,name,version,params,updated_at FROM `+s.db.Schema+`.device_capability
WHERE tenant_id=$1 AND device_id=$2 ORDER BY name;`,
		tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	capabilities := []Capability{}
	for rows.Next() {
		c := Capability{}
		var params []byte
		if err := rows.Scan(&c.TenantID, &c.DeviceID, &c.Name, &c.Version, &params, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Params = params
		capabilities = append(capabilities, c)
	}
	return capabilities, rows.Err()
}

// ListCandidates returns the tenant's non-deleted devices that are not in
// error or maintenance, intersected with all set filter fields. The result
// order is stable across calls (created_at, then device_id); increment
// expansion relies on it.
func (s *Store) ListCandidates(ctx context.Context, tenantID string, filter DeviceFilter) ([]Device, error) {
	query := `SELECT tenant_id,device_id,mac,device_type,firmware_version,firmware_build,hardware_version,hardware_serial,tags,status,deleted,last_seen,created_at
FROM ` + s.db.Schema + `.device
WHERE tenant_id=$1 AND deleted=false AND status NOT IN ('error','maintenance')`
	args := []interface{}{tenantID}
	if filter.DeviceType != "" {
		args = append(args, filter.DeviceType)
		query += fmt.Sprintf(" AND device_type=$%d", len(args))
	}
	if len(filter.Tags) > 0 {
		args = append(args, pq.StringArray(filter.Tags))
		query += fmt.Sprintf(" AND tags && $%d", len(args))
	}
	if len(filter.DeviceIDs) > 0 {
		args = append(args, pq.StringArray(filter.DeviceIDs))
		query += fmt.Sprintf(" AND device_id = ANY($%d)", len(args))
	}
	query += " ORDER BY created_at, device_id;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	devices := []Device{}
	for rows.Next() {
		d := Device{}
		var tags pq.StringArray
		if err := rows.Scan(&d.TenantID, &d.DeviceID, &d.MAC, &d.DeviceType,
			&d.FirmwareVersion, &d.FirmwareBuild, &d.HardwareVersion, &d.HardwareSerial,
			&tags, &d.Status, &d.Deleted, &d.LastSeen, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Tags = tags
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetShadow returns the shadow document of a device or ErrNotFound.
func (s *Store) GetShadow(ctx context.Context, tenantID, deviceID string) (*Shadow, error) {
	sh := Shadow{TenantID: tenantID, DeviceID: deviceID}
	var desired, reported []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT desired,reported,version,updated_at FROM `+s.db.Schema+`.shadow WHERE tenant_id=$1 AND device_id=$2;`,
		tenantID, deviceID).Scan(&desired, &reported, &sh.Version, &sh.UpdatedAt)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(desired, &sh.Desired); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reported, &sh.Reported); err != nil {
		return nil, err
	}
	return &sh, nil
}

// PutShadow upserts the full shadow row.
func (s *Store) PutShadow(ctx context.Context, sh *Shadow) error {
	desired, err := json.Marshal(sh.Desired)
	if err != nil {
		return err
	}
	reported, err := json.Marshal(sh.Reported)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.shadow(tenant_id,device_id,desired,reported,version,updated_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (tenant_id, device_id) DO UPDATE SET desired=$3,reported=$4,version=$5,updated_at=$6;`,
		sh.TenantID, sh.DeviceID, desired, reported, sh.Version, sh.UpdatedAt)
	return err
}

// AppendShadowHistory records one shadow mutation.
func (s *Store) AppendShadowHistory(ctx context.Context, h *ShadowHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.shadow_history(tenant_id,device_id,version,section,patch,client_token,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7);`,
		h.TenantID, h.DeviceID, h.Version, h.Section, []byte(h.Patch), h.ClientToken, h.CreatedAt)
	return err
}

// ListShadowHistory returns the most recent shadow mutations, newest first.
func (s *Store) ListShadowHistory(ctx context.Context, tenantID, deviceID string, limit int) ([]ShadowHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id,device_id,version,section,patch,client_token,created_at FROM `+s.db.Schema+`.shadow_history
WHERE tenant_id=$1 AND device_id=$2 ORDER BY serial DESC LIMIT $3;`,
		tenantID, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	history := []ShadowHistory{}
	for rows.Next() {
		h := ShadowHistory{}
		var patch []byte
		if err := rows.Scan(&h.TenantID, &h.DeviceID, &h.Version, &h.Section, &patch, &h.ClientToken, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Patch = patch
		history = append(history, h)
	}
	return history, rows.Err()
}

// CreateFirmware registers a firmware image.
func (s *Store) CreateFirmware(ctx context.Context, f *Firmware) error {
	if f.FirmwareID == uuid.Nil {
		f.FirmwareID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.firmware(tenant_id,firmware_id,device_type,version,build,channel,published,size_bytes,sha256,storage_key,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`,
		f.TenantID, f.FirmwareID, f.DeviceType, f.Version, f.Build, f.Channel,
		f.Published, f.SizeBytes, f.SHA256, f.StorageKey, f.CreatedAt)
	return err
}

// GetFirmware returns one firmware or ErrNotFound.
func (s *Store) GetFirmware(ctx context.Context, tenantID string, firmwareID uuid.UUID) (*Firmware, error) {
	f := Firmware{}
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id,firmware_id,device_type,version,build,channel,published,size_bytes,sha256,storage_key,created_at
FROM `+s.db.Schema+`.firmware WHERE tenant_id=$1 AND firmware_id=$2;`,
		tenantID, firmwareID).Scan(&f.TenantID, &f.FirmwareID, &f.DeviceType, &f.Version, &f.Build,
		&f.Channel, &f.Published, &f.SizeBytes, &f.SHA256, &f.StorageKey, &f.CreatedAt)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// LatestPublishedFirmware returns the newest published firmware for a
// device type and channel, or ErrNotFound.
func (s *Store) LatestPublishedFirmware(ctx context.Context, tenantID, deviceType, channel string) (*Firmware, error) {
	f := Firmware{}
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id,firmware_id,device_type,version,build,channel,published,size_bytes,sha256,storage_key,created_at
FROM `+s.db.Schema+`.firmware
WHERE tenant_id=$1 AND device_type=$2 AND channel=$3 AND published=true
ORDER BY created_at DESC LIMIT 1;`,
		tenantID, deviceType, channel).Scan(&f.TenantID, &f.FirmwareID, &f.DeviceType, &f.Version, &f.Build,
		&f.Channel, &f.Published, &f.SizeBytes, &f.SHA256, &f.StorageKey, &f.CreatedAt)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFirmwares returns all firmware images of a tenant, newest first.
func (s *Store) ListFirmwares(ctx context.Context, tenantID string) ([]Firmware, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id,firmware_id,device_type,version,build,channel,published,size_bytes,sha256,storage_key,created_at
FROM `+s.db.Schema+`.firmware WHERE tenant_id=$1 ORDER BY created_at DESC;`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	firmwares := []Firmware{}
	for rows.Next() {
		f := Firmware{}
		err = rows.Scan(&f.TenantID, &f.FirmwareID, &f.DeviceType, &f.Version, &f.Build,
			&f.Channel, &f.Published, &f.SizeBytes, &f.SHA256, &f.StorageKey, &f.CreatedAt)
		if err != nil {
			return nil, err
		}
		firmwares = append(firmwares, f)
	}
	return firmwares, rows.Err()
}

// SetFirmwarePublished flips the published flag of a firmware.
func (s *Store) SetFirmwarePublished(ctx context.Context, tenantID string, firmwareID uuid.UUID, published bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.firmware SET published=$3 WHERE tenant_id=$1 AND firmware_id=$2;`,
		tenantID, firmwareID, published)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRollout inserts a new rollout row.
func (s *Store) CreateRollout(ctx context.Context, r *Rollout) error {
	if r.RolloutID == uuid.Nil {
		r.RolloutID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if len(r.Strategy) == 0 {
		r.Strategy = json.RawMessage("{}")
	}
	if len(r.Stats) == 0 {
		r.Stats = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.firmware_rollout(tenant_id,rollout_id,firmware_id,strategy,status,stats,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7);`,
		r.TenantID, r.RolloutID, r.FirmwareID, []byte(r.Strategy), r.Status, []byte(r.Stats), r.CreatedAt)
	return err
}

// GetRollout returns one rollout or ErrNotFound.
func (s *Store) GetRollout(ctx context.Context, tenantID string, rolloutID uuid.UUID) (*Rollout, error) {
	r := Rollout{}
	var strategy, stats []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id,rollout_id,firmware_id,strategy,status,stats,created_at,started_at,paused_at,completed_at
FROM `+s.db.Schema+`.firmware_rollout WHERE tenant_id=$1 AND rollout_id=$2;`,
		tenantID, rolloutID).Scan(&r.TenantID, &r.RolloutID, &r.FirmwareID, &strategy, &r.Status,
		&stats, &r.CreatedAt, &r.StartedAt, &r.PausedAt, &r.CompletedAt)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Strategy = strategy
	r.Stats = stats
	return &r, nil
}

// UpdateRollout writes the rollout's status, stats and timestamps.
func (s *Store) UpdateRollout(ctx context.Context, r *Rollout) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.firmware_rollout
SET status=$3,stats=$4,started_at=$5,paused_at=$6,completed_at=$7
WHERE tenant_id=$1 AND rollout_id=$2;`,
		r.TenantID, r.RolloutID, r.Status, []byte(r.Stats), r.StartedAt, r.PausedAt, r.CompletedAt)
	return err
}

// InsertTask inserts one PENDING task. The insert is duplicate-safe: a task
// that already exists for (tenant, rollout, device) is left untouched.
func (s *Store) InsertTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.firmware_update_status(tenant_id,rollout_id,device_id,status,progress,error,created_at,updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (tenant_id, rollout_id, device_id) DO NOTHING;`,
		t.TenantID, t.RolloutID, t.DeviceID, t.Status, t.Progress, t.Error, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask returns one task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, tenantID string, rolloutID uuid.UUID, deviceID string) (*Task, error) {
	t := Task{}
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id,rollout_id,device_id,status,progress,error,created_at,updated_at
FROM `+s.db.Schema+`.firmware_update_status WHERE tenant_id=$1 AND rollout_id=$2 AND device_id=$3;`,
		tenantID, rolloutID, deviceID).Scan(&t.TenantID, &t.RolloutID, &t.DeviceID, &t.Status,
		&t.Progress, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns all tasks of a rollout.
func (s *Store) ListTasks(ctx context.Context, tenantID string, rolloutID uuid.UUID) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id,rollout_id,device_id,status,progress,error,created_at,updated_at
FROM `+s.db.Schema+`.firmware_update_status WHERE tenant_id=$1 AND rollout_id=$2 ORDER BY device_id;`,
		tenantID, rolloutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := []Task{}
	for rows.Next() {
		t := Task{}
		if err := rows.Scan(&t.TenantID, &t.RolloutID, &t.DeviceID, &t.Status,
			&t.Progress, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask writes one task's status, progress and error.
func (s *Store) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.firmware_update_status SET status=$4,progress=$5,error=$6,updated_at=$7
WHERE tenant_id=$1 AND rollout_id=$2 AND device_id=$3;`,
		t.TenantID, t.RolloutID, t.DeviceID, t.Status, t.Progress, t.Error, t.UpdatedAt)
	return err
}

// CancelNonTerminalTasks moves every task that has not yet reached a
// terminal status to CANCELLED. Used by rollback.
func (s *Store) CancelNonTerminalTasks(ctx context.Context, tenantID string, rolloutID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.firmware_update_status SET status='CANCELLED',updated_at=$3
WHERE tenant_id=$1 AND rollout_id=$2 AND status NOT IN ('SUCCESS','FAILED','CANCELLED');`,
		tenantID, rolloutID, time.Now().UTC())
	return err
}
