/*Package rollout manages staged fleet-wide firmware distribution.

A rollout moves DRAFT to ACTIVE on start, can pause and resume, and ends
in exactly one of the terminal states ROLLBACK or COMPLETED. Tasks move
forward only; CANCELLED is the single escape used by rollback. Auto
rollback is evaluated synchronously inside progress updates, there is no
background timer: a rollout that stalls past its timeout rolls back on
the next progress event, not before.

Concurrent progress updates for the same rollout race at the storage
layer with last-write-wins stats; the task rows stay the source of truth
and every update recomputes the partition from scratch.
*/
package rollout

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/fleetcontrol/core/logger"
	"github.com/relabs-tech/fleetcontrol/iot"
	"github.com/relabs-tech/fleetcontrol/iot/fwstore"
	"github.com/relabs-tech/fleetcontrol/iot/notify"
	"github.com/relabs-tech/fleetcontrol/iot/policy"
	"github.com/relabs-tech/fleetcontrol/iot/state"
)

// minRollbackSamples guards the failure-rate trigger against tiny samples.
const minRollbackSamples = 10

// Store is the persistence the rollout manager needs.
type Store interface {
	GetFirmware(ctx context.Context, tenantID string, firmwareID uuid.UUID) (*state.Firmware, error)
	CreateRollout(ctx context.Context, r *state.Rollout) error
	GetRollout(ctx context.Context, tenantID string, rolloutID uuid.UUID) (*state.Rollout, error)
	UpdateRollout(ctx context.Context, r *state.Rollout) error
	ListCandidates(ctx context.Context, tenantID string, filter state.DeviceFilter) ([]state.Device, error)
	InsertTask(ctx context.Context, t *state.Task) error
	GetTask(ctx context.Context, tenantID string, rolloutID uuid.UUID, deviceID string) (*state.Task, error)
	ListTasks(ctx context.Context, tenantID string, rolloutID uuid.UUID) ([]state.Task, error)
	UpdateTask(ctx context.Context, t *state.Task) error
	CancelNonTerminalTasks(ctx context.Context, tenantID string, rolloutID uuid.UUID) error
}

// Manager is the OTA rollout manager.
type Manager struct {
	store     Store
	bus       *notify.Bus
	publisher iot.MessagePublisher
	firmware  fwstore.Driver
	urlTTL    time.Duration
	now       func() time.Time
}

// Builder is a builder helper for the rollout manager.
type Builder struct {
	// Store is the persistent store. This is mandatory.
	Store Store
	// Bus is the in-process event bus. This is optional.
	Bus *notify.Bus
	// Publisher publishes per-device update notifications. This is optional.
	Publisher iot.MessagePublisher
	// Firmware mints download URLs for device notifications. This is optional.
	Firmware fwstore.Driver
	// DownloadURLTTL is the lifetime of minted download URLs,
	// default is 24h.
	DownloadURLTTL time.Duration
}

// NewManager realizes the rollout manager.
func NewManager(b *Builder) *Manager {
	if b.Store == nil {
		panic("Store is missing")
	}
	urlTTL := b.DownloadURLTTL
	if urlTTL == 0 {
		urlTTL = 24 * time.Hour
	}
	return &Manager{
		store:     b.Store,
		bus:       b.Bus,
		publisher: b.Publisher,
		firmware:  b.Firmware,
		urlTTL:    urlTTL,
		now:       time.Now,
	}
}

// SetPublisher wires the device notification publisher. The broker needs
// the manager for progress ingestion, so the publisher is set after both
// are constructed.
func (m *Manager) SetPublisher(p iot.MessagePublisher) {
	m.publisher = p
}

// Create creates a DRAFT rollout for a published firmware of the tenant.
func (m *Manager) Create(ctx context.Context, tenantID string, firmwareID uuid.UUID, strategy *Strategy) (*state.Rollout, error) {
	if err := strategy.validate(); err != nil {
		return nil, iot.WrapError(iot.ErrCodeValidation, err, "invalid strategy")
	}
	firmware, err := m.store.GetFirmware(ctx, tenantID, firmwareID)
	if err == state.ErrNotFound {
		return nil, iot.NewError(iot.ErrCodeNotFound, "no such firmware '%s'", firmwareID)
	}
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot load firmware")
	}
	if !firmware.Published {
		return nil, iot.NewError(iot.ErrCodeStateConflict, "firmware '%s' is not published", firmwareID)
	}

	rawStrategy, err := json.Marshal(strategy)
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodeInternal, err, "cannot marshal strategy")
	}
	rawStats, _ := json.Marshal(Stats{})
	rollout := &state.Rollout{
		TenantID:   tenantID,
		RolloutID:  uuid.New(),
		FirmwareID: firmwareID,
		Strategy:   rawStrategy,
		Status:     state.RolloutDraft,
		Stats:      rawStats,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.CreateRollout(ctx, rollout); err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot create rollout")
	}
	return rollout, nil
}

// Start selects the target devices and activates the rollout. Valid only
// from DRAFT or PAUSED; fails without a state change when the selection
// comes up empty.
func (m *Manager) Start(ctx context.Context, tenantID string, rolloutID uuid.UUID) (*state.Rollout, error) {
	rollout, strategy, err := m.load(ctx, tenantID, rolloutID)
	if err != nil {
		return nil, err
	}
	if rollout.Status != state.RolloutDraft && rollout.Status != state.RolloutPaused {
		return nil, iot.NewError(iot.ErrCodeStateConflict, "cannot start a %s rollout", rollout.Status)
	}

	candidates, err := m.store.ListCandidates(ctx, tenantID, strategy.filter())
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot select candidates")
	}
	targets := firstPercent(candidates, strategy.initialPercentage())
	if len(targets) == 0 {
		return nil, iot.NewError(iot.ErrCodeStateConflict, "rollout targets no devices")
	}

	now := m.now().UTC()
	for i := range targets {
		err := m.store.InsertTask(ctx, &state.Task{
			TenantID:  tenantID,
			RolloutID: rolloutID,
			DeviceID:  targets[i].DeviceID,
			Status:    state.TaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot create task for device '%s'", targets[i].DeviceID)
		}
	}

	rollout.Status = state.RolloutActive
	if rollout.StartedAt == nil {
		rollout.StartedAt = &now
	}
	if err := m.refreshStats(ctx, rollout); err != nil {
		return nil, err
	}
	m.notifyState(rollout)
	m.notifyDevices(ctx, rollout, targets)
	return rollout, nil
}

// Pause pauses an active rollout. Existing tasks are not touched.
func (m *Manager) Pause(ctx context.Context, tenantID string, rolloutID uuid.UUID) (*state.Rollout, error) {
	rollout, _, err := m.load(ctx, tenantID, rolloutID)
	if err != nil {
		return nil, err
	}
	if rollout.Status != state.RolloutActive {
		return nil, iot.NewError(iot.ErrCodeStateConflict, "cannot pause a %s rollout", rollout.Status)
	}
	now := m.now().UTC()
	rollout.Status = state.RolloutPaused
	rollout.PausedAt = &now
	if err := m.store.UpdateRollout(ctx, rollout); err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot update rollout")
	}
	m.notifyState(rollout)
	return rollout, nil
}

// Resume reactivates a paused rollout.
func (m *Manager) Resume(ctx context.Context, tenantID string, rolloutID uuid.UUID) (*state.Rollout, error) {
	rollout, _, err := m.load(ctx, tenantID, rolloutID)
	if err != nil {
		return nil, err
	}
	if rollout.Status != state.RolloutPaused {
		return nil, iot.NewError(iot.ErrCodeStateConflict, "cannot resume a %s rollout", rollout.Status)
	}
	rollout.Status = state.RolloutActive
	if err := m.store.UpdateRollout(ctx, rollout); err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot update rollout")
	}
	m.notifyState(rollout)
	return rollout, nil
}

// Rollback aborts the rollout from any non-terminal state. Every
// non-terminal task becomes CANCELLED. Irreversible.
func (m *Manager) Rollback(ctx context.Context, tenantID string, rolloutID uuid.UUID) (*state.Rollout, error) {
	rollout, _, err := m.load(ctx, tenantID, rolloutID)
	if err != nil {
		return nil, err
	}
	if rollout.Status.Terminal() {
		return nil, iot.NewError(iot.ErrCodeStateConflict, "cannot roll back a %s rollout", rollout.Status)
	}
	if err := m.rollback(ctx, rollout); err != nil {
		return nil, err
	}
	return rollout, nil
}

func (m *Manager) rollback(ctx context.Context, rollout *state.Rollout) error {
	if err := m.store.CancelNonTerminalTasks(ctx, rollout.TenantID, rollout.RolloutID); err != nil {
		return iot.WrapError(iot.ErrCodePersistence, err, "cannot cancel tasks")
	}
	now := m.now().UTC()
	rollout.Status = state.RolloutRollback
	rollout.CompletedAt = &now
	if err := m.refreshStats(ctx, rollout); err != nil {
		return err
	}
	m.notifyState(rollout)
	return nil
}

// UpdateDeviceProgress records one device's task progress, recomputes the
// stats partition and synchronously evaluates auto-rollback and completion.
func (m *Manager) UpdateDeviceProgress(ctx context.Context, tenantID string, rolloutID uuid.UUID, deviceID string, status state.TaskStatus, progress int, errorMessage string) (*state.Rollout, error) {
	rollout, strategy, err := m.load(ctx, tenantID, rolloutID)
	if err != nil {
		return nil, err
	}
	if rollout.Status.Terminal() {
		// late report from a device, the rollout outcome stands
		logger.FromContext(ctx).WithField("device", deviceID).
			Debugf("progress report for %s rollout ignored", rollout.Status)
		return rollout, nil
	}

	task, err := m.store.GetTask(ctx, tenantID, rolloutID, deviceID)
	if err == state.ErrNotFound {
		return nil, iot.NewError(iot.ErrCodeNotFound, "device '%s' is not part of this rollout", deviceID)
	}
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot load task")
	}
	if !forwardTransition(task.Status, status) {
		return nil, iot.NewError(iot.ErrCodeStateConflict, "task cannot move from %s to %s", task.Status, status)
	}
	task.Status = status
	task.Progress = progress
	task.Error = errorMessage
	task.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot update task")
	}

	if err := m.refreshStats(ctx, rollout); err != nil {
		return nil, err
	}
	stats := mustStats(rollout)
	m.notifyProgress(rollout, deviceID)

	if m.shouldRollback(rollout, strategy, stats) {
		logger.FromContext(ctx).Warnf("rollout %s auto-rollback, success rate %.2f over %d terminal tasks",
			rollout.RolloutID, stats.SuccessRate, stats.Success+stats.Failed)
		if err := m.rollback(ctx, rollout); err != nil {
			return nil, err
		}
		return rollout, nil
	}

	if !stats.active() && rollout.Status == state.RolloutActive {
		now := m.now().UTC()
		rollout.Status = state.RolloutCompleted
		if rollout.CompletedAt == nil {
			rollout.CompletedAt = &now
		}
		if err := m.store.UpdateRollout(ctx, rollout); err != nil {
			return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot complete rollout")
		}
		m.notifyState(rollout)
	}
	return rollout, nil
}

// AdvanceToNextIncrement expands a staged rollout to the smallest declared
// increment above the current coverage. Selection order is stable, so the
// positional slice extends the previous target set.
func (m *Manager) AdvanceToNextIncrement(ctx context.Context, tenantID string, rolloutID uuid.UUID) (*state.Rollout, error) {
	rollout, strategy, err := m.load(ctx, tenantID, rolloutID)
	if err != nil {
		return nil, err
	}
	if rollout.Status != state.RolloutActive {
		return nil, iot.NewError(iot.ErrCodeStateConflict, "cannot advance a %s rollout", rollout.Status)
	}
	if len(strategy.Increments) == 0 {
		return nil, iot.NewError(iot.ErrCodeStateConflict, "rollout has no staged increments")
	}

	candidates, err := m.store.ListCandidates(ctx, tenantID, strategy.filter())
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot select candidates")
	}
	if len(candidates) == 0 {
		return nil, iot.NewError(iot.ErrCodeStateConflict, "rollout targets no devices")
	}
	tasks, err := m.store.ListTasks(ctx, tenantID, rolloutID)
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot list tasks")
	}

	coverage := len(tasks) * 100 / len(candidates)
	next := 0
	for _, increment := range strategy.Increments {
		if increment > coverage {
			next = increment
			break
		}
	}
	if next == 0 {
		return nil, iot.NewError(iot.ErrCodeStateConflict, "no increment above the current %d%% coverage", coverage)
	}

	targets := firstPercent(candidates, next)
	covered := map[string]bool{}
	for i := range tasks {
		covered[tasks[i].DeviceID] = true
	}
	now := m.now().UTC()
	var added []state.Device
	for i := range targets {
		if covered[targets[i].DeviceID] {
			continue
		}
		err := m.store.InsertTask(ctx, &state.Task{
			TenantID:  tenantID,
			RolloutID: rolloutID,
			DeviceID:  targets[i].DeviceID,
			Status:    state.TaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot create task for device '%s'", targets[i].DeviceID)
		}
		added = append(added, targets[i])
	}

	if err := m.refreshStats(ctx, rollout); err != nil {
		return nil, err
	}
	m.notifyState(rollout)
	m.notifyDevices(ctx, rollout, added)
	return rollout, nil
}

// GetStats recomputes and returns the current stats partition.
func (m *Manager) GetStats(ctx context.Context, tenantID string, rolloutID uuid.UUID) (*Stats, error) {
	if _, err := m.store.GetRollout(ctx, tenantID, rolloutID); err == state.ErrNotFound {
		return nil, iot.NewError(iot.ErrCodeNotFound, "no such rollout '%s'", rolloutID)
	} else if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot load rollout")
	}
	tasks, err := m.store.ListTasks(ctx, tenantID, rolloutID)
	if err != nil {
		return nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot list tasks")
	}
	stats := computeStats(tasks)
	return &stats, nil
}

// Get returns the rollout as stored.
func (m *Manager) Get(ctx context.Context, tenantID string, rolloutID uuid.UUID) (*state.Rollout, error) {
	rollout, _, err := m.load(ctx, tenantID, rolloutID)
	return rollout, err
}

func (m *Manager) load(ctx context.Context, tenantID string, rolloutID uuid.UUID) (*state.Rollout, *Strategy, error) {
	rollout, err := m.store.GetRollout(ctx, tenantID, rolloutID)
	if err == state.ErrNotFound {
		return nil, nil, iot.NewError(iot.ErrCodeNotFound, "no such rollout '%s'", rolloutID)
	}
	if err != nil {
		return nil, nil, iot.WrapError(iot.ErrCodePersistence, err, "cannot load rollout")
	}
	strategy, err := parseStrategy(rollout.Strategy)
	if err != nil {
		return nil, nil, iot.WrapError(iot.ErrCodeInternal, err, "cannot parse stored strategy")
	}
	return rollout, strategy, nil
}

// refreshStats re-partitions all tasks and persists the rollout.
func (m *Manager) refreshStats(ctx context.Context, rollout *state.Rollout) error {
	tasks, err := m.store.ListTasks(ctx, rollout.TenantID, rollout.RolloutID)
	if err != nil {
		return iot.WrapError(iot.ErrCodePersistence, err, "cannot list tasks")
	}
	rollout.Stats, _ = json.Marshal(computeStats(tasks))
	if err := m.store.UpdateRollout(ctx, rollout); err != nil {
		return iot.WrapError(iot.ErrCodePersistence, err, "cannot update rollout")
	}
	return nil
}

func (m *Manager) shouldRollback(rollout *state.Rollout, strategy *Strategy, stats Stats) bool {
	if rollout.Status != state.RolloutActive {
		return false
	}
	if strategy.FailureThreshold > 0 {
		terminal := stats.Success + stats.Failed
		if terminal >= minRollbackSamples && stats.SuccessRate < 1-strategy.FailureThreshold {
			return true
		}
	}
	if strategy.TimeoutMinutes > 0 && rollout.StartedAt != nil {
		if m.now().Sub(*rollout.StartedAt) > time.Duration(strategy.TimeoutMinutes)*time.Minute {
			return true
		}
	}
	return false
}

func mustStats(rollout *state.Rollout) Stats {
	var stats Stats
	json.Unmarshal(rollout.Stats, &stats)
	return stats
}

func (m *Manager) notifyState(rollout *state.Rollout) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"rolloutId": rollout.RolloutID,
		"status":    rollout.Status,
		"stats":     rollout.Stats,
	})
	m.bus.Publish(notify.Event{
		Kind:     notify.KindRolloutState,
		TenantID: rollout.TenantID,
		Payload:  payload,
	})
}

func (m *Manager) notifyProgress(rollout *state.Rollout, deviceID string) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"rolloutId": rollout.RolloutID,
		"stats":     rollout.Stats,
	})
	m.bus.Publish(notify.Event{
		Kind:     notify.KindRolloutProgress,
		TenantID: rollout.TenantID,
		DeviceID: deviceID,
		Payload:  payload,
	})
}

// notifyDevices fans out per-device update commands. Best effort, a lost
// notification is recovered by the device's next bootstrap; the task row
// is the source of truth.
func (m *Manager) notifyDevices(ctx context.Context, rollout *state.Rollout, targets []state.Device) {
	if m.publisher == nil || len(targets) == 0 {
		return
	}
	firmware, err := m.store.GetFirmware(ctx, rollout.TenantID, rollout.FirmwareID)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("cannot load firmware for device notifications")
		return
	}
	offer := map[string]interface{}{
		"type":      "ota",
		"rolloutId": rollout.RolloutID,
		"firmware": map[string]interface{}{
			"version":   firmware.Version,
			"build":     firmware.Build,
			"channel":   firmware.Channel,
			"sizeBytes": firmware.SizeBytes,
			"sha256":    firmware.SHA256,
		},
	}
	if m.firmware != nil && firmware.StorageKey != "" {
		url, err := m.firmware.SignedURL(fwstore.Get, firmware.StorageKey, m.urlTTL)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warn("cannot mint firmware URL for device notifications")
		} else {
			offer["firmware"].(map[string]interface{})["url"] = url
		}
	}
	payload, _ := json.Marshal(offer)
	for i := range targets {
		topic := policy.Topic(rollout.TenantID, targets[i].DeviceType, targets[i].DeviceID, policy.ChannelCmd)
		m.publisher.PublishMessageQ1(topic, payload)
	}
}

// firstPercent takes the first percent of the stably ordered candidates.
func firstPercent(candidates []state.Device, percent int) []state.Device {
	if percent >= 100 {
		return candidates
	}
	return candidates[:len(candidates)*percent/100]
}

// forwardTransition enforces forward-only task progress. CANCELLED is
// reserved for rollback and never reachable through a progress report.
func forwardTransition(from, to state.TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == state.TaskCancelled {
		return false
	}
	return taskRank(to) > taskRank(from)
}

func taskRank(status state.TaskStatus) int {
	switch status {
	case state.TaskPending:
		return 0
	case state.TaskScheduled:
		return 1
	case state.TaskDownloading:
		return 2
	case state.TaskDownloaded:
		return 3
	case state.TaskInstalling:
		return 4
	case state.TaskSuccess, state.TaskFailed, state.TaskCancelled:
		return 5
	}
	return -1
}
