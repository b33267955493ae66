package rollout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/fleetcontrol/iot"
	"github.com/relabs-tech/fleetcontrol/iot/state"
)

// fakeStore keeps rollouts and tasks in memory with stable device order.
type fakeStore struct {
	firmware map[uuid.UUID]*state.Firmware
	rollouts map[uuid.UUID]*state.Rollout
	devices  []state.Device
	tasks    []*state.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		firmware: map[uuid.UUID]*state.Firmware{},
		rollouts: map[uuid.UUID]*state.Rollout{},
	}
}

func (f *fakeStore) GetFirmware(ctx context.Context, tenantID string, firmwareID uuid.UUID) (*state.Firmware, error) {
	fw, ok := f.firmware[firmwareID]
	if !ok || fw.TenantID != tenantID {
		return nil, state.ErrNotFound
	}
	return fw, nil
}

func (f *fakeStore) CreateRollout(ctx context.Context, r *state.Rollout) error {
	c := *r
	f.rollouts[r.RolloutID] = &c
	return nil
}

func (f *fakeStore) GetRollout(ctx context.Context, tenantID string, rolloutID uuid.UUID) (*state.Rollout, error) {
	r, ok := f.rollouts[rolloutID]
	if !ok || r.TenantID != tenantID {
		return nil, state.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (f *fakeStore) UpdateRollout(ctx context.Context, r *state.Rollout) error {
	c := *r
	f.rollouts[r.RolloutID] = &c
	return nil
}

func (f *fakeStore) ListCandidates(ctx context.Context, tenantID string, filter state.DeviceFilter) ([]state.Device, error) {
	var out []state.Device
	for _, d := range f.devices {
		if d.TenantID != tenantID || d.Deleted {
			continue
		}
		if d.Status == state.DeviceError || d.Status == state.DeviceMaintenance {
			continue
		}
		if filter.DeviceType != "" && d.DeviceType != filter.DeviceType {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t *state.Task) error {
	for _, existing := range f.tasks {
		if existing.RolloutID == t.RolloutID && existing.DeviceID == t.DeviceID {
			return nil // duplicate-safe
		}
	}
	c := *t
	f.tasks = append(f.tasks, &c)
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, tenantID string, rolloutID uuid.UUID, deviceID string) (*state.Task, error) {
	for _, t := range f.tasks {
		if t.TenantID == tenantID && t.RolloutID == rolloutID && t.DeviceID == deviceID {
			c := *t
			return &c, nil
		}
	}
	return nil, state.ErrNotFound
}

func (f *fakeStore) ListTasks(ctx context.Context, tenantID string, rolloutID uuid.UUID) ([]state.Task, error) {
	var out []state.Task
	for _, t := range f.tasks {
		if t.TenantID == tenantID && t.RolloutID == rolloutID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t *state.Task) error {
	for i, existing := range f.tasks {
		if existing.RolloutID == t.RolloutID && existing.DeviceID == t.DeviceID {
			c := *t
			f.tasks[i] = &c
			return nil
		}
	}
	return state.ErrNotFound
}

func (f *fakeStore) CancelNonTerminalTasks(ctx context.Context, tenantID string, rolloutID uuid.UUID) error {
	for _, t := range f.tasks {
		if t.TenantID == tenantID && t.RolloutID == rolloutID && !t.Status.Terminal() {
			t.Status = state.TaskCancelled
		}
	}
	return nil
}

func (f *fakeStore) addDevices(tenantID string, count int) {
	for i := 0; i < count; i++ {
		f.devices = append(f.devices, state.Device{
			TenantID:   tenantID,
			DeviceID:   fmt.Sprintf("dev-%03d", i),
			DeviceType: "sensor-v7",
			Status:     state.DeviceOnline,
		})
	}
}

func (f *fakeStore) addFirmware(tenantID string, published bool) uuid.UUID {
	id := uuid.New()
	f.firmware[id] = &state.Firmware{
		TenantID:   tenantID,
		FirmwareID: id,
		DeviceType: "sensor-v7",
		Version:    "2.1.0",
		Channel:    "beta",
		Published:  published,
	}
	return id
}

func newTestManager(store *fakeStore) *Manager {
	return NewManager(&Builder{Store: store})
}

func expectCode(t *testing.T, err error, code iot.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got no error", code)
	}
	if iot.CodeOf(err) != code {
		t.Fatalf("expected %s, got %s (%v)", code, iot.CodeOf(err), err)
	}
}

func TestCreateRequiresPublishedFirmware(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	ctx := context.Background()

	_, err := m.Create(ctx, "acme", uuid.New(), &Strategy{})
	expectCode(t, err, iot.ErrCodeNotFound)

	unpublished := store.addFirmware("acme", false)
	_, err = m.Create(ctx, "acme", unpublished, &Strategy{})
	expectCode(t, err, iot.ErrCodeStateConflict)

	published := store.addFirmware("acme", true)
	rollout, err := m.Create(ctx, "acme", published, &Strategy{})
	if err != nil {
		t.Fatal(err)
	}
	if rollout.Status != state.RolloutDraft {
		t.Errorf("expected DRAFT, got %s", rollout.Status)
	}
	if stats := mustStats(rollout); stats.Total != 0 {
		t.Errorf("expected zeroed stats, got %+v", stats)
	}
}

func TestStrategyValidation(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	fw := store.addFirmware("acme", true)

	bad := []*Strategy{
		{Percentage: 101},
		{Percentage: -1},
		{FailureThreshold: 1.5},
		{Increments: []int{20, 10}},
		{Increments: []int{0, 50}},
		{TimeoutMinutes: -5},
	}
	for _, strategy := range bad {
		_, err := m.Create(context.Background(), "acme", fw, strategy)
		expectCode(t, err, iot.ErrCodeValidation)
	}
}

func TestStartPercentageSelection(t *testing.T) {
	store := newFakeStore()
	store.addDevices("acme", 100)
	m := newTestManager(store)
	ctx := context.Background()

	fw := store.addFirmware("acme", true)
	created, err := m.Create(ctx, "acme", fw, &Strategy{Percentage: 10})
	if err != nil {
		t.Fatal(err)
	}
	rollout, err := m.Start(ctx, "acme", created.RolloutID)
	if err != nil {
		t.Fatal(err)
	}

	if rollout.Status != state.RolloutActive {
		t.Errorf("expected ACTIVE, got %s", rollout.Status)
	}
	if rollout.StartedAt == nil {
		t.Error("expected startedAt to be stamped")
	}
	tasks, _ := store.ListTasks(ctx, "acme", rollout.RolloutID)
	if len(tasks) != 10 {
		t.Fatalf("expected exactly 10 tasks for percentage=10 over 100 devices, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != state.TaskPending {
			t.Errorf("expected PENDING, got %s for %s", task.Status, task.DeviceID)
		}
	}
	stats := mustStats(rollout)
	if stats.Total != 10 || stats.Pending != 10 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestStartWithoutTargetsFails(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	ctx := context.Background()

	fw := store.addFirmware("acme", true)
	created, err := m.Create(ctx, "acme", fw, &Strategy{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Start(ctx, "acme", created.RolloutID)
	expectCode(t, err, iot.ErrCodeStateConflict)

	reloaded, _ := m.Get(ctx, "acme", created.RolloutID)
	if reloaded.Status != state.RolloutDraft {
		t.Errorf("a failed start must leave the rollout in DRAFT, got %s", reloaded.Status)
	}
}

func TestPauseResumePreconditions(t *testing.T) {
	store := newFakeStore()
	store.addDevices("acme", 10)
	m := newTestManager(store)
	ctx := context.Background()

	fw := store.addFirmware("acme", true)
	created, _ := m.Create(ctx, "acme", fw, &Strategy{})

	_, err := m.Pause(ctx, "acme", created.RolloutID)
	expectCode(t, err, iot.ErrCodeStateConflict)
	_, err = m.Resume(ctx, "acme", created.RolloutID)
	expectCode(t, err, iot.ErrCodeStateConflict)

	if _, err := m.Start(ctx, "acme", created.RolloutID); err != nil {
		t.Fatal(err)
	}
	rollout, err := m.Pause(ctx, "acme", created.RolloutID)
	if err != nil {
		t.Fatal(err)
	}
	if rollout.Status != state.RolloutPaused || rollout.PausedAt == nil {
		t.Errorf("expected PAUSED with pausedAt, got %s", rollout.Status)
	}
	rollout, err = m.Resume(ctx, "acme", created.RolloutID)
	if err != nil {
		t.Fatal(err)
	}
	if rollout.Status != state.RolloutActive {
		t.Errorf("expected ACTIVE, got %s", rollout.Status)
	}
}

func TestRollbackCancelsTasks(t *testing.T) {
	store := newFakeStore()
	store.addDevices("acme", 10)
	m := newTestManager(store)
	ctx := context.Background()

	fw := store.addFirmware("acme", true)
	created, _ := m.Create(ctx, "acme", fw, &Strategy{})
	if _, err := m.Start(ctx, "acme", created.RolloutID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "dev-000", state.TaskSuccess, 100, ""); err != nil {
		t.Fatal(err)
	}

	rollout, err := m.Rollback(ctx, "acme", created.RolloutID)
	if err != nil {
		t.Fatal(err)
	}
	if rollout.Status != state.RolloutRollback || rollout.CompletedAt == nil {
		t.Fatalf("expected ROLLBACK with completedAt, got %s", rollout.Status)
	}
	tasks, _ := store.ListTasks(ctx, "acme", rollout.RolloutID)
	for _, task := range tasks {
		if task.DeviceID == "dev-000" {
			if task.Status != state.TaskSuccess {
				t.Errorf("rollback must not touch terminal tasks, got %s", task.Status)
			}
			continue
		}
		if task.Status != state.TaskCancelled {
			t.Errorf("expected CANCELLED for %s, got %s", task.DeviceID, task.Status)
		}
	}

	// irreversible
	_, err = m.Rollback(ctx, "acme", created.RolloutID)
	expectCode(t, err, iot.ErrCodeStateConflict)
	_, err = m.Start(ctx, "acme", created.RolloutID)
	expectCode(t, err, iot.ErrCodeStateConflict)
}

func TestAutoRollbackOnFailureRate(t *testing.T) {
	store := newFakeStore()
	store.addDevices("acme", 12)
	m := newTestManager(store)
	ctx := context.Background()

	fw := store.addFirmware("acme", true)
	created, _ := m.Create(ctx, "acme", fw, &Strategy{FailureThreshold: 0.5})
	if _, err := m.Start(ctx, "acme", created.RolloutID); err != nil {
		t.Fatal(err)
	}

	// 2 successes, then failures; rate drops below 0.5 immediately but
	// rollback must wait for the 10-sample guard
	report := func(i int, status state.TaskStatus) *state.Rollout {
		t.Helper()
		rollout, err := m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, fmt.Sprintf("dev-%03d", i), status, 100, "")
		if err != nil {
			t.Fatal(err)
		}
		return rollout
	}
	report(0, state.TaskSuccess)
	report(1, state.TaskSuccess)
	for i := 2; i < 9; i++ {
		if rollout := report(i, state.TaskFailed); rollout.Status != state.RolloutActive {
			t.Fatalf("rollback fired with only %d terminal tasks", i+1)
		}
	}
	rollout := report(9, state.TaskFailed) // tenth terminal sample
	if rollout.Status != state.RolloutRollback {
		t.Fatalf("expected ROLLBACK at 10 terminal tasks with rate 0.2, got %s", rollout.Status)
	}
	tasks, _ := store.ListTasks(ctx, "acme", rollout.RolloutID)
	for _, task := range tasks {
		if !task.Status.Terminal() {
			t.Errorf("expected all tasks terminal after rollback, %s is %s", task.DeviceID, task.Status)
		}
	}
}

func TestAutoRollbackOnTimeout(t *testing.T) {
	store := newFakeStore()
	store.addDevices("acme", 10)
	m := newTestManager(store)
	ctx := context.Background()

	fw := store.addFirmware("acme", true)
	created, _ := m.Create(ctx, "acme", fw, &Strategy{TimeoutMinutes: 30})
	if _, err := m.Start(ctx, "acme", created.RolloutID); err != nil {
		t.Fatal(err)
	}

	// no background timer: nothing happens until the next event arrives
	m.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	rollout, err := m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "dev-000", state.TaskDownloading, 50, "")
	if err != nil {
		t.Fatal(err)
	}
	if rollout.Status != state.RolloutRollback {
		t.Fatalf("expected ROLLBACK after the timeout, got %s", rollout.Status)
	}
}

func TestCompletionExactlyOnce(t *testing.T) {
	store := newFakeStore()
	store.addDevices("acme", 3)
	m := newTestManager(store)
	ctx := context.Background()

	fw := store.addFirmware("acme", true)
	created, _ := m.Create(ctx, "acme", fw, &Strategy{})
	if _, err := m.Start(ctx, "acme", created.RolloutID); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, fmt.Sprintf("dev-%03d", i), state.TaskSuccess, 100, ""); err != nil {
			t.Fatal(err)
		}
	}
	rollout, _ := m.Get(ctx, "acme", created.RolloutID)
	if rollout.Status != state.RolloutCompleted {
		t.Fatalf("expected COMPLETED, got %s", rollout.Status)
	}
	completedAt := *rollout.CompletedAt

	// a late report does not reopen or restamp the rollout
	if _, err := m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "dev-000", state.TaskFailed, 0, "late"); err != nil {
		t.Fatal(err)
	}
	rollout, _ = m.Get(ctx, "acme", created.RolloutID)
	if rollout.Status != state.RolloutCompleted {
		t.Errorf("completion must be final, got %s", rollout.Status)
	}
	if !rollout.CompletedAt.Equal(completedAt) {
		t.Error("completedAt must be stamped exactly once")
	}
	stats := mustStats(rollout)
	if stats.Success != 3 {
		t.Errorf("late report must not change the recorded outcome, stats %+v", stats)
	}
}

func TestForwardOnlyTaskTransitions(t *testing.T) {
	store := newFakeStore()
	store.addDevices("acme", 10)
	m := newTestManager(store)
	ctx := context.Background()

	fw := store.addFirmware("acme", true)
	created, _ := m.Create(ctx, "acme", fw, &Strategy{})
	if _, err := m.Start(ctx, "acme", created.RolloutID); err != nil {
		t.Fatal(err)
	}

	if _, err := m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "dev-000", state.TaskInstalling, 80, ""); err != nil {
		t.Fatal(err)
	}
	_, err := m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "dev-000", state.TaskDownloading, 10, "")
	expectCode(t, err, iot.ErrCodeStateConflict)

	// CANCELLED is reserved for rollback
	_, err = m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "dev-001", state.TaskCancelled, 0, "")
	expectCode(t, err, iot.ErrCodeStateConflict)

	// terminal tasks take no further reports
	if _, err := m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "dev-000", state.TaskSuccess, 100, ""); err != nil {
		t.Fatal(err)
	}
	_, err = m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "dev-000", state.TaskInstalling, 50, "")
	expectCode(t, err, iot.ErrCodeStateConflict)

	// devices outside the rollout are rejected
	_, err = m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "stranger", state.TaskDownloading, 0, "")
	expectCode(t, err, iot.ErrCodeNotFound)
}

func TestAdvanceToNextIncrement(t *testing.T) {
	store := newFakeStore()
	store.addDevices("acme", 100)
	m := newTestManager(store)
	ctx := context.Background()

	fw := store.addFirmware("acme", true)
	created, _ := m.Create(ctx, "acme", fw, &Strategy{Increments: []int{10, 50}})
	if _, err := m.Start(ctx, "acme", created.RolloutID); err != nil {
		t.Fatal(err)
	}
	tasks, _ := store.ListTasks(ctx, "acme", created.RolloutID)
	if len(tasks) != 10 {
		t.Fatalf("expected the first increment to cover 10 devices, got %d", len(tasks))
	}
	firstWave := map[string]bool{}
	for _, task := range tasks {
		firstWave[task.DeviceID] = true
	}

	rollout, err := m.AdvanceToNextIncrement(ctx, "acme", created.RolloutID)
	if err != nil {
		t.Fatal(err)
	}
	tasks, _ = store.ListTasks(ctx, "acme", rollout.RolloutID)
	if len(tasks) != 50 {
		t.Fatalf("expected 50 tasks after advancing, got %d", len(tasks))
	}
	// stable order: the first wave is a prefix of the second
	for device := range firstWave {
		if _, err := store.GetTask(ctx, "acme", rollout.RolloutID, device); err != nil {
			t.Errorf("device %s from the first wave lost its task", device)
		}
	}

	// no increment beyond the last declared one
	_, err = m.AdvanceToNextIncrement(ctx, "acme", created.RolloutID)
	expectCode(t, err, iot.ErrCodeStateConflict)
}

func TestAdvanceRequiresStagedStrategy(t *testing.T) {
	store := newFakeStore()
	store.addDevices("acme", 10)
	m := newTestManager(store)
	ctx := context.Background()

	fw := store.addFirmware("acme", true)
	created, _ := m.Create(ctx, "acme", fw, &Strategy{Percentage: 50})
	if _, err := m.Start(ctx, "acme", created.RolloutID); err != nil {
		t.Fatal(err)
	}
	_, err := m.AdvanceToNextIncrement(ctx, "acme", created.RolloutID)
	expectCode(t, err, iot.ErrCodeStateConflict)
}

func TestGetStats(t *testing.T) {
	store := newFakeStore()
	store.addDevices("acme", 4)
	m := newTestManager(store)
	ctx := context.Background()

	fw := store.addFirmware("acme", true)
	created, _ := m.Create(ctx, "acme", fw, &Strategy{})
	if _, err := m.Start(ctx, "acme", created.RolloutID); err != nil {
		t.Fatal(err)
	}
	m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "dev-000", state.TaskSuccess, 100, "")
	m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "dev-001", state.TaskFailed, 0, "flash error")
	m.UpdateDeviceProgress(ctx, "acme", created.RolloutID, "dev-002", state.TaskDownloaded, 100, "")

	stats, err := m.GetStats(ctx, "acme", created.RolloutID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 4 || stats.Success != 1 || stats.Failed != 1 || stats.Downloading != 1 || stats.Pending != 1 {
		t.Errorf("unexpected partition %+v", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5, got %g", stats.SuccessRate)
	}

	_, err = m.GetStats(ctx, "acme", uuid.New())
	expectCode(t, err, iot.ErrCodeNotFound)
}
