package fleet

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/martinsuchenak/fleetd/internal/provider"
	"github.com/martinsuchenak/fleetd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDeviceProvider is an in-memory stand-in for the device vendor
// API. Calls are recorded in order so tests can assert sequencing.
type fakeDeviceProvider struct {
	mu        sync.Mutex
	snapshots map[string]provider.DeviceSnapshot
	listErr   error

	powerFunc func(op string, remoteIDs []string) (provider.BatchResult, error)

	attachErr map[string]error
	detachErr error

	execResults []bool
	execErr     error

	calls []string
}

func newFakeDeviceProvider() *fakeDeviceProvider {
	return &fakeDeviceProvider{
		snapshots: make(map[string]provider.DeviceSnapshot),
		attachErr: make(map[string]error),
	}
}

func (f *fakeDeviceProvider) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeDeviceProvider) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDeviceProvider) setSnapshot(snap provider.DeviceSnapshot) {
	f.mu.Lock()
	f.snapshots[snap.RemoteID] = snap
	f.mu.Unlock()
}

func (f *fakeDeviceProvider) ListDevices(ctx context.Context) ([]provider.DeviceSnapshot, error) {
	f.record("list")
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var snaps []provider.DeviceSnapshot
	for _, s := range f.snapshots {
		snaps = append(snaps, s)
	}
	return snaps, nil
}

func (f *fakeDeviceProvider) power(op string, remoteIDs []string) (provider.BatchResult, error) {
	f.record(fmt.Sprintf("%s %v", op, remoteIDs))
	if f.powerFunc != nil {
		return f.powerFunc(op, remoteIDs)
	}
	return provider.BatchResult{Success: remoteIDs}, nil
}

func (f *fakeDeviceProvider) PowerOn(ctx context.Context, remoteIDs []string) (provider.BatchResult, error) {
	return f.power("on", remoteIDs)
}

func (f *fakeDeviceProvider) PowerOff(ctx context.Context, remoteIDs []string) (provider.BatchResult, error) {
	return f.power("off", remoteIDs)
}

func (f *fakeDeviceProvider) Reboot(ctx context.Context, remoteIDs []string) (provider.BatchResult, error) {
	return f.power("reboot", remoteIDs)
}

func (f *fakeDeviceProvider) AttachProxy(ctx context.Context, remoteDeviceID, remoteProxyID string) error {
	f.record("attach " + remoteDeviceID + " " + remoteProxyID)
	return f.attachErr[remoteDeviceID]
}

func (f *fakeDeviceProvider) DetachProxy(ctx context.Context, remoteDeviceID string) error {
	f.record("detach " + remoteDeviceID)
	return f.detachErr
}

func (f *fakeDeviceProvider) Exec(ctx context.Context, remoteDeviceID, command string) (bool, string, error) {
	f.record("exec " + remoteDeviceID)
	if f.execErr != nil {
		return false, "", f.execErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.execResults) == 0 {
		return true, "", nil
	}
	ok := f.execResults[0]
	f.execResults = f.execResults[1:]
	return ok, "", nil
}

func (f *fakeDeviceProvider) Status(ctx context.Context, remoteID string) (provider.DeviceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[remoteID]
	if !ok {
		return provider.DeviceSnapshot{}, fmt.Errorf("device %s: %w", remoteID, provider.ErrNotFound)
	}
	return snap, nil
}

func (f *fakeDeviceProvider) Statuses(ctx context.Context, remoteIDs []string) (map[string]provider.DeviceSnapshot, error) {
	f.record("statuses")
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string]provider.DeviceSnapshot)
	for _, id := range remoteIDs {
		if snap, ok := f.snapshots[id]; ok {
			result[id] = snap
		}
	}
	return result, nil
}

// fakeProxyProvider is an in-memory stand-in for the proxy vendor API.
type fakeProxyProvider struct {
	mu       sync.Mutex
	addFunc  func(spec provider.ProxySpec) (string, error)
	listing  []provider.RemoteProxy
	addCalls int
	findErr  error
}

func (f *fakeProxyProvider) AddProxy(ctx context.Context, spec provider.ProxySpec) (string, error) {
	f.mu.Lock()
	f.addCalls++
	f.mu.Unlock()
	if f.addFunc != nil {
		return f.addFunc(spec)
	}
	return fmt.Sprintf("rp-%s-%d", spec.Host, spec.Port), nil
}

func (f *fakeProxyProvider) ListProxies(ctx context.Context) ([]provider.RemoteProxy, error) {
	return f.listing, nil
}

func (f *fakeProxyProvider) FindByHostPort(ctx context.Context, host string, port int) (string, error) {
	if f.findErr != nil {
		return "", f.findErr
	}
	for _, p := range f.listing {
		if p.Host == host && p.Port == port {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("proxy %s:%d: %w", host, port, provider.ErrNotFound)
}

type fixture struct {
	store   storage.Storage
	devices *fakeDeviceProvider
	proxies *fakeProxyProvider

	deviceMgr  *DeviceManager
	proxyMgr   *ProxyManager
	reconciler *Reconciler
	power      *PowerController
	monitor    *HealthMonitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	devices := newFakeDeviceProvider()
	proxies := &fakeProxyProvider{}
	locks := NewLockTable()

	proxyMgr := NewProxyManager(store, devices, proxies, locks)
	proxyMgr.Pace = 0

	power := NewPowerController(store, devices, locks)
	power.RestartSettle = 0

	monitor := NewHealthMonitor(store, devices, locks)
	monitor.Pace = 0
	monitor.DetachSettle = 0
	monitor.AttachSettle = 0
	monitor.privileged = false

	return &fixture{
		store:      store,
		devices:    devices,
		proxies:    proxies,
		deviceMgr:  NewDeviceManager(store, devices, locks),
		proxyMgr:   proxyMgr,
		reconciler: NewReconciler(store, devices, proxyMgr),
		power:      power,
		monitor:    monitor,
	}
}

func (f *fixture) seedAccount(t *testing.T, id, label string, status model.AccountStatus) {
	t.Helper()
	require.NoError(t, f.store.CreateAccount(&model.Account{ID: id, Label: label, Status: status}))
}

func (f *fixture) seedDevice(t *testing.T, id, remoteID string, state model.PowerState) {
	t.Helper()
	require.NoError(t, f.store.UpsertDevice(&model.Device{
		ID:         id,
		RemoteID:   remoteID,
		Name:       "phone-" + remoteID,
		PowerState: state,
	}))
	f.devices.setSnapshot(provider.DeviceSnapshot{RemoteID: remoteID, Name: "phone-" + remoteID, PowerState: state})
}

func (f *fixture) seedProxy(t *testing.T, id, host string, port int) {
	t.Helper()
	require.NoError(t, f.store.CreateProxy(&model.Proxy{ID: id, Host: host, Port: port, Username: "u", Password: "p"}))
}

func TestDeviceManagerRefresh(t *testing.T) {
	f := newFixture(t)
	f.devices.setSnapshot(provider.DeviceSnapshot{RemoteID: "r-1", Name: "phone-1", PowerState: model.PowerOn, IP: "10.0.0.1"})
	f.devices.setSnapshot(provider.DeviceSnapshot{RemoteID: "r-2", Name: "phone-2", PowerState: model.PowerOff})

	count, err := f.deviceMgr.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	devices, err := f.store.ListDevices()
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	// A second refresh updates rows instead of duplicating them.
	f.devices.setSnapshot(provider.DeviceSnapshot{RemoteID: "r-1", Name: "phone-1", PowerState: model.PowerOff})
	_, err = f.deviceMgr.Refresh(context.Background())
	require.NoError(t, err)

	devices, err = f.store.ListDevices()
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	got, err := f.store.GetDeviceByRemoteID("r-1")
	require.NoError(t, err)
	assert.Equal(t, model.PowerOff, got.PowerState)
}

func TestDeviceManagerAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedAccount(t, "a-2", "bob", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)

	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))

	// Same pair again is a no-op.
	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))

	// A different account is refused.
	err := f.deviceMgr.Assign(ctx, "a-2", "d-1")
	require.ErrorIs(t, err, ErrDeviceAlreadyAssigned)

	require.ErrorIs(t, f.deviceMgr.Assign(ctx, "a-1", "ghost"), storage.ErrDeviceNotFound)
	require.ErrorIs(t, f.deviceMgr.Assign(ctx, "ghost", "d-1"), storage.ErrAccountNotFound)
}

func TestDeviceManagerRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)

	// Releasing an unassigned device is a no-op.
	require.NoError(t, f.deviceMgr.Release(ctx, "d-1"))

	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))
	require.NoError(t, f.deviceMgr.Release(ctx, "d-1"))

	got, err := f.store.GetAccount("a-1")
	require.NoError(t, err)
	assert.Empty(t, got.DeviceID)
}

func TestDeviceManagerRotate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)
	f.seedDevice(t, "d-2", "r-2", model.PowerOn)

	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))

	newID, err := f.deviceMgr.Rotate(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "d-2", newID)

	got, err := f.store.GetAccount("a-1")
	require.NoError(t, err)
	assert.Equal(t, "d-2", got.DeviceID)

	// d-1 is free again.
	_, err = f.store.GetAccountByDevice("d-1")
	require.ErrorIs(t, err, storage.ErrAccountNotFound)
}

func TestDeviceManagerRotateDryPoolKeepsAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)

	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))

	// The only other candidate is the account's own device, so the pool
	// is dry and the existing assignment must survive.
	_, err := f.deviceMgr.Rotate(ctx, "a-1")
	require.ErrorIs(t, err, ErrPoolExhausted)

	got, err := f.store.GetAccount("a-1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", got.DeviceID)
}

func TestDeviceManagerRotateSkipsStoppingDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)
	f.seedDevice(t, "d-2", "r-2", model.PowerStopping)
	f.seedDevice(t, "d-3", "r-3", model.PowerOn)

	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))

	newID, err := f.deviceMgr.Rotate(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "d-3", newID)
}

func TestDeviceManagerAutoAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedAccount(t, "a-2", "bob", model.AccountActive)
	f.seedAccount(t, "a-3", "carol", model.AccountDisabled)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)

	report, err := f.deviceMgr.AutoAssign(ctx)
	require.NoError(t, err)

	// One free device, two eligible accounts: one assigned, one error.
	// The disabled account is not touched.
	assert.Equal(t, 1, report.Assigned)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "bob", report.Errors[0].Label)

	// A second run changes nothing.
	report, err = f.deviceMgr.AutoAssign(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Assigned)
}

func TestDeviceManagerCleanupStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedAccount(t, "a-2", "bob", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)
	f.seedDevice(t, "d-2", "r-2", model.PowerOn)

	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))
	require.NoError(t, f.deviceMgr.Assign(ctx, "a-2", "d-2"))
	require.NoError(t, f.store.UpdateAccountStatus("a-1", model.AccountDisabled))

	cleaned, err := f.deviceMgr.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	got, err := f.store.GetAccount("a-1")
	require.NoError(t, err)
	assert.Empty(t, got.DeviceID)

	// Active owners keep their devices.
	got, err = f.store.GetAccount("a-2")
	require.NoError(t, err)
	assert.Equal(t, "d-2", got.DeviceID)
}

func TestProxyManagerResolveRemoteID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedProxy(t, "p-1", "1.2.3.4", 8080)
	p, err := f.store.GetProxy("p-1")
	require.NoError(t, err)

	remoteID, err := f.proxyMgr.ResolveRemoteID(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "rp-1.2.3.4-8080", remoteID)
	assert.Equal(t, 1, f.proxies.addCalls)

	// The resolved id is persisted, so a fresh read resolves without
	// touching the provider.
	p2, err := f.store.GetProxy("p-1")
	require.NoError(t, err)
	assert.Equal(t, remoteID, p2.RemoteProxyID)

	again, err := f.proxyMgr.ResolveRemoteID(ctx, p2)
	require.NoError(t, err)
	assert.Equal(t, remoteID, again)
	assert.Equal(t, 1, f.proxies.addCalls)
}

func TestProxyManagerResolveFallsBackToFind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedProxy(t, "p-1", "1.2.3.4", 8080)
	f.proxies.addFunc = func(spec provider.ProxySpec) (string, error) {
		return "", fmt.Errorf("proxy %s:%d: %w", spec.Host, spec.Port, provider.ErrAlreadyExists)
	}
	f.proxies.listing = []provider.RemoteProxy{{ID: "rp-found", Host: "1.2.3.4", Port: 8080}}

	p, err := f.store.GetProxy("p-1")
	require.NoError(t, err)

	remoteID, err := f.proxyMgr.ResolveRemoteID(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "rp-found", remoteID)
}

func TestProxyManagerResolveUnresolvable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedProxy(t, "p-1", "1.2.3.4", 8080)
	f.proxies.addFunc = func(spec provider.ProxySpec) (string, error) {
		return "", provider.ErrAlreadyExists
	}
	// Listing does not contain the proxy either.

	p, err := f.store.GetProxy("p-1")
	require.NoError(t, err)

	_, err = f.proxyMgr.ResolveRemoteID(ctx, p)
	require.ErrorIs(t, err, ErrProxyUnresolvable)

	// Nothing was memoized.
	p, err = f.store.GetProxy("p-1")
	require.NoError(t, err)
	assert.Empty(t, p.RemoteProxyID)
}

func TestProxyManagerAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedAccount(t, "a-2", "bob", model.AccountActive)
	f.seedProxy(t, "p-1", "1.2.3.4", 8080)

	require.NoError(t, f.proxyMgr.Assign(ctx, "p-1", "a-1"))
	require.NoError(t, f.proxyMgr.Assign(ctx, "p-1", "a-1"))
	require.ErrorIs(t, f.proxyMgr.Assign(ctx, "p-1", "a-2"), ErrProxyAlreadyAssigned)

	require.NoError(t, f.proxyMgr.Unassign(ctx, "a-1"))
	got, err := f.store.GetAccount("a-1")
	require.NoError(t, err)
	assert.Empty(t, got.ProxyID)

	// Unassigning again is a no-op.
	require.NoError(t, f.proxyMgr.Unassign(ctx, "a-1"))
}

func TestProxyManagerAutoAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// alice has a device, bob does not; both get a proxy but only
	// alice's is attached now.
	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedAccount(t, "a-2", "bob", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)
	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))

	f.seedProxy(t, "p-1", "1.2.3.4", 8080)
	f.seedProxy(t, "p-2", "5.6.7.8", 8080)

	report, err := f.proxyMgr.AutoAssign(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Assigned)
	assert.Empty(t, report.Errors)

	calls := f.devices.recorded()
	attaches := 0
	for _, c := range calls {
		if c == "attach r-1 rp-1.2.3.4-8080" {
			attaches++
		}
	}
	assert.Equal(t, 1, attaches)

	got, err := f.store.GetAccount("a-2")
	require.NoError(t, err)
	assert.Equal(t, "p-2", got.ProxyID)
}

func TestProxyManagerAutoAssignIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedAccount(t, "a-2", "bob", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)
	f.seedDevice(t, "d-2", "r-2", model.PowerOn)
	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))
	require.NoError(t, f.deviceMgr.Assign(ctx, "a-2", "d-2"))

	f.seedProxy(t, "p-1", "1.2.3.4", 8080)
	f.seedProxy(t, "p-2", "5.6.7.8", 8080)

	// The first account's attach fails; the second must still proceed.
	f.devices.attachErr["r-1"] = fmt.Errorf("device r-1: %w", provider.ErrDeviceNotReady)

	report, err := f.proxyMgr.AutoAssign(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Assigned)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "alice", report.Errors[0].Label)
}

func TestReconcilerSyncAssignedProxies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a-1: device reports an IP, so it is skipped.
	// a-2: device reports no IP, so it is re-attached.
	// a-3 and a-4 end up holding only a proxy, which is an error pair.
	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedAccount(t, "a-2", "bob", model.AccountActive)
	f.seedAccount(t, "a-3", "carol", model.AccountActive)
	f.seedAccount(t, "a-4", "dave", model.AccountActive)

	f.seedDevice(t, "d-1", "r-1", model.PowerOn)
	f.seedDevice(t, "d-2", "r-2", model.PowerOn)
	f.seedDevice(t, "d-3", "r-3", model.PowerOn)
	f.devices.setSnapshot(provider.DeviceSnapshot{RemoteID: "r-1", PowerState: model.PowerOn, IP: "10.0.0.1"})
	f.devices.setSnapshot(provider.DeviceSnapshot{RemoteID: "r-2", PowerState: model.PowerOn, IP: ""})

	f.seedProxy(t, "p-1", "1.1.1.1", 8080)
	f.seedProxy(t, "p-2", "2.2.2.2", 8080)
	f.seedProxy(t, "p-3", "3.3.3.3", 8080)
	f.seedProxy(t, "p-4", "4.4.4.4", 8080)

	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))
	require.NoError(t, f.deviceMgr.Assign(ctx, "a-2", "d-2"))
	require.NoError(t, f.deviceMgr.Assign(ctx, "a-3", "d-3"))
	require.NoError(t, f.proxyMgr.Assign(ctx, "p-1", "a-1"))
	require.NoError(t, f.proxyMgr.Assign(ctx, "p-2", "a-2"))
	require.NoError(t, f.proxyMgr.Assign(ctx, "p-3", "a-3"))
	require.NoError(t, f.proxyMgr.Assign(ctx, "p-4", "a-4"))

	// carol drops her device link, leaving her proxy orphaned.
	require.NoError(t, f.store.SetAccountDevice("a-3", ""))

	report, err := f.reconciler.SyncAssignedProxies(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Errors, 2)
	for _, e := range report.Errors {
		assert.Contains(t, []string{"carol", "dave"}, e.Label)
		assert.Contains(t, e.Reason, "no device")
	}

	// Only bob's device saw an attach.
	var attaches []string
	for _, c := range f.devices.recorded() {
		if len(c) > 6 && c[:6] == "attach" {
			attaches = append(attaches, c)
		}
	}
	require.Len(t, attaches, 1)
	assert.Equal(t, "attach r-2 rp-2.2.2.2-8080", attaches[0])
}

func TestReconcilerProxyStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedAccount(t, "a-2", "bob", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)
	f.devices.setSnapshot(provider.DeviceSnapshot{RemoteID: "r-1", PowerState: model.PowerOn, IP: "10.0.0.1"})

	f.seedProxy(t, "p-1", "1.1.1.1", 8080)
	f.seedProxy(t, "p-2", "2.2.2.2", 8080)

	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))
	require.NoError(t, f.proxyMgr.Assign(ctx, "p-1", "a-1"))
	require.NoError(t, f.proxyMgr.Assign(ctx, "p-2", "a-2"))

	status, err := f.reconciler.ProxyStatus(ctx)
	require.NoError(t, err)

	assert.True(t, status["p-1"])
	// No device behind it, so never configured.
	assert.False(t, status["p-2"])
}

func TestPowerControllerStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedDevice(t, "d-1", "r-1", model.PowerOff)
	f.devices.setSnapshot(provider.DeviceSnapshot{RemoteID: "r-1", PowerState: model.PowerOff})

	outcome, err := f.power.Start(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	// The pending state is recorded locally.
	got, err := f.store.GetDevice("d-1")
	require.NoError(t, err)
	assert.Equal(t, model.PowerStarting, got.PowerState)
}

func TestPowerControllerClassifiesFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedDevice(t, "d-1", "r-1", model.PowerOff)
	f.devices.powerFunc = func(op string, ids []string) (provider.BatchResult, error) {
		return provider.BatchResult{Fail: []provider.BatchFailure{{RemoteID: "r-1", Reason: "device is already running"}}}, nil
	}

	outcome, err := f.power.Start(ctx, "d-1")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.False(t, outcome.Pending)
	assert.Equal(t, "device is already running", outcome.Message)

	// A failed command does not overwrite the local power state.
	got, err := f.store.GetDevice("d-1")
	require.NoError(t, err)
	assert.Equal(t, model.PowerOff, got.PowerState)
}

func TestPowerControllerPendingOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedDevice(t, "d-1", "r-1", model.PowerOff)
	f.devices.powerFunc = func(op string, ids []string) (provider.BatchResult, error) {
		return provider.BatchResult{}, nil
	}

	outcome, err := f.power.Start(ctx, "d-1")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.True(t, outcome.Pending)

	got, err := f.store.GetDevice("d-1")
	require.NoError(t, err)
	assert.Equal(t, model.PowerStarting, got.PowerState)
}

func TestPowerControllerRefusesTransitioningDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedDevice(t, "d-1", "r-1", model.PowerStarting)

	_, err := f.power.Stop(ctx, "d-1")
	require.ErrorIs(t, err, provider.ErrDeviceTransitioning)
}

func TestPowerControllerRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedDevice(t, "d-1", "r-1", model.PowerOn)

	outcome, err := f.power.Restart(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	// Stop before start.
	var powerOps []string
	for _, c := range f.devices.recorded() {
		if c == "off [r-1]" || c == "on [r-1]" {
			powerOps = append(powerOps, c)
		}
	}
	assert.Equal(t, []string{"off [r-1]", "on [r-1]"}, powerOps)
}

func TestPowerControllerRestartRefusesOffDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedDevice(t, "d-1", "r-1", model.PowerOff)
	f.devices.powerFunc = func(op string, ids []string) (provider.BatchResult, error) {
		if op == "off" {
			return provider.BatchResult{Fail: []provider.BatchFailure{{RemoteID: "r-1", Reason: "device powered off"}}}, nil
		}
		return provider.BatchResult{Success: ids}, nil
	}

	_, err := f.power.Restart(ctx, "d-1")
	require.ErrorIs(t, err, ErrDeviceNotRunning)

	// The start half never ran.
	for _, c := range f.devices.recorded() {
		assert.NotEqual(t, "on [r-1]", c)
	}
}

func TestHealthMonitorHealthyPathLeavesProxyAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)
	f.seedProxy(t, "p-1", "1.2.3.4", 8080)
	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))
	require.NoError(t, f.proxyMgr.Assign(ctx, "p-1", "a-1"))
	require.NoError(t, f.store.SetProxyRemoteID("p-1", "rp-1"))

	f.devices.execResults = []bool{true}

	f.monitor.RunCycle(ctx)

	for _, c := range f.devices.recorded() {
		assert.NotContains(t, c, "detach")
		assert.NotContains(t, c, "attach")
	}
}

func TestHealthMonitorReconnectsBrokenPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)
	f.seedProxy(t, "p-1", "1.2.3.4", 8080)
	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))
	require.NoError(t, f.proxyMgr.Assign(ctx, "p-1", "a-1"))
	require.NoError(t, f.store.SetProxyRemoteID("p-1", "rp-1"))

	// First probe fails, the post-reattach probe succeeds.
	f.devices.execResults = []bool{false, true}

	f.monitor.RunCycle(ctx)

	var sequence []string
	for _, c := range f.devices.recorded() {
		switch c {
		case "exec r-1", "detach r-1", "attach r-1 rp-1":
			sequence = append(sequence, c)
		}
	}
	assert.Equal(t, []string{"exec r-1", "detach r-1", "attach r-1 rp-1", "exec r-1"}, sequence)

	// The recovery is traced.
	entries, err := f.store.ListSyncLog(10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, model.ActionReconnect, entries[0].Action)
	assert.Equal(t, model.OutcomeOK, entries[0].Outcome)
}

func TestHealthMonitorReconnectsWhenProxyHostDropsICMP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)
	f.seedProxy(t, "p-1", "1.2.3.4", 8080)
	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))
	require.NoError(t, f.proxyMgr.Assign(ctx, "p-1", "a-1"))
	require.NoError(t, f.store.SetProxyRemoteID("p-1", "rp-1"))

	// The proxy endpoint ignores pings, as many do. The broken path
	// must still be repaired.
	f.monitor.pingProxyHost = func(host string, timeout time.Duration) bool { return false }
	f.devices.execResults = []bool{false, true}

	f.monitor.RunCycle(ctx)

	var sequence []string
	for _, c := range f.devices.recorded() {
		switch c {
		case "exec r-1", "detach r-1", "attach r-1 rp-1":
			sequence = append(sequence, c)
		}
	}
	assert.Equal(t, []string{"exec r-1", "detach r-1", "attach r-1 rp-1", "exec r-1"}, sequence)
}

func TestHealthMonitorSkipsUnresolvedProxy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "a-1", "alice", model.AccountActive)
	f.seedDevice(t, "d-1", "r-1", model.PowerOn)
	f.seedProxy(t, "p-1", "1.2.3.4", 8080)
	require.NoError(t, f.deviceMgr.Assign(ctx, "a-1", "d-1"))
	require.NoError(t, f.proxyMgr.Assign(ctx, "p-1", "a-1"))

	f.monitor.RunCycle(ctx)

	// No probe and no reconnect for a proxy that was never registered.
	for _, c := range f.devices.recorded() {
		assert.NotContains(t, c, "exec")
		assert.NotContains(t, c, "detach")
	}
}

func TestHealthMonitorSkipsOverlappingCycles(t *testing.T) {
	f := newFixture(t)

	// While a cycle is marked running, a new tick must not start one.
	require.True(t, f.monitor.tryBegin())
	assert.False(t, f.monitor.tryBegin())

	f.monitor.end()
	assert.True(t, f.monitor.tryBegin())
	f.monitor.end()
}

func TestLockTableSerializesSameKey(t *testing.T) {
	lt := NewLockTable()

	unlock := lt.Lock("device", "d-1")
	acquired := make(chan struct{})
	go func() {
		u := lt.Lock("device", "d-1")
		close(acquired)
		u()
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	default:
	}

	// A different key is independent.
	u2 := lt.Lock("device", "d-2")
	u2()

	unlock()
	<-acquired
}
