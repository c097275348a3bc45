package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedDevice(t *testing.T, store *SQLiteStorage, id, remoteID string) {
	t.Helper()
	require.NoError(t, store.UpsertDevice(&model.Device{
		ID:         id,
		RemoteID:   remoteID,
		Name:       "phone-" + remoteID,
		PowerState: model.PowerOn,
	}))
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStorage(dir)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening runs the migration chain again against the same file.
	store, err = NewStorage(dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.ListAccounts()
	require.NoError(t, err)
}

func TestAccountCRUD(t *testing.T) {
	store := newTestStorage(t)

	account := &model.Account{ID: "a-1", Label: "alice"}
	require.NoError(t, store.CreateAccount(account))
	assert.Equal(t, model.AccountActive, account.Status)

	got, err := store.GetAccount("a-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Label)
	assert.Equal(t, model.AccountActive, got.Status)

	_, err = store.GetAccount("missing")
	require.ErrorIs(t, err, ErrAccountNotFound)

	require.NoError(t, store.UpdateAccountStatus("a-1", model.AccountDisabled))
	got, err = store.GetAccount("a-1")
	require.NoError(t, err)
	assert.Equal(t, model.AccountDisabled, got.Status)

	require.ErrorIs(t, store.UpdateAccountStatus("missing", model.AccountActive), ErrAccountNotFound)

	accounts, err := store.ListAccounts()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestSetAccountDevice(t *testing.T) {
	store := newTestStorage(t)

	require.NoError(t, store.CreateAccount(&model.Account{ID: "a-1", Label: "alice"}))
	seedDevice(t, store, "d-1", "r-1")

	// Linking to a device that does not exist is refused.
	require.ErrorIs(t, store.SetAccountDevice("a-1", "ghost"), ErrDeviceNotFound)

	require.NoError(t, store.SetAccountDevice("a-1", "d-1"))
	got, err := store.GetAccount("a-1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", got.DeviceID)

	owner, err := store.GetAccountByDevice("d-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", owner.ID)

	// Clearing the link.
	require.NoError(t, store.SetAccountDevice("a-1", ""))
	_, err = store.GetAccountByDevice("d-1")
	require.ErrorIs(t, err, ErrAccountNotFound)

	require.ErrorIs(t, store.SetAccountDevice("missing", "d-1"), ErrAccountNotFound)
}

func TestSetAccountProxy(t *testing.T) {
	store := newTestStorage(t)

	require.NoError(t, store.CreateAccount(&model.Account{ID: "a-1", Label: "alice"}))
	require.NoError(t, store.CreateProxy(&model.Proxy{ID: "p-1", Host: "1.2.3.4", Port: 8080}))

	require.ErrorIs(t, store.SetAccountProxy("a-1", "ghost"), ErrProxyNotFound)

	require.NoError(t, store.SetAccountProxy("a-1", "p-1"))
	owner, err := store.GetAccountByProxy("p-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", owner.ID)

	require.NoError(t, store.SetAccountProxy("a-1", ""))
	_, err = store.GetAccountByProxy("p-1")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestUpsertDeviceKeyedByRemoteID(t *testing.T) {
	store := newTestStorage(t)

	seedDevice(t, store, "d-1", "r-1")

	// Second upsert with the same remote id updates in place and keeps
	// the local id.
	require.NoError(t, store.UpsertDevice(&model.Device{
		ID:         "d-other",
		RemoteID:   "r-1",
		Name:       "renamed",
		PowerState: model.PowerOff,
		LastIP:     "10.0.0.9",
	}))

	devices, err := store.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "d-1", devices[0].ID)
	assert.Equal(t, "renamed", devices[0].Name)
	assert.Equal(t, model.PowerOff, devices[0].PowerState)
	assert.Equal(t, "10.0.0.9", devices[0].LastIP)
	require.NotNil(t, devices[0].StatusCheckedAt)

	got, err := store.GetDeviceByRemoteID("r-1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", got.ID)

	_, err = store.GetDeviceByRemoteID("missing")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestUpsertDeviceConcurrentRefreshes(t *testing.T) {
	store := newTestStorage(t)

	// Two refresh loops racing on the same remote id must both land on
	// one row instead of tripping the unique constraint.
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				errs <- store.UpsertDevice(&model.Device{
					ID:         fmt.Sprintf("d-w%d-%d", w, i),
					RemoteID:   "r-1",
					Name:       "phone",
					PowerState: model.PowerOn,
				})
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	devices, err := store.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
}

func TestSetDevicePowerState(t *testing.T) {
	store := newTestStorage(t)
	seedDevice(t, store, "d-1", "r-1")

	require.NoError(t, store.SetDevicePowerState("d-1", model.PowerStopping))
	got, err := store.GetDevice("d-1")
	require.NoError(t, err)
	assert.Equal(t, model.PowerStopping, got.PowerState)

	require.ErrorIs(t, store.SetDevicePowerState("missing", model.PowerOn), ErrDeviceNotFound)
}

func TestCreateProxyRejectsDuplicates(t *testing.T) {
	store := newTestStorage(t)

	require.NoError(t, store.CreateProxy(&model.Proxy{ID: "p-1", Host: "1.2.3.4", Port: 8080}))
	err := store.CreateProxy(&model.Proxy{ID: "p-2", Host: "1.2.3.4", Port: 8080})
	require.ErrorIs(t, err, ErrProxyExists)

	// Same host on a different port is a distinct proxy.
	require.NoError(t, store.CreateProxy(&model.Proxy{ID: "p-3", Host: "1.2.3.4", Port: 8081}))

	proxies, err := store.ListProxies()
	require.NoError(t, err)
	assert.Len(t, proxies, 2)
}

func TestSetProxyRemoteIDMemoization(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.CreateProxy(&model.Proxy{ID: "p-1", Host: "1.2.3.4", Port: 8080}))

	require.NoError(t, store.SetProxyRemoteID("p-1", "rp-1"))

	got, err := store.GetProxy("p-1")
	require.NoError(t, err)
	assert.Equal(t, "rp-1", got.RemoteProxyID)

	// Same value again is a no-op, a different value is refused.
	require.NoError(t, store.SetProxyRemoteID("p-1", "rp-1"))
	require.ErrorIs(t, store.SetProxyRemoteID("p-1", "rp-2"), ErrRemoteIDConflict)

	got, err = store.GetProxy("p-1")
	require.NoError(t, err)
	assert.Equal(t, "rp-1", got.RemoteProxyID)

	require.ErrorIs(t, store.SetProxyRemoteID("missing", "rp-9"), ErrProxyNotFound)
}

func TestSyncLogAppendAndList(t *testing.T) {
	store := newTestStorage(t)

	for _, action := range []string{model.ActionAssign, model.ActionSync, model.ActionReconnect} {
		require.NoError(t, store.AppendSyncLog(&model.SyncLogEntry{
			ResourceKind: "device",
			ResourceID:   "d-1",
			AccountID:    "a-1",
			Action:       action,
			Outcome:      model.OutcomeOK,
		}))
	}

	entries, err := store.ListSyncLog(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, model.ActionReconnect, entries[0].Action)
	assert.Equal(t, model.ActionSync, entries[1].Action)

	all, err := store.ListSyncLog(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
