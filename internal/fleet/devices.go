package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/martinsuchenak/fleetd/internal/storage"
)

// DeviceManager owns the account/device assignment links. All
// mutations run under the per-device lock.
type DeviceManager struct {
	store   storage.Storage
	devices DeviceProvider
	locks   *LockTable
}

func NewDeviceManager(store storage.Storage, devices DeviceProvider, locks *LockTable) *DeviceManager {
	return &DeviceManager{store: store, devices: devices, locks: locks}
}

// Refresh pulls the provider's fleet listing and upserts a local row
// per device. This is the only path that creates device records.
func (m *DeviceManager) Refresh(ctx context.Context) (int, error) {
	snaps, err := m.devices.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing provider devices: %w", err)
	}

	now := time.Now()
	for _, snap := range snaps {
		d := &model.Device{
			ID:              newID(),
			RemoteID:        snap.RemoteID,
			Name:            snap.Name,
			PowerState:      snap.PowerState,
			LastIP:          snap.IP,
			StatusCheckedAt: &now,
		}
		if err := m.store.UpsertDevice(d); err != nil {
			return 0, fmt.Errorf("upserting device %s: %w", snap.RemoteID, err)
		}
	}

	log.Info("Device fleet refreshed", "count", len(snaps))
	return len(snaps), nil
}

// Assign binds a device to an account. Re-assigning the same pair is
// a no-op; a device held by another account is refused.
func (m *DeviceManager) Assign(ctx context.Context, accountID, deviceID string) error {
	unlock := m.locks.Lock("device", deviceID)
	defer unlock()

	if _, err := m.store.GetDevice(deviceID); err != nil {
		return err
	}
	account, err := m.store.GetAccount(accountID)
	if err != nil {
		return err
	}

	owner, err := m.store.GetAccountByDevice(deviceID)
	if err != nil && err != storage.ErrAccountNotFound {
		return err
	}
	if owner != nil {
		if owner.ID == accountID {
			return nil
		}
		return fmt.Errorf("device %s held by account %s: %w", deviceID, owner.Label, ErrDeviceAlreadyAssigned)
	}

	if err := m.store.SetAccountDevice(accountID, deviceID); err != nil {
		return err
	}

	m.logAction("device", deviceID, accountID, model.ActionAssign, model.OutcomeOK, "")
	log.Info("Device assigned", "device_id", deviceID, "account", account.Label)
	return nil
}

// Release frees a device from whichever account holds it. No-op if the
// device is unassigned.
func (m *DeviceManager) Release(ctx context.Context, deviceID string) error {
	unlock := m.locks.Lock("device", deviceID)
	defer unlock()
	return m.releaseLocked(deviceID)
}

func (m *DeviceManager) releaseLocked(deviceID string) error {
	owner, err := m.store.GetAccountByDevice(deviceID)
	if err == storage.ErrAccountNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.store.SetAccountDevice(owner.ID, ""); err != nil {
		return err
	}

	m.logAction("device", deviceID, owner.ID, model.ActionRelease, model.OutcomeOK, "")
	log.Info("Device released", "device_id", deviceID, "account", owner.Label)
	return nil
}

// Rotate swaps the account's device for the next free one. The
// replacement is picked before the current device is released, so a
// dry pool leaves the existing assignment untouched.
func (m *DeviceManager) Rotate(ctx context.Context, accountID string) (string, error) {
	account, err := m.store.GetAccount(accountID)
	if err != nil {
		return "", err
	}

	next, err := m.nextFreeDevice(account.DeviceID)
	if err != nil {
		return "", err
	}

	unlock := m.locks.Lock("device", next.ID)
	defer unlock()

	// Re-check under the lock: another caller may have grabbed it.
	owner, err := m.store.GetAccountByDevice(next.ID)
	if err != nil && err != storage.ErrAccountNotFound {
		return "", err
	}
	if owner != nil {
		return "", fmt.Errorf("device %s taken during rotation: %w", next.ID, ErrPoolExhausted)
	}

	if account.DeviceID != "" {
		if err := m.Release(ctx, account.DeviceID); err != nil {
			return "", err
		}
	}

	if err := m.store.SetAccountDevice(accountID, next.ID); err != nil {
		return "", err
	}

	m.logAction("device", next.ID, accountID, model.ActionRotate, model.OutcomeOK, "replaced "+account.DeviceID)
	log.Info("Device rotated", "account", account.Label, "old_device", account.DeviceID, "new_device", next.ID)
	return next.ID, nil
}

// nextFreeDevice returns the first device with no owning account and a
// power state other than stopping, skipping the caller's current one.
func (m *DeviceManager) nextFreeDevice(excludeID string) (*model.Device, error) {
	devices, err := m.store.ListDevices()
	if err != nil {
		return nil, err
	}

	for i := range devices {
		d := &devices[i]
		if d.ID == excludeID || d.PowerState == model.PowerStopping {
			continue
		}
		_, err := m.store.GetAccountByDevice(d.ID)
		if err == storage.ErrAccountNotFound {
			return d, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, ErrPoolExhausted
}

// AutoAssign gives every device-less account the next free device.
// Per-item failures are reported, never fatal to the batch.
func (m *DeviceManager) AutoAssign(ctx context.Context) (model.AssignReport, error) {
	report := model.AssignReport{Errors: []model.ItemError{}}

	accounts, err := m.store.ListAccounts()
	if err != nil {
		return report, err
	}

	for i := range accounts {
		a := &accounts[i]
		if a.DeviceID != "" || a.Status == model.AccountDisabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		next, err := m.nextFreeDevice("")
		if err != nil {
			report.Errors = append(report.Errors, model.ItemError{Label: a.Label, Reason: err.Error()})
			continue
		}
		if err := m.Assign(ctx, a.ID, next.ID); err != nil {
			report.Errors = append(report.Errors, model.ItemError{Label: a.Label, Reason: err.Error()})
			continue
		}
		report.Assigned++
	}

	log.Info("Device auto-assign finished", "assigned", report.Assigned, "errors", len(report.Errors))
	return report, nil
}

// CleanupStale releases devices held by disabled accounts and returns
// how many were freed. Deleted accounts drop their link via the
// foreign key, so disabled owners are the only stale case left.
func (m *DeviceManager) CleanupStale(ctx context.Context) (int, error) {
	accounts, err := m.store.ListAccounts()
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for i := range accounts {
		a := &accounts[i]
		if a.DeviceID == "" || a.Status != model.AccountDisabled {
			continue
		}
		if err := m.Release(ctx, a.DeviceID); err != nil {
			log.Error("Failed to release stale device", "device_id", a.DeviceID, "account", a.Label, "error", err)
			continue
		}
		m.logAction("device", a.DeviceID, a.ID, model.ActionCleanup, model.OutcomeOK, "owner disabled")
		cleaned++
	}

	log.Info("Stale assignment cleanup finished", "cleaned", cleaned)
	return cleaned, nil
}

func (m *DeviceManager) logAction(kind, resourceID, accountID, action, outcome, detail string) {
	err := m.store.AppendSyncLog(&model.SyncLogEntry{
		ResourceKind: kind,
		ResourceID:   resourceID,
		AccountID:    accountID,
		Action:       action,
		Outcome:      outcome,
		Detail:       detail,
	})
	if err != nil {
		log.Error("Failed to append sync log", "error", err)
	}
}

// newID generates a UUIDv7 with a random fallback.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
