package fleet

import (
	"context"
	"fmt"

	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/martinsuchenak/fleetd/internal/provider"
	"github.com/martinsuchenak/fleetd/internal/storage"
)

// Reconciler re-establishes remote proxy attachment for accounts whose
// local state says they should have one. Safe to run repeatedly.
type Reconciler struct {
	store    storage.Storage
	devices  DeviceProvider
	proxyMgr *ProxyManager
}

func NewReconciler(store storage.Storage, devices DeviceProvider, proxyMgr *ProxyManager) *Reconciler {
	return &Reconciler{store: store, devices: devices, proxyMgr: proxyMgr}
}

// deviceLooksConfigured treats a non-empty IP in the provider listing
// as "proxy already applied". This is the vendor's only observable
// signal today, not a guaranteed one; replace when the API exposes a
// real attachment field.
func deviceLooksConfigured(snap provider.DeviceSnapshot) bool {
	return snap.IP != ""
}

// SyncAssignedProxies walks every account holding a proxy, skips the
// ones whose device the provider already reports as configured, and
// re-attaches the rest. An account holding a proxy without a device is
// reported as an error so the operator sees the broken pair. Device
// statuses are fetched in one batched call up front. Re-attaching an
// active proxy is wasted remote work and can drop the live session,
// hence the skip.
func (r *Reconciler) SyncAssignedProxies(ctx context.Context) (model.SyncReport, error) {
	report := model.SyncReport{Errors: []model.ItemError{}}

	accounts, err := r.store.ListAccounts()
	if err != nil {
		return report, err
	}

	type pair struct {
		account *model.Account
		device  *model.Device
		proxy   *model.Proxy
		reason  string
	}

	var pairs []pair
	var remoteIDs []string
	for i := range accounts {
		a := &accounts[i]
		if a.ProxyID == "" {
			continue
		}

		p := pair{account: a}
		if a.DeviceID == "" {
			p.reason = "no device assigned"
			pairs = append(pairs, p)
			continue
		}
		device, err := r.store.GetDevice(a.DeviceID)
		if err != nil {
			p.reason = "no device: " + err.Error()
			pairs = append(pairs, p)
			continue
		}
		proxy, err := r.store.GetProxy(a.ProxyID)
		if err != nil {
			p.reason = "no proxy: " + err.Error()
			pairs = append(pairs, p)
			continue
		}

		p.device = device
		p.proxy = proxy
		pairs = append(pairs, p)
		remoteIDs = append(remoteIDs, device.RemoteID)
	}

	statuses, err := r.devices.Statuses(ctx, remoteIDs)
	if err != nil {
		return report, fmt.Errorf("fetching device statuses: %w", err)
	}

	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if p.reason != "" {
			report.Errors = append(report.Errors, model.ItemError{Label: p.account.Label, Reason: p.reason})
			r.logSync(p.account, model.OutcomeError, p.reason)
			continue
		}

		if snap, ok := statuses[p.device.RemoteID]; ok && deviceLooksConfigured(snap) {
			report.Skipped++
			r.logSync(p.account, model.OutcomeSkipped, "device already configured")
			continue
		}

		if err := r.syncOne(ctx, p.account, p.device, p.proxy); err != nil {
			report.Errors = append(report.Errors, model.ItemError{Label: p.account.Label, Reason: err.Error()})
			r.logSync(p.account, model.OutcomeError, err.Error())
			continue
		}
		report.Synced++
		r.logSync(p.account, model.OutcomeOK, "")
	}

	log.Info("Proxy sync finished", "synced", report.Synced, "skipped", report.Skipped, "errors", len(report.Errors))
	return report, nil
}

func (r *Reconciler) syncOne(ctx context.Context, a *model.Account, device *model.Device, proxy *model.Proxy) error {
	remoteProxyID, err := r.proxyMgr.ResolveRemoteID(ctx, proxy)
	if err != nil {
		return err
	}
	if err := r.devices.AttachProxy(ctx, device.RemoteID, remoteProxyID); err != nil {
		return fmt.Errorf("attaching proxy to device %s: %w", device.RemoteID, err)
	}
	return nil
}

// ProxyStatus reports, per assigned proxy, whether its account's device
// currently looks configured on the provider. Consumed by the
// dashboard.
func (r *Reconciler) ProxyStatus(ctx context.Context) (map[string]bool, error) {
	accounts, err := r.store.ListAccounts()
	if err != nil {
		return nil, err
	}

	status := make(map[string]bool)
	var remoteIDs []string
	byRemote := make(map[string]string) // remote device id -> proxy id
	for i := range accounts {
		a := &accounts[i]
		if a.ProxyID == "" {
			continue
		}
		status[a.ProxyID] = false
		if a.DeviceID == "" {
			continue
		}
		device, err := r.store.GetDevice(a.DeviceID)
		if err != nil {
			continue
		}
		remoteIDs = append(remoteIDs, device.RemoteID)
		byRemote[device.RemoteID] = a.ProxyID
	}

	if len(remoteIDs) == 0 {
		return status, nil
	}

	statuses, err := r.devices.Statuses(ctx, remoteIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching device statuses: %w", err)
	}
	for remoteID, snap := range statuses {
		if proxyID, ok := byRemote[remoteID]; ok {
			status[proxyID] = deviceLooksConfigured(snap)
		}
	}
	return status, nil
}

func (r *Reconciler) logSync(a *model.Account, outcome, detail string) {
	err := r.store.AppendSyncLog(&model.SyncLogEntry{
		ResourceKind: "proxy",
		ResourceID:   a.ProxyID,
		AccountID:    a.ID,
		Action:       model.ActionSync,
		Outcome:      outcome,
		Detail:       detail,
	})
	if err != nil {
		log.Error("Failed to append sync log", "error", err)
	}
}
