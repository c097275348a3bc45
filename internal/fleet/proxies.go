package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/martinsuchenak/fleetd/internal/provider"
	"github.com/martinsuchenak/fleetd/internal/storage"
)

// ProxyManager owns the account/proxy assignment links and the
// register-or-find resolution against the proxy provider.
type ProxyManager struct {
	store   storage.Storage
	devices DeviceProvider
	proxies ProxyProvider
	locks   *LockTable

	// Pacing between batch items, to stay under provider rate limits.
	// Overridable in tests.
	Pace time.Duration
}

func NewProxyManager(store storage.Storage, devices DeviceProvider, proxies ProxyProvider, locks *LockTable) *ProxyManager {
	return &ProxyManager{
		store:   store,
		devices: devices,
		proxies: proxies,
		locks:   locks,
		Pace:    2 * time.Second,
	}
}

// Assign binds a proxy to an account. Idempotent for the same pair.
func (m *ProxyManager) Assign(ctx context.Context, proxyID, accountID string) error {
	unlock := m.locks.Lock("proxy", proxyID)
	defer unlock()

	if _, err := m.store.GetProxy(proxyID); err != nil {
		return err
	}
	account, err := m.store.GetAccount(accountID)
	if err != nil {
		return err
	}

	owner, err := m.store.GetAccountByProxy(proxyID)
	if err != nil && err != storage.ErrAccountNotFound {
		return err
	}
	if owner != nil {
		if owner.ID == accountID {
			return nil
		}
		return fmt.Errorf("proxy %s held by account %s: %w", proxyID, owner.Label, ErrProxyAlreadyAssigned)
	}

	if err := m.store.SetAccountProxy(accountID, proxyID); err != nil {
		return err
	}

	m.logAction("proxy", proxyID, accountID, model.ActionAssign, model.OutcomeOK, "")
	log.Info("Proxy assigned", "proxy_id", proxyID, "account", account.Label)
	return nil
}

// Unassign clears the account's proxy link. No-op if it has none.
func (m *ProxyManager) Unassign(ctx context.Context, accountID string) error {
	account, err := m.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	if account.ProxyID == "" {
		return nil
	}

	unlock := m.locks.Lock("proxy", account.ProxyID)
	defer unlock()

	if err := m.store.SetAccountProxy(accountID, ""); err != nil {
		return err
	}

	m.logAction("proxy", account.ProxyID, accountID, model.ActionRelease, model.OutcomeOK, "")
	log.Info("Proxy unassigned", "proxy_id", account.ProxyID, "account", account.Label)
	return nil
}

// ResolveRemoteID returns the provider's id for the proxy, registering
// it if needed. The resolved id is persisted immediately so no later
// step ever re-registers. Register-or-find exists because the provider
// has no atomic get-or-create: add first, and when the provider says
// the proxy already exists, fall back to scanning the listing.
func (m *ProxyManager) ResolveRemoteID(ctx context.Context, p *model.Proxy) (string, error) {
	if p.RemoteProxyID != "" {
		return p.RemoteProxyID, nil
	}

	remoteID, err := m.proxies.AddProxy(ctx, provider.ProxySpec{
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
	})
	if err != nil {
		if !errors.Is(err, provider.ErrAlreadyExists) {
			return "", fmt.Errorf("registering proxy %s: %w", p.Addr(), err)
		}
		remoteID, err = m.proxies.FindByHostPort(ctx, p.Host, p.Port)
		if err != nil {
			return "", fmt.Errorf("proxy %s: %w: %v", p.Addr(), ErrProxyUnresolvable, err)
		}
	}

	if err := m.store.SetProxyRemoteID(p.ID, remoteID); err != nil {
		return "", fmt.Errorf("memoizing remote id for proxy %s: %w", p.Addr(), err)
	}
	p.RemoteProxyID = remoteID
	return remoteID, nil
}

// AutoAssign pairs each proxy-less account with an unassigned proxy in
// input order, resolves the proxy remotely, and attaches it to the
// account's device when one is bound. Accounts without a device defer
// attachment; that is not an error. Per-item failures never abort the
// batch.
func (m *ProxyManager) AutoAssign(ctx context.Context) (model.AssignReport, error) {
	report := model.AssignReport{Errors: []model.ItemError{}}

	accounts, err := m.store.ListAccounts()
	if err != nil {
		return report, err
	}
	free, err := m.freeProxies()
	if err != nil {
		return report, err
	}

	next := 0
	first := true
	for i := range accounts {
		a := &accounts[i]
		if a.ProxyID != "" || a.Status == model.AccountDisabled {
			continue
		}
		if next >= len(free) {
			break
		}
		if !first {
			if err := sleepCtx(ctx, m.Pace); err != nil {
				return report, err
			}
		}
		first = false

		p := &free[next]
		next++

		if err := m.assignAndAttach(ctx, a, p); err != nil {
			report.Errors = append(report.Errors, model.ItemError{Label: a.Label, Reason: err.Error()})
			m.logAction("proxy", p.ID, a.ID, model.ActionAttach, model.OutcomeError, err.Error())
			continue
		}
		report.Assigned++
	}

	log.Info("Proxy auto-assign finished", "assigned", report.Assigned, "errors", len(report.Errors))
	return report, nil
}

func (m *ProxyManager) assignAndAttach(ctx context.Context, a *model.Account, p *model.Proxy) error {
	remoteID, err := m.ResolveRemoteID(ctx, p)
	if err != nil {
		return err
	}

	if err := m.Assign(ctx, p.ID, a.ID); err != nil {
		return err
	}

	if a.DeviceID == "" {
		// Attachment happens later, once the account gets a device.
		return nil
	}

	device, err := m.store.GetDevice(a.DeviceID)
	if err != nil {
		return fmt.Errorf("no device: %w", err)
	}
	if err := m.devices.AttachProxy(ctx, device.RemoteID, remoteID); err != nil {
		return fmt.Errorf("attaching proxy to device %s: %w", device.RemoteID, err)
	}

	m.logAction("proxy", p.ID, a.ID, model.ActionAttach, model.OutcomeOK, "device "+device.RemoteID)
	return nil
}

// freeProxies lists proxies not referenced by any account, in creation
// order.
func (m *ProxyManager) freeProxies() ([]model.Proxy, error) {
	proxies, err := m.store.ListProxies()
	if err != nil {
		return nil, err
	}

	var free []model.Proxy
	for i := range proxies {
		_, err := m.store.GetAccountByProxy(proxies[i].ID)
		if err == storage.ErrAccountNotFound {
			free = append(free, proxies[i])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return free, nil
}

func (m *ProxyManager) logAction(kind, resourceID, accountID, action, outcome, detail string) {
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
