package fleet

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-ping/ping"
	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/martinsuchenak/fleetd/internal/storage"
)

// HealthMonitor periodically probes the network path of every active
// account holding both a device and a proxy, and re-attaches the proxy
// when the path is broken. Failures are logged and retried on the next
// cycle, never escalated: degradation is expected to be transient.
type HealthMonitor struct {
	store   storage.Storage
	devices DeviceProvider
	locks   *LockTable

	// Interval between check cycles.
	Interval time.Duration
	// Pace between per-account checks inside a cycle.
	Pace time.Duration
	// DetachSettle and AttachSettle are the waits inside a reconnect.
	DetachSettle time.Duration
	AttachSettle time.Duration
	// ProbeHost is the known-good external host the device must reach.
	ProbeHost string

	// privileged gates the local ICMP precheck of the proxy host. Raw
	// sockets are unavailable for ordinary users; without them the
	// precheck is skipped, not failed.
	privileged bool

	// pingProxyHost is swapped out in tests.
	pingProxyHost func(host string, timeout time.Duration) bool

	mu      sync.Mutex
	running bool
}

func NewHealthMonitor(store storage.Storage, devices DeviceProvider, locks *LockTable) *HealthMonitor {
	return &HealthMonitor{
		store:        store,
		devices:      devices,
		locks:        locks,
		Interval:     5 * time.Minute,
		Pace:         2 * time.Second,
		DetachSettle: 3 * time.Second,
		AttachSettle: 2 * time.Second,
		ProbeHost:    "8.8.8.8",
		privileged:   os.Geteuid() == 0 || canUseRawSocket(),
	}
}

// Run blocks, executing check cycles on the interval until ctx is
// cancelled. A tick that fires while the previous cycle is still in
// flight is skipped, not queued.
func (m *HealthMonitor) Run(ctx context.Context) {
	log.Info("Health monitor started", "interval", m.Interval)
	t := time.NewTicker(m.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Health monitor stopped")
			return
		case <-t.C:
			if !m.tryBegin() {
				log.Debug("Skipping health cycle, previous still running")
				continue
			}
			m.RunCycle(ctx)
			m.end()
		}
	}
}

func (m *HealthMonitor) tryBegin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false
	}
	m.running = true
	return true
}

func (m *HealthMonitor) end() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// RunCycle checks every eligible account once.
func (m *HealthMonitor) RunCycle(ctx context.Context) {
	accounts, err := m.store.ListAccounts()
	if err != nil {
		log.Error("Health cycle could not list accounts", "error", err)
		return
	}

	first := true
	for i := range accounts {
		a := &accounts[i]
		if a.Status != model.AccountActive || a.DeviceID == "" || a.ProxyID == "" {
			continue
		}
		if !first {
			if err := sleepCtx(ctx, m.Pace); err != nil {
				return
			}
		}
		first = false
		m.checkAccount(ctx, a)
	}
}

func (m *HealthMonitor) checkAccount(ctx context.Context, a *model.Account) {
	device, err := m.store.GetDevice(a.DeviceID)
	if err != nil {
		log.Warn("Health check skipped, device row missing", "account", a.Label, "device_id", a.DeviceID)
		return
	}
	proxy, err := m.store.GetProxy(a.ProxyID)
	if err != nil {
		log.Warn("Health check skipped, proxy row missing", "account", a.Label, "proxy_id", a.ProxyID)
		return
	}
	if proxy.RemoteProxyID == "" {
		// Never resolved against the provider; nothing to reattach.
		log.Debug("Health check skipped, proxy unresolved", "account", a.Label, "proxy", proxy.Addr())
		return
	}

	unlock := m.locks.Lock("device", device.ID)
	defer unlock()

	if m.CheckConnection(ctx, device.RemoteID) {
		log.Debug("Connectivity ok", "account", a.Label, "device", device.RemoteID)
		return
	}

	if !m.pingHost(proxy.Host, 3*time.Second) {
		// Advisory only. Plenty of proxy endpoints drop ICMP, so an
		// unanswered ping must never suppress the reconnect.
		log.Warn("Proxy host did not answer ICMP precheck", "account", a.Label, "proxy", proxy.Addr())
	}

	log.Warn("Connectivity broken, reconnecting", "account", a.Label, "device", device.RemoteID, "proxy", proxy.Addr())
	m.reconnect(ctx, a, device.RemoteID, proxy.RemoteProxyID)
}

// CheckConnection probes whether the device can reach the known-good
// external host. Transport failures count as unhealthy.
func (m *HealthMonitor) CheckConnection(ctx context.Context, remoteDeviceID string) bool {
	cmd := fmt.Sprintf("ping -c 1 -W 3 %s", m.ProbeHost)
	ok, _, err := m.devices.Exec(ctx, remoteDeviceID, cmd)
	if err != nil {
		return false
	}
	return ok
}

// reconnect detaches the proxy, waits, reattaches the same remote
// proxy id, waits, and re-probes. Best effort: the result is logged
// and the next cycle retries whatever is still broken.
func (m *HealthMonitor) reconnect(ctx context.Context, a *model.Account, remoteDeviceID, remoteProxyID string) {
	if err := m.devices.DetachProxy(ctx, remoteDeviceID); err != nil {
		m.logReconnect(a, model.OutcomeError, "detach: "+err.Error())
		return
	}
	if err := sleepCtx(ctx, m.DetachSettle); err != nil {
		return
	}

	if err := m.devices.AttachProxy(ctx, remoteDeviceID, remoteProxyID); err != nil {
		m.logReconnect(a, model.OutcomeError, "attach: "+err.Error())
		return
	}
	if err := sleepCtx(ctx, m.AttachSettle); err != nil {
		return
	}

	if m.CheckConnection(ctx, remoteDeviceID) {
		log.Info("Reconnect restored connectivity", "account", a.Label, "device", remoteDeviceID)
		m.logReconnect(a, model.OutcomeOK, "")
		return
	}
	log.Warn("Reconnect did not restore connectivity", "account", a.Label, "device", remoteDeviceID)
	m.logReconnect(a, model.OutcomeError, "still unreachable after reattach")
}

func (m *HealthMonitor) pingHost(host string, timeout time.Duration) bool {
	if m.pingProxyHost != nil {
		return m.pingProxyHost(host, timeout)
	}
	return m.ProxyHostReachable(host, timeout)
}

// ProxyHostReachable is a local ICMP precheck of the proxy endpoint
// itself, to separate a dead proxy server from a misconfigured device
// in the logs. Advisory: the reconnect runs either way. Requires raw
// socket access; reports true (inconclusive) without it.
func (m *HealthMonitor) ProxyHostReachable(host string, timeout time.Duration) bool {
	if !m.privileged {
		return true
	}

	pinger, err := ping.NewPinger(host)
	if err != nil {
		return true
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(true)
	pinger.Run()

	return pinger.Statistics().PacketsRecv > 0
}

func (m *HealthMonitor) logReconnect(a *model.Account, outcome, detail string) {
	err := m.store.AppendSyncLog(&model.SyncLogEntry{
		ResourceKind: "device",
		ResourceID:   a.DeviceID,
		AccountID:    a.ID,
		Action:       model.ActionReconnect,
		Outcome:      outcome,
		Detail:       detail,
	})
	if err != nil {
		log.Error("Failed to append sync log", "error", err)
	}
}

// canUseRawSocket checks if we can use raw sockets
func canUseRawSocket() bool {
	conn, err := net.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
