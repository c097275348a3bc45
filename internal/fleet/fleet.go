package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/martinsuchenak/fleetd/internal/provider"
)

var (
	// ErrDeviceAlreadyAssigned means the device belongs to a different
	// account. The caller can pick another device or release first.
	ErrDeviceAlreadyAssigned = errors.New("device already assigned to another account")

	// ErrProxyAlreadyAssigned means the proxy belongs to a different
	// account.
	ErrProxyAlreadyAssigned = errors.New("proxy already assigned to another account")

	// ErrPoolExhausted means no free device was available.
	ErrPoolExhausted = errors.New("no free device in pool")

	// ErrDeviceNotRunning means a restart was requested for a device the
	// provider reports as already off.
	ErrDeviceNotRunning = errors.New("device is not running")

	// ErrProxyUnresolvable means both registration and lookup failed; an
	// operator has to intervene.
	ErrProxyUnresolvable = errors.New("proxy could not be registered or found")
)

// DeviceProvider is the slice of the device vendor API the managers
// use. Satisfied by *provider.DeviceClient.
type DeviceProvider interface {
	ListDevices(ctx context.Context) ([]provider.DeviceSnapshot, error)
	PowerOn(ctx context.Context, remoteIDs []string) (provider.BatchResult, error)
	PowerOff(ctx context.Context, remoteIDs []string) (provider.BatchResult, error)
	Reboot(ctx context.Context, remoteIDs []string) (provider.BatchResult, error)
	AttachProxy(ctx context.Context, remoteDeviceID, remoteProxyID string) error
	DetachProxy(ctx context.Context, remoteDeviceID string) error
	Exec(ctx context.Context, remoteDeviceID, command string) (bool, string, error)
	Status(ctx context.Context, remoteID string) (provider.DeviceSnapshot, error)
	Statuses(ctx context.Context, remoteIDs []string) (map[string]provider.DeviceSnapshot, error)
}

// ProxyProvider is the slice of the proxy vendor API the managers use.
// Satisfied by *provider.ProxyClient.
type ProxyProvider interface {
	AddProxy(ctx context.Context, spec provider.ProxySpec) (string, error)
	ListProxies(ctx context.Context) ([]provider.RemoteProxy, error)
	FindByHostPort(ctx context.Context, host string, port int) (string, error)
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes
// first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
