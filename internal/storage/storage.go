package storage

import (
	"errors"

	"github.com/martinsuchenak/fleetd/internal/model"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrProxyNotFound    = errors.New("proxy not found")
	ErrProxyExists      = errors.New("proxy already exists")
	ErrRemoteIDConflict = errors.New("remote proxy id already set to a different value")
)

// Storage is the persistence interface for fleet state.
type Storage interface {
	// Accounts
	CreateAccount(a *model.Account) error
	GetAccount(id string) (*model.Account, error)
	ListAccounts() ([]model.Account, error)
	UpdateAccountStatus(id string, status model.AccountStatus) error
	SetAccountDevice(accountID, deviceID string) error
	SetAccountProxy(accountID, proxyID string) error
	GetAccountByDevice(deviceID string) (*model.Account, error)
	GetAccountByProxy(proxyID string) (*model.Account, error)

	// Devices
	UpsertDevice(d *model.Device) error
	GetDevice(id string) (*model.Device, error)
	GetDeviceByRemoteID(remoteID string) (*model.Device, error)
	ListDevices() ([]model.Device, error)
	SetDevicePowerState(id string, state model.PowerState) error

	// Proxies
	CreateProxy(p *model.Proxy) error
	GetProxy(id string) (*model.Proxy, error)
	ListProxies() ([]model.Proxy, error)
	SetProxyRemoteID(proxyID, remoteID string) error

	// Sync log
	AppendSyncLog(e *model.SyncLogEntry) error
	ListSyncLog(limit int) ([]model.SyncLogEntry, error)

	Close() error
}
