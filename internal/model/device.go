package model

import (
	"time"
)

// PowerState is the provider-reported power state of a device.
type PowerState string

const (
	PowerOff      PowerState = "off"
	PowerOn       PowerState = "on"
	PowerStarting PowerState = "starting"
	PowerStopping PowerState = "stopping"
)

// Device is a leased cloud phone. Rows are created by refreshing the
// provider's fleet listing, never locally. PowerState and LastIP are
// cached snapshots of remote state bounded by StatusCheckedAt.
type Device struct {
	ID              string     `json:"id"`
	RemoteID        string     `json:"remote_id"`
	Name            string     `json:"name"`
	PowerState      PowerState `json:"power_state"`
	LastIP          string     `json:"last_ip,omitempty"`
	StatusCheckedAt *time.Time `json:"status_checked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
