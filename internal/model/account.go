package model

import (
	"time"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountPending  AccountStatus = "pending"
	AccountDisabled AccountStatus = "disabled"
)

// Account owns at most one device and at most one proxy at a time.
// The assignment links live here; device and proxy rows carry no owner
// field and ownership is resolved by lookup.
type Account struct {
	ID        string        `json:"id"`
	Label     string        `json:"label"`
	Status    AccountStatus `json:"status"`
	DeviceID  string        `json:"device_id,omitempty"`
	ProxyID   string        `json:"proxy_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
