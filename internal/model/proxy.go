package model

import (
	"fmt"
	"time"
)

// Proxy is an egress credential set. RemoteProxyID is memoized the first
// time the proxy is registered or found on the provider and is never
// overwritten with a different value.
type Proxy struct {
	ID            string    `json:"id"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Username      string    `json:"username,omitempty"`
	Password      string    `json:"password,omitempty"`
	RemoteProxyID string    `json:"remote_proxy_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Addr returns the host:port form used to match provider listings.
func (p *Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}
