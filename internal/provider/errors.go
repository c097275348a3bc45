package provider

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuth means the provider rejected our credentials. Never retried;
	// an operator has to fix the key.
	ErrAuth = errors.New("provider authentication failed")

	// ErrAlreadyExists is the provider's duplicate condition, detected by
	// message classification. Triggers the find fallback.
	ErrAlreadyExists = errors.New("already exists on provider")

	// ErrNotFound means the provider does not know the resource.
	ErrNotFound = errors.New("not found on provider")

	// ErrDeviceNotReady means a proxy attach was requested while the
	// device is not powered on. No remote attach call is made.
	ErrDeviceNotReady = errors.New("device is not powered on")

	// ErrDeviceTransitioning means the device is starting or stopping.
	// Retry later; transitions are not queued.
	ErrDeviceTransitioning = errors.New("device is transitioning between power states")
)

// TransportError wraps timeouts, network failures, and 5xx responses.
// These are the only failures the retry policy replays.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport-class failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ReasonError carries a named failure reason returned by the provider
// for a specific resource, e.g. "device is already running".
type ReasonError struct {
	RemoteID string
	Reason   string
}

func (e *ReasonError) Error() string {
	if e.RemoteID == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.RemoteID, e.Reason)
}

// The vendor has no structured error codes; conditions arrive as free
// text. Classification is substring matching over recorded response
// messages, isolated here because it is a known fragility point.
// Observed inputs:
//
//	"proxy already exists"          -> duplicate
//	"record already exist"          -> duplicate
//	"device is already running"     -> already running
//	"already powered on"            -> already running
//	"device powered off"            -> powered off
//	"device is shut down"           -> powered off
//	"device is transitioning"       -> transitioning
//	"operation in progress"         -> transitioning

// ReasonIsAlreadyExists reports whether a provider message describes a
// duplicate-registration condition.
func ReasonIsAlreadyExists(msg string) bool {
	return containsFold(msg, "already exist", "duplicate")
}

// ReasonIsAlreadyRunning reports whether a provider message says the
// device was already powered on.
func ReasonIsAlreadyRunning(msg string) bool {
	return containsFold(msg, "already running", "already powered on", "already on", "already started")
}

// ReasonIsPoweredOff reports whether a provider message says the device
// is off.
func ReasonIsPoweredOff(msg string) bool {
	return containsFold(msg, "powered off", "shut down", "is off", "not running")
}

// ReasonIsTransitioning reports whether a provider message says the
// device is mid power transition.
func ReasonIsTransitioning(msg string) bool {
	return containsFold(msg, "transitioning", "in progress", "starting", "stopping")
}

func containsFold(msg string, subs ...string) bool {
	lower := strings.ToLower(msg)
	for _, sub := range subs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
