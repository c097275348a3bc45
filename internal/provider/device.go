package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/martinsuchenak/fleetd/internal/model"
)

// DeviceSnapshot is one device as the provider reports it.
type DeviceSnapshot struct {
	RemoteID   string
	Name       string
	PowerState model.PowerState
	IP         string
}

// BatchFailure is a per-device failure inside a batch response.
type BatchFailure struct {
	RemoteID string
	Reason   string
}

// BatchResult is the provider's answer to a batch power or attach
// command. A remote id absent from both lists means the command was
// accepted but the outcome is not yet observable.
type BatchResult struct {
	Success []string
	Fail    []BatchFailure
}

// Succeeded reports whether remoteID is in the success list.
func (r BatchResult) Succeeded(remoteID string) bool {
	for _, id := range r.Success {
		if id == remoteID {
			return true
		}
	}
	return false
}

// FailureReason returns the fail-list reason for remoteID, if present.
func (r BatchResult) FailureReason(remoteID string) (string, bool) {
	for _, f := range r.Fail {
		if f.RemoteID == remoteID {
			return f.Reason, true
		}
	}
	return "", false
}

// DeviceClient wraps the cloud phone vendor's REST API. It is stateless
// apart from the bounded-TTL status cache.
type DeviceClient struct {
	api   apiClient
	cache *statusCache
}

func NewDeviceClient(baseURL, apiKey string, timeout, cacheTTL time.Duration) *DeviceClient {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &DeviceClient{
		api:   newAPIClient(baseURL, apiKey, timeout),
		cache: newStatusCache(cacheTTL),
	}
}

// Wire types. Power status ints: 0=off 1=on 2=starting 3=stopping.
type phoneEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status int    `json:"status"`
	IP     string `json:"ip"`
}

type phoneListData struct {
	List []phoneEntry `json:"list"`
}

type batchData struct {
	Success []string `json:"success"`
	Fail    []struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	} `json:"fail"`
}

type execData struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
}

func powerStateFromWire(status int) model.PowerState {
	switch status {
	case 1:
		return model.PowerOn
	case 2:
		return model.PowerStarting
	case 3:
		return model.PowerStopping
	default:
		return model.PowerOff
	}
}

// ListDevices fetches the full fleet listing and refreshes the status
// cache with it.
func (c *DeviceClient) ListDevices(ctx context.Context) ([]DeviceSnapshot, error) {
	return withRetry(ctx, func() ([]DeviceSnapshot, error) {
		var data phoneListData
		if err := c.api.doJSON(ctx, http.MethodGet, "/api/v1/phone/list", nil, &data); err != nil {
			return nil, err
		}

		snaps := make([]DeviceSnapshot, 0, len(data.List))
		for _, e := range data.List {
			snaps = append(snaps, DeviceSnapshot{
				RemoteID:   e.ID,
				Name:       e.Name,
				PowerState: powerStateFromWire(e.Status),
				IP:         e.IP,
			})
		}
		c.cache.replace(snaps)
		return snaps, nil
	})
}

// Status returns the snapshot for one device, served from the TTL
// cache when fresh.
func (c *DeviceClient) Status(ctx context.Context, remoteID string) (DeviceSnapshot, error) {
	if snap, ok := c.cache.get(remoteID); ok {
		return snap, nil
	}
	if _, err := c.ListDevices(ctx); err != nil {
		return DeviceSnapshot{}, err
	}
	snap, ok := c.cache.get(remoteID)
	if !ok {
		return DeviceSnapshot{}, fmt.Errorf("device %s: %w", remoteID, ErrNotFound)
	}
	return snap, nil
}

// Statuses resolves many devices at once with at most one listing call,
// for callers that would otherwise poll per device.
func (c *DeviceClient) Statuses(ctx context.Context, remoteIDs []string) (map[string]DeviceSnapshot, error) {
	if !c.cache.fresh() {
		if _, err := c.ListDevices(ctx); err != nil {
			return nil, err
		}
	}
	result := make(map[string]DeviceSnapshot, len(remoteIDs))
	for _, id := range remoteIDs {
		if snap, ok := c.cache.get(id); ok {
			result[id] = snap
		}
	}
	return result, nil
}

func (c *DeviceClient) powerBatch(ctx context.Context, path string, remoteIDs []string) (BatchResult, error) {
	res, err := withRetry(ctx, func() (BatchResult, error) {
		var data batchData
		body := map[string]any{"ids": remoteIDs}
		if err := c.api.doJSON(ctx, http.MethodPost, path, body, &data); err != nil {
			return BatchResult{}, err
		}
		result := BatchResult{Success: data.Success}
		for _, f := range data.Fail {
			result.Fail = append(result.Fail, BatchFailure{RemoteID: f.ID, Reason: f.Reason})
		}
		return result, nil
	})
	if err == nil {
		// Power state changed remotely; cached snapshots are stale now.
		c.cache.invalidate()
	}
	return res, err
}

func (c *DeviceClient) PowerOn(ctx context.Context, remoteIDs []string) (BatchResult, error) {
	return c.powerBatch(ctx, "/api/v1/phone/start", remoteIDs)
}

func (c *DeviceClient) PowerOff(ctx context.Context, remoteIDs []string) (BatchResult, error) {
	return c.powerBatch(ctx, "/api/v1/phone/stop", remoteIDs)
}

func (c *DeviceClient) Reboot(ctx context.Context, remoteIDs []string) (BatchResult, error) {
	return c.powerBatch(ctx, "/api/v1/phone/reboot", remoteIDs)
}

// AttachProxy points a device at a registered proxy. The device must be
// powered on; the precondition is checked first so a known-bad attach
// is never sent.
func (c *DeviceClient) AttachProxy(ctx context.Context, remoteDeviceID, remoteProxyID string) error {
	snap, err := c.Status(ctx, remoteDeviceID)
	if err != nil {
		return err
	}
	switch snap.PowerState {
	case model.PowerOn:
	case model.PowerStarting, model.PowerStopping:
		return fmt.Errorf("device %s: %w", remoteDeviceID, ErrDeviceTransitioning)
	default:
		return fmt.Errorf("device %s: %w", remoteDeviceID, ErrDeviceNotReady)
	}

	return c.setProxy(ctx, remoteDeviceID, remoteProxyID)
}

// DetachProxy clears the device's proxy binding (an attach with an
// empty proxy id on the wire).
func (c *DeviceClient) DetachProxy(ctx context.Context, remoteDeviceID string) error {
	return c.setProxy(ctx, remoteDeviceID, "")
}

func (c *DeviceClient) setProxy(ctx context.Context, remoteDeviceID, remoteProxyID string) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		var data batchData
		body := map[string]any{"id": remoteDeviceID, "proxyId": remoteProxyID}
		if err := c.api.doJSON(ctx, http.MethodPost, "/api/v1/phone/proxy", body, &data); err != nil {
			return struct{}{}, err
		}
		for _, f := range data.Fail {
			if f.ID == remoteDeviceID {
				return struct{}{}, &ReasonError{RemoteID: f.ID, Reason: f.Reason}
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Exec runs a shell command on the device and returns its output. Used
// for the connectivity probe.
func (c *DeviceClient) Exec(ctx context.Context, remoteDeviceID, command string) (bool, string, error) {
	type execResult struct {
		ok      bool
		content string
	}
	res, err := withRetry(ctx, func() (execResult, error) {
		var data execData
		body := map[string]any{"id": remoteDeviceID, "command": command}
		if err := c.api.doJSON(ctx, http.MethodPost, "/api/v1/phone/command", body, &data); err != nil {
			return execResult{}, err
		}
		return execResult{ok: data.Success, content: data.Content}, nil
	})
	if err != nil {
		return false, "", err
	}
	return res.ok, res.content, nil
}
