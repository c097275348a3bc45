package provider

import (
	"sync"
	"time"
)

// statusCache holds the last full device listing for a bounded TTL.
// Refreshes replace the whole map; entries are never mutated in place,
// so concurrent readers always see a consistent snapshot set.
type statusCache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	fetchedAt time.Time
	snapshots map[string]DeviceSnapshot
}

func newStatusCache(ttl time.Duration) *statusCache {
	return &statusCache{ttl: ttl}
}

func (c *statusCache) get(remoteID string) (DeviceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshots == nil || time.Since(c.fetchedAt) > c.ttl {
		return DeviceSnapshot{}, false
	}
	snap, ok := c.snapshots[remoteID]
	return snap, ok
}

func (c *statusCache) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots != nil && time.Since(c.fetchedAt) <= c.ttl
}

func (c *statusCache) replace(snaps []DeviceSnapshot) {
	m := make(map[string]DeviceSnapshot, len(snaps))
	for _, s := range snaps {
		m[s.RemoteID] = s
	}
	c.mu.Lock()
	c.snapshots = m
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}

func (c *statusCache) invalidate() {
	c.mu.Lock()
	c.snapshots = nil
	c.mu.Unlock()
}
