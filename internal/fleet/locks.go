package fleet

import (
	"sync"
)

// LockTable hands out one mutex per resource so read-modify-write
// sequences on the same device or proxy never interleave, whichever
// component drives them. Locks are keyed kind/id and created lazily;
// they are never removed, which is fine at fleet scale.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for kind/id and returns its unlock func.
func (lt *LockTable) Lock(kind, id string) func() {
	lt.mu.Lock()
	key := kind + "/" + id
	m, ok := lt.locks[key]
	if !ok {
		m = &sync.Mutex{}
		lt.locks[key] = m
	}
	lt.mu.Unlock()

	m.Lock()
	return m.Unlock
}
