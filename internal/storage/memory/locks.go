package memory

import (
	"context"
	"sync"
)

// lockTable emulates locks that a database holds until the end of a transaction.
// A holder may re-acquire a key it already owns.
type lockTable struct {
	mu   sync.Mutex
	held map[string]*heldLock
}

type heldLock struct {
	owner    *memoryTx
	released chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]*heldLock)}
}

// acquire blocks until key is free or ctx ends. It reports false when owner
// already held the key.
func (lt *lockTable) acquire(ctx context.Context, key string, owner *memoryTx) (bool, error) {
	for {
		lt.mu.Lock()
		h, busy := lt.held[key]
		if !busy {
			lt.held[key] = &heldLock{owner: owner, released: make(chan struct{})}
			lt.mu.Unlock()
			return true, nil
		}
		if h.owner == owner {
			lt.mu.Unlock()
			return false, nil
		}
		wait := h.released
		lt.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (lt *lockTable) release(key string, owner *memoryTx) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	h, busy := lt.held[key]
	if !busy || h.owner != owner {
		return
	}
	delete(lt.held, key)
	close(h.released)
}
