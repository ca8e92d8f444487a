// Package syncutil provides keyed locking used to serialize settlement
// operations on a single escrow.
package syncutil

import "context"

// keySlots is the number of lock slots. Keys are hashed onto slots, so two
// escrows can occasionally share one; that costs a little contention but
// keeps memory constant no matter how many escrows exist.
const keySlots = 256

// ContextShardedMutex serializes callers per string key. Acquisition honors
// context cancellation so a request stuck behind a slow settlement can give
// up instead of piling onto the lock.
type ContextShardedMutex struct {
	sems []chan struct{}
}

// NewContextShardedMutex returns a lock pool ready for use.
func NewContextShardedMutex() *ContextShardedMutex {
	sems := make([]chan struct{}, keySlots)
	for i := range sems {
		sems[i] = make(chan struct{}, 1)
	}
	return &ContextShardedMutex{sems: sems}
}

// LockContext acquires the slot for key, blocking until the slot is free or
// ctx is done. On success the returned function releases the slot and must
// be called exactly once. On cancellation the lock is not held and the
// context error is returned.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sem := m.sems[slotFor(key)]
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// slotFor maps a key onto a slot with FNV-1a.
func slotFor(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h % keySlots
}
