// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"strings"
	"sync"
)

// KeyLock serializes work per key. Each key in use has its own
// channel-based lock, so distinct keys never wait on each other; an entry
// is dropped once nobody holds or waits for it. Keys are case-insensitive
// so checksummed and lowercase wallet addresses share a lock.
type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{}
	refs int // holders plus waiters
}

// NewKeyLock creates an unlocked KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{entries: make(map[string]*keyEntry)}
}

// Lock waits for key or for ctx to end. On success the returned unlock
// func must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	key = strings.ToLower(key)
	e := k.acquire(key)
	select {
	case <-e.ch:
		return func() {
			e.ch <- struct{}{}
			k.release(key, e)
		}, nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
}

// Len returns how many keys are currently held or waited on.
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *KeyLock) acquire(key string) *keyEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *KeyLock) release(key string, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}
