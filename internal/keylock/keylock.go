// Package keylock provides per-key mutual exclusion so mutations on
// unrelated keys never block each other.
package keylock

import "sync"

// KeyLock serializes callers per string key.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
// Mutexes are created on first use and retained for the lifetime of the
// KeyLock; the key space here (projects x stages) is small and bounded.
func (k *KeyLock) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
