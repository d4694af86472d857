package service

import "sync"

// KeyedMutex serializes work per line-item id so that two concurrent
// submissions (or a submission and an approval commit) for the same line
// never interleave. Different keys never contend.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

// Lock acquires the mutex for key and returns the matching unlock func.
// Entries are reference-counted and removed when the last holder unlocks.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// size returns the number of live entries.
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
