package engine

import (
	"sort"
	"sync"
)

// keyedMutex provides per-key critical sections so claims for unrelated
// addresses never serialize on each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// lock acquires all keys in sorted order (two claims sharing any key pair
// always take them in the same order, so they cannot deadlock) and returns
// the matching unlock.
func (k *keyedMutex) lock(keys ...string) func() {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	entries := make([]*lockEntry, 0, len(sorted))
	for _, key := range sorted {
		entries = append(entries, k.acquire(key))
	}
	for _, e := range entries {
		e.mu.Lock()
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		k.mu.Lock()
		for _, key := range sorted {
			if e, ok := k.locks[key]; ok {
				e.refs--
				if e.refs == 0 {
					delete(k.locks, key)
				}
			}
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) acquire(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	return e
}
