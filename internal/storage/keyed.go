package storage

import (
	"sort"
	"sync"
)

// keyedMutex hands out one mutex per key. Keys are always locked in sorted
// order so callers that need several records cannot deadlock each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(keys ...string) (unlock func()) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	held := make([]*refMutex, 0, len(sorted))
	for _, key := range sorted {
		k.mu.Lock()
		l, ok := k.locks[key]
		if !ok {
			l = &refMutex{}
			k.locks[key] = l
		}
		l.refs++
		k.mu.Unlock()

		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.locks, sorted[i])
			}
			k.mu.Unlock()
		}
	}
}

// rideKey and userKey return "" for an empty id, which Lock skips, so a ride
// with no driver does not contend on a shared key.
func rideKey(id string) string { return lockKey("ride:", id) }
func userKey(id string) string { return lockKey("user:", id) }

func lockKey(prefix, id string) string {
	if id == "" {
		return ""
	}
	return prefix + id
}
