// Package locking provides mutual exclusion keyed by sets of strings, so that
// requests touching overlapping identifying values run one at a time.
package locking

import (
	"context"
	"sort"
	"sync"
)

// LocalLocker serializes holders of overlapping key sets within one process.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	slot chan struct{}
	refs int
}

// NewLocalLocker constructs an in-process keyed locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

// Lock blocks until every key is held or ctx is done. Keys are taken in sorted
// order so overlapping sets cannot deadlock.
func (l *LocalLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	ordered := normalizeKeys(keys)
	held := make([]string, 0, len(ordered))
	for _, key := range ordered {
		entry := l.retain(key)
		select {
		case entry.slot <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.drop(key)
			l.unlock(held)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.unlock(held) })
	}, nil
}

func (l *LocalLocker) retain(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{slot: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *LocalLocker) drop(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *LocalLocker) unlock(keys []string) {
	for index := len(keys) - 1; index >= 0; index-- {
		l.mu.Lock()
		entry := l.entries[keys[index]]
		l.mu.Unlock()
		if entry != nil {
			<-entry.slot
		}
		l.drop(keys[index])
	}
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)
	return ordered
}
