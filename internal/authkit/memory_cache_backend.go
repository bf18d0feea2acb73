package authkit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCacheBackend is a process-local CacheBackend.
type MemoryCacheBackend struct {
	mutex   sync.Mutex
	clock   Clock
	entries map[string]memoryCacheEntry
}

// NewMemoryCacheBackend constructs an empty backend.
func NewMemoryCacheBackend(clock Clock) *MemoryCacheBackend {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryCacheBackend{
		clock:   clock,
		entries: make(map[string]memoryCacheEntry),
	}
}

func (backend *MemoryCacheBackend) Get(ctx context.Context, key string) ([]byte, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	entry, ok := backend.liveEntryLocked(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), entry.value...), nil
}

func (backend *MemoryCacheBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	entry := memoryCacheEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = backend.clock.Now().Add(ttl)
	}
	backend.entries[key] = entry
	return nil
}

func (backend *MemoryCacheBackend) Delete(ctx context.Context, keys ...string) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	for _, key := range keys {
		delete(backend.entries, key)
	}
	return nil
}

func (backend *MemoryCacheBackend) IncrementBy(ctx context.Context, key string, delta int64) (int64, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	var current int64
	entry, ok := backend.liveEntryLocked(key)
	if ok {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("memory_cache.increment %q: %w", key, err)
		}
		current = parsed
	}
	next := current + delta
	if next < 0 {
		next = 0
	}
	entry.value = []byte(strconv.FormatInt(next, 10))
	backend.entries[key] = entry
	return next, nil
}

func (backend *MemoryCacheBackend) liveEntryLocked(key string) (memoryCacheEntry, bool) {
	entry, ok := backend.entries[key]
	if !ok {
		return memoryCacheEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !backend.clock.Now().Before(entry.expiresAt) {
		delete(backend.entries, key)
		return memoryCacheEntry{}, false
	}
	return entry, true
}
