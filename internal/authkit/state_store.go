package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrStateNotFound indicates the OAuth state was never issued or was already consumed.
	ErrStateNotFound = errors.New("oauth_state.not_found")
	// ErrStateExpired indicates the OAuth state outlived its TTL.
	ErrStateExpired = errors.New("oauth_state.expired")
)

const stateTokenSize = 32

// StateStore issues one-time OAuth state values that bind a callback to its redirect.
type StateStore interface {
	Issue(ctx context.Context) (string, error)
	// Consume validates and invalidates an issued state.
	Consume(ctx context.Context, state string) error
}

type memoryStateStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewMemoryStateStore constructs a process-local StateStore.
func NewMemoryStateStore(ttl time.Duration, clock Clock) StateStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &memoryStateStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

func (store *memoryStateStore) Issue(ctx context.Context) (string, error) {
	state, err := randomStateToken()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[state] = store.clock.Now().Add(store.ttl)
	return state, nil
}

func (store *memoryStateStore) Consume(ctx context.Context, state string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiry, ok := store.entries[state]
	if !ok {
		store.purgeExpiredLocked()
		return ErrStateNotFound
	}
	delete(store.entries, state)
	if store.clock.Now().After(expiry) {
		store.purgeExpiredLocked()
		return ErrStateExpired
	}
	store.purgeExpiredLocked()
	return nil
}

func (store *memoryStateStore) purgeExpiredLocked() {
	now := store.clock.Now()
	for state, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, state)
		}
	}
}

// RedisStateStore shares OAuth state across instances; Redis expiry enforces the TTL.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStateStore stores states under "<prefix>oauth-state:".
func NewRedisStateStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: prefix + "oauth-state:", ttl: ttl}
}

func (store *RedisStateStore) Issue(ctx context.Context) (string, error) {
	state, err := randomStateToken()
	if err != nil {
		return "", err
	}
	if err := store.client.Set(ctx, store.prefix+state, "1", store.ttl).Err(); err != nil {
		return "", fmt.Errorf("oauth_state.issue: %w", err)
	}
	return state, nil
}

func (store *RedisStateStore) Consume(ctx context.Context, state string) error {
	if state == "" {
		return ErrStateNotFound
	}
	err := store.client.GetDel(ctx, store.prefix+state).Err()
	if errors.Is(err, redis.Nil) {
		return ErrStateNotFound
	}
	if err != nil {
		return fmt.Errorf("oauth_state.consume: %w", err)
	}
	return nil
}

func randomStateToken() (string, error) {
	buffer := make([]byte, stateTokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("oauth_state.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
