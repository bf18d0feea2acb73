package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrCacheMiss is returned by cache backends when a key is absent or expired.
var ErrCacheMiss = errors.New("session_cache.miss")

const (
	activeSessionsKey   = "active-sessions"
	activeSessionsGauge = "session.active"
)

// CacheBackend is the key/value store behind SessionCache.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; a zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// IncrementBy adds delta to an integer key and returns the new value, never below zero.
	IncrementBy(ctx context.Context, key string, delta int64) (int64, error)
}

// ProfileCacheKey names the cached public profile of an identity.
func ProfileCacheKey(identityID string) string {
	return "profile:" + identityID
}

// AllUsernamesCacheKey names the cached username listing.
func AllUsernamesCacheKey() string {
	return "all-usernames"
}

// PostCacheKey names a single cached post.
func PostCacheKey(ownerUsername string, number int64) string {
	return fmt.Sprintf("post:%s:%d", ownerUsername, number)
}

// PostsByOwnerCacheKey names the cached post listing of one owner.
func PostsByOwnerCacheKey(ownerUsername string) string {
	return "posts-by-owner:" + ownerUsername
}

// AllPostsCacheKey names the cached listing of every post.
func AllPostsCacheKey() string {
	return "all-posts"
}

// SessionCacheConfig bounds entry lifetime and per-call latency.
type SessionCacheConfig struct {
	TTL     time.Duration
	Timeout time.Duration
}

// SessionCache is an optional accelerator. Every failure degrades to a miss or a no-op.
type SessionCache struct {
	backend CacheBackend
	ttl     time.Duration
	timeout time.Duration
	metrics MetricsRecorder
	logger  *zap.Logger
}

// NewSessionCache wraps a backend with timeouts, logging, and metrics.
func NewSessionCache(backend CacheBackend, configuration SessionCacheConfig, metrics MetricsRecorder, logger *zap.Logger) *SessionCache {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &SessionCache{
		backend: backend,
		ttl:     configuration.TTL,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// TTL reports the lifetime applied to cached entries.
func (cache *SessionCache) TTL() time.Duration {
	if cache == nil {
		return 0
	}
	return cache.ttl
}

// Get returns the cached bytes and true on a hit.
func (cache *SessionCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if cache == nil || cache.backend == nil {
		return nil, false
	}
	callCtx, cancel := context.WithTimeout(ctx, cache.timeout)
	defer cancel()

	value, err := cache.backend.Get(callCtx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			cache.metrics.Record("cache.miss", nil)
			return nil, false
		}
		cache.bypass("get", key, err)
		return nil, false
	}
	cache.metrics.Record("cache.hit", nil)
	return value, true
}

// Set stores value under key with the configured TTL.
func (cache *SessionCache) Set(ctx context.Context, key string, value []byte) {
	if cache == nil || cache.backend == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, cache.timeout)
	defer cancel()

	if err := cache.backend.Set(callCtx, key, value, cache.ttl); err != nil {
		cache.bypass("set", key, err)
	}
}

// Invalidate removes keys. A failure is logged and entries age out through their TTL.
func (cache *SessionCache) Invalidate(ctx context.Context, keys ...string) {
	if cache == nil || cache.backend == nil || len(keys) == 0 {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, cache.timeout)
	defer cancel()

	if err := cache.backend.Delete(callCtx, keys...); err != nil {
		cache.bypass("invalidate", keys[0], err)
	}
}

// AdjustActiveSessions moves the shared active-session counter and sets the gauge to its new value.
// The gauge is left untouched when the backend cannot be reached.
func (cache *SessionCache) AdjustActiveSessions(ctx context.Context, delta int64) {
	if cache == nil || cache.backend == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, cache.timeout)
	defer cancel()

	value, err := cache.backend.IncrementBy(callCtx, activeSessionsKey, delta)
	if err != nil {
		cache.bypass("active_sessions", activeSessionsKey, err)
		return
	}
	cache.metrics.SetGauge(activeSessionsGauge, float64(value))
}

// ActiveSessions reports the counter, zero when unknown, and resynchronizes the gauge.
func (cache *SessionCache) ActiveSessions(ctx context.Context) int64 {
	if cache == nil || cache.backend == nil {
		return 0
	}
	callCtx, cancel := context.WithTimeout(ctx, cache.timeout)
	defer cancel()

	value, err := cache.backend.IncrementBy(callCtx, activeSessionsKey, 0)
	if err != nil {
		cache.bypass("active_sessions", activeSessionsKey, err)
		return 0
	}
	cache.metrics.SetGauge(activeSessionsGauge, float64(value))
	return value
}

func (cache *SessionCache) bypass(operation string, key string, err error) {
	cache.metrics.Record("cache.error", map[string]string{"operation": operation})
	cache.logger.Warn("session cache bypassed",
		zap.String("code", "cache."+operation+".bypass"),
		zap.String("key", key),
		zap.Error(err),
	)
}

// CachedJSON reads key through the cache, loading and storing the value on a miss.
// Undecodable entries are dropped and reloaded.
func CachedJSON[T any](ctx context.Context, cache *SessionCache, key string, load func(ctx context.Context) (T, error)) (T, error) {
	if cached, ok := cache.Get(ctx, key); ok {
		var value T
		if err := json.Unmarshal(cached, &value); err == nil {
			return value, nil
		}
		cache.Invalidate(ctx, key)
	}
	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	encoded, encodeErr := json.Marshal(value)
	if encodeErr == nil {
		cache.Set(ctx, key, encoded)
	}
	return value, nil
}
