package content

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tyemirov/notify/internal/authkit"
	"go.uber.org/zap"
)

type failingStore struct {
	Store
}

var errStoreDown = errors.New("store down")

func (failingStore) ListAll(context.Context) ([]Post, error) { return nil, errStoreDown }

type serviceFixture struct {
	service *Service
	store   *MemoryStore
	cache   *authkit.SessionCache
	metrics *authkit.CounterMetrics
	alice   Author
	bob     Author
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	clock := newTickingClock()
	store := NewMemoryStore(clock)
	metrics := authkit.NewCounterMetrics()
	cache := authkit.NewSessionCache(authkit.NewMemoryCacheBackend(authkit.NewSystemClock()), authkit.SessionCacheConfig{TTL: time.Hour}, metrics, zap.NewNop())
	service, err := NewService(ServiceDependencies{Store: store, Cache: cache, Metrics: metrics})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &serviceFixture{
		service: service,
		store:   store,
		cache:   cache,
		metrics: metrics,
		alice:   Author{ID: "id-alice", Username: "Alice"},
		bob:     Author{ID: "id-bob", Username: "bob"},
	}
}

func TestCreateNormalizesAndValidates(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	post, err := fixture.service.Create(ctx, fixture.alice, Draft{Title: "  Hello World ", Content: "body"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if post.Title != "hello world" || post.OwnerUsername != "alice" || post.Number != 1 {
		t.Fatalf("unexpected post %+v", post)
	}
	if _, err := fixture.service.Create(ctx, fixture.bob, Draft{Title: "HELLO WORLD", Content: "copy"}); !errors.Is(err, ErrTitleTaken) {
		t.Fatalf("expected ErrTitleTaken, got %v", err)
	}
	if _, err := fixture.service.Create(ctx, fixture.alice, Draft{Title: "untitled"}); !errors.Is(err, authkit.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if fixture.metrics.Count("post.created") != 1 {
		t.Fatalf("unexpected metrics %v", fixture.metrics.Snapshot())
	}
}

func TestListingsStayCoherentAcrossWrites(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	if _, err := fixture.service.Create(ctx, fixture.alice, Draft{Title: "one", Content: "1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	all, err := fixture.service.ListAll(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list all: %v err %v", all, err)
	}
	owned, err := fixture.service.ListByOwner(ctx, "ALICE")
	if err != nil || len(owned) != 1 {
		t.Fatalf("list by owner: %v err %v", owned, err)
	}

	if _, err := fixture.service.Create(ctx, fixture.alice, Draft{Title: "two", Content: "2"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	all, err = fixture.service.ListAll(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("stale all-posts after create: %v err %v", all, err)
	}
	owned, err = fixture.service.ListByOwner(ctx, "alice")
	if err != nil || len(owned) != 2 {
		t.Fatalf("stale posts-by-owner after create: %v err %v", owned, err)
	}
	if fixture.metrics.Count("post.fetched") != 4 {
		t.Fatalf("expected four fetches, got %v", fixture.metrics.Snapshot())
	}
}

func TestGetServesFromCacheUntilUpdate(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	created, err := fixture.service.Create(ctx, fixture.alice, Draft{Title: "draft", Content: "v1", Media: "https://example.com/a.png"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := fixture.service.Get(ctx, "alice", created.Number); err != nil {
		t.Fatalf("get: %v", err)
	}
	hitsBefore := fixture.metrics.Count("cache.hit")
	if _, err := fixture.service.Get(ctx, "alice", created.Number); err != nil {
		t.Fatalf("get cached: %v", err)
	}
	if fixture.metrics.Count("cache.hit") != hitsBefore+1 {
		t.Fatalf("expected a cache hit, got %v", fixture.metrics.Snapshot())
	}

	updated, err := fixture.service.Update(ctx, fixture.alice.ID, "alice", created.Number, Draft{Content: "v2"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "draft" || updated.Content != "v2" || updated.Media != "https://example.com/a.png" {
		t.Fatalf("partial update lost fields: %+v", updated)
	}
	fetched, err := fixture.service.Get(ctx, "alice", created.Number)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if fetched.Content != "v2" {
		t.Fatalf("stale post after update: %+v", fetched)
	}
}

func TestCreateDropsStaleEntryForReusedNumber(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	if _, err := fixture.service.Create(ctx, fixture.alice, Draft{Title: "first", Content: "1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fixture.service.Create(ctx, fixture.alice, Draft{Title: "second", Content: "old body"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fixture.service.Get(ctx, "alice", 2); err != nil {
		t.Fatalf("get: %v", err)
	}
	key := authkit.PostCacheKey("alice", 2)
	staleEntry, cached := fixture.cache.Get(ctx, key)
	if !cached {
		t.Fatalf("expected %s to be cached", key)
	}
	if err := fixture.service.Delete(ctx, fixture.alice.ID, "alice", 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// A reader that loaded before the delete writes its result after the invalidation.
	fixture.cache.Set(ctx, key, staleEntry)

	created, err := fixture.service.Create(ctx, fixture.alice, Draft{Title: "third", Content: "new body"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Number != 2 {
		t.Fatalf("expected reused number 2, got %d", created.Number)
	}
	fetched, err := fixture.service.Get(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.Content != "new body" || fetched.ID != created.ID {
		t.Fatalf("expected the new post, got %+v", fetched)
	}
}

func TestUpdateAndDeleteRequireOwner(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	created, err := fixture.service.Create(ctx, fixture.alice, Draft{Title: "mine", Content: "text"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := fixture.service.Update(ctx, fixture.bob.ID, "alice", created.Number, Draft{Content: "hijack"}); !errors.Is(err, authkit.ErrForbidden) {
		t.Fatalf("expected ErrForbidden on update, got %v", err)
	}
	if err := fixture.service.Delete(ctx, fixture.bob.ID, "alice", created.Number); !errors.Is(err, authkit.ErrForbidden) {
		t.Fatalf("expected ErrForbidden on delete, got %v", err)
	}
	if err := fixture.service.Delete(ctx, fixture.alice.ID, "alice", 42); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("expected ErrPostNotFound, got %v", err)
	}

	if _, err := fixture.service.Get(ctx, "alice", created.Number); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if err := fixture.service.Delete(ctx, fixture.alice.ID, "alice", created.Number); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := fixture.service.Get(ctx, "alice", created.Number); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("expected deleted post to be gone, got %v", err)
	}
	if fixture.metrics.Count("post.deleted") != 1 {
		t.Fatalf("unexpected metrics %v", fixture.metrics.Snapshot())
	}
}

func TestOwnerRenamedMovesPostsAndInvalidatesKeys(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	created, err := fixture.service.Create(ctx, fixture.alice, Draft{Title: "travelling", Content: "text"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fixture.service.Get(ctx, "alice", created.Number); err != nil {
		t.Fatalf("warm post: %v", err)
	}
	if _, err := fixture.service.ListByOwner(ctx, "alicia"); err != nil {
		t.Fatalf("warm empty listing: %v", err)
	}
	if _, err := fixture.service.ListAll(ctx); err != nil {
		t.Fatalf("warm all: %v", err)
	}

	if err := fixture.service.OwnerRenamed(ctx, fixture.alice.ID, "alice", "Alicia"); err != nil {
		t.Fatalf("owner renamed: %v", err)
	}
	if _, hit := fixture.cache.Get(ctx, authkit.PostCacheKey("alice", created.Number)); hit {
		t.Fatalf("old post key must be invalidated")
	}
	moved, err := fixture.service.ListByOwner(ctx, "alicia")
	if err != nil || len(moved) != 1 {
		t.Fatalf("stale listing for new owner: %v err %v", moved, err)
	}
	all, err := fixture.service.ListAll(ctx)
	if err != nil || len(all) != 1 || all[0].OwnerUsername != "alicia" {
		t.Fatalf("stale all-posts after rename: %v err %v", all, err)
	}
	if _, err := fixture.service.Get(ctx, "alice", created.Number); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("expected old owner path to miss, got %v", err)
	}
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	fixture := newServiceFixture(t)
	service, err := NewService(ServiceDependencies{Store: failingStore{Store: fixture.store}, Cache: fixture.cache})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := service.ListAll(context.Background()); !errors.Is(err, authkit.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, hit := fixture.cache.Get(context.Background(), authkit.AllPostsCacheKey()); hit {
		t.Fatalf("failed loads must not populate the cache")
	}
}
