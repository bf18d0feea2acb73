package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tyemirov/notify/internal/authkit"
	"go.uber.org/zap"
)

type recordingRenameListener struct {
	calls []string
	err   error
}

func (listener *recordingRenameListener) OwnerRenamed(ctx context.Context, ownerID string, previousUsername string, nextUsername string) error {
	listener.calls = append(listener.calls, ownerID+":"+previousUsername+"->"+nextUsername)
	return listener.err
}

type accountsFixture struct {
	service *Service
	store   *authkit.MemoryCredentialStore
	cache   *authkit.SessionCache
	metrics *authkit.CounterMetrics
}

func newAccountsFixture(t *testing.T) *accountsFixture {
	t.Helper()
	clock := authkit.NewSystemClock()
	store := authkit.NewMemoryCredentialStore(clock)
	metrics := authkit.NewCounterMetrics()
	cache := authkit.NewSessionCache(authkit.NewMemoryCacheBackend(clock), authkit.SessionCacheConfig{TTL: time.Hour}, metrics, zap.NewNop())
	service, err := NewService(ServiceDependencies{
		Store:   store,
		Hasher:  authkit.NewBcryptPasswordHasher(4),
		Cache:   cache,
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &accountsFixture{service: service, store: store, cache: cache, metrics: metrics}
}

func (fixture *accountsFixture) register(t *testing.T, username string) authkit.PublicProfile {
	t.Helper()
	profile, err := fixture.service.Register(context.Background(), Registration{
		FullName: "User " + username,
		Username: username,
		Email:    username + "@example.com",
		Password: "long-enough-password",
	})
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return profile
}

func TestRegisterDefaultsToGuestAndInvalidatesUsernames(t *testing.T) {
	fixture := newAccountsFixture(t)
	ctx := context.Background()

	fixture.register(t, "alice")
	usernames, err := fixture.service.Usernames(ctx)
	if err != nil || len(usernames) != 1 {
		t.Fatalf("unexpected usernames %v err %v", usernames, err)
	}

	profile := fixture.register(t, "Bob")
	if profile.Role != authkit.RoleGuest {
		t.Fatalf("expected guest role, got %q", profile.Role)
	}
	if profile.Username != "bob" {
		t.Fatalf("expected normalized username, got %q", profile.Username)
	}
	usernames, err = fixture.service.Usernames(ctx)
	if err != nil {
		t.Fatalf("usernames: %v", err)
	}
	if len(usernames) != 2 || usernames[0] != "alice" || usernames[1] != "bob" {
		t.Fatalf("stale usernames after register: %v", usernames)
	}
	if fixture.metrics.Count("account.registered") != 2 {
		t.Fatalf("unexpected metrics %v", fixture.metrics.Snapshot())
	}
}

func TestRegisterValidation(t *testing.T) {
	fixture := newAccountsFixture(t)
	fixture.register(t, "alice")

	testCases := []struct {
		name         string
		registration Registration
		expected     error
	}{
		{
			name:         "missing full name",
			registration: Registration{Username: "carol", Email: "carol@example.com", Password: "long-enough-password"},
			expected:     authkit.ErrInvalidInput,
		},
		{
			name:         "short password",
			registration: Registration{FullName: "Carol", Username: "carol", Email: "carol@example.com", Password: "short"},
			expected:     ErrWeakPassword,
		},
		{
			name:         "unknown role",
			registration: Registration{FullName: "Carol", Username: "carol", Email: "carol@example.com", Password: "long-enough-password", Role: "owner"},
			expected:     authkit.ErrInvalidRole,
		},
		{
			name:         "duplicate username",
			registration: Registration{FullName: "Alice", Username: "ALICE", Email: "other@example.com", Password: "long-enough-password"},
			expected:     ErrAccountExists,
		},
		{
			name:         "duplicate email",
			registration: Registration{FullName: "Alice", Username: "alice2", Email: "alice@example.com", Password: "long-enough-password"},
			expected:     ErrAccountExists,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := fixture.service.Register(context.Background(), testCase.registration)
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSeedAdminForcesRoleAndRefusesExisting(t *testing.T) {
	fixture := newAccountsFixture(t)
	ctx := context.Background()
	registration := Registration{FullName: "Root", Username: "root", Email: "root@example.com", Password: "long-enough-password", Role: authkit.RoleGuest}

	profile, err := fixture.service.SeedAdmin(ctx, registration)
	if err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if profile.Role != authkit.RoleAdmin {
		t.Fatalf("expected admin, got %q", profile.Role)
	}
	if _, err := fixture.service.SeedAdmin(ctx, registration); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
	if fixture.metrics.Count("admin.seeded") != 1 {
		t.Fatalf("unexpected metrics %v", fixture.metrics.Snapshot())
	}
}

func TestUpdateRole(t *testing.T) {
	fixture := newAccountsFixture(t)
	ctx := context.Background()
	profile := fixture.register(t, "alice")
	fixture.cache.Set(ctx, authkit.ProfileCacheKey(profile.ID), []byte(`{"id":"stale"}`))

	updated, err := fixture.service.UpdateRole(ctx, "alice@example.com", authkit.RoleMember)
	if err != nil {
		t.Fatalf("update role: %v", err)
	}
	if updated.Role != authkit.RoleMember {
		t.Fatalf("expected member, got %q", updated.Role)
	}
	if _, hit := fixture.cache.Get(ctx, authkit.ProfileCacheKey(profile.ID)); hit {
		t.Fatalf("expected profile cache entry to be invalidated")
	}
	if _, err := fixture.service.UpdateRole(ctx, "alice", authkit.RoleMember); !errors.Is(err, ErrRoleUnchanged) {
		t.Fatalf("expected ErrRoleUnchanged, got %v", err)
	}
	if _, err := fixture.service.UpdateRole(ctx, "nobody", authkit.RoleAdmin); !errors.Is(err, authkit.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := fixture.service.UpdateRole(ctx, "alice", "superuser"); !errors.Is(err, authkit.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestUpdateDetailsNotifiesRenameListeners(t *testing.T) {
	fixture := newAccountsFixture(t)
	ctx := context.Background()
	profile := fixture.register(t, "alice")
	fixture.register(t, "bob")
	listener := &recordingRenameListener{err: errors.New("downstream failed")}
	fixture.service.AddRenameListener(listener)
	if _, err := fixture.service.Usernames(ctx); err != nil {
		t.Fatalf("warm usernames: %v", err)
	}

	updated, err := fixture.service.UpdateDetails(ctx, profile.ID, DetailsUpdate{FullName: "Alice L", Username: "alicia", Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("update details: %v", err)
	}
	if updated.Username != "alicia" || updated.FullName != "Alice L" {
		t.Fatalf("unexpected profile %+v", updated)
	}
	if len(listener.calls) != 1 || listener.calls[0] != profile.ID+":alice->alicia" {
		t.Fatalf("unexpected listener calls %v", listener.calls)
	}
	usernames, err := fixture.service.Usernames(ctx)
	if err != nil || len(usernames) != 2 || usernames[0] != "alicia" {
		t.Fatalf("stale usernames %v err %v", usernames, err)
	}

	if _, err := fixture.service.UpdateDetails(ctx, profile.ID, DetailsUpdate{FullName: "Alice", Username: "alicia", Email: "alice@example.org"}); err != nil {
		t.Fatalf("email-only update: %v", err)
	}
	if len(listener.calls) != 1 {
		t.Fatalf("listener must not fire without a rename, got %v", listener.calls)
	}

	if _, err := fixture.service.UpdateDetails(ctx, profile.ID, DetailsUpdate{FullName: "Alice", Username: "bob", Email: "alice@example.org"}); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
	if _, err := fixture.service.UpdateDetails(ctx, profile.ID, DetailsUpdate{FullName: "", Username: "alicia", Email: "alice@example.org"}); !errors.Is(err, authkit.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := fixture.service.UpdateDetails(ctx, "missing", DetailsUpdate{FullName: "X", Username: "x", Email: "x@example.com"}); !errors.Is(err, authkit.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewServiceRequiresStoreAndHasher(t *testing.T) {
	if _, err := NewService(ServiceDependencies{}); !errors.Is(err, authkit.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
