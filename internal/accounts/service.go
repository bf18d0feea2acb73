// Package accounts manages identities outside the token lifecycle: registration, roles, and profile edits.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/notify/internal/authkit"
	"go.uber.org/zap"
)

var (
	// ErrAccountExists indicates the username or email is already taken.
	ErrAccountExists = errors.New("accounts.exists")
	// ErrRoleUnchanged indicates a role update that would not change anything.
	ErrRoleUnchanged = errors.New("accounts.role_unchanged")
	// ErrWeakPassword indicates a password shorter than authkit.MinPasswordLength.
	ErrWeakPassword = errors.New("accounts.weak_password")
)

// UsernameChangeListener reacts to a committed username change.
type UsernameChangeListener interface {
	OwnerRenamed(ctx context.Context, ownerID string, previousUsername string, nextUsername string) error
}

// ServiceDependencies wires the account service.
type ServiceDependencies struct {
	Store        authkit.AccountStore
	Hasher       authkit.PasswordHasher
	Cache        *authkit.SessionCache
	Metrics      authkit.MetricsRecorder
	Logger       *zap.Logger
	StoreTimeout time.Duration
}

// Service performs account writes and invalidates the cache keys they affect.
type Service struct {
	store           authkit.AccountStore
	hasher          authkit.PasswordHasher
	cache           *authkit.SessionCache
	metrics         authkit.MetricsRecorder
	logger          *zap.Logger
	storeTimeout    time.Duration
	renameListeners []UsernameChangeListener
}

// NewService validates dependencies.
func NewService(dependencies ServiceDependencies) (*Service, error) {
	if dependencies.Store == nil || dependencies.Hasher == nil {
		return nil, fmt.Errorf("accounts.new: %w: store and hasher are required", authkit.ErrInvalidInput)
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = authkit.NopMetrics{}
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	storeTimeout := dependencies.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = 2 * time.Second
	}
	return &Service{
		store:        dependencies.Store,
		hasher:       dependencies.Hasher,
		cache:        dependencies.Cache,
		metrics:      metrics,
		logger:       logger,
		storeTimeout: storeTimeout,
	}, nil
}

// AddRenameListener registers a listener notified after a username change commits.
func (service *Service) AddRenameListener(listener UsernameChangeListener) {
	service.renameListeners = append(service.renameListeners, listener)
}

// Registration is the input to Register and SeedAdmin.
type Registration struct {
	FullName string       `json:"full_name"`
	Username string       `json:"username"`
	Email    string       `json:"email"`
	Password string       `json:"password"`
	Role     authkit.Role `json:"role"`
}

// DetailsUpdate is the input to UpdateDetails; every field is required.
type DetailsUpdate struct {
	FullName string `json:"full_name"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Register creates an identity. An empty role defaults to guest.
func (service *Service) Register(ctx context.Context, registration Registration) (authkit.PublicProfile, error) {
	if registration.Role == "" {
		registration.Role = authkit.RoleGuest
	}
	profile, err := service.create(ctx, "register", registration)
	if err != nil {
		return authkit.PublicProfile{}, err
	}
	service.metrics.Record("account.registered", map[string]string{"role": string(profile.Role)})
	return profile, nil
}

// SeedAdmin creates the first administrator and refuses when the account already exists.
func (service *Service) SeedAdmin(ctx context.Context, registration Registration) (authkit.PublicProfile, error) {
	registration.Role = authkit.RoleAdmin
	profile, err := service.create(ctx, "seed_admin", registration)
	if err != nil {
		return authkit.PublicProfile{}, err
	}
	service.metrics.Record("admin.seeded", nil)
	service.logger.Info("admin seeded", zap.String("code", "accounts.admin_seeded"), zap.String("identity_id", profile.ID))
	return profile, nil
}

func (service *Service) create(ctx context.Context, operation string, registration Registration) (authkit.PublicProfile, error) {
	if strings.TrimSpace(registration.FullName) == "" || strings.TrimSpace(registration.Username) == "" ||
		strings.TrimSpace(registration.Email) == "" || registration.Password == "" {
		return authkit.PublicProfile{}, fmt.Errorf("accounts.%s: %w: all fields are required", operation, authkit.ErrInvalidInput)
	}
	if len(registration.Password) < authkit.MinPasswordLength {
		return authkit.PublicProfile{}, fmt.Errorf("accounts.%s: %w", operation, ErrWeakPassword)
	}
	role, err := authkit.ParseRole(string(registration.Role))
	if err != nil {
		return authkit.PublicProfile{}, fmt.Errorf("accounts.%s: %w", operation, err)
	}
	digest, err := service.hasher.Hash(registration.Password)
	if err != nil {
		return authkit.PublicProfile{}, fmt.Errorf("accounts.%s: %w", operation, err)
	}
	storeCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
	defer cancel()
	defer authkit.ObserveStoreCall(service.metrics, "accounts", "create", time.Now())
	created, err := service.store.Create(storeCtx, authkit.Identity{
		Username:       registration.Username,
		Email:          registration.Email,
		FullName:       strings.TrimSpace(registration.FullName),
		Role:           role,
		PasswordDigest: digest,
	})
	if err != nil {
		return authkit.PublicProfile{}, service.storeFailure(operation, err)
	}
	service.cache.Invalidate(ctx, authkit.AllUsernamesCacheKey())
	return created.Profile(), nil
}

// UpdateRole changes the role of the identity matching login (username or email).
// The new role reaches access tokens on the next refresh.
func (service *Service) UpdateRole(ctx context.Context, login string, role authkit.Role) (authkit.PublicProfile, error) {
	if strings.TrimSpace(login) == "" {
		return authkit.PublicProfile{}, fmt.Errorf("accounts.update_role: %w: username or email required", authkit.ErrInvalidInput)
	}
	parsedRole, err := authkit.ParseRole(string(role))
	if err != nil {
		return authkit.PublicProfile{}, fmt.Errorf("accounts.update_role: %w", err)
	}
	storeCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
	defer cancel()
	defer authkit.ObserveStoreCall(service.metrics, "accounts", "update_role", time.Now())
	identity, err := service.store.FindByUsernameOrEmail(storeCtx, login)
	if err != nil {
		return authkit.PublicProfile{}, service.storeFailure("update_role", err)
	}
	if identity.Role == parsedRole {
		return authkit.PublicProfile{}, fmt.Errorf("accounts.update_role: %w", ErrRoleUnchanged)
	}
	updated, err := service.store.UpdateRole(storeCtx, identity.ID, parsedRole)
	if err != nil {
		return authkit.PublicProfile{}, service.storeFailure("update_role", err)
	}
	service.cache.Invalidate(ctx, authkit.ProfileCacheKey(identity.ID))
	service.metrics.Record("account.role_updated", map[string]string{"role": string(parsedRole)})
	service.logger.Info("role updated",
		zap.String("code", "accounts.role_updated"),
		zap.String("identity_id", identity.ID),
		zap.String("previous_role", string(identity.Role)),
		zap.String("role", string(parsedRole)),
	)
	return updated.Profile(), nil
}

// UpdateDetails replaces the caller's full name, username and email.
func (service *Service) UpdateDetails(ctx context.Context, identityID string, update DetailsUpdate) (authkit.PublicProfile, error) {
	if strings.TrimSpace(update.FullName) == "" || strings.TrimSpace(update.Username) == "" || strings.TrimSpace(update.Email) == "" {
		return authkit.PublicProfile{}, fmt.Errorf("accounts.update_details: %w: all fields are required", authkit.ErrInvalidInput)
	}
	storeCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
	defer cancel()
	defer authkit.ObserveStoreCall(service.metrics, "accounts", "update_details", time.Now())
	current, err := service.store.FindByID(storeCtx, identityID)
	if err != nil {
		return authkit.PublicProfile{}, service.storeFailure("update_details", err)
	}
	updated, err := service.store.UpdateProfile(storeCtx, identityID, update.Username, update.Email, strings.TrimSpace(update.FullName))
	if err != nil {
		return authkit.PublicProfile{}, service.storeFailure("update_details", err)
	}
	service.cache.Invalidate(ctx, authkit.ProfileCacheKey(identityID), authkit.AllUsernamesCacheKey())
	if updated.Username != current.Username {
		for _, listener := range service.renameListeners {
			if listenerErr := listener.OwnerRenamed(ctx, identityID, current.Username, updated.Username); listenerErr != nil {
				service.logger.Error("rename propagation failed",
					zap.String("code", "accounts.rename_listener_failed"),
					zap.String("identity_id", identityID),
					zap.Error(listenerErr),
				)
			}
		}
	}
	service.metrics.Record("account.details_updated", nil)
	return updated.Profile(), nil
}

// Usernames lists every username through the all-usernames cache key.
func (service *Service) Usernames(ctx context.Context) ([]string, error) {
	return authkit.CachedJSON(ctx, service.cache, authkit.AllUsernamesCacheKey(), func(loadCtx context.Context) ([]string, error) {
		storeCtx, cancel := context.WithTimeout(loadCtx, service.storeTimeout)
		defer cancel()
		defer authkit.ObserveStoreCall(service.metrics, "accounts", "usernames", time.Now())
		usernames, err := service.store.ListUsernames(storeCtx)
		if err != nil {
			return nil, service.storeFailure("usernames", err)
		}
		return usernames, nil
	})
}

func (service *Service) storeFailure(operation string, err error) error {
	switch {
	case errors.Is(err, authkit.ErrIdentityExists):
		return fmt.Errorf("accounts.%s: %w", operation, ErrAccountExists)
	case errors.Is(err, authkit.ErrIdentityNotFound):
		return fmt.Errorf("accounts.%s: %w", operation, authkit.ErrNotFound)
	case errors.Is(err, authkit.ErrInvalidInput), errors.Is(err, authkit.ErrInvalidRole):
		return fmt.Errorf("accounts.%s: %w", operation, err)
	default:
		service.logger.Error("account store call failed", zap.String("code", "accounts."+operation+".store_failed"), zap.Error(err))
		return fmt.Errorf("accounts.%s: %w: %v", operation, authkit.ErrUnavailable, err)
	}
}
