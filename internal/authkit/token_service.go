package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MinPasswordLength is the shortest password accepted on registration or change.
const MinPasswordLength = 8

const maxDigestSwapAttempts = 3

// TokenServiceDependencies wires the collaborators of a TokenService.
type TokenServiceDependencies struct {
	Credentials     CredentialStore
	Codec           *TokenCodec
	Hasher          PasswordHasher
	Cache           *SessionCache
	Metrics         MetricsRecorder
	SecurityEvents  SecurityEventPublisher
	Logger          *zap.Logger
	Clock           Clock
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	StoreTimeout    time.Duration
}

// TokenService owns the session lifecycle and is the only writer of refresh digests.
type TokenService struct {
	credentials     CredentialStore
	codec           *TokenCodec
	hasher          PasswordHasher
	cache           *SessionCache
	metrics         MetricsRecorder
	securityEvents  SecurityEventPublisher
	logger          *zap.Logger
	clock           Clock
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	storeTimeout    time.Duration
}

// TokenPair is the credential pair handed to a caller.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// LoginResult carries the issued tokens and the caller's public profile.
type LoginResult struct {
	Tokens  TokenPair
	Profile PublicProfile
}

// NewTokenService validates dependencies and applies defaults.
func NewTokenService(dependencies TokenServiceDependencies) (*TokenService, error) {
	if dependencies.Credentials == nil || dependencies.Codec == nil || dependencies.Hasher == nil {
		return nil, fmt.Errorf("token_service.new: %w: credentials, codec and hasher are required", ErrInvalidInput)
	}
	if dependencies.AccessTokenTTL <= 0 || dependencies.RefreshTokenTTL <= 0 {
		return nil, fmt.Errorf("token_service.new: %w: token ttls must be positive", ErrInvalidInput)
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	securityEvents := dependencies.SecurityEvents
	if securityEvents == nil {
		securityEvents = NewLogSecurityEventPublisher(logger)
	}
	clock := dependencies.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	storeTimeout := dependencies.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = 2 * time.Second
	}
	return &TokenService{
		credentials:     dependencies.Credentials,
		codec:           dependencies.Codec,
		hasher:          dependencies.Hasher,
		cache:           dependencies.Cache,
		metrics:         metrics,
		securityEvents:  securityEvents,
		logger:          logger,
		clock:           clock,
		accessTokenTTL:  dependencies.AccessTokenTTL,
		refreshTokenTTL: dependencies.RefreshTokenTTL,
		storeTimeout:    storeTimeout,
	}, nil
}

// Login authenticates a username or email with a password and opens a session.
func (service *TokenService) Login(ctx context.Context, login string, password string) (LoginResult, error) {
	started := service.clock.Now()
	result, err := service.passwordLogin(ctx, login, password)
	service.observeLogin("password", started, err)
	return result, err
}

// LoginExternal opens a session for a verified external identity. Accounts must be pre-provisioned.
func (service *TokenService) LoginExternal(ctx context.Context, external ExternalIdentity) (LoginResult, error) {
	started := service.clock.Now()
	result, err := service.externalLogin(ctx, external)
	service.observeLogin("external", started, err)
	return result, err
}

func (service *TokenService) observeLogin(method string, started time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	service.metrics.Observe(LoginDurationMetric, service.clock.Now().Sub(started).Seconds(), map[string]string{
		"method":  method,
		"outcome": outcome,
	})
}

func (service *TokenService) passwordLogin(ctx context.Context, login string, password string) (LoginResult, error) {
	if strings.TrimSpace(login) == "" || password == "" {
		service.metrics.Record("login.failure", map[string]string{"reason": "invalid_input", "method": "password"})
		return LoginResult{}, fmt.Errorf("token_service.login: %w", ErrInvalidInput)
	}
	identity, err := service.withStore(ctx, "find_by_username_or_email", func(storeCtx context.Context) (Identity, error) {
		return service.credentials.FindByUsernameOrEmail(storeCtx, login)
	})
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			service.metrics.Record("login.failure", map[string]string{"reason": "not_found", "method": "password"})
			return LoginResult{}, fmt.Errorf("token_service.login: %w", ErrNotFound)
		}
		return LoginResult{}, service.unavailable("login", err)
	}
	if !service.hasher.Verify(password, identity.PasswordDigest) {
		service.metrics.Record("login.failure", map[string]string{"reason": "invalid_credential", "method": "password"})
		return LoginResult{}, fmt.Errorf("token_service.login: %w", ErrInvalidCredential)
	}
	return service.openSession(ctx, identity, "password")
}

func (service *TokenService) externalLogin(ctx context.Context, external ExternalIdentity) (LoginResult, error) {
	if strings.TrimSpace(external.ExternalID) == "" {
		service.metrics.Record("login.failure", map[string]string{"reason": "invalid_credential", "method": "external"})
		return LoginResult{}, fmt.Errorf("token_service.login_external: %w", ErrInvalidCredential)
	}
	identity, err := service.withStore(ctx, "find_by_external_id", func(storeCtx context.Context) (Identity, error) {
		return service.credentials.FindByExternalID(storeCtx, external.ExternalID)
	})
	if err == nil {
		return service.openSession(ctx, identity, "external")
	}
	if !errors.Is(err, ErrIdentityNotFound) {
		return LoginResult{}, service.unavailable("login_external", err)
	}
	if !external.EmailVerified || strings.TrimSpace(external.Email) == "" {
		service.metrics.Record("login.failure", map[string]string{"reason": "unverified_email", "method": "external"})
		return LoginResult{}, fmt.Errorf("token_service.login_external: %w", ErrInvalidCredential)
	}
	identity, err = service.withStore(ctx, "find_by_email", func(storeCtx context.Context) (Identity, error) {
		return service.credentials.FindByEmail(storeCtx, external.Email)
	})
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			service.metrics.Record("login.failure", map[string]string{"reason": "unprovisioned", "method": "external"})
			return LoginResult{}, fmt.Errorf("token_service.login_external: %w", ErrUnprovisionedAccount)
		}
		return LoginResult{}, service.unavailable("login_external", err)
	}
	if identity.ExternalID != "" && identity.ExternalID != external.ExternalID {
		service.metrics.Record("login.failure", map[string]string{"reason": "external_id_mismatch", "method": "external"})
		return LoginResult{}, fmt.Errorf("token_service.login_external: %w", ErrInvalidCredential)
	}
	if identity.ExternalID == "" {
		linkErr := service.withStoreErr(ctx, "link_external_id", func(storeCtx context.Context) error {
			return service.credentials.LinkExternalID(storeCtx, identity.ID, external.ExternalID)
		})
		if linkErr != nil {
			if errors.Is(linkErr, ErrExternalIDAlreadyLinked) || errors.Is(linkErr, ErrIdentityExists) {
				return LoginResult{}, fmt.Errorf("token_service.login_external: %w", ErrInvalidCredential)
			}
			return LoginResult{}, service.unavailable("login_external", linkErr)
		}
		identity.ExternalID = external.ExternalID
		service.cache.Invalidate(ctx, ProfileCacheKey(identity.ID))
	}
	return service.openSession(ctx, identity, "external")
}

// openSession persists a new refresh digest, retrying when a concurrent login moved it.
func (service *TokenService) openSession(ctx context.Context, identity Identity, method string) (LoginResult, error) {
	for attempt := 0; attempt < maxDigestSwapAttempts; attempt++ {
		tokens, err := service.issuePair(identity)
		if err != nil {
			return LoginResult{}, fmt.Errorf("token_service.open_session: %w", err)
		}
		previousDigest := identity.RefreshDigest
		swapErr := service.withStoreErr(ctx, "swap_refresh_digest", func(storeCtx context.Context) error {
			return service.credentials.SwapRefreshDigest(storeCtx, identity.ID, previousDigest, DigestRefreshToken(tokens.RefreshToken))
		})
		switch {
		case swapErr == nil:
			if previousDigest == "" {
				service.cache.AdjustActiveSessions(ctx, 1)
			} else {
				service.metrics.Record("session.replaced", nil)
			}
			profile := identity.Profile()
			if encoded, encodeErr := json.Marshal(profile); encodeErr == nil {
				service.cache.Set(ctx, ProfileCacheKey(identity.ID), encoded)
			}
			service.metrics.Record("login.success", map[string]string{"method": method})
			service.logger.Info("session opened", zap.String("code", "auth.login.success"), zap.String("identity_id", identity.ID), zap.String("method", method))
			return LoginResult{Tokens: tokens, Profile: profile}, nil
		case errors.Is(swapErr, ErrRefreshDigestConflict):
			reread, readErr := service.withStore(ctx, "find_by_id", func(storeCtx context.Context) (Identity, error) {
				return service.credentials.FindByID(storeCtx, identity.ID)
			})
			if readErr != nil {
				return LoginResult{}, service.storeReadFailure("open_session", readErr)
			}
			identity = reread
		case errors.Is(swapErr, ErrIdentityNotFound):
			return LoginResult{}, fmt.Errorf("token_service.open_session: %w", ErrNotFound)
		default:
			return LoginResult{}, service.unavailable("open_session", swapErr)
		}
	}
	return LoginResult{}, fmt.Errorf("token_service.open_session: %w: %w", ErrUnavailable, ErrRefreshDigestConflict)
}

// Refresh rotates a refresh token. A token that no longer matches the persisted digest revokes the session.
func (service *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		service.metrics.Record("refresh.failure", map[string]string{"reason": "unauthenticated"})
		return TokenPair{}, fmt.Errorf("token_service.refresh: %w", ErrUnauthenticated)
	}
	subject, err := service.codec.VerifyRefresh(refreshToken)
	if err != nil {
		service.metrics.Record("refresh.failure", map[string]string{"reason": "invalid_token"})
		service.metrics.Record("token.verification_failure", map[string]string{"kind": "refresh"})
		return TokenPair{}, fmt.Errorf("token_service.refresh: %w: %v", ErrInvalidToken, err)
	}
	identity, err := service.withStore(ctx, "find_by_id", func(storeCtx context.Context) (Identity, error) {
		return service.credentials.FindByID(storeCtx, subject)
	})
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			service.metrics.Record("refresh.failure", map[string]string{"reason": "unknown_subject"})
			return TokenPair{}, fmt.Errorf("token_service.refresh: %w", ErrInvalidToken)
		}
		return TokenPair{}, service.unavailable("refresh", err)
	}
	if !refreshDigestMatches(refreshToken, identity.RefreshDigest) {
		service.revokeOnReuse(ctx, identity)
		return TokenPair{}, fmt.Errorf("token_service.refresh: %w", ErrTokenReuseDetected)
	}

	tokens, err := service.issuePair(identity)
	if err != nil {
		return TokenPair{}, fmt.Errorf("token_service.refresh: %w", err)
	}
	swapErr := service.withStoreErr(ctx, "swap_refresh_digest", func(storeCtx context.Context) error {
		return service.credentials.SwapRefreshDigest(storeCtx, identity.ID, identity.RefreshDigest, DigestRefreshToken(tokens.RefreshToken))
	})
	if swapErr != nil {
		switch {
		case errors.Is(swapErr, ErrRefreshDigestConflict):
			service.metrics.Record("refresh.rotation_conflict", nil)
			service.logger.Info("refresh rotation lost a race", zap.String("code", "auth.refresh.rotation_conflict"), zap.String("identity_id", identity.ID))
			return TokenPair{}, fmt.Errorf("token_service.refresh: %w: %w", ErrTokenReuseDetected, swapErr)
		case errors.Is(swapErr, ErrIdentityNotFound):
			return TokenPair{}, fmt.Errorf("token_service.refresh: %w", ErrInvalidToken)
		default:
			return TokenPair{}, service.unavailable("refresh", swapErr)
		}
	}
	service.metrics.Record("refresh.success", nil)
	return tokens, nil
}

func (service *TokenService) revokeOnReuse(ctx context.Context, identity Identity) {
	service.metrics.Record("refresh.reuse_detected", nil)
	service.metrics.Record("refresh.failure", map[string]string{"reason": "reuse_detected"})
	service.logger.Warn("refresh token reuse detected",
		zap.String("code", "auth.refresh.reuse_detected"),
		zap.String("identity_id", identity.ID),
	)
	if identity.RefreshDigest != "" {
		clearErr := service.withStoreErr(ctx, "swap_refresh_digest", func(storeCtx context.Context) error {
			return service.credentials.SwapRefreshDigest(storeCtx, identity.ID, identity.RefreshDigest, "")
		})
		if clearErr == nil {
			service.cache.AdjustActiveSessions(ctx, -1)
		} else if !errors.Is(clearErr, ErrRefreshDigestConflict) {
			service.logger.Error("session revocation failed", zap.String("code", "auth.refresh.revoke_failed"), zap.String("identity_id", identity.ID), zap.Error(clearErr))
		}
	}
	service.cache.Invalidate(ctx, ProfileCacheKey(identity.ID))
	event := SecurityEvent{Kind: SecurityEventRefreshReuse, IdentityID: identity.ID, OccurredAt: service.clock.Now()}
	if publishErr := service.securityEvents.Publish(ctx, event); publishErr != nil {
		service.logger.Warn("security event not delivered", zap.String("code", "security_events.publish_failed"), zap.Error(publishErr))
	}
}

// Logout clears the live refresh digest and evicts the cached profile. Repeated calls are no-ops.
func (service *TokenService) Logout(ctx context.Context, identityID string) error {
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("token_service.logout: %w", ErrUnauthenticated)
	}
	defer service.cache.Invalidate(ctx, ProfileCacheKey(identityID))
	for attempt := 0; attempt < maxDigestSwapAttempts; attempt++ {
		identity, err := service.withStore(ctx, "find_by_id", func(storeCtx context.Context) (Identity, error) {
			return service.credentials.FindByID(storeCtx, identityID)
		})
		if err != nil {
			if errors.Is(err, ErrIdentityNotFound) {
				return nil
			}
			return service.unavailable("logout", err)
		}
		if identity.RefreshDigest == "" {
			return nil
		}
		swapErr := service.withStoreErr(ctx, "swap_refresh_digest", func(storeCtx context.Context) error {
			return service.credentials.SwapRefreshDigest(storeCtx, identityID, identity.RefreshDigest, "")
		})
		switch {
		case swapErr == nil:
			service.cache.AdjustActiveSessions(ctx, -1)
			service.metrics.Record("logout", nil)
			service.logger.Info("session closed", zap.String("code", "auth.logout"), zap.String("identity_id", identityID))
			return nil
		case errors.Is(swapErr, ErrRefreshDigestConflict):
			continue
		case errors.Is(swapErr, ErrIdentityNotFound):
			return nil
		default:
			return service.unavailable("logout", swapErr)
		}
	}
	return fmt.Errorf("token_service.logout: %w: %w", ErrUnavailable, ErrRefreshDigestConflict)
}

// ChangePassword re-verifies the current password before storing the new digest.
// Existing refresh tokens stay valid.
func (service *TokenService) ChangePassword(ctx context.Context, identityID string, currentPassword string, nextPassword string) error {
	if len(nextPassword) < MinPasswordLength {
		return fmt.Errorf("token_service.change_password: %w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	identity, err := service.withStore(ctx, "find_by_id", func(storeCtx context.Context) (Identity, error) {
		return service.credentials.FindByID(storeCtx, identityID)
	})
	if err != nil {
		return service.storeReadFailure("change_password", err)
	}
	if !service.hasher.Verify(currentPassword, identity.PasswordDigest) {
		return fmt.Errorf("token_service.change_password: %w", ErrInvalidCredential)
	}
	digest, err := service.hasher.Hash(nextPassword)
	if err != nil {
		return fmt.Errorf("token_service.change_password: %w", err)
	}
	updateErr := service.withStoreErr(ctx, "update_password_digest", func(storeCtx context.Context) error {
		return service.credentials.UpdatePasswordDigest(storeCtx, identityID, digest)
	})
	if updateErr != nil {
		return service.storeReadFailure("change_password", updateErr)
	}
	service.metrics.Record("password.changed", nil)
	event := SecurityEvent{Kind: SecurityEventPasswordChanged, IdentityID: identityID, OccurredAt: service.clock.Now()}
	if publishErr := service.securityEvents.Publish(ctx, event); publishErr != nil {
		service.logger.Warn("security event not delivered", zap.String("code", "security_events.publish_failed"), zap.Error(publishErr))
	}
	return nil
}

// Authenticate verifies an access token without touching the store.
func (service *TokenService) Authenticate(accessToken string) (Principal, error) {
	if strings.TrimSpace(accessToken) == "" {
		return Principal{}, fmt.Errorf("token_service.authenticate: %w", ErrUnauthenticated)
	}
	principal, err := service.codec.VerifyAccess(accessToken)
	if err != nil {
		service.metrics.Record("token.verification_failure", map[string]string{"kind": "access"})
		return Principal{}, fmt.Errorf("token_service.authenticate: %w: %v", ErrInvalidToken, err)
	}
	return principal, nil
}

// RefreshTokenSubject returns the identity a refresh token was issued for, provided the token
// is still the identity's current one. Rotated or revoked tokens are ErrInvalidToken.
func (service *TokenService) RefreshTokenSubject(ctx context.Context, refreshToken string) (string, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return "", fmt.Errorf("token_service.refresh_subject: %w", ErrUnauthenticated)
	}
	subject, err := service.codec.VerifyRefresh(refreshToken)
	if err != nil {
		return "", fmt.Errorf("token_service.refresh_subject: %w: %v", ErrInvalidToken, err)
	}
	identity, err := service.withStore(ctx, "find_by_id", func(storeCtx context.Context) (Identity, error) {
		return service.credentials.FindByID(storeCtx, subject)
	})
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return "", fmt.Errorf("token_service.refresh_subject: %w", ErrInvalidToken)
		}
		return "", service.unavailable("refresh_subject", err)
	}
	if !refreshDigestMatches(refreshToken, identity.RefreshDigest) {
		service.metrics.Record("token.verification_failure", map[string]string{"kind": "stale_refresh"})
		return "", fmt.Errorf("token_service.refresh_subject: %w: refresh token is not current", ErrInvalidToken)
	}
	return identity.ID, nil
}

// Profile reads the public profile through the session cache.
func (service *TokenService) Profile(ctx context.Context, identityID string) (PublicProfile, error) {
	return CachedJSON(ctx, service.cache, ProfileCacheKey(identityID), func(loadCtx context.Context) (PublicProfile, error) {
		identity, err := service.withStore(loadCtx, "find_by_id", func(storeCtx context.Context) (Identity, error) {
			return service.credentials.FindByID(storeCtx, identityID)
		})
		if err != nil {
			return PublicProfile{}, service.storeReadFailure("profile", err)
		}
		return identity.Profile(), nil
	})
}

func (service *TokenService) issuePair(identity Identity) (TokenPair, error) {
	accessToken, accessExpiresAt, err := service.codec.IssueAccess(identity.ID, identity.Role, service.accessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, refreshExpiresAt, err := service.codec.IssueRefresh(identity.ID, service.refreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// withStore bounds a credential store call by store_timeout and observes its duration.
func (service *TokenService) withStore(ctx context.Context, operation string, call func(context.Context) (Identity, error)) (Identity, error) {
	var identity Identity
	err := service.withStoreErr(ctx, operation, func(storeCtx context.Context) error {
		var callErr error
		identity, callErr = call(storeCtx)
		return callErr
	})
	return identity, err
}

func (service *TokenService) withStoreErr(ctx context.Context, operation string, call func(context.Context) error) error {
	storeCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
	defer cancel()
	defer ObserveStoreCall(service.metrics, "credentials", operation, time.Now())
	return call(storeCtx)
}

func (service *TokenService) storeReadFailure(operation string, err error) error {
	if errors.Is(err, ErrIdentityNotFound) {
		return fmt.Errorf("token_service.%s: %w", operation, ErrNotFound)
	}
	return service.unavailable(operation, err)
}

func (service *TokenService) unavailable(operation string, err error) error {
	service.logger.Error("credential store call failed",
		zap.String("code", "token_service."+operation+".store_failed"),
		zap.Error(err),
	)
	return fmt.Errorf("token_service.%s: %w: %v", operation, ErrUnavailable, err)
}
