package authkit

import "context"

// CredentialStore is the narrow durable interface the token lifecycle reads and writes.
// Implementations are atomic per identity record.
type CredentialStore interface {
	FindByUsernameOrEmail(ctx context.Context, login string) (Identity, error)
	FindByID(ctx context.Context, identityID string) (Identity, error)
	FindByExternalID(ctx context.Context, externalID string) (Identity, error)
	FindByEmail(ctx context.Context, email string) (Identity, error)
	Create(ctx context.Context, identity Identity) (Identity, error)
	// SwapRefreshDigest replaces the stored refresh digest only when it still equals expectedDigest.
	// An empty nextDigest clears the live session. Returns ErrRefreshDigestConflict on mismatch.
	SwapRefreshDigest(ctx context.Context, identityID string, expectedDigest string, nextDigest string) error
	UpdatePasswordDigest(ctx context.Context, identityID string, passwordDigest string) error
	// LinkExternalID binds an external id to an identity that has none yet.
	LinkExternalID(ctx context.Context, identityID string, externalID string) error
}

// AccountStore adds the user-management writes performed outside the token lifecycle.
type AccountStore interface {
	CredentialStore
	UpdateRole(ctx context.Context, identityID string, role Role) (Identity, error)
	UpdateProfile(ctx context.Context, identityID string, username string, email string, fullName string) (Identity, error)
	ListUsernames(ctx context.Context) ([]string, error)
}

// PasswordHasher is the password hashing capability.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password string, digest string) bool
}

// ExternalIdentityProvider turns an OAuth authorization code into a verified identity.
type ExternalIdentityProvider interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (ExternalIdentity, error)
}
