package authkit

import (
	"fmt"
	"strings"
	"time"
)

// Identity is the durable user record owned by the credential store.
type Identity struct {
	ID             string
	Username       string
	Email          string
	FullName       string
	Role           Role
	PasswordDigest string
	RefreshDigest  string
	ExternalID     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PublicProfile is the projection of an Identity that is safe to cache and return to callers.
type PublicProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// Profile projects the identity without any digests.
func (identity Identity) Profile() PublicProfile {
	return PublicProfile{
		ID:       identity.ID,
		Username: identity.Username,
		Email:    identity.Email,
		FullName: identity.FullName,
		Role:     identity.Role,
	}
}

// Principal is the verified caller produced from an access token.
type Principal struct {
	IdentityID string
	Role       Role
	ExpiresAt  time.Time
}

// ExternalIdentity is the verified identity returned by an OAuth provider.
type ExternalIdentity struct {
	ExternalID    string
	Email         string
	DisplayName   string
	EmailVerified bool
}

// NormalizeUsername lowercases and trims a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateIdentity is applied wherever an Identity is constructed from stored or supplied data.
func ValidateIdentity(identity Identity) error {
	if strings.TrimSpace(identity.ID) == "" {
		return fmt.Errorf("identity.validate: %w: empty id", ErrInvalidInput)
	}
	if identity.Username == "" || identity.Email == "" {
		return fmt.Errorf("identity.validate: %w: username and email are required", ErrInvalidInput)
	}
	if !identity.Role.Valid() {
		return fmt.Errorf("identity.validate %q: %w", identity.Role, ErrInvalidRole)
	}
	return nil
}
