package authkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryCredentialStore is an in-memory AccountStore intended for tests and dev.
type MemoryCredentialStore struct {
	mutex        sync.Mutex
	clock        Clock
	byID         map[string]*Identity
	byUsername   map[string]string
	byEmail      map[string]string
	byExternalID map[string]string
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore(clock Clock) *MemoryCredentialStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryCredentialStore{
		clock:        clock,
		byID:         make(map[string]*Identity),
		byUsername:   make(map[string]string),
		byEmail:      make(map[string]string),
		byExternalID: make(map[string]string),
	}
}

func (store *MemoryCredentialStore) FindByUsernameOrEmail(ctx context.Context, login string) (Identity, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	normalized := NormalizeUsername(login)
	if identityID, ok := store.byUsername[normalized]; ok {
		return *store.byID[identityID], nil
	}
	if identityID, ok := store.byEmail[normalized]; ok {
		return *store.byID[identityID], nil
	}
	return Identity{}, fmt.Errorf("credential_store.find_by_login.memory: %w", ErrIdentityNotFound)
}

func (store *MemoryCredentialStore) FindByID(ctx context.Context, identityID string) (Identity, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[identityID]
	if !ok {
		return Identity{}, fmt.Errorf("credential_store.find_by_id.memory: %w", ErrIdentityNotFound)
	}
	return *record, nil
}

func (store *MemoryCredentialStore) FindByExternalID(ctx context.Context, externalID string) (Identity, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	identityID, ok := store.byExternalID[externalID]
	if !ok || externalID == "" {
		return Identity{}, fmt.Errorf("credential_store.find_by_external_id.memory: %w", ErrIdentityNotFound)
	}
	return *store.byID[identityID], nil
}

func (store *MemoryCredentialStore) FindByEmail(ctx context.Context, email string) (Identity, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	identityID, ok := store.byEmail[NormalizeEmail(email)]
	if !ok {
		return Identity{}, fmt.Errorf("credential_store.find_by_email.memory: %w", ErrIdentityNotFound)
	}
	return *store.byID[identityID], nil
}

// Create inserts a new identity, assigning an id when none is supplied.
func (store *MemoryCredentialStore) Create(ctx context.Context, identity Identity) (Identity, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if identity.ID == "" {
		identifier, err := newIdentifier()
		if err != nil {
			return Identity{}, fmt.Errorf("credential_store.create.memory: %w", err)
		}
		identity.ID = identifier
	}
	identity.Username = NormalizeUsername(identity.Username)
	identity.Email = NormalizeEmail(identity.Email)
	if err := ValidateIdentity(identity); err != nil {
		return Identity{}, fmt.Errorf("credential_store.create.memory: %w", err)
	}
	if _, exists := store.byID[identity.ID]; exists {
		return Identity{}, fmt.Errorf("credential_store.create.memory: %w: id", ErrIdentityExists)
	}
	if _, exists := store.byUsername[identity.Username]; exists {
		return Identity{}, fmt.Errorf("credential_store.create.memory: %w: username", ErrIdentityExists)
	}
	if _, exists := store.byEmail[identity.Email]; exists {
		return Identity{}, fmt.Errorf("credential_store.create.memory: %w: email", ErrIdentityExists)
	}
	if identity.ExternalID != "" {
		if _, exists := store.byExternalID[identity.ExternalID]; exists {
			return Identity{}, fmt.Errorf("credential_store.create.memory: %w: external_id", ErrIdentityExists)
		}
	}
	now := store.clock.Now()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	record := identity
	store.byID[identity.ID] = &record
	store.byUsername[identity.Username] = identity.ID
	store.byEmail[identity.Email] = identity.ID
	if identity.ExternalID != "" {
		store.byExternalID[identity.ExternalID] = identity.ID
	}
	return identity, nil
}

func (store *MemoryCredentialStore) SwapRefreshDigest(ctx context.Context, identityID string, expectedDigest string, nextDigest string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[identityID]
	if !ok {
		return fmt.Errorf("credential_store.swap_refresh_digest.memory: %w", ErrIdentityNotFound)
	}
	if record.RefreshDigest != expectedDigest {
		return fmt.Errorf("credential_store.swap_refresh_digest.memory: %w", ErrRefreshDigestConflict)
	}
	record.RefreshDigest = nextDigest
	record.UpdatedAt = store.clock.Now()
	return nil
}

func (store *MemoryCredentialStore) UpdatePasswordDigest(ctx context.Context, identityID string, passwordDigest string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[identityID]
	if !ok {
		return fmt.Errorf("credential_store.update_password.memory: %w", ErrIdentityNotFound)
	}
	record.PasswordDigest = passwordDigest
	record.UpdatedAt = store.clock.Now()
	return nil
}

func (store *MemoryCredentialStore) LinkExternalID(ctx context.Context, identityID string, externalID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[identityID]
	if !ok {
		return fmt.Errorf("credential_store.link_external_id.memory: %w", ErrIdentityNotFound)
	}
	if record.ExternalID == externalID {
		return nil
	}
	if record.ExternalID != "" {
		return fmt.Errorf("credential_store.link_external_id.memory: %w", ErrExternalIDAlreadyLinked)
	}
	if _, taken := store.byExternalID[externalID]; taken {
		return fmt.Errorf("credential_store.link_external_id.memory: %w: external_id", ErrIdentityExists)
	}
	record.ExternalID = externalID
	record.UpdatedAt = store.clock.Now()
	store.byExternalID[externalID] = identityID
	return nil
}

func (store *MemoryCredentialStore) UpdateRole(ctx context.Context, identityID string, role Role) (Identity, error) {
	if !role.Valid() {
		return Identity{}, fmt.Errorf("credential_store.update_role.memory: %w", ErrInvalidRole)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[identityID]
	if !ok {
		return Identity{}, fmt.Errorf("credential_store.update_role.memory: %w", ErrIdentityNotFound)
	}
	record.Role = role
	record.UpdatedAt = store.clock.Now()
	return *record, nil
}

// UpdateProfile replaces username, email, and full name; uniqueness is enforced against other identities.
func (store *MemoryCredentialStore) UpdateProfile(ctx context.Context, identityID string, username string, email string, fullName string) (Identity, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[identityID]
	if !ok {
		return Identity{}, fmt.Errorf("credential_store.update_profile.memory: %w", ErrIdentityNotFound)
	}
	nextUsername := NormalizeUsername(username)
	nextEmail := NormalizeEmail(email)
	if owner, taken := store.byUsername[nextUsername]; taken && owner != identityID {
		return Identity{}, fmt.Errorf("credential_store.update_profile.memory: %w: username", ErrIdentityExists)
	}
	if owner, taken := store.byEmail[nextEmail]; taken && owner != identityID {
		return Identity{}, fmt.Errorf("credential_store.update_profile.memory: %w: email", ErrIdentityExists)
	}
	delete(store.byUsername, record.Username)
	delete(store.byEmail, record.Email)
	record.Username = nextUsername
	record.Email = nextEmail
	record.FullName = fullName
	record.UpdatedAt = store.clock.Now()
	store.byUsername[nextUsername] = identityID
	store.byEmail[nextEmail] = identityID
	return *record, nil
}

// ListUsernames returns every username in ascending order.
func (store *MemoryCredentialStore) ListUsernames(ctx context.Context) ([]string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	usernames := make([]string, 0, len(store.byUsername))
	for username := range store.byUsername {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)
	return usernames, nil
}
