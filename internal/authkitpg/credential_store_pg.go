package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/notify/internal/authkit"
)

const uniqueViolationCode = "23505"

const identityColumns = `id, username, email, full_name, role, password_digest, refresh_digest, COALESCE(external_id, ''), created_at, updated_at`

// PostgresCredentialStore persists identities in PostgreSQL through pgx.
type PostgresCredentialStore struct {
	pool  *pgxpool.Pool
	clock authkit.Clock
}

// NewPostgresCredentialStore constructs a Postgres store.
func NewPostgresCredentialStore(pool *pgxpool.Pool, clock authkit.Clock) *PostgresCredentialStore {
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	return &PostgresCredentialStore{pool: pool, clock: clock}
}

func (store *PostgresCredentialStore) FindByUsernameOrEmail(ctx context.Context, login string) (authkit.Identity, error) {
	normalized := authkit.NormalizeUsername(login)
	return store.queryOne(ctx, "find_by_login", `SELECT `+identityColumns+` FROM identities WHERE username = $1 OR email = $1 LIMIT 1`, normalized)
}

func (store *PostgresCredentialStore) FindByID(ctx context.Context, identityID string) (authkit.Identity, error) {
	return store.queryOne(ctx, "find_by_id", `SELECT `+identityColumns+` FROM identities WHERE id = $1`, identityID)
}

func (store *PostgresCredentialStore) FindByExternalID(ctx context.Context, externalID string) (authkit.Identity, error) {
	if externalID == "" {
		return authkit.Identity{}, fmt.Errorf("credential_store.find_by_external_id.pgx: %w", authkit.ErrIdentityNotFound)
	}
	return store.queryOne(ctx, "find_by_external_id", `SELECT `+identityColumns+` FROM identities WHERE external_id = $1`, externalID)
}

func (store *PostgresCredentialStore) FindByEmail(ctx context.Context, email string) (authkit.Identity, error) {
	return store.queryOne(ctx, "find_by_email", `SELECT `+identityColumns+` FROM identities WHERE email = $1`, authkit.NormalizeEmail(email))
}

func (store *PostgresCredentialStore) Create(ctx context.Context, identity authkit.Identity) (authkit.Identity, error) {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	identity.Username = authkit.NormalizeUsername(identity.Username)
	identity.Email = authkit.NormalizeEmail(identity.Email)
	if err := authkit.ValidateIdentity(identity); err != nil {
		return authkit.Identity{}, fmt.Errorf("credential_store.create.pgx: %w", err)
	}
	now := store.clock.Now()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	_, err := store.pool.Exec(ctx, `
INSERT INTO identities (id, username, email, full_name, role, password_digest, refresh_digest, external_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
`, identity.ID, identity.Username, identity.Email, identity.FullName, string(identity.Role), identity.PasswordDigest, identity.RefreshDigest, identity.ExternalID, now, now)
	if err != nil {
		return authkit.Identity{}, translateError("create", err)
	}
	return identity, nil
}

// SwapRefreshDigest is a single conditional UPDATE keyed on the expected digest.
func (store *PostgresCredentialStore) SwapRefreshDigest(ctx context.Context, identityID string, expectedDigest string, nextDigest string) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE identities SET refresh_digest = $1, updated_at = $2
WHERE id = $3 AND refresh_digest = $4
`, nextDigest, store.clock.Now(), identityID, expectedDigest)
	if err != nil {
		return translateError("swap_refresh_digest", err)
	}
	if tag.RowsAffected() == 0 {
		if _, findErr := store.FindByID(ctx, identityID); findErr != nil {
			return findErr
		}
		return fmt.Errorf("credential_store.swap_refresh_digest.pgx: %w", authkit.ErrRefreshDigestConflict)
	}
	return nil
}

func (store *PostgresCredentialStore) UpdatePasswordDigest(ctx context.Context, identityID string, passwordDigest string) error {
	return store.execOne(ctx, "update_password", `UPDATE identities SET password_digest = $1, updated_at = $2 WHERE id = $3`, passwordDigest, store.clock.Now(), identityID)
}

func (store *PostgresCredentialStore) LinkExternalID(ctx context.Context, identityID string, externalID string) error {
	current, err := store.FindByID(ctx, identityID)
	if err != nil {
		return err
	}
	if current.ExternalID == externalID {
		return nil
	}
	if current.ExternalID != "" {
		return fmt.Errorf("credential_store.link_external_id.pgx: %w", authkit.ErrExternalIDAlreadyLinked)
	}
	tag, err := store.pool.Exec(ctx, `UPDATE identities SET external_id = $1, updated_at = $2 WHERE id = $3 AND external_id IS NULL`, externalID, store.clock.Now(), identityID)
	if err != nil {
		return translateError("link_external_id", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential_store.link_external_id.pgx: %w", authkit.ErrExternalIDAlreadyLinked)
	}
	return nil
}

func (store *PostgresCredentialStore) UpdateRole(ctx context.Context, identityID string, role authkit.Role) (authkit.Identity, error) {
	if !role.Valid() {
		return authkit.Identity{}, fmt.Errorf("credential_store.update_role.pgx: %w", authkit.ErrInvalidRole)
	}
	return store.queryOne(ctx, "update_role", `UPDATE identities SET role = $1, updated_at = $2 WHERE id = $3 RETURNING `+identityColumns, string(role), store.clock.Now(), identityID)
}

func (store *PostgresCredentialStore) UpdateProfile(ctx context.Context, identityID string, username string, email string, fullName string) (authkit.Identity, error) {
	return store.queryOne(ctx, "update_profile", `
UPDATE identities SET username = $1, email = $2, full_name = $3, updated_at = $4
WHERE id = $5 RETURNING `+identityColumns,
		authkit.NormalizeUsername(username), authkit.NormalizeEmail(email), fullName, store.clock.Now(), identityID)
}

func (store *PostgresCredentialStore) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := store.pool.Query(ctx, `SELECT username FROM identities`)
	if err != nil {
		return nil, translateError("list_usernames", err)
	}
	usernames, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, translateError("list_usernames", err)
	}
	sort.Strings(usernames)
	return usernames, nil
}

func (store *PostgresCredentialStore) queryOne(ctx context.Context, operation string, query string, arguments ...interface{}) (authkit.Identity, error) {
	var (
		identity  authkit.Identity
		roleValue string
		createdAt time.Time
		updatedAt time.Time
	)
	err := store.pool.QueryRow(ctx, query, arguments...).Scan(
		&identity.ID, &identity.Username, &identity.Email, &identity.FullName, &roleValue,
		&identity.PasswordDigest, &identity.RefreshDigest, &identity.ExternalID, &createdAt, &updatedAt,
	)
	if err != nil {
		return authkit.Identity{}, translateError(operation, err)
	}
	role, roleErr := authkit.ParseRole(roleValue)
	if roleErr != nil {
		return authkit.Identity{}, fmt.Errorf("credential_store.%s.pgx: %w", operation, roleErr)
	}
	identity.Role = role
	identity.CreatedAt = createdAt.UTC()
	identity.UpdatedAt = updatedAt.UTC()
	return identity, nil
}

func (store *PostgresCredentialStore) execOne(ctx context.Context, operation string, query string, arguments ...interface{}) error {
	tag, err := store.pool.Exec(ctx, query, arguments...)
	if err != nil {
		return translateError(operation, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential_store.%s.pgx: %w", operation, authkit.ErrIdentityNotFound)
	}
	return nil
}

func translateError(operation string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("credential_store.%s.pgx: %w", operation, authkit.ErrIdentityNotFound)
	}
	var pgError *pgconn.PgError
	if errors.As(err, &pgError) && pgError.Code == uniqueViolationCode {
		return fmt.Errorf("credential_store.%s.pgx: %w: %s", operation, authkit.ErrIdentityExists, pgError.ConstraintName)
	}
	return fmt.Errorf("credential_store.%s.pgx: %w", operation, err)
}
