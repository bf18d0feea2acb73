package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

// OpenDatabase opens a GORM handle for a postgres:// or sqlite:// URL and returns the driver label.
func OpenDatabase(databaseURL string) (*gorm.DB, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, "", fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, "", err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, "", fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	return gormDB, driverLabel, nil
}

// DatabaseCredentialStore persists identities using GORM.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

type identityRecord struct {
	ID             string    `gorm:"column:id;primaryKey"`
	Username       string    `gorm:"column:username;uniqueIndex;not null"`
	Email          string    `gorm:"column:email;uniqueIndex;not null"`
	FullName       string    `gorm:"column:full_name;not null;default:''"`
	Role           string    `gorm:"column:role;not null"`
	PasswordDigest string    `gorm:"column:password_digest;not null;default:''"`
	RefreshDigest  string    `gorm:"column:refresh_digest;not null;default:''"`
	ExternalID     *string   `gorm:"column:external_id;uniqueIndex"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (identityRecord) TableName() string {
	return "identities"
}

// NewDatabaseCredentialStore migrates the identities table and wraps the handle.
func NewDatabaseCredentialStore(ctx context.Context, gormDB *gorm.DB, driverLabel string, clock Clock) (*DatabaseCredentialStore, error) {
	if gormDB == nil {
		return nil, fmt.Errorf("credential_store.new: %w", errEmptyDatabaseURL)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&identityRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DatabaseCredentialStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       clock,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

func (store *DatabaseCredentialStore) FindByUsernameOrEmail(ctx context.Context, login string) (Identity, error) {
	normalized := NormalizeUsername(login)
	return store.findOne(ctx, "find_by_login", "username = ? OR email = ?", normalized, normalized)
}

func (store *DatabaseCredentialStore) FindByID(ctx context.Context, identityID string) (Identity, error) {
	return store.findOne(ctx, "find_by_id", "id = ?", identityID)
}

func (store *DatabaseCredentialStore) FindByExternalID(ctx context.Context, externalID string) (Identity, error) {
	if externalID == "" {
		return Identity{}, fmt.Errorf("credential_store.find_by_external_id.%s: %w", store.driverLabel, ErrIdentityNotFound)
	}
	return store.findOne(ctx, "find_by_external_id", "external_id = ?", externalID)
}

func (store *DatabaseCredentialStore) FindByEmail(ctx context.Context, email string) (Identity, error) {
	return store.findOne(ctx, "find_by_email", "email = ?", NormalizeEmail(email))
}

func (store *DatabaseCredentialStore) Create(ctx context.Context, identity Identity) (Identity, error) {
	if identity.ID == "" {
		identifier, err := newIdentifier()
		if err != nil {
			return Identity{}, fmt.Errorf("credential_store.create.%s: %w", store.driverLabel, err)
		}
		identity.ID = identifier
	}
	identity.Username = NormalizeUsername(identity.Username)
	identity.Email = NormalizeEmail(identity.Email)
	if err := ValidateIdentity(identity); err != nil {
		return Identity{}, fmt.Errorf("credential_store.create.%s: %w", store.driverLabel, err)
	}
	now := store.clock.Now()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	record := toIdentityRecord(identity)
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || IsUniqueViolation(err) {
			return Identity{}, fmt.Errorf("credential_store.create.%s: %w", store.driverLabel, ErrIdentityExists)
		}
		return Identity{}, fmt.Errorf("credential_store.create.%s: %w", store.driverLabel, err)
	}
	return identity, nil
}

// SwapRefreshDigest performs a single conditional UPDATE; zero affected rows means conflict or absence.
func (store *DatabaseCredentialStore) SwapRefreshDigest(ctx context.Context, identityID string, expectedDigest string, nextDigest string) error {
	result := store.db.WithContext(ctx).Model(&identityRecord{}).
		Where("id = ? AND refresh_digest = ?", identityID, expectedDigest).
		Updates(map[string]interface{}{
			"refresh_digest": nextDigest,
			"updated_at":     store.clock.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("credential_store.swap_refresh_digest.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.FindByID(ctx, identityID); err != nil {
			return fmt.Errorf("credential_store.swap_refresh_digest.%s: %w", store.driverLabel, err)
		}
		return fmt.Errorf("credential_store.swap_refresh_digest.%s: %w", store.driverLabel, ErrRefreshDigestConflict)
	}
	return nil
}

func (store *DatabaseCredentialStore) UpdatePasswordDigest(ctx context.Context, identityID string, passwordDigest string) error {
	return store.updateColumns(ctx, "update_password", store.db.WithContext(ctx).Model(&identityRecord{}).Where("id = ?", identityID), map[string]interface{}{
		"password_digest": passwordDigest,
	}, identityID)
}

func (store *DatabaseCredentialStore) LinkExternalID(ctx context.Context, identityID string, externalID string) error {
	current, err := store.FindByID(ctx, identityID)
	if err != nil {
		return fmt.Errorf("credential_store.link_external_id.%s: %w", store.driverLabel, err)
	}
	if current.ExternalID == externalID {
		return nil
	}
	if current.ExternalID != "" {
		return fmt.Errorf("credential_store.link_external_id.%s: %w", store.driverLabel, ErrExternalIDAlreadyLinked)
	}
	query := store.db.WithContext(ctx).Model(&identityRecord{}).Where("id = ? AND external_id IS NULL", identityID)
	return store.updateColumns(ctx, "link_external_id", query, map[string]interface{}{
		"external_id": externalID,
	}, identityID)
}

func (store *DatabaseCredentialStore) UpdateRole(ctx context.Context, identityID string, role Role) (Identity, error) {
	if !role.Valid() {
		return Identity{}, fmt.Errorf("credential_store.update_role.%s: %w", store.driverLabel, ErrInvalidRole)
	}
	query := store.db.WithContext(ctx).Model(&identityRecord{}).Where("id = ?", identityID)
	if err := store.updateColumns(ctx, "update_role", query, map[string]interface{}{"role": string(role)}, identityID); err != nil {
		return Identity{}, err
	}
	return store.FindByID(ctx, identityID)
}

func (store *DatabaseCredentialStore) UpdateProfile(ctx context.Context, identityID string, username string, email string, fullName string) (Identity, error) {
	query := store.db.WithContext(ctx).Model(&identityRecord{}).Where("id = ?", identityID)
	if err := store.updateColumns(ctx, "update_profile", query, map[string]interface{}{
		"username":  NormalizeUsername(username),
		"email":     NormalizeEmail(email),
		"full_name": fullName,
	}, identityID); err != nil {
		return Identity{}, err
	}
	return store.FindByID(ctx, identityID)
}

func (store *DatabaseCredentialStore) ListUsernames(ctx context.Context) ([]string, error) {
	var usernames []string
	if err := store.db.WithContext(ctx).Model(&identityRecord{}).Order("username ASC").Pluck("username", &usernames).Error; err != nil {
		return nil, fmt.Errorf("credential_store.list_usernames.%s: %w", store.driverLabel, err)
	}
	return usernames, nil
}

func (store *DatabaseCredentialStore) findOne(ctx context.Context, operation string, condition string, arguments ...interface{}) (Identity, error) {
	var record identityRecord
	err := store.db.WithContext(ctx).Where(condition, arguments...).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{}, fmt.Errorf("credential_store.%s.%s: %w", operation, store.driverLabel, ErrIdentityNotFound)
		}
		return Identity{}, fmt.Errorf("credential_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	identity, convertErr := record.toIdentity()
	if convertErr != nil {
		return Identity{}, fmt.Errorf("credential_store.%s.%s: %w", operation, store.driverLabel, convertErr)
	}
	return identity, nil
}

func (store *DatabaseCredentialStore) updateColumns(ctx context.Context, operation string, query *gorm.DB, columns map[string]interface{}, identityID string) error {
	columns["updated_at"] = store.clock.Now()
	result := query.Updates(columns)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) || IsUniqueViolation(result.Error) {
			return fmt.Errorf("credential_store.%s.%s: %w", operation, store.driverLabel, ErrIdentityExists)
		}
		return fmt.Errorf("credential_store.%s.%s: %w", operation, store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.FindByID(ctx, identityID); err != nil {
			return fmt.Errorf("credential_store.%s.%s: %w", operation, store.driverLabel, err)
		}
		if operation == "link_external_id" {
			return fmt.Errorf("credential_store.%s.%s: %w", operation, store.driverLabel, ErrExternalIDAlreadyLinked)
		}
	}
	return nil
}

func toIdentityRecord(identity Identity) identityRecord {
	record := identityRecord{
		ID:             identity.ID,
		Username:       identity.Username,
		Email:          identity.Email,
		FullName:       identity.FullName,
		Role:           string(identity.Role),
		PasswordDigest: identity.PasswordDigest,
		RefreshDigest:  identity.RefreshDigest,
		CreatedAt:      identity.CreatedAt,
		UpdatedAt:      identity.UpdatedAt,
	}
	if identity.ExternalID != "" {
		externalID := identity.ExternalID
		record.ExternalID = &externalID
	}
	return record
}

// toIdentity rejects rows whose role falls outside the enumeration.
func (record identityRecord) toIdentity() (Identity, error) {
	role, err := ParseRole(record.Role)
	if err != nil {
		return Identity{}, err
	}
	identity := Identity{
		ID:             record.ID,
		Username:       record.Username,
		Email:          record.Email,
		FullName:       record.FullName,
		Role:           role,
		PasswordDigest: record.PasswordDigest,
		RefreshDigest:  record.RefreshDigest,
		CreatedAt:      record.CreatedAt.UTC(),
		UpdatedAt:      record.UpdatedAt.UTC(),
	}
	if record.ExternalID != nil {
		identity.ExternalID = *record.ExternalID
	}
	return identity, nil
}

// IsUniqueViolation recognises unique-constraint failures from the sqlite and postgres drivers.
func IsUniqueViolation(err error) bool {
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key") || strings.Contains(message, "sqlstate 23505")
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
