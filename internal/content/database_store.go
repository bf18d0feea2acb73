package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/notify/internal/authkit"
	"gorm.io/gorm"
)

const createAttempts = 3

// DatabaseStore persists posts using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
	clock       authkit.Clock
}

type postRecord struct {
	ID            string    `gorm:"column:id;primaryKey"`
	OwnerID       string    `gorm:"column:owner_id;not null;uniqueIndex:idx_posts_owner_number,priority:1"`
	OwnerUsername string    `gorm:"column:owner_username;not null;index"`
	Number        int64     `gorm:"column:number;not null;uniqueIndex:idx_posts_owner_number,priority:2"`
	Title         string    `gorm:"column:title;not null;uniqueIndex:idx_posts_title"`
	Content       string    `gorm:"column:content;not null"`
	Media         string    `gorm:"column:media;not null;default:''"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

func (postRecord) TableName() string {
	return "posts"
}

// NewDatabaseStore migrates the posts table on a handle opened by authkit.OpenDatabase.
func NewDatabaseStore(ctx context.Context, gormDB *gorm.DB, driverLabel string, clock authkit.Clock) (*DatabaseStore, error) {
	if gormDB == nil {
		return nil, fmt.Errorf("post_store.new: %w: nil database handle", authkit.ErrInvalidInput)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&postRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("post_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	return &DatabaseStore{db: gormDB, driverLabel: driverLabel, clock: clock}, nil
}

// Create retries when a concurrent insert claims the same owner number.
func (store *DatabaseStore) Create(ctx context.Context, post Post) (Post, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		created, err := store.createOnce(ctx, post)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, errNumberConflict) {
			return Post{}, err
		}
		lastErr = err
	}
	return Post{}, lastErr
}

func (store *DatabaseStore) createOnce(ctx context.Context, post Post) (Post, error) {
	now := store.clock.Now()
	record := postRecord{
		ID:            uuid.NewString(),
		OwnerID:       post.OwnerID,
		OwnerUsername: post.OwnerUsername,
		Title:         post.Title,
		Content:       post.Content,
		Media:         post.Media,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var lastNumber int64
		if err := transaction.Model(&postRecord{}).
			Where("owner_id = ?", post.OwnerID).
			Select("COALESCE(MAX(number), 0)").
			Scan(&lastNumber).Error; err != nil {
			return err
		}
		record.Number = lastNumber + 1
		return transaction.Create(&record).Error
	})
	if err != nil {
		return Post{}, fmt.Errorf("post_store.create.%s: %w", store.driverLabel, classifyWriteError(err))
	}
	return record.toPost(), nil
}

func (store *DatabaseStore) Find(ctx context.Context, ownerUsername string, number int64) (Post, error) {
	var record postRecord
	err := store.db.WithContext(ctx).Where("owner_username = ? AND number = ?", ownerUsername, number).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Post{}, fmt.Errorf("post_store.find.%s: %w", store.driverLabel, ErrPostNotFound)
		}
		return Post{}, fmt.Errorf("post_store.find.%s: %w", store.driverLabel, err)
	}
	return record.toPost(), nil
}

func (store *DatabaseStore) ListAll(ctx context.Context) ([]Post, error) {
	return store.list(ctx, "list_all", store.db.WithContext(ctx))
}

func (store *DatabaseStore) ListByOwner(ctx context.Context, ownerUsername string) ([]Post, error) {
	return store.list(ctx, "list_by_owner", store.db.WithContext(ctx).Where("owner_username = ?", ownerUsername))
}

func (store *DatabaseStore) Update(ctx context.Context, post Post) (Post, error) {
	result := store.db.WithContext(ctx).Model(&postRecord{}).Where("id = ?", post.ID).Updates(map[string]interface{}{
		"title":      post.Title,
		"content":    post.Content,
		"media":      post.Media,
		"updated_at": store.clock.Now(),
	})
	if result.Error != nil {
		return Post{}, fmt.Errorf("post_store.update.%s: %w", store.driverLabel, classifyWriteError(result.Error))
	}
	if result.RowsAffected == 0 {
		return Post{}, fmt.Errorf("post_store.update.%s: %w", store.driverLabel, ErrPostNotFound)
	}
	var record postRecord
	if err := store.db.WithContext(ctx).Where("id = ?", post.ID).Take(&record).Error; err != nil {
		return Post{}, fmt.Errorf("post_store.update.%s: %w", store.driverLabel, err)
	}
	return record.toPost(), nil
}

func (store *DatabaseStore) Delete(ctx context.Context, postID string) error {
	result := store.db.WithContext(ctx).Where("id = ?", postID).Delete(&postRecord{})
	if result.Error != nil {
		return fmt.Errorf("post_store.delete.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("post_store.delete.%s: %w", store.driverLabel, ErrPostNotFound)
	}
	return nil
}

func (store *DatabaseStore) RenameOwner(ctx context.Context, ownerID string, ownerUsername string) ([]int64, error) {
	var numbers []int64
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Model(&postRecord{}).Where("owner_id = ?", ownerID).Order("number ASC").Pluck("number", &numbers).Error; err != nil {
			return err
		}
		return transaction.Model(&postRecord{}).Where("owner_id = ?", ownerID).Update("owner_username", ownerUsername).Error
	})
	if err != nil {
		return nil, fmt.Errorf("post_store.rename_owner.%s: %w", store.driverLabel, err)
	}
	return numbers, nil
}

func (store *DatabaseStore) list(ctx context.Context, operation string, query *gorm.DB) ([]Post, error) {
	var records []postRecord
	if err := query.Order("created_at ASC").Order("owner_username ASC").Order("number ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("post_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	posts := make([]Post, 0, len(records))
	for _, record := range records {
		posts = append(posts, record.toPost())
	}
	return posts, nil
}

// classifyWriteError tells a duplicate title apart from a lost number race.
func classifyWriteError(err error) error {
	if !errors.Is(err, gorm.ErrDuplicatedKey) && !authkit.IsUniqueViolation(err) {
		return err
	}
	if strings.Contains(strings.ToLower(err.Error()), "title") {
		return ErrTitleTaken
	}
	return errNumberConflict
}

func (record postRecord) toPost() Post {
	return Post{
		ID:            record.ID,
		OwnerID:       record.OwnerID,
		OwnerUsername: record.OwnerUsername,
		Number:        record.Number,
		Title:         record.Title,
		Content:       record.Content,
		Media:         record.Media,
		CreatedAt:     record.CreatedAt.UTC(),
		UpdatedAt:     record.UpdatedAt.UTC(),
	}
}
