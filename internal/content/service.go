package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/notify/internal/authkit"
	"go.uber.org/zap"
)

// ServiceDependencies wires the post service.
type ServiceDependencies struct {
	Store        Store
	Cache        *authkit.SessionCache
	Metrics      authkit.MetricsRecorder
	Logger       *zap.Logger
	StoreTimeout time.Duration
}

// Author identifies the caller creating or editing a post.
type Author struct {
	ID       string
	Username string
}

// Draft carries caller-supplied post fields. Empty fields keep their previous value on update.
type Draft struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Media   string `json:"media"`
}

// Service serves posts through the cache and invalidates affected keys after every write.
type Service struct {
	store        Store
	cache        *authkit.SessionCache
	metrics      authkit.MetricsRecorder
	logger       *zap.Logger
	storeTimeout time.Duration
}

func NewService(dependencies ServiceDependencies) (*Service, error) {
	if dependencies.Store == nil {
		return nil, fmt.Errorf("content.new: %w: store is required", authkit.ErrInvalidInput)
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
		cache:        dependencies.Cache,
		metrics:      metrics,
		logger:       logger,
		storeTimeout: storeTimeout,
	}, nil
}

func (service *Service) Create(ctx context.Context, author Author, draft Draft) (Post, error) {
	title := NormalizeTitle(draft.Title)
	body := strings.TrimSpace(draft.Content)
	if title == "" || body == "" {
		return Post{}, fmt.Errorf("content.create: %w: title and content are required", authkit.ErrInvalidInput)
	}
	if author.ID == "" || author.Username == "" {
		return Post{}, fmt.Errorf("content.create: %w: author is required", authkit.ErrInvalidInput)
	}
	ownerUsername := authkit.NormalizeUsername(author.Username)
	storeCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
	defer cancel()
	defer authkit.ObserveStoreCall(service.metrics, "posts", "create", time.Now())
	created, err := service.store.Create(storeCtx, Post{
		OwnerID:       author.ID,
		OwnerUsername: ownerUsername,
		Title:         title,
		Content:       body,
		Media:         strings.TrimSpace(draft.Media),
	})
	if err != nil {
		return Post{}, service.storeFailure("create", err)
	}
	// Numbers of deleted posts are reused, so the single-post key may hold a stale entry.
	service.cache.Invalidate(ctx,
		authkit.PostCacheKey(ownerUsername, created.Number),
		authkit.PostsByOwnerCacheKey(ownerUsername),
		authkit.AllPostsCacheKey(),
	)
	service.metrics.Record("post.created", nil)
	return created, nil
}

func (service *Service) ListAll(ctx context.Context) ([]Post, error) {
	posts, err := authkit.CachedJSON(ctx, service.cache, authkit.AllPostsCacheKey(), func(loadCtx context.Context) ([]Post, error) {
		storeCtx, cancel := context.WithTimeout(loadCtx, service.storeTimeout)
		defer cancel()
		defer authkit.ObserveStoreCall(service.metrics, "posts", "list_all", time.Now())
		posts, err := service.store.ListAll(storeCtx)
		if err != nil {
			return nil, service.storeFailure("list_all", err)
		}
		return posts, nil
	})
	if err != nil {
		return nil, err
	}
	service.metrics.Record("post.fetched", map[string]string{"scope": "all"})
	return posts, nil
}

func (service *Service) ListByOwner(ctx context.Context, ownerUsername string) ([]Post, error) {
	owner := authkit.NormalizeUsername(ownerUsername)
	if owner == "" {
		return nil, fmt.Errorf("content.list_by_owner: %w: owner is required", authkit.ErrInvalidInput)
	}
	posts, err := authkit.CachedJSON(ctx, service.cache, authkit.PostsByOwnerCacheKey(owner), func(loadCtx context.Context) ([]Post, error) {
		storeCtx, cancel := context.WithTimeout(loadCtx, service.storeTimeout)
		defer cancel()
		defer authkit.ObserveStoreCall(service.metrics, "posts", "list_by_owner", time.Now())
		posts, err := service.store.ListByOwner(storeCtx, owner)
		if err != nil {
			return nil, service.storeFailure("list_by_owner", err)
		}
		return posts, nil
	})
	if err != nil {
		return nil, err
	}
	service.metrics.Record("post.fetched", map[string]string{"scope": "owner"})
	return posts, nil
}

func (service *Service) Get(ctx context.Context, ownerUsername string, number int64) (Post, error) {
	owner := authkit.NormalizeUsername(ownerUsername)
	if owner == "" || number < 1 {
		return Post{}, fmt.Errorf("content.get: %w: owner and positive number are required", authkit.ErrInvalidInput)
	}
	post, err := authkit.CachedJSON(ctx, service.cache, authkit.PostCacheKey(owner, number), func(loadCtx context.Context) (Post, error) {
		storeCtx, cancel := context.WithTimeout(loadCtx, service.storeTimeout)
		defer cancel()
		defer authkit.ObserveStoreCall(service.metrics, "posts", "get", time.Now())
		post, err := service.store.Find(storeCtx, owner, number)
		if err != nil {
			return Post{}, service.storeFailure("get", err)
		}
		return post, nil
	})
	if err != nil {
		return Post{}, err
	}
	service.metrics.Record("post.fetched", map[string]string{"scope": "single"})
	return post, nil
}

// Update applies a partial edit. Only the owner may edit a post.
func (service *Service) Update(ctx context.Context, callerID string, ownerUsername string, number int64, draft Draft) (Post, error) {
	current, err := service.ownedPost(ctx, "update", callerID, ownerUsername, number)
	if err != nil {
		return Post{}, err
	}
	next := current
	if title := NormalizeTitle(draft.Title); title != "" {
		next.Title = title
	}
	if body := strings.TrimSpace(draft.Content); body != "" {
		next.Content = body
	}
	if media := strings.TrimSpace(draft.Media); media != "" {
		next.Media = media
	}
	storeCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
	defer cancel()
	defer authkit.ObserveStoreCall(service.metrics, "posts", "update", time.Now())
	updated, err := service.store.Update(storeCtx, next)
	if err != nil {
		return Post{}, service.storeFailure("update", err)
	}
	service.invalidatePost(ctx, current)
	service.metrics.Record("post.updated", nil)
	return updated, nil
}

// Delete removes a post. Only the owner may delete it.
func (service *Service) Delete(ctx context.Context, callerID string, ownerUsername string, number int64) error {
	current, err := service.ownedPost(ctx, "delete", callerID, ownerUsername, number)
	if err != nil {
		return err
	}
	storeCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
	defer cancel()
	defer authkit.ObserveStoreCall(service.metrics, "posts", "delete", time.Now())
	if err := service.store.Delete(storeCtx, current.ID); err != nil {
		return service.storeFailure("delete", err)
	}
	service.invalidatePost(ctx, current)
	service.metrics.Record("post.deleted", nil)
	return nil
}

// OwnerRenamed moves the owner's posts to the new username and drops every key that named the old one.
func (service *Service) OwnerRenamed(ctx context.Context, ownerID string, previousUsername string, nextUsername string) error {
	previous := authkit.NormalizeUsername(previousUsername)
	next := authkit.NormalizeUsername(nextUsername)
	storeCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
	defer cancel()
	defer authkit.ObserveStoreCall(service.metrics, "posts", "rename_owner", time.Now())
	numbers, err := service.store.RenameOwner(storeCtx, ownerID, next)
	if err != nil {
		return service.storeFailure("rename_owner", err)
	}
	keys := []string{authkit.PostsByOwnerCacheKey(previous), authkit.PostsByOwnerCacheKey(next), authkit.AllPostsCacheKey()}
	for _, number := range numbers {
		keys = append(keys, authkit.PostCacheKey(previous, number), authkit.PostCacheKey(next, number))
	}
	service.cache.Invalidate(ctx, keys...)
	service.logger.Info("posts moved to renamed owner",
		zap.String("code", "content.owner_renamed"),
		zap.String("owner_id", ownerID),
		zap.Int("posts", len(numbers)),
	)
	return nil
}

// ownedPost reads from the store rather than the cache so ownership checks never see stale data.
func (service *Service) ownedPost(ctx context.Context, operation string, callerID string, ownerUsername string, number int64) (Post, error) {
	owner := authkit.NormalizeUsername(ownerUsername)
	if owner == "" || number < 1 {
		return Post{}, fmt.Errorf("content.%s: %w: owner and positive number are required", operation, authkit.ErrInvalidInput)
	}
	storeCtx, cancel := context.WithTimeout(ctx, service.storeTimeout)
	defer cancel()
	defer authkit.ObserveStoreCall(service.metrics, "posts", "find_owned", time.Now())
	post, err := service.store.Find(storeCtx, owner, number)
	if err != nil {
		return Post{}, service.storeFailure(operation, err)
	}
	if post.OwnerID != callerID {
		return Post{}, fmt.Errorf("content.%s: %w: not the owner", operation, authkit.ErrForbidden)
	}
	return post, nil
}

func (service *Service) invalidatePost(ctx context.Context, post Post) {
	service.cache.Invalidate(ctx,
		authkit.PostCacheKey(post.OwnerUsername, post.Number),
		authkit.PostsByOwnerCacheKey(post.OwnerUsername),
		authkit.AllPostsCacheKey(),
	)
}

func (service *Service) storeFailure(operation string, err error) error {
	switch {
	case errors.Is(err, ErrPostNotFound), errors.Is(err, ErrTitleTaken):
		return fmt.Errorf("content.%s: %w", operation, err)
	default:
		service.logger.Error("post store call failed", zap.String("code", "content."+operation+".store_failed"), zap.Error(err))
		return fmt.Errorf("content.%s: %w: %v", operation, authkit.ErrUnavailable, err)
	}
}
