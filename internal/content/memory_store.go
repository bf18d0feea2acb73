package content

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tyemirov/notify/internal/authkit"
)

// MemoryStore keeps posts in process memory.
type MemoryStore struct {
	mutex   sync.Mutex
	clock   authkit.Clock
	byID    map[string]*Post
	byTitle map[string]string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(clock authkit.Clock) *MemoryStore {
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	return &MemoryStore{
		clock:   clock,
		byID:    make(map[string]*Post),
		byTitle: make(map[string]string),
	}
}

func (store *MemoryStore) Create(ctx context.Context, post Post) (Post, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, taken := store.byTitle[post.Title]; taken {
		return Post{}, fmt.Errorf("post_store.create.memory: %w", ErrTitleTaken)
	}
	post.ID = uuid.NewString()
	post.Number = 1
	for _, record := range store.byID {
		if record.OwnerID == post.OwnerID && record.Number >= post.Number {
			post.Number = record.Number + 1
		}
	}
	now := store.clock.Now()
	post.CreatedAt = now
	post.UpdatedAt = now
	record := post
	store.byID[post.ID] = &record
	store.byTitle[post.Title] = post.ID
	return post, nil
}

func (store *MemoryStore) Find(ctx context.Context, ownerUsername string, number int64) (Post, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	for _, record := range store.byID {
		if record.OwnerUsername == ownerUsername && record.Number == number {
			return *record, nil
		}
	}
	return Post{}, fmt.Errorf("post_store.find.memory: %w", ErrPostNotFound)
}

func (store *MemoryStore) ListAll(ctx context.Context) ([]Post, error) {
	return store.collect(func(*Post) bool { return true }), nil
}

func (store *MemoryStore) ListByOwner(ctx context.Context, ownerUsername string) ([]Post, error) {
	return store.collect(func(record *Post) bool { return record.OwnerUsername == ownerUsername }), nil
}

func (store *MemoryStore) Update(ctx context.Context, post Post) (Post, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[post.ID]
	if !ok {
		return Post{}, fmt.Errorf("post_store.update.memory: %w", ErrPostNotFound)
	}
	if owner, taken := store.byTitle[post.Title]; taken && owner != post.ID {
		return Post{}, fmt.Errorf("post_store.update.memory: %w", ErrTitleTaken)
	}
	delete(store.byTitle, record.Title)
	record.Title = post.Title
	record.Content = post.Content
	record.Media = post.Media
	record.UpdatedAt = store.clock.Now()
	store.byTitle[record.Title] = record.ID
	return *record, nil
}

func (store *MemoryStore) Delete(ctx context.Context, postID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[postID]
	if !ok {
		return fmt.Errorf("post_store.delete.memory: %w", ErrPostNotFound)
	}
	delete(store.byTitle, record.Title)
	delete(store.byID, postID)
	return nil
}

func (store *MemoryStore) RenameOwner(ctx context.Context, ownerID string, ownerUsername string) ([]int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var numbers []int64
	for _, record := range store.byID {
		if record.OwnerID == ownerID {
			record.OwnerUsername = ownerUsername
			numbers = append(numbers, record.Number)
		}
	}
	sort.Slice(numbers, func(left, right int) bool { return numbers[left] < numbers[right] })
	return numbers, nil
}

// collect returns matching posts ordered by creation time, then number.
func (store *MemoryStore) collect(match func(*Post) bool) []Post {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	posts := make([]Post, 0, len(store.byID))
	for _, record := range store.byID {
		if match(record) {
			posts = append(posts, *record)
		}
	}
	sort.Slice(posts, func(left, right int) bool {
		if !posts[left].CreatedAt.Equal(posts[right].CreatedAt) {
			return posts[left].CreatedAt.Before(posts[right].CreatedAt)
		}
		if posts[left].OwnerUsername != posts[right].OwnerUsername {
			return posts[left].OwnerUsername < posts[right].OwnerUsername
		}
		return posts[left].Number < posts[right].Number
	})
	return posts
}
