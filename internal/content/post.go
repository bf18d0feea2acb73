// Package content stores posts and keeps their cache entries coherent with the durable store.
package content

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrPostNotFound indicates no post exists for the owner and number.
	ErrPostNotFound = errors.New("content.post_not_found")
	// ErrTitleTaken indicates another post already uses the normalized title.
	ErrTitleTaken = errors.New("content.title_taken")
	// errNumberConflict signals a lost race for the owner's next post number.
	errNumberConflict = errors.New("content.number_conflict")
)

// Post is a titled entry owned by one identity. Number is a per-owner sequence starting at 1.
type Post struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	OwnerUsername string    `json:"owner"`
	Number        int64     `json:"number"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Media         string    `json:"media,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store is the durable record of posts.
type Store interface {
	// Create assigns the id and the number after the owner's highest live post.
	Create(ctx context.Context, post Post) (Post, error)
	Find(ctx context.Context, ownerUsername string, number int64) (Post, error)
	ListAll(ctx context.Context) ([]Post, error)
	ListByOwner(ctx context.Context, ownerUsername string) ([]Post, error)
	// Update replaces title, content and media of the post with the same id.
	Update(ctx context.Context, post Post) (Post, error)
	Delete(ctx context.Context, postID string) error
	// RenameOwner rewrites the denormalized owner username and returns the numbers of the moved posts.
	RenameOwner(ctx context.Context, ownerID string, ownerUsername string) ([]int64, error)
}

// NormalizeTitle trims and lowercases a title; uniqueness is checked on this form.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}
