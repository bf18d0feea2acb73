package content

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tyemirov/notify/internal/authkit"
)

type tickingClock struct {
	current time.Time
}

// Now advances one second per call so creation order is observable.
func (clock *tickingClock) Now() time.Time {
	clock.current = clock.current.Add(time.Second)
	return clock.current
}

func newTickingClock() *tickingClock {
	return &tickingClock{current: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestDatabaseStore(t *testing.T) *DatabaseStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gormDB, driverLabel, err := authkit.OpenDatabase("sqlite:file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := NewDatabaseStore(context.Background(), gormDB, driverLabel, newTickingClock())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStoreContract(t *testing.T) {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore(newTickingClock()) },
		"sqlite": func(t *testing.T) Store { return newTestDatabaseStore(t) },
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			first, err := store.Create(ctx, Post{OwnerID: "id-alice", OwnerUsername: "alice", Title: "first", Content: "one"})
			if err != nil {
				t.Fatalf("create first: %v", err)
			}
			second, err := store.Create(ctx, Post{OwnerID: "id-alice", OwnerUsername: "alice", Title: "second", Content: "two"})
			if err != nil {
				t.Fatalf("create second: %v", err)
			}
			other, err := store.Create(ctx, Post{OwnerID: "id-bob", OwnerUsername: "bob", Title: "bobs", Content: "three"})
			if err != nil {
				t.Fatalf("create other: %v", err)
			}
			if first.Number != 1 || second.Number != 2 || other.Number != 1 {
				t.Fatalf("unexpected numbers %d %d %d", first.Number, second.Number, other.Number)
			}
			if first.ID == "" || first.ID == second.ID {
				t.Fatalf("expected distinct ids, got %q and %q", first.ID, second.ID)
			}
			if _, err := store.Create(ctx, Post{OwnerID: "id-bob", OwnerUsername: "bob", Title: "first", Content: "dup"}); !errors.Is(err, ErrTitleTaken) {
				t.Fatalf("expected ErrTitleTaken, got %v", err)
			}

			found, err := store.Find(ctx, "alice", 2)
			if err != nil || found.ID != second.ID {
				t.Fatalf("find: %+v err %v", found, err)
			}
			if _, err := store.Find(ctx, "alice", 9); !errors.Is(err, ErrPostNotFound) {
				t.Fatalf("expected ErrPostNotFound, got %v", err)
			}

			all, err := store.ListAll(ctx)
			if err != nil || len(all) != 3 || all[0].ID != first.ID || all[2].ID != other.ID {
				t.Fatalf("list all: %+v err %v", all, err)
			}
			owned, err := store.ListByOwner(ctx, "alice")
			if err != nil || len(owned) != 2 {
				t.Fatalf("list by owner: %+v err %v", owned, err)
			}

			second.Title = "bobs"
			if _, err := store.Update(ctx, second); !errors.Is(err, ErrTitleTaken) {
				t.Fatalf("expected ErrTitleTaken on update, got %v", err)
			}
			second.Title = "second edited"
			second.Content = "two edited"
			updated, err := store.Update(ctx, second)
			if err != nil || updated.Title != "second edited" || updated.Number != 2 {
				t.Fatalf("update: %+v err %v", updated, err)
			}

			numbers, err := store.RenameOwner(ctx, "id-alice", "alicia")
			if err != nil || len(numbers) != 2 || numbers[0] != 1 || numbers[1] != 2 {
				t.Fatalf("rename: %v err %v", numbers, err)
			}
			if _, err := store.Find(ctx, "alicia", 1); err != nil {
				t.Fatalf("find after rename: %v", err)
			}

			if err := store.Delete(ctx, first.ID); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := store.Delete(ctx, first.ID); !errors.Is(err, ErrPostNotFound) {
				t.Fatalf("expected ErrPostNotFound on second delete, got %v", err)
			}
			third, err := store.Create(ctx, Post{OwnerID: "id-alice", OwnerUsername: "alicia", Title: "first", Content: "again"})
			if err != nil {
				t.Fatalf("reuse freed title: %v", err)
			}
			if third.Number != 3 {
				t.Fatalf("expected number 3 after delete, got %d", third.Number)
			}
		})
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*DatabaseStore)(nil)
)
