package repository

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/docstore/memory"
	"github.com/larderhq/larder/internal/schema"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRepositoryOverMemoryBackend(t *testing.T) {
	backend := memory.New(memory.Options{Logger: log.New(io.Discard, "", 0)})
	defer backend.Close()
	recipes := docstore.NewCollection[schema.Recipe](backend, schema.CollectionRecipes)
	ctx := context.Background()

	if err := recipes.Put(ctx, rec("r1", "Soup")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	repo := New[schema.Recipe](recipes, Options{Collection: "recipes", Logger: log.New(io.Discard, "", 0)})
	defer repo.Close()

	repo.Initialize(ctx, []string{"r1", "r2"}, "r1")
	repo.StartListening([]string{"r1", "r2"})
	if got, ok := repo.Selected(); !ok || got.Name != "Soup" {
		t.Fatalf("Selected() = %+v, %v", got, ok)
	}

	// Another writer changes r2 directly in the store.
	if err := recipes.Put(ctx, rec("r2", "Stew")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	eventually(t, "r2 to arrive through the listener", func() bool {
		_, ok := repo.cache.Get("r2")
		return ok
	})

	backend.SetFault(func(op, collection, uid string) error {
		if op == "put" {
			return errors.New("quota exceeded")
		}
		return nil
	})
	m := repo.Update(rec("r1", "Burnt soup"))
	if outcome, _ := wait(t, m); outcome != RolledBack {
		t.Fatalf("outcome = %v, want rolled back", outcome)
	}
	if got, _ := repo.cache.Get("r1"); got.Name != "Soup" {
		t.Errorf("r1 = %q after rollback, want Soup", got.Name)
	}

	backend.SetFault(nil)
	if outcome, _ := wait(t, repo.Delete("r2")); outcome != Committed {
		t.Fatalf("delete outcome = %v, want committed", outcome)
	}
	eventually(t, "listener to confirm the delete", func() bool {
		return len(repo.Snapshot()) == 1
	})
}
