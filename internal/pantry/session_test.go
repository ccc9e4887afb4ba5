package pantry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/docstore/memory"
	"github.com/larderhq/larder/internal/repository"
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

func put[E schema.Entity](t *testing.T, b docstore.Backend, collection string, e E) {
	t.Helper()
	if err := docstore.NewCollection[E](b, collection).Put(context.Background(), e); err != nil {
		t.Fatalf("Put %s/%s failed: %v", collection, e.UID(), err)
	}
}

func names[E schema.Entity](entities []E, name func(E) string) map[string]bool {
	out := make(map[string]bool, len(entities))
	for _, e := range entities {
		out[name(e)] = true
	}
	return out
}

func recipeNames(s *Session) map[string]bool {
	return names(s.Recipes.Snapshot(), func(r schema.Recipe) string { return r.Name })
}

// newTestSession seeds two households: h1 with recipe r1 and food item f1,
// h2 with recipe r2.
func newTestSession(t *testing.T) (*memory.Backend, *Session) {
	t.Helper()
	backend := memory.New(memory.Options{Logger: log.New(io.Discard, "", 0)})
	t.Cleanup(func() { backend.Close() })

	put(t, backend, schema.CollectionRecipes, schema.Recipe{ID: "r1", Name: "Dal"})
	put(t, backend, schema.CollectionRecipes, schema.Recipe{ID: "r2", Name: "Stew"})
	put(t, backend, schema.CollectionFoodItems, schema.FoodItem{ID: "f1", Name: "Rice"})
	put(t, backend, schema.CollectionHouseholds, schema.Household{ID: "h1", Name: "Flat", RecipeIDs: []string{"r1"}, FoodItemIDs: []string{"f1"}})
	put(t, backend, schema.CollectionHouseholds, schema.Household{ID: "h2", Name: "Cabin", RecipeIDs: []string{"r2"}})

	s := New(backend, Options{LogOutput: io.Discard})
	t.Cleanup(s.Close)
	return backend, s
}

func TestOpen_LoadsSelectedHousehold(t *testing.T) {
	_, s := newTestSession(t)
	if err := s.Open(context.Background(), []string{"h1", "h2"}, "h1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	h, ok := s.Household()
	if !ok || h.ID != "h1" {
		t.Fatalf("Household() = %+v, %v", h, ok)
	}
	if len(s.Households.Snapshot()) != 2 {
		t.Errorf("households = %d, want 2", len(s.Households.Snapshot()))
	}
	if got := recipeNames(s); !got["Dal"] || len(got) != 1 {
		t.Errorf("recipes = %v, want only Dal", got)
	}
	if len(s.FoodItems.Snapshot()) != 1 {
		t.Errorf("food items = %d, want 1", len(s.FoodItems.Snapshot()))
	}
	if !s.Recipes.Listening() || !s.FoodItems.Listening() || !s.Households.Listening() {
		t.Error("expected all three repositories to be listening")
	}
}

func TestOpen_UnknownSelection(t *testing.T) {
	_, s := newTestSession(t)
	if err := s.Open(context.Background(), []string{"h1"}, "h9"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := s.Household(); ok {
		t.Error("expected no household selected")
	}
	if len(s.Recipes.Snapshot()) != 0 || s.Recipes.Listening() {
		t.Error("recipe cache should be empty and idle")
	}
}

func TestSwitchHousehold(t *testing.T) {
	_, s := newTestSession(t)
	ctx := context.Background()
	if err := s.Open(ctx, []string{"h1", "h2"}, "h1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := s.SwitchHousehold(ctx, "h2"); err != nil {
		t.Fatalf("SwitchHousehold failed: %v", err)
	}
	if got := recipeNames(s); !got["Stew"] || len(got) != 1 {
		t.Errorf("recipes after switch = %v, want only Stew", got)
	}
	if len(s.FoodItems.Snapshot()) != 0 {
		t.Errorf("food items after switch = %d, want 0", len(s.FoodItems.Snapshot()))
	}

	if err := s.SwitchHousehold(ctx, "nope"); !errors.Is(err, ErrHouseholdNotFound) {
		t.Errorf("SwitchHousehold(nope) = %v, want ErrHouseholdNotFound", err)
	}
	if h, _ := s.Household(); h.ID != "h2" {
		t.Errorf("failed switch changed selection to %q", h.ID)
	}

	if err := s.SwitchHousehold(ctx, ""); err != nil {
		t.Fatalf("SwitchHousehold(\"\") failed: %v", err)
	}
	if len(s.Recipes.Snapshot()) != 0 {
		t.Error("clearing the selection should clear recipes")
	}
}

func TestAddAndRemoveRecipe(t *testing.T) {
	backend, s := newTestSession(t)
	ctx := context.Background()
	if err := s.Open(ctx, []string{"h1"}, "h1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	change, err := s.AddRecipe(schema.Recipe{Name: "Curry"})
	if err != nil {
		t.Fatalf("AddRecipe failed: %v", err)
	}
	if change.Entity.UID() == "" {
		t.Fatal("AddRecipe did not assign a uid")
	}
	if err := change.Wait(ctx); err != nil {
		t.Fatalf("change failed: %v", err)
	}
	if !change.Succeeded() {
		t.Error("Succeeded() = false after commit")
	}

	eventually(t, "the new recipe to be listened to", func() bool {
		return recipeNames(s)["Curry"] && len(s.Recipes.Snapshot()) == 2
	})
	stored, err := docstore.NewCollection[schema.Household](backend, schema.CollectionHouseholds).Get(ctx, "h1")
	if err != nil {
		t.Fatalf("Get h1 failed: %v", err)
	}
	if len(stored.RecipeIDs) != 2 {
		t.Errorf("stored h1 recipe ids = %v", stored.RecipeIDs)
	}

	change, err = s.RemoveRecipe("r1")
	if err != nil {
		t.Fatalf("RemoveRecipe failed: %v", err)
	}
	if err := change.Wait(ctx); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	eventually(t, "r1 to leave the recipe cache", func() bool {
		got := recipeNames(s)
		return !got["Dal"] && got["Curry"]
	})
}

func TestAddFoodItem_RollsBackBothOnFailure(t *testing.T) {
	backend, s := newTestSession(t)
	ctx := context.Background()
	if err := s.Open(ctx, []string{"h1"}, "h1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	backend.SetFault(func(op, collection, uid string) error {
		if op == "put" {
			return errors.New("offline")
		}
		return nil
	})
	change, err := s.AddFoodItem(schema.FoodItem{Name: "Milk"})
	if err != nil {
		t.Fatalf("AddFoodItem failed: %v", err)
	}
	if err := change.Wait(ctx); !errors.Is(err, docstore.ErrRemoteWrite) {
		t.Fatalf("Wait = %v, want remote write failure", err)
	}
	if change.Household.Outcome() != repository.RolledBack {
		t.Errorf("household outcome = %v", change.Household.Outcome())
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	h, _ := s.Household()
	if len(h.FoodItemIDs) != 1 {
		t.Errorf("household food ids after rollback = %v, want [f1]", h.FoodItemIDs)
	}
	eventually(t, "food cache to settle on f1", func() bool {
		items := s.FoodItems.Snapshot()
		return len(items) == 1 && items[0].ID == "f1"
	})
}

func TestRemoteMembershipChangeIsFollowed(t *testing.T) {
	backend, s := newTestSession(t)
	ctx := context.Background()
	if err := s.Open(ctx, []string{"h1"}, "h1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Another client adds r2 to h1 directly in the store.
	put(t, backend, schema.CollectionHouseholds, schema.Household{ID: "h1", Name: "Flat", RecipeIDs: []string{"r1", "r2"}, FoodItemIDs: []string{"f1"}})

	eventually(t, "r2 to be listened to", func() bool {
		got := recipeNames(s)
		return got["Dal"] && got["Stew"]
	})
}

func TestMembershipOperationsNeedSelection(t *testing.T) {
	_, s := newTestSession(t)
	if _, err := s.AddRecipe(schema.Recipe{Name: "x"}); !errors.Is(err, ErrNoHousehold) {
		t.Errorf("AddRecipe = %v", err)
	}
	if _, err := s.RemoveRecipe("r1"); !errors.Is(err, ErrNoHousehold) {
		t.Errorf("RemoveRecipe = %v", err)
	}
	if _, err := s.AddFoodItem(schema.FoodItem{Name: "x"}); !errors.Is(err, ErrNoHousehold) {
		t.Errorf("AddFoodItem = %v", err)
	}
	if _, err := s.RemoveFoodItem("f1"); !errors.Is(err, ErrNoHousehold) {
		t.Errorf("RemoveFoodItem = %v", err)
	}
}

func TestAddRecipe_Validates(t *testing.T) {
	_, s := newTestSession(t)
	if err := s.Open(context.Background(), []string{"h1"}, "h1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s.AddRecipe(schema.Recipe{}); err == nil {
		t.Fatal("expected validation error for a nameless recipe")
	}
	if s.Recipes.Pending() != 0 {
		t.Error("invalid recipe should not be issued")
	}
}

func TestClose(t *testing.T) {
	_, s := newTestSession(t)
	s.Close()
	s.Close()
	if err := s.Open(context.Background(), nil, ""); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Open after Close = %v", err)
	}
	if err := s.SwitchHousehold(context.Background(), ""); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SwitchHousehold after Close = %v", err)
	}
}
