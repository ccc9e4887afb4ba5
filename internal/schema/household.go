package schema

import (
	"fmt"
	"time"
)

// Household groups members with the recipes and food items they share.
// Switching households switches which recipe and food item uids are synced.
type Household struct {
	ID          string    `json:"uid" toml:"uid" yaml:"uid"`
	Name        string    `json:"name" toml:"name" yaml:"name"`
	MemberIDs   []string  `json:"member_ids,omitempty" toml:"member_ids" yaml:"member_ids,omitempty"`
	RecipeIDs   []string  `json:"recipe_ids,omitempty" toml:"recipe_ids" yaml:"recipe_ids,omitempty"`
	FoodItemIDs []string  `json:"food_item_ids,omitempty" toml:"food_item_ids" yaml:"food_item_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at" toml:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" toml:"updated_at" yaml:"updated_at"`
}

// UID implements Entity.
func (h Household) UID() string { return h.ID }

// Validate checks if the Household has valid field values.
func (h Household) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("uid is required")
	}
	if h.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(h.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(h.Name))
	}
	if dup := firstDuplicate(h.RecipeIDs); dup != "" {
		return fmt.Errorf("duplicate recipe id: %s", dup)
	}
	if dup := firstDuplicate(h.FoodItemIDs); dup != "" {
		return fmt.Errorf("duplicate food item id: %s", dup)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (h *Household) SetDefaults() {
	now := time.Now().UTC()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = now
	}
}

// WithRecipe returns a copy of h that also lists recipeID.
func (h Household) WithRecipe(recipeID string) Household {
	h.RecipeIDs = appendUnique(h.RecipeIDs, recipeID)
	h.UpdatedAt = time.Now().UTC()
	return h
}

// WithoutRecipe returns a copy of h that no longer lists recipeID.
func (h Household) WithoutRecipe(recipeID string) Household {
	h.RecipeIDs = without(h.RecipeIDs, recipeID)
	h.UpdatedAt = time.Now().UTC()
	return h
}

// WithFoodItem returns a copy of h that also lists foodItemID.
func (h Household) WithFoodItem(foodItemID string) Household {
	h.FoodItemIDs = appendUnique(h.FoodItemIDs, foodItemID)
	h.UpdatedAt = time.Now().UTC()
	return h
}

// WithoutFoodItem returns a copy of h that no longer lists foodItemID.
func (h Household) WithoutFoodItem(foodItemID string) Household {
	h.FoodItemIDs = without(h.FoodItemIDs, foodItemID)
	h.UpdatedAt = time.Now().UTC()
	return h
}

// appendUnique never aliases the input slice, so cached values stay untouched.
func appendUnique(ids []string, id string) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids...)
	for _, existing := range ids {
		if existing == id {
			return out
		}
	}
	return append(out, id)
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func firstDuplicate(ids []string) string {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return id
		}
		seen[id] = true
	}
	return ""
}
