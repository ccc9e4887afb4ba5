package schema

import (
	"fmt"
	"time"
)

// Ingredient is a single line of a recipe's ingredient list.
type Ingredient struct {
	Name     string `json:"name" toml:"name" yaml:"name"`
	Quantity string `json:"quantity,omitempty" toml:"quantity" yaml:"quantity,omitempty"`
}

// Recipe is a household recipe.
type Recipe struct {
	ID          string       `json:"uid" toml:"uid" yaml:"uid"`
	Name        string       `json:"name" toml:"name" yaml:"name"`
	Description string       `json:"description,omitempty" toml:"description" yaml:"description,omitempty"`
	Ingredients []Ingredient `json:"ingredients,omitempty" toml:"ingredients" yaml:"ingredients,omitempty"`
	Steps       []string     `json:"steps,omitempty" toml:"steps" yaml:"steps,omitempty"`
	Servings    int          `json:"servings,omitempty" toml:"servings" yaml:"servings,omitempty"`
	Tags        []string     `json:"tags,omitempty" toml:"tags" yaml:"tags,omitempty"`
	CreatedAt   time.Time    `json:"created_at" toml:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" toml:"updated_at" yaml:"updated_at"`
}

// UID implements Entity.
func (r Recipe) UID() string { return r.ID }

// Validate checks if the Recipe has valid field values.
func (r Recipe) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("uid is required")
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(r.Name))
	}
	if r.Servings < 0 {
		return fmt.Errorf("servings must not be negative (got %d)", r.Servings)
	}
	for i, ing := range r.Ingredients {
		if ing.Name == "" {
			return fmt.Errorf("ingredient %d: name is required", i)
		}
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (r *Recipe) SetDefaults() {
	if r.Servings == 0 {
		r.Servings = 1
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
}
