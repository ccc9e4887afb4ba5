package schema

import (
	"fmt"
	"time"
)

// FoodItem is something sitting in a household's pantry or fridge.
type FoodItem struct {
	ID        string     `json:"uid" toml:"uid" yaml:"uid"`
	Name      string     `json:"name" toml:"name" yaml:"name"`
	Quantity  float64    `json:"quantity,omitempty" toml:"quantity" yaml:"quantity,omitempty"`
	Unit      string     `json:"unit,omitempty" toml:"unit" yaml:"unit,omitempty"`
	Barcode   string     `json:"barcode,omitempty" toml:"barcode" yaml:"barcode,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" toml:"expires_at" yaml:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" toml:"created_at" yaml:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" toml:"updated_at" yaml:"updated_at"`
}

// UID implements Entity.
func (f FoodItem) UID() string { return f.ID }

// Validate checks if the FoodItem has valid field values.
func (f FoodItem) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("uid is required")
	}
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	if f.Quantity < 0 {
		return fmt.Errorf("quantity must not be negative (got %g)", f.Quantity)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (f *FoodItem) SetDefaults() {
	if f.Quantity == 0 {
		f.Quantity = 1
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
}

// Expired reports whether the item expired before now.
func (f FoodItem) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && f.ExpiresAt.Before(now)
}
