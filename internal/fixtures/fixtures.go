// Package fixtures loads seed data from TOML, YAML or JSONL files and writes
// it into a document backend.
package fixtures

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/schema"
)

// Fixture is a set of records grouped by collection.
type Fixture struct {
	Households []schema.Household `json:"households,omitempty" toml:"households" yaml:"households,omitempty"`
	Recipes    []schema.Recipe    `json:"recipes,omitempty" toml:"recipes" yaml:"recipes,omitempty"`
	FoodItems  []schema.FoodItem  `json:"food_items,omitempty" toml:"food_items" yaml:"food_items,omitempty"`
}

// Line is one record of the JSONL format:
//
//	{"collection":"recipes","doc":{"uid":"r1","name":"Dal"}}
type Line struct {
	Collection string          `json:"collection"`
	Doc        json.RawMessage `json:"doc"`
}

// Len returns the total number of records.
func (f *Fixture) Len() int {
	return len(f.Households) + len(f.Recipes) + len(f.FoodItems)
}

// Load reads a fixture file, choosing the format by extension.
func Load(path string) (*Fixture, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture file: %w", err)
	}
	defer file.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return ReadTOML(file)
	case ".yaml", ".yml":
		return ReadYAML(file)
	case ".jsonl":
		return ReadJSONL(file)
	default:
		return nil, fmt.Errorf("unsupported fixture format %q (want .toml, .yaml, .yml or .jsonl)", ext)
	}
}

// ReadTOML decodes a fixture with [[households]], [[recipes]] and
// [[food_items]] tables.
func ReadTOML(r io.Reader) (*Fixture, error) {
	var f Fixture
	if _, err := toml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("invalid TOML fixture: %w", err)
	}
	return &f, nil
}

// ReadYAML decodes a fixture with households, recipes and food_items lists.
func ReadYAML(r io.Reader) (*Fixture, error) {
	var f Fixture
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid YAML fixture: %w", err)
	}
	return &f, nil
}

// ReadJSONL decodes one Line per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) (*Fixture, error) {
	var f Fixture
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line Line
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if err := f.addLine(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return &f, nil
}

func (f *Fixture) addLine(line Line) error {
	switch line.Collection {
	case schema.CollectionHouseholds:
		var h schema.Household
		if err := json.Unmarshal(line.Doc, &h); err != nil {
			return fmt.Errorf("invalid household: %w", err)
		}
		f.Households = append(f.Households, h)
	case schema.CollectionRecipes:
		var r schema.Recipe
		if err := json.Unmarshal(line.Doc, &r); err != nil {
			return fmt.Errorf("invalid recipe: %w", err)
		}
		f.Recipes = append(f.Recipes, r)
	case schema.CollectionFoodItems:
		var fi schema.FoodItem
		if err := json.Unmarshal(line.Doc, &fi); err != nil {
			return fmt.Errorf("invalid food item: %w", err)
		}
		f.FoodItems = append(f.FoodItems, fi)
	default:
		return fmt.Errorf("%w: %q", docstore.ErrUnknownCollection, line.Collection)
	}
	return nil
}

// WriteJSONL writes every record as one Line, households first.
func WriteJSONL(w io.Writer, f *Fixture) error {
	enc := json.NewEncoder(w)
	write := func(collection string, v any) error {
		doc, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s record: %w", collection, err)
		}
		return enc.Encode(Line{Collection: collection, Doc: doc})
	}
	for _, h := range f.Households {
		if err := write(schema.CollectionHouseholds, h); err != nil {
			return err
		}
	}
	for _, r := range f.Recipes {
		if err := write(schema.CollectionRecipes, r); err != nil {
			return err
		}
	}
	for _, fi := range f.FoodItems {
		if err := write(schema.CollectionFoodItems, fi); err != nil {
			return err
		}
	}
	return nil
}

// Prepare applies defaults and validates every record. Households that
// reference records missing from the fixture are reported but not rejected,
// since those records may already exist in the backend.
func (f *Fixture) Prepare() (warnings []string, err error) {
	recipes := make(map[string]bool, len(f.Recipes))
	for i := range f.Recipes {
		f.Recipes[i].SetDefaults()
		if err := f.Recipes[i].Validate(); err != nil {
			return nil, fmt.Errorf("recipe %d (%s): %w", i, f.Recipes[i].ID, err)
		}
		recipes[f.Recipes[i].ID] = true
	}
	items := make(map[string]bool, len(f.FoodItems))
	for i := range f.FoodItems {
		f.FoodItems[i].SetDefaults()
		if err := f.FoodItems[i].Validate(); err != nil {
			return nil, fmt.Errorf("food item %d (%s): %w", i, f.FoodItems[i].ID, err)
		}
		items[f.FoodItems[i].ID] = true
	}
	for i := range f.Households {
		h := &f.Households[i]
		h.SetDefaults()
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("household %d (%s): %w", i, h.ID, err)
		}
		for _, id := range h.RecipeIDs {
			if !recipes[id] {
				warnings = append(warnings, fmt.Sprintf("household %s references recipe %s not in fixture", h.ID, id))
			}
		}
		for _, id := range h.FoodItemIDs {
			if !items[id] {
				warnings = append(warnings, fmt.Sprintf("household %s references food item %s not in fixture", h.ID, id))
			}
		}
	}
	return warnings, nil
}

// SeedOptions controls Seed.
type SeedOptions struct {
	DryRun bool // validate without writing
}

// SeedResult contains statistics about a seed run.
type SeedResult struct {
	Households int
	Recipes    int
	FoodItems  int
	Warnings   []string
	Errors     []string
}

// Seed validates f and writes every record to backend. Individual write
// failures are collected in the result; validation failures abort.
func Seed(ctx context.Context, backend docstore.Backend, f *Fixture, opts SeedOptions) (*SeedResult, error) {
	warnings, err := f.Prepare()
	if err != nil {
		return nil, err
	}
	result := &SeedResult{Warnings: warnings}

	put := func(collection string, e schema.Entity, count *int) {
		if opts.DryRun {
			*count++
			return
		}
		doc, err := docstore.Encode(e)
		if err == nil {
			err = backend.Put(ctx, collection, doc)
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to write %s/%s: %v", collection, e.UID(), err))
			return
		}
		*count++
	}

	for _, r := range f.Recipes {
		put(schema.CollectionRecipes, r, &result.Recipes)
	}
	for _, fi := range f.FoodItems {
		put(schema.CollectionFoodItems, fi, &result.FoodItems)
	}
	// Households last so watchers never see memberships before the members.
	for _, h := range f.Households {
		put(schema.CollectionHouseholds, h, &result.Households)
	}
	return result, ctx.Err()
}

// Export reads every record of every collection from backend.
func Export(ctx context.Context, backend docstore.Backend) (*Fixture, error) {
	var f Fixture
	var err error
	if f.Households, err = docstore.NewCollection[schema.Household](backend, schema.CollectionHouseholds).List(ctx); err != nil {
		return nil, err
	}
	if f.Recipes, err = docstore.NewCollection[schema.Recipe](backend, schema.CollectionRecipes).List(ctx); err != nil {
		return nil, err
	}
	if f.FoodItems, err = docstore.NewCollection[schema.FoodItem](backend, schema.CollectionFoodItems).List(ctx); err != nil {
		return nil, err
	}
	return &f, nil
}
