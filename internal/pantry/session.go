// Package pantry ties the household, recipe and food item repositories
// together into one session over a single backend.
//
// A session has at most one selected household. The recipe and food item
// caches hold exactly that household's members and follow its membership
// lists as they change, whether the change was made locally or by another
// client.
package pantry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/larderhq/larder/internal/cache"
	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/logging"
	"github.com/larderhq/larder/internal/repository"
	"github.com/larderhq/larder/internal/schema"
)

var (
	// ErrNoHousehold is returned by membership operations when no household
	// is selected.
	ErrNoHousehold = errors.New("no household selected")

	// ErrHouseholdNotFound is returned when switching to a household that
	// is not in the household cache.
	ErrHouseholdNotFound = errors.New("household not found")

	// ErrSessionClosed is returned by operations after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Options configures a Session.
type Options struct {
	// LogOutput receives every component log line (default stderr).
	LogOutput io.Writer

	// WriteTimeout and ReselectOnDeleteRollback are applied to all three
	// repositories.
	WriteTimeout             time.Duration
	ReselectOnDeleteRollback bool
}

// Session owns one repository per collection.
type Session struct {
	Households *repository.Repository[schema.Household]
	Recipes    *repository.Repository[schema.Recipe]
	FoodItems  *repository.Repository[schema.FoodItem]

	logger *log.Logger

	// mu serializes membership listening between SwitchHousehold and the
	// follow loop.
	mu       sync.Mutex
	listened membership
	closed   bool

	changed     chan struct{}
	unsubscribe func()
	done        chan struct{}
	wg          sync.WaitGroup
}

// membership is what the member repositories are currently listening to.
type membership struct {
	household string
	recipes   []string
	foodItems []string
}

func (m membership) equal(o membership) bool {
	return m.household == o.household &&
		slices.Equal(m.recipes, o.recipes) &&
		slices.Equal(m.foodItems, o.foodItems)
}

func membershipOf(h schema.Household) membership {
	return membership{
		household: h.ID,
		recipes:   slices.Clone(h.RecipeIDs),
		foodItems: slices.Clone(h.FoodItemIDs),
	}
}

// New creates a session over backend. Call Open to load households.
func New(backend docstore.Backend, opts Options) *Session {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	repoOpts := func(collection string) repository.Options {
		return repository.Options{
			Collection:               collection,
			Logger:                   logging.New(out, "repo:"+collection),
			WriteTimeout:             opts.WriteTimeout,
			ReselectOnDeleteRollback: opts.ReselectOnDeleteRollback,
		}
	}

	s := &Session{
		Households: repository.New(
			docstore.NewCollection[schema.Household](backend, schema.CollectionHouseholds),
			repoOpts(schema.CollectionHouseholds)),
		Recipes: repository.New(
			docstore.NewCollection[schema.Recipe](backend, schema.CollectionRecipes),
			repoOpts(schema.CollectionRecipes)),
		FoodItems: repository.New(
			docstore.NewCollection[schema.FoodItem](backend, schema.CollectionFoodItems),
			repoOpts(schema.CollectionFoodItems)),
		logger:  logging.New(out, "pantry"),
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	// The observer runs under the household repository's lock, so it only
	// signals the follow loop.
	s.unsubscribe = s.Households.View().Subscribe(func(cache.State[schema.Household]) {
		select {
		case s.changed <- struct{}{}:
		default:
		}
	})

	s.wg.Add(1)
	go s.follow()
	return s
}

// Open loads and listens to the given households, then switches to
// selectedUID. An unknown or empty selectedUID leaves no household selected.
func (s *Session) Open(ctx context.Context, householdUIDs []string, selectedUID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.Households.Initialize(ctx, householdUIDs, selectedUID)
	s.Households.StartListening(householdUIDs)

	if _, ok := s.Households.Selected(); !ok {
		if selectedUID != "" {
			s.logger.Printf("Household %s not found, nothing selected", selectedUID)
		}
		return s.SwitchHousehold(ctx, "")
	}
	return s.SwitchHousehold(ctx, selectedUID)
}

// SwitchHousehold selects uid and resynchronizes the recipe and food item
// caches with its membership lists. An empty uid clears the selection and
// both member caches.
func (s *Session) SwitchHousehold(ctx context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	var next membership
	if uid != "" {
		h, ok := schema.Find(s.Households.Snapshot(), uid)
		if !ok {
			return fmt.Errorf("%w: %s", ErrHouseholdNotFound, uid)
		}
		next = membershipOf(h)
	}

	s.Households.Select(uid)
	s.Recipes.Initialize(ctx, next.recipes, "")
	s.FoodItems.Initialize(ctx, next.foodItems, "")
	s.listenLocked(next)
	return nil
}

// Household returns the selected household.
func (s *Session) Household() (schema.Household, bool) {
	return s.Households.Selected()
}

// follow re-listens the member repositories whenever the selected
// household's membership lists differ from what they listen to.
func (s *Session) follow() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.changed:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		var current membership
		if h, ok := s.Households.Selected(); ok {
			current = membershipOf(h)
		}
		if !current.equal(s.listened) {
			s.logger.Printf("Membership of household %q changed, re-listening (%d recipes, %d food items)",
				current.household, len(current.recipes), len(current.foodItems))
			s.listenLocked(current)
		}
		s.mu.Unlock()
	}
}

// listenLocked points the member listeners at m. Callers hold s.mu.
func (s *Session) listenLocked(m membership) {
	s.Recipes.StartListening(m.recipes)
	s.FoodItems.StartListening(m.foodItems)
	s.listened = m
}

// Change pairs an entity mutation with the household membership update
// it required.
type Change struct {
	Entity    *repository.Mutation
	Household *repository.Mutation
}

// Wait blocks until both mutations resolve and returns the first remote
// error, if any.
func (c Change) Wait(ctx context.Context) error {
	if _, err := c.Entity.Wait(ctx); err != nil {
		return err
	}
	_, err := c.Household.Wait(ctx)
	return err
}

// Succeeded reports whether both mutations committed.
func (c Change) Succeeded() bool {
	return c.Entity.Succeeded() && c.Household.Succeeded()
}

// AddRecipe assigns r a uid if it has none, adds it, and lists it in the
// selected household.
func (s *Session) AddRecipe(r schema.Recipe) (Change, error) {
	h, ok := s.Households.Selected()
	if !ok {
		return Change{}, ErrNoHousehold
	}
	if r.ID == "" {
		r.ID = s.Recipes.NewUID()
	}
	r.SetDefaults()
	if err := r.Validate(); err != nil {
		return Change{}, fmt.Errorf("invalid recipe: %w", err)
	}
	return Change{
		Entity:    s.Recipes.Add(r),
		Household: s.Households.Update(h.WithRecipe(r.ID)),
	}, nil
}

// RemoveRecipe deletes the recipe and drops it from the selected household.
func (s *Session) RemoveRecipe(uid string) (Change, error) {
	h, ok := s.Households.Selected()
	if !ok {
		return Change{}, ErrNoHousehold
	}
	return Change{
		Entity:    s.Recipes.Delete(uid),
		Household: s.Households.Update(h.WithoutRecipe(uid)),
	}, nil
}

// AddFoodItem assigns f a uid if it has none, adds it, and lists it in the
// selected household.
func (s *Session) AddFoodItem(f schema.FoodItem) (Change, error) {
	h, ok := s.Households.Selected()
	if !ok {
		return Change{}, ErrNoHousehold
	}
	if f.ID == "" {
		f.ID = s.FoodItems.NewUID()
	}
	f.SetDefaults()
	if err := f.Validate(); err != nil {
		return Change{}, fmt.Errorf("invalid food item: %w", err)
	}
	return Change{
		Entity:    s.FoodItems.Add(f),
		Household: s.Households.Update(h.WithFoodItem(f.ID)),
	}, nil
}

// RemoveFoodItem deletes the food item and drops it from the selected
// household.
func (s *Session) RemoveFoodItem(uid string) (Change, error) {
	h, ok := s.Households.Selected()
	if !ok {
		return Change{}, ErrNoHousehold
	}
	return Change{
		Entity:    s.FoodItems.Delete(uid),
		Household: s.Households.Update(h.WithoutFoodItem(uid)),
	}, nil
}

// Flush waits for every pending mutation of the session.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.Households.Flush(ctx); err != nil {
		return err
	}
	if err := s.Recipes.Flush(ctx); err != nil {
		return err
	}
	return s.FoodItems.Flush(ctx)
}

// Close stops the follow loop and closes all three repositories. The
// backend is left open.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.unsubscribe()
	close(s.done)
	s.wg.Wait()

	s.Recipes.Close()
	s.FoodItems.Close()
	s.Households.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
