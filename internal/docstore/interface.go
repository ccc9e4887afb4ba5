package docstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/larderhq/larder/internal/schema"
)

// Subscription is a live watch. Cancel stops delivery and is idempotent.
type Subscription interface {
	Cancel()
}

// Store is the typed document store boundary the sync layer depends on.
//
// FetchMany returns no entities for an empty uid set without a round trip.
// Put has upsert semantics. Deleting an absent uid is not an error.
// Watch pushes a full snapshot of the watched set whenever any watched
// document changes; for an empty uid set it delivers one empty snapshot and
// returns an inert subscription.
type Store[E schema.Entity] interface {
	// NewUID returns a store-unique identifier for a new entity.
	NewUID() string

	// FetchMany returns the entities with the given uids that exist.
	FetchMany(ctx context.Context, uids []string) ([]E, error)

	// Put creates or replaces e.
	Put(ctx context.Context, e E) error

	// Delete removes the entity with the given uid.
	Delete(ctx context.Context, uid string) error

	// Watch subscribes to changes of the given uid set.
	Watch(uids []string, onSnapshot func([]E), onError func(error)) (Subscription, error)
}

// Document is a stored record in its encoded form.
type Document struct {
	UID       string          `json:"uid"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Backend is an untyped document database holding named collections.
// Every implementation must be safe for concurrent use.
type Backend interface {
	// NewUID returns a store-unique identifier.
	NewUID() string

	// Get returns the documents with the given uids that exist.
	Get(ctx context.Context, collection string, uids []string) ([]Document, error)

	// List returns every document in the collection.
	List(ctx context.Context, collection string) ([]Document, error)

	// Put creates or replaces a document.
	Put(ctx context.Context, collection string, doc Document) error

	// Delete removes a document. Deleting an absent uid is not an error.
	Delete(ctx context.Context, collection, uid string) error

	// Watch delivers the watched documents now and after every change.
	Watch(collection string, uids []string, onDocs func([]Document), onErr func(error)) (Subscription, error)

	// Close releases the backend's resources and terminates its watches.
	Close() error
}

// NopSubscription is returned for watches that never deliver again.
type NopSubscription struct{}

// Cancel implements Subscription.
func (NopSubscription) Cancel() {}
