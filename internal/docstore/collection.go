package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/larderhq/larder/internal/schema"
)

// Collection adapts one collection of a Backend into a typed Store,
// encoding entities as JSON documents.
type Collection[E schema.Entity] struct {
	backend Backend
	name    string
}

// NewCollection creates a typed view of the named collection.
func NewCollection[E schema.Entity](backend Backend, name string) *Collection[E] {
	return &Collection[E]{backend: backend, name: name}
}

// Name returns the collection name.
func (c *Collection[E]) Name() string { return c.name }

// NewUID implements Store.NewUID.
func (c *Collection[E]) NewUID() string { return c.backend.NewUID() }

// FetchMany implements Store.FetchMany.
func (c *Collection[E]) FetchMany(ctx context.Context, uids []string) ([]E, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	docs, err := c.backend.Get(ctx, c.name, uids)
	if err != nil {
		return nil, ReadFailure("get "+c.name, err)
	}
	return DecodeAll[E](c.name, docs)
}

// Get returns a single entity or ErrNotFound.
func (c *Collection[E]) Get(ctx context.Context, uid string) (E, error) {
	var zero E
	entities, err := c.FetchMany(ctx, []string{uid})
	if err != nil {
		return zero, err
	}
	if len(entities) == 0 {
		return zero, fmt.Errorf("%s %s: %w", c.name, uid, ErrNotFound)
	}
	return entities[0], nil
}

// List returns every entity in the collection.
func (c *Collection[E]) List(ctx context.Context) ([]E, error) {
	docs, err := c.backend.List(ctx, c.name)
	if err != nil {
		return nil, ReadFailure("list "+c.name, err)
	}
	return DecodeAll[E](c.name, docs)
}

// Put implements Store.Put.
func (c *Collection[E]) Put(ctx context.Context, e E) error {
	doc, err := Encode(e)
	if err != nil {
		return WriteFailure("put "+c.name, err)
	}
	if err := c.backend.Put(ctx, c.name, doc); err != nil {
		return WriteFailure("put "+c.name, err)
	}
	return nil
}

// Delete implements Store.Delete.
func (c *Collection[E]) Delete(ctx context.Context, uid string) error {
	if err := c.backend.Delete(ctx, c.name, uid); err != nil {
		return WriteFailure("delete "+c.name, err)
	}
	return nil
}

// Watch implements Store.Watch. A document that fails to decode terminates
// the subscription with a read failure.
func (c *Collection[E]) Watch(uids []string, onSnapshot func([]E), onError func(error)) (Subscription, error) {
	if len(uids) == 0 {
		onSnapshot(nil)
		return NopSubscription{}, nil
	}

	var (
		mu     sync.Mutex
		sub    Subscription
		failed bool
	)
	fail := func(err error) {
		mu.Lock()
		if failed {
			mu.Unlock()
			return
		}
		failed = true
		s := sub
		mu.Unlock()
		if s != nil {
			s.Cancel()
		}
		onError(err)
	}

	s, err := c.backend.Watch(c.name, uids,
		func(docs []Document) {
			mu.Lock()
			done := failed
			mu.Unlock()
			if done {
				return
			}
			entities, err := DecodeAll[E](c.name, docs)
			if err != nil {
				fail(err)
				return
			}
			onSnapshot(entities)
		},
		func(err error) {
			fail(ReadFailure("watch "+c.name, err))
		},
	)
	if err != nil {
		return nil, ReadFailure("watch "+c.name, err)
	}

	mu.Lock()
	sub = s
	cancelNow := failed
	mu.Unlock()
	if cancelNow {
		s.Cancel()
	}
	return s, nil
}

// Encode turns an entity into a document stamped with the current time.
func Encode[E schema.Entity](e E) (Document, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Document{}, fmt.Errorf("failed to encode %s: %w", e.UID(), err)
	}
	return Document{UID: e.UID(), Data: data, UpdatedAt: time.Now().UTC()}, nil
}

// DecodeAll decodes documents into entities.
func DecodeAll[E schema.Entity](collection string, docs []Document) ([]E, error) {
	entities := make([]E, 0, len(docs))
	for _, doc := range docs {
		var e E
		if err := json.Unmarshal(doc.Data, &e); err != nil {
			return nil, ReadFailure("decode "+collection, fmt.Errorf("document %s: %w", doc.UID, err))
		}
		entities = append(entities, e)
	}
	return entities, nil
}

var _ Store[schema.Recipe] = (*Collection[schema.Recipe])(nil)
