// Package memory implements an in-process document backend.
//
// It backs tests, the load tester, and single-process deployments. Writes
// notify watchers through a docstore.Hub.
package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/larderhq/larder/internal/docstore"
)

// Fault decides whether an operation should fail. Returning nil lets it
// proceed.
type Fault func(op, collection, uid string) error

// Options configures a Backend.
type Options struct {
	// Latency is added to every read and write.
	Latency time.Duration
	// Logger defaults to stderr when nil.
	Logger *log.Logger
}

// Backend is an in-memory docstore.Backend.
type Backend struct {
	latency time.Duration
	hub     *docstore.Hub

	mu          sync.RWMutex
	collections map[string]map[string]docstore.Document
	fault       Fault
	closed      bool
}

// New creates an empty in-memory backend.
func New(opts Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[memory] ", log.LstdFlags)
	}
	b := &Backend{
		latency:     opts.Latency,
		collections: make(map[string]map[string]docstore.Document),
	}
	b.hub = docstore.NewHub(b.fetchWatched, logger)
	return b
}

// SetFault installs a fault injector. A nil fault clears it.
func (b *Backend) SetFault(f Fault) {
	b.mu.Lock()
	b.fault = f
	b.mu.Unlock()
}

// NewUID implements docstore.Backend.
func (b *Backend) NewUID() string {
	return uuid.NewString()
}

// Get implements docstore.Backend.
func (b *Backend) Get(ctx context.Context, collection string, uids []string) ([]docstore.Document, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := b.before(ctx, "get", collection, ""); err != nil {
		return nil, docstore.ReadFailure("memory get", err)
	}
	return b.get(ctx, collection, uids)
}

// fetchWatched loads a watched set; the fault injector sees it as "watch".
func (b *Backend) fetchWatched(ctx context.Context, collection string, uids []string) ([]docstore.Document, error) {
	if err := b.before(ctx, "watch", collection, ""); err != nil {
		return nil, docstore.ReadFailure("memory watch", err)
	}
	return b.get(ctx, collection, uids)
}

func (b *Backend) get(_ context.Context, collection string, uids []string) ([]docstore.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, docstore.ErrClosed
	}
	docs := make([]docstore.Document, 0, len(uids))
	seen := make(map[string]bool, len(uids))
	for _, uid := range uids {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		if doc, ok := b.collections[collection][uid]; ok {
			docs = append(docs, clone(doc))
		}
	}
	return docs, nil
}

// List implements docstore.Backend.
func (b *Backend) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	if err := b.before(ctx, "list", collection, ""); err != nil {
		return nil, docstore.ReadFailure("memory list", err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, docstore.ErrClosed
	}
	docs := make([]docstore.Document, 0, len(b.collections[collection]))
	for _, doc := range b.collections[collection] {
		docs = append(docs, clone(doc))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].UID < docs[j].UID })
	return docs, nil
}

// Put implements docstore.Backend.
func (b *Backend) Put(ctx context.Context, collection string, doc docstore.Document) error {
	if err := b.before(ctx, "put", collection, doc.UID); err != nil {
		return docstore.WriteFailure("memory put", err)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return docstore.WriteFailure("memory put", docstore.ErrClosed)
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	docs, ok := b.collections[collection]
	if !ok {
		docs = make(map[string]docstore.Document)
		b.collections[collection] = docs
	}
	docs[doc.UID] = clone(doc)
	b.mu.Unlock()

	b.hub.Notify(collection, doc.UID)
	return nil
}

// Delete implements docstore.Backend.
func (b *Backend) Delete(ctx context.Context, collection, uid string) error {
	if err := b.before(ctx, "delete", collection, uid); err != nil {
		return docstore.WriteFailure("memory delete", err)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return docstore.WriteFailure("memory delete", docstore.ErrClosed)
	}
	delete(b.collections[collection], uid)
	b.mu.Unlock()

	b.hub.Notify(collection, uid)
	return nil
}

// Watch implements docstore.Backend.
func (b *Backend) Watch(collection string, uids []string, onDocs func([]docstore.Document), onErr func(error)) (docstore.Subscription, error) {
	return b.hub.Subscribe(collection, uids, onDocs, onErr)
}

// Close implements docstore.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.hub.Close()
	return nil
}

// before applies latency and the fault injector for reads and writes.
func (b *Backend) before(ctx context.Context, op, collection, uid string) error {
	if b.latency > 0 {
		select {
		case <-time.After(b.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	fault := b.fault
	b.mu.RUnlock()
	if fault != nil {
		return fault(op, collection, uid)
	}
	return nil
}

func clone(doc docstore.Document) docstore.Document {
	data := make([]byte, len(doc.Data))
	copy(data, doc.Data)
	doc.Data = data
	return doc
}

var _ docstore.Backend = (*Backend)(nil)
