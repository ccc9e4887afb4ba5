package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/larderhq/larder/internal/cache"
	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/schema"
)

// ErrClosed is reported by mutations issued after Close.
var ErrClosed = errors.New("repository closed")

// Options configures a Repository.
type Options struct {
	// Collection labels log lines and metrics.
	Collection string

	// Logger defaults to stderr with a "[repo:<collection>] " prefix.
	Logger *log.Logger

	// WriteTimeout bounds each remote put or delete. Zero means no
	// timeout: a hung write keeps its optimistic state visible until it
	// resolves.
	WriteTimeout time.Duration

	// ReselectOnDeleteRollback reselects a deleted entity when its delete
	// is rolled back and nothing else was selected in the meantime. By
	// default the selection stays cleared.
	ReselectOnDeleteRollback bool
}

// Repository keeps a Cache consistent with a remote Store.
//
// Mutators apply their change to the cache before returning and resolve
// the remote write in the background. Writes to the same uid reach the
// store strictly in issue order; a failed write is rolled back against the
// state that preceded it, even when later writes on that uid are queued.
//
// All cache writes happen under one mutex. Cache observers run while it is
// held, so they must not call back into the Repository synchronously.
type Repository[E schema.Entity] struct {
	store  docstore.Store[E]
	cache  *cache.Cache[E]
	opts   Options
	logger *log.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu         sync.Mutex
	chains     map[string]*pendingOp[E]
	unresolved map[*Mutation]struct{}
	closed     bool

	listenMu sync.Mutex
	sub      docstore.Subscription
	gen      uint64
}

// pendingOp is one mutation waiting on, or talking to, the remote store.
type pendingOp[E schema.Entity] struct {
	m      *Mutation
	entity E

	// previous is the cache state this op must restore on failure.
	previous    E
	hadPrevious bool
	wasSelected bool

	start chan struct{}
	next  *pendingOp[E]
}

// New creates a Repository with an empty cache over store.
func New[E schema.Entity](store docstore.Store[E], opts Options) *Repository[E] {
	if opts.Collection == "" {
		opts.Collection = "default"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, fmt.Sprintf("[repo:%s] ", opts.Collection), log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Repository[E]{
		store:  store,
		cache:  cache.New[E](),
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		chains: make(map[string]*pendingOp[E]),

		unresolved: make(map[*Mutation]struct{}),
	}
}

// View returns the read-only cache boundary for UI collaborators.
func (r *Repository[E]) View() cache.View[E] { return r.cache }

// Snapshot returns the cached collection.
func (r *Repository[E]) Snapshot() []E { return r.cache.Snapshot() }

// Selected returns the selected entity if it is still cached.
func (r *Repository[E]) Selected() (E, bool) { return r.cache.Selected() }

// NewUID returns a store-unique uid for a new entity.
func (r *Repository[E]) NewUID() string { return r.store.NewUID() }

// Initialize fully resynchronizes the cache with the given uids and selects
// selectedUID if it was found. A read failure clears the cache and is
// logged, never returned.
func (r *Repository[E]) Initialize(ctx context.Context, uids []string, selectedUID string) {
	if len(uids) == 0 {
		r.mu.Lock()
		r.cache.Replace(nil)
		r.cache.Select("")
		r.mu.Unlock()
		stats.Initialized(r.opts.Collection, "empty")
		return
	}

	entities, err := r.store.FetchMany(ctx, uids)
	if err != nil {
		r.logger.Printf("Initialize failed, clearing cache: %v", err)
		r.mu.Lock()
		r.cache.Replace(nil)
		r.cache.Select("")
		r.mu.Unlock()
		stats.Initialized(r.opts.Collection, "error")
		return
	}
	if missing := countMissing(uids, entities); missing > 0 {
		r.logger.Printf("Initialize: %d of %d requested uids not found", missing, len(uids))
	}

	r.mu.Lock()
	r.cache.Replace(entities)
	if _, ok := r.cache.Get(selectedUID); ok {
		r.cache.Select(selectedUID)
	} else {
		r.cache.Select("")
	}
	r.mu.Unlock()
	stats.Initialized(r.opts.Collection, "ok")
}

// Select sets the selection. It never touches the remote store.
func (r *Repository[E]) Select(uid string) {
	r.mu.Lock()
	r.cache.Select(uid)
	r.mu.Unlock()
}

// Add inserts e optimistically and writes it to the store. The caller
// assigns e's uid with NewUID beforehand.
func (r *Repository[E]) Add(e E) *Mutation {
	return r.mutate(KindAdd, e.UID(), e)
}

// Update replaces the cached entity with e optimistically and writes it to
// the store. On failure the exact prior value is restored, or e is removed
// if nothing was cached under its uid.
func (r *Repository[E]) Update(e E) *Mutation {
	return r.mutate(KindUpdate, e.UID(), e)
}

// Delete removes uid optimistically, clearing the selection if it pointed
// at uid, and deletes it from the store. On failure the entity is
// reinserted.
func (r *Repository[E]) Delete(uid string) *Mutation {
	var zero E
	return r.mutate(KindDelete, uid, zero)
}

func (r *Repository[E]) mutate(kind Kind, uid string, e E) *Mutation {
	m := newMutation(kind, uid)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		m.resolve(RolledBack, ErrClosed)
		return m
	}

	op := &pendingOp[E]{m: m, entity: e, start: make(chan struct{})}
	op.previous, op.hadPrevious = r.cache.Get(uid)

	switch kind {
	case KindDelete:
		op.wasSelected = r.cache.SelectedUID() == uid
		r.cache.Remove(uid)
		if op.wasSelected {
			r.cache.Select("")
		}
	default:
		r.cache.Upsert(e)
	}

	if tail, ok := r.chains[uid]; ok {
		tail.next = op
	} else {
		close(op.start)
	}
	r.chains[uid] = op
	r.unresolved[m] = struct{}{}
	r.inflight.Add(1)
	r.mu.Unlock()

	stats.Issued(r.opts.Collection)
	go r.run(op)
	return m
}

func (r *Repository[E]) run(op *pendingOp[E]) {
	defer r.inflight.Done()

	<-op.start

	ctx := r.ctx
	if r.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.WriteTimeout)
		defer cancel()
	}

	var err error
	if err = ctx.Err(); err == nil {
		if op.m.kind == KindDelete {
			err = r.store.Delete(ctx, op.m.uid)
		} else {
			err = r.store.Put(ctx, op.entity)
		}
	}
	r.resolve(op, err)
}

func (r *Repository[E]) resolve(op *pendingOp[E], err error) {
	uid := op.m.uid
	outcome := Committed

	r.mu.Lock()
	if err != nil {
		outcome = RolledBack
		stats.RolledBack(r.opts.Collection, docstore.IsRetryable(err))
		if op.next != nil {
			// The queued successor captured this op's optimistic state,
			// which never reached the store.
			op.next.previous, op.next.hadPrevious = op.previous, op.hadPrevious
			op.next.wasSelected = op.next.wasSelected || op.wasSelected
			r.logger.Printf("%s %s failed, handing rollback to queued mutation: %v", op.m.kind, uid, err)
		} else {
			r.rollback(op)
			r.logger.Printf("%s %s failed, rolled back: %v", op.m.kind, uid, err)
		}
	}
	if op.next != nil {
		close(op.next.start)
	} else if r.chains[uid] == op {
		delete(r.chains, uid)
	}
	// Under r.mu, so Flush never misses a mutation whose Done is still open.
	delete(r.unresolved, op.m)
	op.m.resolve(outcome, err)
	r.mu.Unlock()

	stats.Resolved(r.opts.Collection, op.m.kind, outcome)
}

// rollback restores the cache state op captured. Callers hold r.mu.
func (r *Repository[E]) rollback(op *pendingOp[E]) {
	uid := op.m.uid
	if op.hadPrevious {
		r.cache.Upsert(op.previous)
	} else {
		r.cache.Remove(uid)
	}

	if op.m.kind == KindDelete && op.wasSelected && op.hadPrevious &&
		r.opts.ReselectOnDeleteRollback && r.cache.SelectedUID() == "" {
		r.cache.Select(uid)
	}
}

// Pending returns the number of unresolved mutations.
func (r *Repository[E]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unresolved)
}

// Flush waits until every mutation issued before the call has resolved.
// Mutations issued while it waits are not waited for.
func (r *Repository[E]) Flush(ctx context.Context) error {
	r.mu.Lock()
	waits := make([]<-chan struct{}, 0, len(r.unresolved))
	for m := range r.unresolved {
		waits = append(waits, m.Done())
	}
	r.mu.Unlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops listening, aborts unresolved remote writes (rolling them
// back), and waits for them to finish. Later mutations are rejected with
// ErrClosed.
func (r *Repository[E]) Close() {
	r.StopListening()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.inflight.Wait()
}

func countMissing[E schema.Entity](uids []string, found []E) int {
	want := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		want[uid] = struct{}{}
	}
	for _, e := range found {
		delete(want, e.UID())
	}
	return len(want)
}
