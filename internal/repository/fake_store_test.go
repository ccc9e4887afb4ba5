package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/schema"
)

// fakeStore is a controllable docstore.Store for recipes.
type fakeStore struct {
	mu       sync.Mutex
	data     map[string]schema.Recipe
	fetchErr error
	watchErr error
	writes   []string
	subs     []*fakeSub
	uids     int

	// putFn and deleteFn replace the default in-memory behaviour.
	putFn    func(ctx context.Context, r schema.Recipe) error
	deleteFn func(ctx context.Context, uid string) error
}

type fakeSub struct {
	uids       []string
	onSnapshot func([]schema.Recipe)
	onError    func(error)

	mu        sync.Mutex
	cancelled bool
}

func (s *fakeSub) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *fakeSub) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func newFakeStore(seed ...schema.Recipe) *fakeStore {
	f := &fakeStore{data: make(map[string]schema.Recipe)}
	for _, r := range seed {
		f.data[r.ID] = r
	}
	return f
}

func (f *fakeStore) NewUID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uids++
	return fmt.Sprintf("uid-%d", f.uids)
}

func (f *fakeStore) FetchMany(_ context.Context, uids []string) ([]schema.Recipe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, docstore.ReadFailure("fetch", f.fetchErr)
	}
	var out []schema.Recipe
	for _, uid := range uids {
		if r, ok := f.data[uid]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) Put(ctx context.Context, r schema.Recipe) error {
	f.mu.Lock()
	f.writes = append(f.writes, "put "+r.ID+"="+r.Name)
	fn := f.putFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, r); err != nil {
			return docstore.WriteFailure("put", err)
		}
	}
	f.mu.Lock()
	f.data[r.ID] = r
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, uid string) error {
	f.mu.Lock()
	f.writes = append(f.writes, "delete "+uid)
	fn := f.deleteFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, uid); err != nil {
			return docstore.WriteFailure("delete", err)
		}
	}
	f.mu.Lock()
	delete(f.data, uid)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) Watch(uids []string, onSnapshot func([]schema.Recipe), onError func(error)) (docstore.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	s := &fakeSub{uids: uids, onSnapshot: onSnapshot, onError: onError}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeStore) lastSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeStore) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// gate lets a test resolve remote writes one at a time.
type gate struct {
	calls   chan string
	results chan error
}

func newGate() *gate {
	return &gate{calls: make(chan string, 16), results: make(chan error)}
}

func (g *gate) put(ctx context.Context, r schema.Recipe) error {
	g.calls <- r.ID + "=" + r.Name
	select {
	case err := <-g.results:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) delete(ctx context.Context, uid string) error {
	g.calls <- "delete " + uid
	select {
	case err := <-g.results:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ docstore.Store[schema.Recipe] = (*fakeStore)(nil)
