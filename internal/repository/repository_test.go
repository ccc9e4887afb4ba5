package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/larderhq/larder/internal/cache"
	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/schema"
)

var errOffline = errors.New("offline")

func newTestRepo(t *testing.T, store *fakeStore, opts Options) *Repository[schema.Recipe] {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Collection == "" {
		opts.Collection = "test"
	}
	r := New[schema.Recipe](store, opts)
	t.Cleanup(r.Close)
	return r
}

func rec(uid, name string) schema.Recipe {
	return schema.Recipe{ID: uid, Name: name}
}

func contents(r *Repository[schema.Recipe]) []string {
	var out []string
	for _, e := range r.Snapshot() {
		out = append(out, e.ID+"="+e.Name)
	}
	sort.Strings(out)
	return out
}

func wait(t *testing.T, m *Mutation) (Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := m.Wait(ctx)
	if outcome == Pending {
		t.Fatalf("mutation %s %s did not resolve: %v", m.Kind(), m.UID(), err)
	}
	return outcome, err
}

func expectCall(t *testing.T, g *gate, want string) {
	t.Helper()
	select {
	case got := <-g.calls:
		if got != want {
			t.Fatalf("remote call = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for remote call %q", want)
	}
}

func expectNoCall(t *testing.T, g *gate) {
	t.Helper()
	select {
	case got := <-g.calls:
		t.Fatalf("unexpected remote call %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func seed(t *testing.T, r *Repository[schema.Recipe], recipes ...schema.Recipe) {
	t.Helper()
	r.mu.Lock()
	r.cache.Replace(recipes)
	r.mu.Unlock()
}

func TestAdd_OptimisticVisibility(t *testing.T) {
	store := newFakeStore()
	store.putFn = func(ctx context.Context, _ schema.Recipe) error {
		<-ctx.Done()
		return ctx.Err()
	}
	repo := newTestRepo(t, store, Options{})

	m := repo.Add(rec("1", "A"))

	if diff := cmp.Diff([]string{"1=A"}, contents(repo)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if m.Outcome() != Pending {
		t.Errorf("Outcome() = %v, want pending", m.Outcome())
	}
	if repo.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", repo.Pending())
	}
}

func TestAdd_ObserversSeeChangeBeforeRemoteCall(t *testing.T) {
	store := newFakeStore()
	g := newGate()
	store.putFn = g.put
	repo := newTestRepo(t, store, Options{})

	var seen []string
	repo.View().Subscribe(func(s cache.State[schema.Recipe]) {
		seen = append(seen, schema.UIDs(s.Snapshot)...)
	})

	m := repo.Add(rec("1", "A"))
	if diff := cmp.Diff([]string{"1"}, seen); diff != "" {
		t.Errorf("observer mismatch (-want +got):\n%s", diff)
	}
	expectCall(t, g, "1=A")
	g.results <- nil
	if outcome, err := wait(t, m); outcome != Committed || err != nil {
		t.Errorf("Wait() = %v, %v, want committed", outcome, err)
	}
}

func TestAdd_RollbackOnFailure(t *testing.T) {
	store := newFakeStore()
	store.putFn = func(context.Context, schema.Recipe) error { return errOffline }
	repo := newTestRepo(t, store, Options{})

	m := repo.Add(rec("1", "A"))
	outcome, err := wait(t, m)
	if outcome != RolledBack || !errors.Is(err, errOffline) {
		t.Fatalf("Wait() = %v, %v, want rolled back with offline", outcome, err)
	}
	if got := contents(repo); len(got) != 0 {
		t.Errorf("snapshot = %v, want empty after rollback", got)
	}
	if m.Succeeded() {
		t.Error("Succeeded() = true for a rolled back add")
	}
}

func TestUpdate_RollbackRestoresExactPriorValue(t *testing.T) {
	store := newFakeStore(rec("1", "A"))
	store.putFn = func(context.Context, schema.Recipe) error { return errOffline }
	repo := newTestRepo(t, store, Options{})
	seed(t, repo, rec("1", "A"))

	m := repo.Update(rec("1", "B"))
	if diff := cmp.Diff([]string{"1=B"}, contents(repo)); diff != "" {
		t.Errorf("optimistic snapshot mismatch (-want +got):\n%s", diff)
	}
	if outcome, _ := wait(t, m); outcome != RolledBack {
		t.Fatalf("outcome = %v, want rolled back", outcome)
	}
	if diff := cmp.Diff([]string{"1=A"}, contents(repo)); diff != "" {
		t.Errorf("snapshot after rollback mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdate_RollbackOfInsertRemoves(t *testing.T) {
	store := newFakeStore()
	store.putFn = func(context.Context, schema.Recipe) error { return errOffline }
	repo := newTestRepo(t, store, Options{})
	seed(t, repo, rec("2", "B"))

	wait(t, repo.Update(rec("1", "new")))

	if diff := cmp.Diff([]string{"2=B"}, contents(repo)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestDelete_RollbackReinserts(t *testing.T) {
	store := newFakeStore(rec("1", "A"))
	store.deleteFn = func(context.Context, string) error { return errOffline }
	repo := newTestRepo(t, store, Options{})
	seed(t, repo, rec("1", "A"), rec("2", "B"))
	repo.Select("1")

	m := repo.Delete("1")
	if _, ok := repo.Selected(); ok {
		t.Error("selection should be cleared optimistically")
	}
	if diff := cmp.Diff([]string{"2=B"}, contents(repo)); diff != "" {
		t.Errorf("optimistic snapshot mismatch (-want +got):\n%s", diff)
	}

	if outcome, _ := wait(t, m); outcome != RolledBack {
		t.Fatalf("outcome = %v, want rolled back", outcome)
	}
	if diff := cmp.Diff([]string{"1=A", "2=B"}, contents(repo)); diff != "" {
		t.Errorf("snapshot after rollback mismatch (-want +got):\n%s", diff)
	}
	if _, ok := repo.Selected(); ok {
		t.Error("selection should stay cleared after a delete rollback")
	}
}

func TestDelete_RollbackReselectsWhenEnabled(t *testing.T) {
	store := newFakeStore(rec("1", "A"))
	store.deleteFn = func(context.Context, string) error { return errOffline }
	repo := newTestRepo(t, store, Options{ReselectOnDeleteRollback: true})
	seed(t, repo, rec("1", "A"))
	repo.Select("1")

	wait(t, repo.Delete("1"))

	if got, ok := repo.Selected(); !ok || got.ID != "1" {
		t.Errorf("Selected() = %+v, %v, want 1 reselected", got, ok)
	}
}

func TestDelete_ReselectSkippedWhenSomethingElseSelected(t *testing.T) {
	store := newFakeStore()
	g := newGate()
	store.deleteFn = g.delete
	repo := newTestRepo(t, store, Options{ReselectOnDeleteRollback: true})
	seed(t, repo, rec("1", "A"), rec("2", "B"))
	repo.Select("1")

	m := repo.Delete("1")
	expectCall(t, g, "delete 1")
	repo.Select("2")
	g.results <- errOffline
	wait(t, m)

	if got, _ := repo.Selected(); got.ID != "2" {
		t.Errorf("Selected() = %q, want 2 kept", got.ID)
	}
}

func TestDelete_SelectedEntityClearsSelection(t *testing.T) {
	store := newFakeStore(rec("1", "A"))
	repo := newTestRepo(t, store, Options{})
	seed(t, repo, rec("1", "A"))
	repo.Select("1")

	m := repo.Delete("1")
	if outcome, err := wait(t, m); outcome != Committed || err != nil {
		t.Fatalf("Wait() = %v, %v, want committed", outcome, err)
	}
	if _, ok := repo.Selected(); ok {
		t.Error("Selected() should be empty after deleting the selected entity")
	}
	if !m.Succeeded() {
		t.Error("Succeeded() = false for a committed delete")
	}
}

func TestInitialize(t *testing.T) {
	store := newFakeStore(rec("r1", "One"), rec("r2", "Two"))
	repo := newTestRepo(t, store, Options{})

	repo.Initialize(context.Background(), []string{"r1", "r2", "gone"}, "r2")

	if diff := cmp.Diff([]string{"r1=One", "r2=Two"}, contents(repo)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if got, ok := repo.Selected(); !ok || got.ID != "r2" {
		t.Errorf("Selected() = %+v, %v, want r2", got, ok)
	}

	repo.Initialize(context.Background(), []string{"r1"}, "r2")
	if _, ok := repo.Selected(); ok {
		t.Error("selection should clear when the selected uid is not part of the new set")
	}
}

func TestInitialize_EmptySetClears(t *testing.T) {
	store := newFakeStore()
	store.fetchErr = errors.New("must not be called")
	repo := newTestRepo(t, store, Options{})
	seed(t, repo, rec("1", "A"))
	repo.Select("1")

	repo.Initialize(context.Background(), nil, "")

	if got := contents(repo); len(got) != 0 {
		t.Errorf("snapshot = %v, want empty", got)
	}
	if _, ok := repo.Selected(); ok {
		t.Error("selection should be empty")
	}
}

func TestInitialize_ReadFailureClears(t *testing.T) {
	store := newFakeStore(rec("1", "A"))
	store.fetchErr = errOffline
	repo := newTestRepo(t, store, Options{})
	seed(t, repo, rec("1", "A"))
	repo.Select("1")

	repo.Initialize(context.Background(), []string{"1"}, "1")

	if got := contents(repo); len(got) != 0 {
		t.Errorf("snapshot = %v, want empty after read failure", got)
	}
	if repo.cache.SelectedUID() != "" {
		t.Errorf("selected uid = %q, want cleared", repo.cache.SelectedUID())
	}
}

func TestSameUIDWritesAreSequenced(t *testing.T) {
	store := newFakeStore(rec("1", "A"))
	g := newGate()
	store.putFn = g.put
	repo := newTestRepo(t, store, Options{})
	seed(t, repo, rec("1", "A"))

	first := repo.Update(rec("1", "B"))
	second := repo.Update(rec("1", "C"))
	if diff := cmp.Diff([]string{"1=C"}, contents(repo)); diff != "" {
		t.Fatalf("optimistic snapshot mismatch (-want +got):\n%s", diff)
	}

	expectCall(t, g, "1=B")
	expectNoCall(t, g)

	// The earlier write fails while a later one is queued: the cache keeps
	// showing the later value instead of reverting to A.
	g.results <- errOffline
	if outcome, _ := wait(t, first); outcome != RolledBack {
		t.Fatalf("first outcome = %v, want rolled back", outcome)
	}
	if diff := cmp.Diff([]string{"1=C"}, contents(repo)); diff != "" {
		t.Errorf("snapshot after first failure mismatch (-want +got):\n%s", diff)
	}

	// The later write fails too and restores the last committed value.
	expectCall(t, g, "1=C")
	g.results <- errOffline
	if outcome, _ := wait(t, second); outcome != RolledBack {
		t.Fatalf("second outcome = %v, want rolled back", outcome)
	}
	if diff := cmp.Diff([]string{"1=A"}, contents(repo)); diff != "" {
		t.Errorf("snapshot after second failure mismatch (-want +got):\n%s", diff)
	}
}

func TestSameUIDLaterWriteCommitsAfterEarlierFailure(t *testing.T) {
	store := newFakeStore()
	g := newGate()
	store.putFn = g.put
	repo := newTestRepo(t, store, Options{})

	add := repo.Add(rec("1", "A"))
	update := repo.Update(rec("1", "B"))

	expectCall(t, g, "1=A")
	g.results <- errOffline
	expectCall(t, g, "1=B")
	g.results <- nil

	if outcome, _ := wait(t, add); outcome != RolledBack {
		t.Errorf("add outcome = %v, want rolled back", outcome)
	}
	if outcome, _ := wait(t, update); outcome != Committed {
		t.Errorf("update outcome = %v, want committed", outcome)
	}
	if diff := cmp.Diff([]string{"1=B"}, contents(repo)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestDifferentUIDWritesRunConcurrently(t *testing.T) {
	store := newFakeStore()
	g := newGate()
	store.putFn = g.put
	repo := newTestRepo(t, store, Options{})

	repo.Add(rec("1", "A"))
	repo.Add(rec("2", "B"))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case call := <-g.calls:
			got[call] = true
		case <-time.After(2 * time.Second):
			t.Fatal("writes on different uids should not wait for each other")
		}
	}
	if !got["1=A"] || !got["2=B"] {
		t.Errorf("remote calls = %v", got)
	}
	g.results <- nil
	g.results <- nil
	if err := repo.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if repo.Pending() != 0 {
		t.Errorf("Pending() = %d after flush", repo.Pending())
	}
}

func TestWriteTimeoutRollsBack(t *testing.T) {
	store := newFakeStore()
	store.putFn = func(ctx context.Context, _ schema.Recipe) error {
		<-ctx.Done()
		return ctx.Err()
	}
	repo := newTestRepo(t, store, Options{WriteTimeout: 20 * time.Millisecond})

	outcome, err := wait(t, repo.Add(rec("1", "A")))
	if outcome != RolledBack || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, %v, want rolled back on deadline", outcome, err)
	}
	if got := contents(repo); len(got) != 0 {
		t.Errorf("snapshot = %v, want empty", got)
	}
}

func TestCloseRejectsMutations(t *testing.T) {
	store := newFakeStore()
	repo := New[schema.Recipe](store, Options{Logger: log.New(io.Discard, "", 0)})
	repo.Close()

	outcome, err := repo.Add(rec("1", "A")).Wait(context.Background())
	if outcome != RolledBack || !errors.Is(err, ErrClosed) {
		t.Errorf("Wait() = %v, %v, want rolled back with ErrClosed", outcome, err)
	}
	if got := contents(repo); len(got) != 0 {
		t.Errorf("snapshot = %v, want untouched cache", got)
	}
}

func TestCloseAbortsHungWrites(t *testing.T) {
	store := newFakeStore()
	store.putFn = func(ctx context.Context, _ schema.Recipe) error {
		<-ctx.Done()
		return ctx.Err()
	}
	repo := New[schema.Recipe](store, Options{Logger: log.New(io.Discard, "", 0)})
	m := repo.Add(rec("1", "A"))

	repo.Close()

	if m.Outcome() != RolledBack {
		t.Errorf("Outcome() = %v after Close, want rolled back", m.Outcome())
	}
}

func TestMutationWaitHonoursContext(t *testing.T) {
	m := newMutation(KindAdd, "1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := m.Wait(ctx)
	if outcome != Pending || !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, %v, want pending with context.Canceled", outcome, err)
	}
}

func TestEndToEndServerWins(t *testing.T) {
	store := newFakeStore(rec("r1", "R1"), rec("r2", "R2"))
	repo := newTestRepo(t, store, Options{})

	repo.Initialize(context.Background(), []string{"r1", "r2"}, "")
	repo.StartListening([]string{"r1", "r2"})
	repo.Select("r1")

	m := repo.Update(rec("r1", "R1-local"))
	if outcome, _ := wait(t, m); outcome != Committed {
		t.Fatalf("update outcome = %v, want committed", outcome)
	}
	if got, _ := repo.Selected(); got.Name != "R1-local" {
		t.Fatalf("Selected() = %q, want R1-local", got.Name)
	}

	store.lastSub().onSnapshot([]schema.Recipe{rec("r1", "R1-server"), rec("r2", "R2")})

	if got, ok := repo.Selected(); !ok || got.Name != "R1-server" {
		t.Errorf("Selected() = %+v, %v, want R1-server", got, ok)
	}
	if diff := cmp.Diff([]string{"r1=R1-server", "r2=R2"}, contents(repo)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestFlushWhileMutating(t *testing.T) {
	store := newFakeStore()
	repo := newTestRepo(t, store, Options{})

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			repo.Add(rec(fmt.Sprintf("r-%d", i), "A"))
		}(i)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := repo.Flush(ctx); err != nil {
				t.Errorf("Flush failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := repo.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if repo.Pending() != 0 {
		t.Errorf("Pending() = %d after flush", repo.Pending())
	}
	if got := len(contents(repo)); got != n {
		t.Errorf("cached %d recipes, want %d", got, n)
	}
}

func TestFlushStopsWaitingOnContext(t *testing.T) {
	store := newFakeStore()
	g := newGate()
	store.putFn = g.put
	repo := newTestRepo(t, store, Options{})

	m := repo.Add(rec("1", "A"))
	expectCall(t, g, "1=A")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := repo.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Flush() = %v, want deadline exceeded", err)
	}

	g.results <- nil
	if err := repo.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if m.Outcome() != Committed {
		t.Errorf("outcome after flush = %v, want committed", m.Outcome())
	}
}

func TestRollbackCountsRetryability(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable string
	}{
		{"offline", errOffline, "true"},
		{"closed", docstore.ErrClosed, "false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collection := "rollback-" + tt.name
			counter := stats.rollbacks.WithLabelValues(collection, tt.retryable)
			before := testutil.ToFloat64(counter)

			store := newFakeStore()
			store.putFn = func(context.Context, schema.Recipe) error { return tt.err }
			repo := newTestRepo(t, store, Options{Collection: collection})

			if outcome, _ := wait(t, repo.Add(rec("1", "A"))); outcome != RolledBack {
				t.Fatalf("outcome = %v, want rolled back", outcome)
			}
			if got := testutil.ToFloat64(counter) - before; got != 1 {
				t.Errorf("rollbacks{retryable=%s} grew by %v, want 1", tt.retryable, got)
			}
		})
	}
}
