package repository

import (
	"context"
	"sync"
)

// Kind names the mutator that created a Mutation.
type Kind string

const (
	KindAdd    Kind = "add"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Outcome is the final state of an optimistic mutation.
type Outcome int

const (
	// Pending means the remote write has not resolved yet.
	Pending Outcome = iota
	// Committed means the remote store accepted the write.
	Committed
	// RolledBack means the remote write failed and the optimistic change
	// was reversed (or handed to a later mutation on the same uid).
	RolledBack
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Mutation tracks one optimistic change until the remote store resolves it.
// Every mutator returns one, so callers can uniformly show failure feedback.
type Mutation struct {
	kind Kind
	uid  string
	done chan struct{}

	mu      sync.Mutex
	outcome Outcome
	err     error
}

func newMutation(kind Kind, uid string) *Mutation {
	return &Mutation{kind: kind, uid: uid, done: make(chan struct{})}
}

// Kind returns the mutator that created m.
func (m *Mutation) Kind() Kind { return m.kind }

// UID returns the uid of the mutated entity.
func (m *Mutation) UID() string { return m.uid }

// Done is closed once the mutation is committed or rolled back.
func (m *Mutation) Done() <-chan struct{} { return m.done }

// Outcome returns the current outcome without blocking.
func (m *Mutation) Outcome() Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome
}

// Err returns the remote error of a rolled back mutation.
func (m *Mutation) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Wait blocks until the mutation resolves or ctx is done. When ctx ends
// first it returns Pending and the context error.
func (m *Mutation) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-m.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.outcome, m.err
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}

// Succeeded blocks until the mutation resolves and reports whether it was
// committed.
func (m *Mutation) Succeeded() bool {
	<-m.done
	return m.Outcome() == Committed
}

func (m *Mutation) resolve(outcome Outcome, err error) {
	m.mu.Lock()
	m.outcome = outcome
	m.err = err
	m.mu.Unlock()
	close(m.done)
}
