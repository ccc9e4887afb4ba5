package docstore

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fetcher loads the current documents of a watched set.
type Fetcher func(ctx context.Context, collection string, uids []string) ([]Document, error)

// Hub fans backend change notifications out to watch subscriptions.
//
// Each subscription runs its own goroutine with a one-slot trigger queue, so
// a burst of notifications collapses into a single re-fetch. A snapshot that
// is identical to the one delivered last is suppressed. A failed re-fetch
// calls onErr once and ends the subscription.
type Hub struct {
	fetch        Fetcher
	fetchTimeout time.Duration
	logger       *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[uint64]*hubSub
	nextID uint64
	closed bool
}

// NewHub creates a Hub that loads snapshots with fetch.
//
// If logger is nil, a default logger writing to stderr is used.
func NewHub(fetch Fetcher, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		fetch:        fetch,
		fetchTimeout: 30 * time.Second,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[uint64]*hubSub),
	}
}

type hubSub struct {
	hub        *Hub
	id         uint64
	collection string
	uids       []string
	watched    map[string]struct{}
	onDocs     func([]Document)
	onErr      func(error)

	ctx     context.Context
	cancel  context.CancelFunc
	trigger chan struct{}
}

// Subscribe starts a watch. The first snapshot is delivered asynchronously.
func (h *Hub) Subscribe(collection string, uids []string, onDocs func([]Document), onErr func(error)) (Subscription, error) {
	if len(uids) == 0 {
		onDocs(nil)
		return NopSubscription{}, nil
	}
	watched := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		watched[uid] = struct{}{}
	}
	list := make([]string, 0, len(watched))
	for uid := range watched {
		list = append(list, uid)
	}
	sort.Strings(list)

	ctx, cancel := context.WithCancel(h.ctx)
	s := &hubSub{
		hub:        h,
		collection: collection,
		uids:       list,
		watched:    watched,
		onDocs:     onDocs,
		onErr:      onErr,
		ctx:        ctx,
		cancel:     cancel,
		trigger:    make(chan struct{}, 1),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	s.id = h.nextID
	h.nextID++
	h.subs[s.id] = s
	h.wg.Add(1)
	h.mu.Unlock()

	s.trigger <- struct{}{}
	go s.run()
	return s, nil
}

// Notify re-fetches every subscription in collection that watches one of
// uids. With no uids, every subscription in the collection is re-fetched.
func (h *Hub) Notify(collection string, uids ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.collection != collection {
			continue
		}
		if len(uids) == 0 || s.watches(uids) {
			s.poke()
		}
	}
}

// NotifyAll re-fetches every subscription.
func (h *Hub) NotifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.poke()
	}
}

// watchCount returns the number of live subscriptions.
func (h *Hub) watchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close terminates every subscription and waits for their goroutines.
// Later subscriptions fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Cancel implements Subscription.
func (s *hubSub) Cancel() {
	s.cancel()
}

func (s *hubSub) watches(uids []string) bool {
	for _, uid := range uids {
		if _, ok := s.watched[uid]; ok {
			return true
		}
	}
	return false
}

func (s *hubSub) poke() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *hubSub) run() {
	defer s.hub.wg.Done()
	defer s.hub.remove(s.id)

	var (
		last    uint64
		hasLast bool
	)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.trigger:
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.hub.fetchTimeout)
		docs, err := s.hub.fetch(ctx, s.collection, s.uids)
		cancel()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.hub.logger.Printf("Watch on %s failed: %v", s.collection, err)
			s.cancel()
			s.onErr(err)
			return
		}

		sort.Slice(docs, func(i, j int) bool { return docs[i].UID < docs[j].UID })
		fp := Fingerprint(docs)
		if hasLast && fp == last {
			continue
		}
		last, hasLast = fp, true
		s.onDocs(docs)
	}
}

// Fingerprint hashes a document set. Callers sort docs first when order
// should not matter.
func Fingerprint(docs []Document) uint64 {
	d := xxhash.New()
	var ts [8]byte
	for _, doc := range docs {
		_, _ = d.WriteString(doc.UID)
		_, _ = d.Write([]byte{0})
		_, _ = d.Write(doc.Data)
		_, _ = d.Write([]byte{0})
		n := doc.UpdatedAt.UnixNano()
		for i := range ts {
			ts[i] = byte(n >> (8 * i))
		}
		_, _ = d.Write(ts[:])
	}
	return d.Sum64()
}
