// Package remote implements a document backend that talks to a docserver
// over HTTP, with watches streamed over a websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/larderhq/larder/internal/docserver"
	"github.com/larderhq/larder/internal/docstore"
)

// Options configures a Backend.
type Options struct {
	// BaseURL of the docserver, e.g. http://localhost:8080.
	BaseURL string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// DialTimeout bounds websocket setup. Defaults to 10s.
	DialTimeout time.Duration
	// Logger defaults to stderr when nil.
	Logger *log.Logger
}

// Backend is a docstore.Backend served by a remote docserver.
type Backend struct {
	base        *url.URL
	client      *http.Client
	dialTimeout time.Duration
	logger      *log.Logger

	mu     sync.Mutex
	subs   map[*watch]struct{}
	closed bool
}

// New creates a client for the docserver at opts.BaseURL.
func New(opts Options) (*Backend, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("remote base url is required")
	}
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote base url must be http or https, got %q", base.Scheme)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Backend{
		base:        base,
		client:      client,
		dialTimeout: dialTimeout,
		logger:      logger,
		subs:        make(map[*watch]struct{}),
	}, nil
}

// NewUID implements docstore.Backend. Uids are random, so they are minted
// locally without a round trip.
func (b *Backend) NewUID() string { return uuid.NewString() }

func (b *Backend) docsURL(collection string, uid string, query url.Values) string {
	u := *b.base
	u.Path = b.base.Path + "/v1/docs/" + url.PathEscape(collection)
	if uid != "" {
		u.Path += "/" + url.PathEscape(uid)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// Get implements docstore.Backend.
func (b *Backend) Get(ctx context.Context, collection string, uids []string) ([]docstore.Document, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var resp docserver.DocumentsResponse
	if err := b.do(ctx, http.MethodGet, b.docsURL(collection, "", url.Values{"uid": uids}), nil, &resp); err != nil {
		return nil, docstore.ReadFailure("remote get", err)
	}
	return resp.Documents, nil
}

// List implements docstore.Backend.
func (b *Backend) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	var resp docserver.DocumentsResponse
	if err := b.do(ctx, http.MethodGet, b.docsURL(collection, "", nil), nil, &resp); err != nil {
		return nil, docstore.ReadFailure("remote list", err)
	}
	return resp.Documents, nil
}

// Put implements docstore.Backend.
func (b *Backend) Put(ctx context.Context, collection string, doc docstore.Document) error {
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return docstore.WriteFailure("remote put", fmt.Errorf("failed to encode %s: %w", doc.UID, err))
	}
	if err := b.do(ctx, http.MethodPut, b.docsURL(collection, doc.UID, nil), body, nil); err != nil {
		return docstore.WriteFailure("remote put", err)
	}
	return nil
}

// Delete implements docstore.Backend.
func (b *Backend) Delete(ctx context.Context, collection, uid string) error {
	if err := b.do(ctx, http.MethodDelete, b.docsURL(collection, uid, nil), nil, nil); err != nil {
		return docstore.WriteFailure("remote delete", err)
	}
	return nil
}

// do sends one request and decodes a JSON response into out when non-nil.
func (b *Backend) do(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e docserver.ErrorData
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		if resp.StatusCode == http.StatusNotFound && strings.Contains(e.Error, docstore.ErrUnknownCollection.Error()) {
			return fmt.Errorf("%s %s: %w", method, req.URL.Path, docstore.ErrUnknownCollection)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, e.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Close terminates every watch.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*watch, 0, len(b.subs))
	for w := range b.subs {
		subs = append(subs, w)
	}
	b.mu.Unlock()

	for _, w := range subs {
		w.Cancel()
	}
	for _, w := range subs {
		<-w.done
	}
	return nil
}

var _ docstore.Backend = (*Backend)(nil)
