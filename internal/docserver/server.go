// Package docserver exposes a document backend over HTTP and websocket so
// that processes without direct database access can share it.
//
// Routes:
//
//	GET    /v1/docs/{collection}?uid=a&uid=b   documents by uid (all without uid)
//	GET    /v1/docs/{collection}/{uid}         one document
//	PUT    /v1/docs/{collection}/{uid}         create or replace
//	DELETE /v1/docs/{collection}/{uid}         delete (idempotent)
//	GET    /v1/watch?collection=c&uid=a        websocket stream of snapshot frames
//	GET    /health                             server health
//	GET    /metrics                            Prometheus metrics
package docserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/larderhq/larder/internal/docstore"
	"github.com/larderhq/larder/internal/schema"
)

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8080")
	Addr string

	// Collections served (default: every schema collection)
	Collections []string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:        ":8080",
		Collections: schema.Collections,
	}
}

// Server serves one docstore.Backend.
type Server struct {
	backend     docstore.Backend
	addr        string
	collections map[string]bool
	listener    net.Listener
	server      *http.Server
	mux         *http.ServeMux

	// Watch client management
	watchers   map[*websocket.Conn]docstore.Subscription
	watchersMu sync.Mutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server for backend.
func NewServer(backend docstore.Backend, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[docserver] ", log.LstdFlags)
	}
	addr := config.Addr
	if addr == "" {
		addr = ":8080"
	}
	collections := config.Collections
	if len(collections) == 0 {
		collections = schema.Collections
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		backend:     backend,
		addr:        addr,
		collections: make(map[string]bool, len(collections)),
		watchers:    make(map[*websocket.Conn]docstore.Subscription),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
	for _, c := range collections {
		s.collections[c] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/docs/{collection}", s.handleList)
	mux.HandleFunc("GET /v1/docs/{collection}/{uid}", s.handleGet)
	mux.HandleFunc("PUT /v1/docs/{collection}/{uid}", s.handlePut)
	mux.HandleFunc("DELETE /v1/docs/{collection}/{uid}", s.handleDelete)
	mux.HandleFunc("GET /v1/watch", s.handleWatch)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.mux = mux
	return s
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Document server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every watch and shuts the server down gracefully.
func (s *Server) Stop() error {
	s.logger.Println("Stopping document server")
	s.cancel()

	s.watchersMu.Lock()
	for conn, sub := range s.watchers {
		sub.Cancel()
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.watchers, conn)
		stats.WatcherDisconnected()
	}
	s.watchersMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()

	s.logger.Println("Document server stopped")
	return nil
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// WatcherCount returns the number of connected watch clients.
func (s *Server) WatcherCount() int {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	return len(s.watchers)
}

func (s *Server) collection(w http.ResponseWriter, r *http.Request, op string) (string, bool) {
	name := r.PathValue("collection")
	if name == "" {
		name = r.URL.Query().Get("collection")
	}
	if !s.collections[name] {
		s.writeError(w, op, http.StatusNotFound, fmt.Errorf("%w: %q", docstore.ErrUnknownCollection, name))
		return "", false
	}
	return name, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	const op = "list"
	collection, ok := s.collection(w, r, op)
	if !ok {
		return
	}

	var (
		docs []docstore.Document
		err  error
	)
	if uids := r.URL.Query()["uid"]; len(uids) > 0 {
		docs, err = s.backend.Get(r.Context(), collection, uids)
	} else {
		docs, err = s.backend.List(r.Context(), collection)
	}
	if err != nil {
		s.writeError(w, op, statusFor(err), err)
		return
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	s.writeJSON(w, op, http.StatusOK, DocumentsResponse{Documents: docs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	const op = "get"
	collection, ok := s.collection(w, r, op)
	if !ok {
		return
	}
	uid := r.PathValue("uid")
	docs, err := s.backend.Get(r.Context(), collection, []string{uid})
	if err != nil {
		s.writeError(w, op, statusFor(err), err)
		return
	}
	if len(docs) == 0 {
		s.writeError(w, op, http.StatusNotFound, fmt.Errorf("%s/%s: %w", collection, uid, docstore.ErrNotFound))
		return
	}
	s.writeJSON(w, op, http.StatusOK, docs[0])
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	const op = "put"
	collection, ok := s.collection(w, r, op)
	if !ok {
		return
	}
	uid := r.PathValue("uid")

	var doc docstore.Document
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&doc); err != nil {
		s.writeError(w, op, http.StatusBadRequest, fmt.Errorf("invalid document: %w", err))
		return
	}
	if doc.UID == "" {
		doc.UID = uid
	}
	if doc.UID != uid {
		s.writeError(w, op, http.StatusBadRequest, fmt.Errorf("document uid %q does not match path uid %q", doc.UID, uid))
		return
	}
	if !json.Valid(doc.Data) {
		s.writeError(w, op, http.StatusBadRequest, errors.New("document data must be valid JSON"))
		return
	}

	if err := s.backend.Put(r.Context(), collection, doc); err != nil {
		s.writeError(w, op, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	stats.Request(op, http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	const op = "delete"
	collection, ok := s.collection(w, r, op)
	if !ok {
		return
	}
	if err := s.backend.Delete(r.Context(), collection, r.PathValue("uid")); err != nil {
		s.writeError(w, op, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	stats.Request(op, http.StatusNoContent)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, "health", http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"watchers": s.WatcherCount(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, op string, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("Failed to encode %s response: %v", op, err)
	}
	stats.Request(op, code)
}

func (s *Server) writeError(w http.ResponseWriter, op string, code int, err error) {
	if code >= 500 {
		s.logger.Printf("%s failed: %v", op, err)
	}
	s.writeJSON(w, op, code, ErrorData{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, docstore.ErrUnknownCollection):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, docstore.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
