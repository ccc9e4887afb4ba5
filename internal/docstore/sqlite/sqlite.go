// Package sqlite implements the document backend on an embedded SQLite
// database.
//
// The database runs in WAL mode so several processes can share one file:
//   - Database file: larder.db (plus larder.db-wal)
//   - Schema: one documents table keyed by (collection, uid)
//   - Watches: local writes notify the hub directly; writes from other
//     processes are picked up by watching the database files
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/larderhq/larder/internal/docstore"
)

// Options configures a Backend.
type Options struct {
	// WatchFiles enables detection of writes made by other processes.
	WatchFiles bool
	// Debounce coalesces bursts of file events. Defaults to 50ms.
	Debounce time.Duration
	// Logger defaults to stderr when nil.
	Logger *log.Logger
}

// Backend is a docstore.Backend stored in one SQLite file.
type Backend struct {
	conn    *sql.DB
	path    string
	hub     *docstore.Hub
	watcher *fileWatcher
	logger  *log.Logger
}

// Open creates or opens the database at path and initializes the schema.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	backend, err := sqlite.Open(".larder/larder.db", sqlite.Options{WatchFiles: true})
//	if err != nil {
//	    return err
//	}
//	defer backend.Close()
func Open(path string, opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sqlite] ", log.LstdFlags)
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	b := &Backend{conn: conn, path: path, logger: logger}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := b.InitSchemaContext(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}

	b.hub = docstore.NewHub(b.Get, logger)

	if opts.WatchFiles {
		debounce := opts.Debounce
		if debounce <= 0 {
			debounce = 50 * time.Millisecond
		}
		w, err := newFileWatcher(path, debounce, b.hub.NotifyAll, logger)
		if err != nil {
			b.hub.Close()
			_ = conn.Close()
			return nil, err
		}
		b.watcher = w
	}

	return b, nil
}

// InitSchemaContext creates the documents table if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (b *Backend) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		uid TEXT NOT NULL,
		data TEXT NOT NULL,  -- JSON document
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, uid)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_updated
	    ON documents(collection, updated_at);
	`
	if _, err := b.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (b *Backend) Path() string { return b.path }

// NewUID implements docstore.Backend.
func (b *Backend) NewUID() string { return uuid.NewString() }

// Get implements docstore.Backend.
func (b *Backend) Get(ctx context.Context, collection string, uids []string) ([]docstore.Document, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(uids)), ",")
	query := fmt.Sprintf(`
	SELECT uid, data, updated_at FROM documents
	WHERE collection = ? AND uid IN (%s)
	ORDER BY uid
	`, placeholders)

	args := make([]any, 0, len(uids)+1)
	args = append(args, collection)
	for _, uid := range uids {
		args = append(args, uid)
	}

	docs, err := b.query(ctx, query, args...)
	if err != nil {
		return nil, docstore.ReadFailure("sqlite get", err)
	}
	return docs, nil
}

// List implements docstore.Backend.
func (b *Backend) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	docs, err := b.query(ctx, `
	SELECT uid, data, updated_at FROM documents
	WHERE collection = ?
	ORDER BY uid
	`, collection)
	if err != nil {
		return nil, docstore.ReadFailure("sqlite list", err)
	}
	return docs, nil
}

func (b *Backend) query(ctx context.Context, query string, args ...any) ([]docstore.Document, error) {
	rows, err := b.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var (
			doc       docstore.Document
			data      string
			updatedAt string
		)
		if err := rows.Scan(&doc.UID, &data, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Data = []byte(data)
		if doc.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at of %s: %w", doc.UID, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// Put implements docstore.Backend.
func (b *Backend) Put(ctx context.Context, collection string, doc docstore.Document) error {
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	query := `
	INSERT INTO documents (collection, uid, data, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, uid) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	_, err := b.conn.ExecContext(ctx, query,
		collection,
		doc.UID,
		string(doc.Data),
		doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return docstore.WriteFailure("sqlite put", fmt.Errorf("failed to upsert %s/%s: %w", collection, doc.UID, err))
	}

	b.hub.Notify(collection, doc.UID)
	return nil
}

// Delete implements docstore.Backend.
// Returns nil if the document doesn't exist (idempotent).
func (b *Backend) Delete(ctx context.Context, collection, uid string) error {
	_, err := b.conn.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND uid = ?`, collection, uid)
	if err != nil {
		return docstore.WriteFailure("sqlite delete", fmt.Errorf("failed to delete %s/%s: %w", collection, uid, err))
	}

	b.hub.Notify(collection, uid)
	return nil
}

// Watch implements docstore.Backend.
func (b *Backend) Watch(collection string, uids []string, onDocs func([]docstore.Document), onErr func(error)) (docstore.Subscription, error) {
	return b.hub.Subscribe(collection, uids, onDocs, onErr)
}

// Stats returns the number of documents per collection.
func (b *Backend) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := b.conn.QueryContext(ctx, `SELECT collection, COUNT(*) FROM documents GROUP BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			collection string
			n          int
		)
		if err := rows.Scan(&collection, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[collection] = n
	}
	return counts, rows.Err()
}

// Close stops the watches and closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}
	if b.watcher != nil {
		if err := b.watcher.Stop(); err != nil {
			b.logger.Printf("Warning: failed to stop file watcher: %v", err)
		}
	}
	b.hub.Close()

	if _, err := b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		b.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	b.conn = nil
	return nil
}

var _ docstore.Backend = (*Backend)(nil)
