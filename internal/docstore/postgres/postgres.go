// Package postgres implements the document backend on PostgreSQL.
//
// Writes publish a notification on a LISTEN/NOTIFY channel inside the write
// transaction, so every process sharing the database learns about changes
// as soon as they commit.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/larderhq/larder/internal/docstore"
)

// DefaultChannel is the notification channel used when none is configured.
const DefaultChannel = "larder_documents"

// Options configures a Backend.
type Options struct {
	// DSN is a libpq connection string or URL.
	DSN string
	// Channel is the LISTEN/NOTIFY channel. Defaults to DefaultChannel.
	Channel string
	// Logger defaults to stderr when nil.
	Logger *log.Logger
}

// Backend is a docstore.Backend stored in PostgreSQL.
type Backend struct {
	pool    *pgxpool.Pool
	channel string
	hub     *docstore.Hub
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// change is the payload published for every write.
type change struct {
	Collection string `json:"collection"`
	UID        string `json:"uid"`
}

// Open connects, creates the schema, and starts the change listener.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[postgres] ", log.LstdFlags)
	}

	pool, err := pgxpool.New(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	b := &Backend{pool: pool, channel: opts.Channel, logger: logger}
	if err := b.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	b.hub = docstore.NewHub(b.Get, logger)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go b.listen()
	return b, nil
}

// InitSchema creates the documents table if it doesn't exist.
func (b *Backend) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		uid TEXT NOT NULL,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (collection, uid)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(collection, updated_at);
	`
	if _, err := b.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// NewUID implements docstore.Backend.
func (b *Backend) NewUID() string { return uuid.NewString() }

// Get implements docstore.Backend.
func (b *Backend) Get(ctx context.Context, collection string, uids []string) ([]docstore.Document, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	docs, err := b.query(ctx, `
	SELECT uid, data, updated_at FROM documents
	WHERE collection = $1 AND uid = ANY($2)
	ORDER BY uid
	`, collection, uids)
	if err != nil {
		return nil, docstore.ReadFailure("postgres get", err)
	}
	return docs, nil
}

// List implements docstore.Backend.
func (b *Backend) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	docs, err := b.query(ctx, `
	SELECT uid, data, updated_at FROM documents
	WHERE collection = $1
	ORDER BY uid
	`, collection)
	if err != nil {
		return nil, docstore.ReadFailure("postgres list", err)
	}
	return docs, nil
}

func (b *Backend) query(ctx context.Context, sql string, args ...any) ([]docstore.Document, error) {
	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var doc docstore.Document
		var data []byte
		if err := rows.Scan(&doc.UID, &data, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Data = data
		doc.UpdatedAt = doc.UpdatedAt.UTC()
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
	err := b.write(ctx, collection, doc.UID, `
	INSERT INTO documents (collection, uid, data, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (collection, uid) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`, collection, doc.UID, string(doc.Data), doc.UpdatedAt)
	if err != nil {
		return docstore.WriteFailure("postgres put", err)
	}
	return nil
}

// Delete implements docstore.Backend.
func (b *Backend) Delete(ctx context.Context, collection, uid string) error {
	err := b.write(ctx, collection, uid,
		`DELETE FROM documents WHERE collection = $1 AND uid = $2`, collection, uid)
	if err != nil {
		return docstore.WriteFailure("postgres delete", err)
	}
	return nil
}

// write runs stmt and publishes the change in the same transaction.
func (b *Backend) write(ctx context.Context, collection, uid, stmt string, args ...any) error {
	payload, err := encodeChange(collection, uid)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("failed to write %s/%s: %w", collection, uid, err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, payload); err != nil {
			return fmt.Errorf("failed to publish change: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.hub.Notify(collection, uid)
	return nil
}

// Watch implements docstore.Backend.
func (b *Backend) Watch(collection string, uids []string, onDocs func([]docstore.Document), onErr func(error)) (docstore.Subscription, error) {
	return b.hub.Subscribe(collection, uids, onDocs, onErr)
}

// listen forwards notifications to the hub, reconnecting on failure.
func (b *Backend) listen() {
	defer b.wg.Done()

	backoff := time.Second
	for b.ctx.Err() == nil {
		err := b.listenOnce()
		if b.ctx.Err() != nil {
			return
		}
		b.logger.Printf("Change listener stopped, retrying in %s: %v", backoff, err)
		select {
		case <-time.After(backoff):
		case <-b.ctx.Done():
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *Backend) listenOnce() error {
	conn, err := b.pool.Acquire(b.ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(b.ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.channel, err)
	}
	// Changes may have been missed while disconnected.
	b.hub.NotifyAll()

	for {
		n, err := conn.Conn().WaitForNotification(b.ctx)
		if err != nil {
			return err
		}
		c, err := decodeChange(n.Payload)
		if err != nil {
			b.logger.Printf("Ignoring malformed notification: %v", err)
			continue
		}
		b.hub.Notify(c.Collection, c.UID)
	}
}

// Close stops the listener and closes the pool.
func (b *Backend) Close() error {
	b.cancel()
	b.wg.Wait()
	b.hub.Close()
	b.pool.Close()
	return nil
}

func encodeChange(collection, uid string) (string, error) {
	data, err := json.Marshal(change{Collection: collection, UID: uid})
	if err != nil {
		return "", fmt.Errorf("failed to encode change: %w", err)
	}
	return string(data), nil
}

func decodeChange(payload string) (change, error) {
	var c change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return change{}, fmt.Errorf("failed to decode change %q: %w", payload, err)
	}
	if c.Collection == "" || c.UID == "" {
		return change{}, errors.New("change is missing collection or uid")
	}
	return c, nil
}

var _ docstore.Backend = (*Backend)(nil)
