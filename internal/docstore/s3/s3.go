// Package s3 implements the document backend on an S3-compatible bucket
// (AWS S3 or MinIO).
//
// Each document is one object at <prefix><collection>/<uid>.json. S3 has
// no change feed, so watches poll: every PollInterval all watched sets are
// re-fetched and only snapshots that actually changed are delivered.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/larderhq/larder/internal/docstore"
)

// Config holds construction parameters. Credentials fall back to the
// default AWS chain when the explicit keys are empty.
type Config struct {
	Region    string
	Bucket    string
	Prefix    string
	Endpoint  string // optional; enables a custom endpoint (e.g. MinIO)
	PathStyle bool

	AccessKeyID     string
	SecretAccessKey string

	// PollInterval defaults to 5s.
	PollInterval time.Duration
	// Concurrency bounds parallel object reads. Defaults to 8.
	Concurrency int
	// Logger defaults to stderr when nil.
	Logger *log.Logger
}

// objectAPI is the part of *s3.Client the backend uses.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Backend is a docstore.Backend stored in one bucket.
type Backend struct {
	client      objectAPI
	bucket      string
	prefix      string
	concurrency int
	hub         *docstore.Hub
	logger      *log.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates an S3 backend from Config.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newBackend(client, cfg), nil
}

func newBackend(client objectAPI, cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[s3] ", log.LstdFlags)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	b := &Backend{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      prefix,
		concurrency: concurrency,
		logger:      logger,
		done:        make(chan struct{}),
	}
	b.hub = docstore.NewHub(b.Get, logger)
	b.wg.Add(1)
	go b.poll(poll)
	return b
}

func (b *Backend) key(collection, uid string) string {
	return b.prefix + collection + "/" + uid + ".json"
}

// NewUID implements docstore.Backend.
func (b *Backend) NewUID() string { return uuid.NewString() }

// Get implements docstore.Backend. Objects are read in parallel.
func (b *Backend) Get(ctx context.Context, collection string, uids []string) ([]docstore.Document, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	unique := make([]string, 0, len(uids))
	seen := make(map[string]bool, len(uids))
	for _, uid := range uids {
		if !seen[uid] {
			seen[uid] = true
			unique = append(unique, uid)
		}
	}

	found := make([]*docstore.Document, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, uid := range unique {
		g.Go(func() error {
			doc, err := b.getObject(gctx, b.key(collection, uid))
			if err != nil {
				return err
			}
			found[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, docstore.ReadFailure("s3 get", err)
	}

	docs := make([]docstore.Document, 0, len(found))
	for _, doc := range found {
		if doc != nil {
			docs = append(docs, *doc)
		}
	}
	return docs, nil
}

// getObject returns nil for a missing object.
func (b *Backend) getObject(ctx context.Context, key string) (*docstore.Document, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var doc docstore.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &doc, nil
}

// List implements docstore.Backend.
func (b *Backend) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	prefix := b.prefix + collection + "/"
	var uids []string
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &b.bucket, Prefix: &prefix, ContinuationToken: token})
		if err != nil {
			return nil, docstore.ReadFailure("s3 list", err)
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if uid, ok := strings.CutSuffix(name, ".json"); ok && !strings.Contains(uid, "/") {
				uids = append(uids, uid)
			}
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}

	docs, err := b.Get(ctx, collection, uids)
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].UID < docs[j].UID })
	return docs, nil
}

// Put implements docstore.Backend.
func (b *Backend) Put(ctx context.Context, collection string, doc docstore.Document) error {
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return docstore.WriteFailure("s3 put", fmt.Errorf("failed to encode %s: %w", doc.UID, err))
	}
	key := b.key(collection, doc.UID)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &b.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return docstore.WriteFailure("s3 put", fmt.Errorf("failed to put %s: %w", key, err))
	}

	b.hub.Notify(collection, doc.UID)
	return nil
}

// Delete implements docstore.Backend.
func (b *Backend) Delete(ctx context.Context, collection, uid string) error {
	key := b.key(collection, uid)
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &b.bucket, Key: &key}); err != nil && !isNotFound(err) {
		return docstore.WriteFailure("s3 delete", fmt.Errorf("failed to delete %s: %w", key, err))
	}

	b.hub.Notify(collection, uid)
	return nil
}

// Watch implements docstore.Backend.
func (b *Backend) Watch(collection string, uids []string, onDocs func([]docstore.Document), onErr func(error)) (docstore.Subscription, error) {
	return b.hub.Subscribe(collection, uids, onDocs, onErr)
}

func (b *Backend) poll(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.hub.NotifyAll()
		}
	}
}

// Close stops polling and terminates watches.
func (b *Backend) Close() error {
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.hub.Close()
	})
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

var _ docstore.Backend = (*Backend)(nil)
