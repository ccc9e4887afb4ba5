package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/larderhq/larder/internal/docstore"
)

// fakeBucket is an in-memory objectAPI.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
	gets    int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = body
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	// Two objects per page to exercise continuation.
	start := 0
	if in.ContinuationToken != nil {
		for i, key := range keys {
			if key == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := start + 2
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	} else {
		end = len(keys)
	}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func newTestBackend(t *testing.T, bucket *fakeBucket, poll time.Duration) *Backend {
	t.Helper()
	b := newBackend(bucket, Config{Bucket: "larder", Prefix: "test", PollInterval: poll, Logger: log.New(io.Discard, "", 0)})
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("New without a bucket should fail")
	}
}

func TestBackend_PutGetListDelete(t *testing.T) {
	bucket := newFakeBucket()
	b := newTestBackend(t, bucket, time.Hour)
	ctx := context.Background()

	for _, uid := range []string{"r3", "r1", "r2"} {
		if err := b.Put(ctx, "recipes", docstore.Document{UID: uid, Data: []byte(`{"uid":"` + uid + `"}`)}); err != nil {
			t.Fatalf("Put(%s) failed: %v", uid, err)
		}
	}
	if _, ok := bucket.objects["test/recipes/r1.json"]; !ok {
		t.Errorf("object key layout unexpected: %v", bucket.objects)
	}

	docs, err := b.Get(ctx, "recipes", []string{"r2", "missing", "r2"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(docs) != 1 || docs[0].UID != "r2" || docs[0].UpdatedAt.IsZero() {
		t.Errorf("Get returned %+v", docs)
	}

	list, err := b.List(ctx, "recipes")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var uids []string
	for _, d := range list {
		uids = append(uids, d.UID)
	}
	if strings.Join(uids, ",") != "r1,r2,r3" {
		t.Errorf("List uids = %v", uids)
	}

	if err := b.Delete(ctx, "recipes", "r1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if docs, _ := b.Get(ctx, "recipes", []string{"r1"}); len(docs) != 0 {
		t.Errorf("deleted document still returned: %+v", docs)
	}
}

func TestBackend_GetFailureIsReadFailure(t *testing.T) {
	bucket := newFakeBucket()
	bucket.getErr = errors.New("access denied")
	b := newTestBackend(t, bucket, time.Hour)

	_, err := b.Get(context.Background(), "recipes", []string{"r1"})
	if !errors.Is(err, docstore.ErrRemoteRead) {
		t.Errorf("Get error = %v, want ErrRemoteRead", err)
	}
}

func TestBackend_PollingPicksUpForeignWrites(t *testing.T) {
	bucket := newFakeBucket()
	b := newTestBackend(t, bucket, 20*time.Millisecond)

	snaps := make(chan []docstore.Document, 8)
	sub, err := b.Watch("recipes", []string{"r1"}, func(d []docstore.Document) { snaps <- d }, func(err error) {
		t.Errorf("unexpected error: %v", err)
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer sub.Cancel()
	if docs := next(t, snaps); len(docs) != 0 {
		t.Fatalf("initial snapshot = %+v", docs)
	}

	// Written behind the backend's back, as another process would.
	bucket.mu.Lock()
	bucket.objects["test/recipes/r1.json"] = []byte(`{"uid":"r1","data":{"uid":"r1"},"updated_at":"2026-10-19T00:00:00Z"}`)
	bucket.mu.Unlock()

	if docs := next(t, snaps); len(docs) != 1 || docs[0].UID != "r1" {
		t.Fatalf("snapshot after foreign write = %+v", docs)
	}

	// Unchanged polls deliver nothing.
	select {
	case docs := <-snaps:
		t.Errorf("unexpected snapshot for unchanged data: %+v", docs)
	case <-time.After(100 * time.Millisecond):
	}
}

func next(t *testing.T, ch <-chan []docstore.Document) []docstore.Document {
	t.Helper()
	select {
	case docs := <-ch:
		return docs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}
