package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/documentbrowser/internal/listing"
	"github.com/Lllllllleong/documentbrowser/internal/models"
	"github.com/stretchr/testify/require"
)

// memBucket is an in-memory object store with offset page tokens.
type memBucket struct {
	mu          sync.Mutex
	objects     map[string][]byte
	created     map[string]time.Time
	uploads     map[string]string // object -> content type
	opens       int
	failUploads int // fail this many Upload calls before succeeding
	listErr     error
}

func newMemBucket() *memBucket {
	return &memBucket{
		objects: make(map[string][]byte),
		created: make(map[string]time.Time),
		uploads: make(map[string]string),
	}
}

func (b *memBucket) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	b.created[key] = time.Date(2024, 1, 1, 0, 0, len(b.created), 0, time.UTC)
}

func (b *memBucket) sortedKeys(prefix, startAfter string) []string {
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) && k > startAfter {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (b *memBucket) ListBatch(_ context.Context, req listing.BatchRequest) (*listing.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	keys := b.sortedKeys(req.Prefix, req.StartAfter)
	offset := 0
	if req.PageToken != "" {
		offset, _ = strconv.Atoi(req.PageToken)
	}
	end := min(offset+req.MaxResults, len(keys))
	batch := &listing.Batch{}
	for _, k := range keys[offset:end] {
		batch.Objects = append(batch.Objects, listing.ObjectInfo{Key: k, Size: int64(len(b.objects[k])), Created: b.created[k]})
	}
	if end < len(keys) {
		batch.NextPageToken = strconv.Itoa(end)
	}
	return batch, nil
}

func (b *memBucket) Stat(_ context.Context, key string) (*listing.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", listing.ErrNotFound, key)
	}
	return &listing.ObjectInfo{Key: key, Size: int64(len(data)), Created: b.created[key]}, nil
}

func (b *memBucket) Open(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", listing.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBucket) Upload(_ context.Context, object, contentType string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failUploads > 0 {
		b.failUploads--
		return errors.New("503 service unavailable")
	}
	b.objects[object] = bytes.Clone(data)
	b.uploads[object] = contentType
	return nil
}

func (b *memBucket) get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

func (b *memBucket) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

type staticManifest models.RenderManifest

func (m staticManifest) LoadManifest(context.Context) (models.RenderManifest, error) {
	return models.RenderManifest(m), nil
}

type staticEntities models.EntityIndex

func (e staticEntities) LoadEntityIndex(context.Context) (models.EntityIndex, error) {
	return models.EntityIndex(e), nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}
