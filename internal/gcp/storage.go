package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/documentbrowser/internal/listing"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvInt reads an integer environment variable, returning fallback when it
// is unset and an error when it is set but malformed.
func GetEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

// Bucket adapts a GCS bucket to the listing store, the document source and
// the pre-renderer's object writer.
type Bucket struct {
	handle *storage.BucketHandle
	name   string
}

var _ listing.Store = (*Bucket)(nil)

// NewBucket wraps the named bucket of client.
func NewBucket(client *storage.Client, name string) (*Bucket, error) {
	if name == "" {
		return nil, fmt.Errorf("bucket name must be provided")
	}
	return &Bucket{handle: client.Bucket(name), name: name}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// ListBatch fetches one native page of objects in ascending name order.
func (b *Bucket) ListBatch(ctx context.Context, req listing.BatchRequest) (*listing.Batch, error) {
	query := &storage.Query{Prefix: req.Prefix}
	if req.StartAfter != "" {
		// StartOffset is inclusive; the smallest name after StartAfter is StartAfter+"\x00".
		query.StartOffset = req.StartAfter + "\x00"
	}
	if err := query.SetAttrSelection([]string{"Name", "Size", "Created"}); err != nil {
		return nil, fmt.Errorf("failed to set attribute selection: %w", err)
	}

	pageSize := req.MaxResults
	if pageSize <= 0 {
		pageSize = listing.DefaultBatchSize
	}

	var attrs []*storage.ObjectAttrs
	pager := iterator.NewPager(b.handle.Objects(ctx, query), pageSize, req.PageToken)
	nextToken, err := pager.NextPage(&attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to list gs://%s/%s: %w", b.name, req.Prefix, err)
	}

	batch := &listing.Batch{
		Objects:       make([]listing.ObjectInfo, 0, len(attrs)),
		NextPageToken: nextToken,
	}
	for _, a := range attrs {
		// Prefix entries only appear with a delimiter; skip them regardless.
		if a.Name == "" {
			continue
		}
		batch.Objects = append(batch.Objects, listing.ObjectInfo{Key: a.Name, Size: a.Size, Created: a.Created})
	}
	return batch, nil
}

// Stat returns the metadata of one object, or listing.ErrNotFound.
func (b *Bucket) Stat(ctx context.Context, key string) (*listing.ObjectInfo, error) {
	attrs, err := b.handle.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", listing.ErrNotFound, b.name, key)
		}
		return nil, fmt.Errorf("failed to stat gs://%s/%s: %w", b.name, key, err)
	}
	return &listing.ObjectInfo{Key: attrs.Name, Size: attrs.Size, Created: attrs.Created}, nil
}

// Open streams an object's content.
func (b *Bucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := b.handle.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", listing.ErrNotFound, b.name, key)
		}
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", b.name, key, err)
	}
	return r, nil
}

// Upload writes data to object, replacing any existing content.
func (b *Bucket) Upload(ctx context.Context, object, contentType string, data []byte) error {
	w := b.handle.Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("io.Copy to GCS failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
	}
	return nil
}

// SaveAtomically writes data to object only if it doesn't already exist.
// An existing object is not an error.
func (b *Bucket) SaveAtomically(ctx context.Context, object, contentType string, data []byte) error {
	w := b.handle.Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists. Skipping.", "gcsObject", object)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists. Skipping.", "gcsObject", object)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// ReadJSON decodes a JSON object stored in the bucket into v.
func (b *Bucket) ReadJSON(ctx context.Context, object string, v any) error {
	r, err := b.Open(ctx, object)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("failed to decode gs://%s/%s: %w", b.name, object, err)
	}
	return nil
}
