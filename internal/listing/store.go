package listing

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	// ErrTransient wraps any failure of the underlying store. Callers may retry the whole call.
	ErrTransient = errors.New("listing: transient store failure")
	// ErrCursorPrefixMismatch is returned when a cursor is submitted with a prefix it was not produced under.
	ErrCursorPrefixMismatch = errors.New("listing: cursor does not belong to prefix")
	// ErrUnstableOrder is returned when the store enumerates keys out of order, which would break resume.
	ErrUnstableOrder = errors.New("listing: store returned keys out of order")
	// ErrNotFound is returned by Store.Stat for a missing object.
	ErrNotFound = errors.New("listing: object not found")
	// ErrTooManyKeys is returned by Lookup when more than MaxLookupKeys keys are requested.
	ErrTooManyKeys = errors.New("listing: too many keys")
)

// ObjectInfo is a single entry of the underlying blob store listing.
type ObjectInfo struct {
	Key     string
	Size    int64
	Created time.Time
}

// BatchRequest asks the store for one native page of a listing.
// StartAfter is exclusive. PageToken, when set, continues a previous batch
// issued with the same Prefix and StartAfter.
type BatchRequest struct {
	Prefix     string
	StartAfter string
	PageToken  string
	MaxResults int
}

// Batch is one native page. An empty NextPageToken means the listing is exhausted.
type Batch struct {
	Objects       []ObjectInfo
	NextPageToken string
}

// Store is the subset of a blob store used by the paginator.
// Objects must be returned in ascending key order, stable across calls.
type Store interface {
	ListBatch(ctx context.Context, req BatchRequest) (*Batch, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
}

// Qualifier decides whether a listed object is a browsable document.
type Qualifier func(ObjectInfo) bool

// IsDocument accepts PDF objects and rejects folder placeholders and other file types.
func IsDocument(obj ObjectInfo) bool {
	if obj.Key == "" || strings.HasSuffix(obj.Key, "/") {
		return false
	}
	return strings.EqualFold(path.Ext(obj.Key), ".pdf")
}
