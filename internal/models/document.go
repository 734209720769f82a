package models

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// DocumentMeta describes one listed document in the blob store.
// It is immutable once listed; the document set is replaced wholesale on refresh.
type DocumentMeta struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded"`
}

// ListingPage is one page of a cursor stream. An empty Cursor means there is
// nothing left to resume from. A cursor is only valid together with the prefix
// that produced it.
type ListingPage struct {
	Items   []DocumentMeta
	Cursor  string
	HasMore bool
}

// PageKind tags the variant held by a PageRef.
type PageKind int

const (
	// PageRemote is a pre-rendered image addressed by URL.
	PageRemote PageKind = iota
	// PageInline is image data rasterized in-process.
	PageInline
)

func (k PageKind) String() string {
	switch k {
	case PageRemote:
		return "remote"
	case PageInline:
		return "inline"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind as "remote" or "inline".
func (k PageKind) MarshalText() ([]byte, error) {
	switch k {
	case PageRemote, PageInline:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("invalid page kind %d", int(k))
	}
}

// UnmarshalText decodes "remote" or "inline".
func (k *PageKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "remote":
		*k = PageRemote
	case "inline":
		*k = PageInline
	default:
		return fmt.Errorf("invalid page kind %q", text)
	}
	return nil
}

// PageRef references the image for a single rendered page.
// Exactly one of URL (PageRemote) or Data (PageInline) is meaningful.
type PageRef struct {
	Kind     PageKind `json:"kind"`
	URL      string   `json:"url,omitempty"`
	MIMEType string   `json:"mimeType,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// RemoteImage returns a PageRef for a pre-rendered image URL.
func RemoteImage(url string) PageRef {
	return PageRef{Kind: PageRemote, URL: url}
}

// InlineImage returns a PageRef holding raw image bytes.
func InlineImage(mimeType string, data []byte) PageRef {
	return PageRef{Kind: PageInline, MIMEType: mimeType, Data: data}
}

// IsRemote reports whether the page is addressed by URL.
func (p PageRef) IsRemote() bool { return p.Kind == PageRemote }

// RenderedDocument is the complete, ordered page list for one document.
// It is stored whole or not at all.
type RenderedDocument struct {
	Key        string    `json:"key"`
	Pages      []PageRef `json:"pages"`
	RenderedAt time.Time `json:"renderedAt"`
}

// PageCount returns the number of rendered pages.
func (d *RenderedDocument) PageCount() int { return len(d.Pages) }

// Thumbnail is the single-image preview of a document.
type Thumbnail struct {
	Key   string  `json:"key"`
	Image PageRef `json:"image"`
}

// ManifestEntry advertises pre-rendered page images for one document.
type ManifestEntry struct {
	Pages int `json:"pages"`
}

// RenderManifest maps document keys to their pre-rendered page counts.
type RenderManifest map[string]ManifestEntry

// Prerendered reports whether page images exist in the bucket for key.
func (m RenderManifest) Prerendered(key string) (int, bool) {
	e, ok := m[key]
	if !ok || e.Pages <= 0 {
		return 0, false
	}
	return e.Pages, true
}

// BasePath strips the document extension from a key; pre-rendered pages
// live under pdfs-as-jpegs/<BasePath>/.
func BasePath(key string) string {
	return strings.TrimSuffix(key, path.Ext(key))
}

// ManifestRecord is the Firestore shape of a manifest entry, written by the
// pre-renderer and read back into a RenderManifest.
type ManifestRecord struct {
	Key          string    `firestore:"key,omitempty"`
	FileHash     string    `firestore:"fileHash,omitempty"`
	Status       string    `firestore:"status,omitempty"`
	ErrorDetails string    `firestore:"errorDetails,omitempty"`
	Pages        int       `firestore:"pages,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt,omitempty"`
}

// Manifest record statuses.
const (
	StatusRendering = "RENDERING"
	StatusComplete  = "COMPLETE"
	StatusFailed    = "FAILED"
)

// EntityIndex maps a named entity to the document keys it appears in. It is
// pre-computed offline and loaded read-only.
type EntityIndex map[string][]string

// KeySet returns the keys for name as a set, reporting false for unknown names.
func (idx EntityIndex) KeySet(name string) (map[string]struct{}, bool) {
	keys, ok := idx[name]
	if !ok {
		return nil, false
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, true
}
