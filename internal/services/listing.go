package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/documentbrowser/internal/gcp"
	"github.com/Lllllllleong/documentbrowser/internal/listing"
	"github.com/Lllllllleong/documentbrowser/internal/metrics"
	"github.com/Lllllllleong/documentbrowser/internal/models"
	"github.com/Lllllllleong/documentbrowser/internal/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// documentListing skips the pre-rendered image trees written next to the documents.
var documentListing = listing.Config{SkipPrefixes: []string{render.PagesPrefix, render.ThumbnailsPrefix}}

// ListingConfig holds configuration for the listing façade.
type ListingConfig struct {
	DocumentsBucket string
	// CacheSeconds is the max-age advertised on listing responses.
	CacheSeconds int
}

// ListingFunction serves the document listing and raw object reads over HTTP.
type ListingFunction struct {
	paginator *listing.Paginator
	objects   render.DocumentSource
	config    ListingConfig
	registry  *prometheus.Registry
}

// NewListing creates the listing façade from the environment.
func NewListing(ctx context.Context) (*ListingFunction, error) {
	cacheSeconds, err := gcp.GetEnvInt("LISTING_CACHE_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	config := ListingConfig{
		DocumentsBucket: gcp.GetEnv("DOCUMENTS_BUCKET", ""),
		CacheSeconds:    cacheSeconds,
	}
	if config.DocumentsBucket == "" {
		return nil, fmt.Errorf("DOCUMENTS_BUCKET environment variable must be set")
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	bucket, err := gcp.NewBucket(storageClient, config.DocumentsBucket)
	if err != nil {
		return nil, err
	}

	f, err := NewListingFunction(bucket, bucket, config, metrics.NewRegistry())
	if err != nil {
		return nil, err
	}
	slog.Info("Listing logic initialized.", "bucket", config.DocumentsBucket)
	return f, nil
}

// NewListingFunction wires the façade over an explicit store and object source.
// Listing metrics are registered on reg and served at /metrics; a nil reg
// disables both.
func NewListingFunction(store listing.Store, objects render.DocumentSource, config ListingConfig, reg *prometheus.Registry) (*ListingFunction, error) {
	var m listing.Metrics
	if reg != nil {
		m = metrics.NewListingMetrics(reg)
	}
	paginator, err := listing.NewPaginator(store, documentListing, m)
	if err != nil {
		return nil, err
	}
	if objects == nil {
		return nil, errors.New("object source is required")
	}
	if config.CacheSeconds < 0 {
		config.CacheSeconds = 0
	}
	return &ListingFunction{paginator: paginator, objects: objects, config: config, registry: reg}, nil
}

// ServeHTTP routes /api/files, /api/files-by-keys, /metrics and raw object reads.
func (f *ListingFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		if f.registry == nil {
			http.NotFound(w, r)
			return
		}
		promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	case "/api/files":
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		f.handleFiles(w, r)
	case "/api/files-by-keys":
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		f.handleFilesByKeys(w, r)
	default:
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		f.handleObject(w, r)
	}
}

func (f *ListingFunction) handleFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := listing.MaxLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Bad Request: limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	cursor, prefix := q.Get("cursor"), q.Get("prefix")
	logCtx := slog.With("prefix", prefix, "cursor", cursor, "limit", limit)

	page, err := f.paginator.List(r.Context(), cursor, limit, prefix)
	if err != nil {
		if errors.Is(err, listing.ErrCursorPrefixMismatch) {
			http.Error(w, "Bad Request: cursor does not match prefix", http.StatusBadRequest)
			return
		}
		logCtx.Error("Failed to list documents.", "error", err)
		http.Error(w, "Bad Gateway: listing failed", http.StatusBadGateway)
		return
	}

	res := models.FilesResponse{
		Files:         page.Items,
		Truncated:     page.HasMore,
		TotalReturned: len(page.Items),
	}
	if page.Cursor != "" {
		res.Cursor = &page.Cursor
	}
	if res.Files == nil {
		res.Files = []models.DocumentMeta{}
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", f.config.CacheSeconds))
	writeJSON(w, http.StatusOK, res)
}

func (f *ListingFunction) handleFilesByKeys(w http.ResponseWriter, r *http.Request) {
	var req models.FilesByKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	docs, err := f.paginator.Lookup(r.Context(), req.Keys)
	if err != nil {
		if errors.Is(err, listing.ErrTooManyKeys) {
			http.Error(w, fmt.Sprintf("Bad Request: at most %d keys per request", listing.MaxLookupKeys), http.StatusBadRequest)
			return
		}
		slog.Error("Failed to look up documents.", "keyCount", len(req.Keys), "error", err)
		http.Error(w, "Bad Gateway: lookup failed", http.StatusBadGateway)
		return
	}
	if docs == nil {
		docs = []models.DocumentMeta{}
	}
	writeJSON(w, http.StatusOK, models.FilesByKeysResponse{Files: docs, TotalReturned: len(docs)})
}

// handleObject streams a stored object: a document or a pre-rendered image.
func (f *ListingFunction) handleObject(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")
	if key == "" || strings.HasSuffix(key, "/") {
		http.NotFound(w, r)
		return
	}

	rc, err := f.objects.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		slog.Error("Failed to open object.", "gcsObject", key, "error", err)
		http.Error(w, "Bad Gateway: could not read object", http.StatusBadGateway)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType(key))
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", f.config.CacheSeconds))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("Failed to stream object.", "gcsObject", key, "error", err)
	}
}

func contentType(key string) string {
	ext := strings.ToLower(path.Ext(key))
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
