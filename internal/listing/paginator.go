// Package listing turns the blob store's native pagination into a stable,
// type-filtered cursor stream of documents.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/documentbrowser/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	MinLimit = 1
	MaxLimit = 1000

	// DefaultBatchSize is the native page size requested from the store.
	DefaultBatchSize = 1000

	// MaxLookupKeys bounds a single Lookup call.
	MaxLookupKeys = 1000

	lookupConcurrency = 16
)

// Metrics receives listing observations. A nil Metrics disables collection.
type Metrics interface {
	ObserveList(batches, skipped, returned int, duration time.Duration, err error)
}

// Config tunes a Paginator. Zero values select defaults.
type Config struct {
	BatchSize int
	Qualifier Qualifier
	// SkipPrefixes name key ranges holding no documents. The paginator
	// restarts the store listing past such a range instead of paging through it.
	SkipPrefixes []string
}

// Paginator merges native store batches into limit-sized pages of qualifying documents.
type Paginator struct {
	store     Store
	batchSize int
	qualify   Qualifier
	skip      []string
	metrics   Metrics
}

// maxRune sorts after any other character, so prefix+maxRune is at or past
// every key under prefix except those continuing with maxRune itself.
const maxRune = "\U0010FFFF"

// NewPaginator creates a Paginator over store.
func NewPaginator(store Store, cfg Config, metrics Metrics) (*Paginator, error) {
	if store == nil {
		return nil, errors.New("listing: store is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Qualifier == nil {
		cfg.Qualifier = IsDocument
	}
	return &Paginator{
		store:     store,
		batchSize: cfg.BatchSize,
		qualify:   cfg.Qualifier,
		skip:      cfg.SkipPrefixes,
		metrics:   metrics,
	}, nil
}

// ClampLimit forces limit into [MinLimit, MaxLimit].
func ClampLimit(limit int) int {
	if limit < MinLimit {
		return MinLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// List returns up to limit qualifying documents under prefix, resuming after cursor.
//
// Fewer than limit items are returned only when the store is exhausted. The
// returned cursor is the key of the last item and is set only when HasMore.
// The call is all-or-nothing: any store error discards the partial page.
func (p *Paginator) List(ctx context.Context, cursor string, limit int, prefix string) (page *models.ListingPage, err error) {
	start := time.Now()
	var batches, skipped int
	defer func() {
		if p.metrics == nil {
			return
		}
		returned := 0
		if page != nil {
			returned = len(page.Items)
		}
		p.metrics.ObserveList(batches, skipped, returned, time.Since(start), err)
	}()

	limit = ClampLimit(limit)
	if cursor != "" && !strings.HasPrefix(cursor, prefix) {
		return nil, fmt.Errorf("%w: cursor %q, prefix %q", ErrCursorPrefixMismatch, cursor, prefix)
	}

	items := make([]models.DocumentMeta, 0, limit)
	last := cursor
	startAfter := cursor
	token := ""
	more := false
	for {
		batch, err := p.store.ListBatch(ctx, BatchRequest{
			Prefix:     prefix,
			StartAfter: startAfter,
			PageToken:  token,
			MaxResults: p.batchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list batch %d under prefix %q: %w", ErrTransient, batches+1, prefix, err)
		}
		batches++

		jumped := false
		for _, obj := range batch.Objects {
			if last != "" && obj.Key <= last {
				return nil, fmt.Errorf("%w: %q listed after %q", ErrUnstableOrder, obj.Key, last)
			}
			last = obj.Key
			if target, ok := p.skipTarget(obj.Key); ok {
				skipped++
				startAfter, token, jumped = target, "", true
				break
			}
			if !p.qualify(obj) {
				skipped++
				continue
			}
			items = append(items, models.DocumentMeta{
				Key:        obj.Key,
				Size:       obj.Size,
				UploadedAt: obj.Created,
			})
		}

		if !jumped {
			token = batch.NextPageToken
		}
		more = jumped || token != ""
		if !more || len(items) >= limit {
			break
		}
	}

	hasMore := len(items) > limit || more
	if len(items) > limit {
		items = items[:limit]
	}
	page = &models.ListingPage{Items: items, HasMore: hasMore}
	if hasMore && len(items) > 0 {
		page.Cursor = items[len(items)-1].Key
	}

	slog.Debug("Listed documents.",
		"prefix", prefix,
		"cursor", cursor,
		"returned", len(items),
		"batches", batches,
		"skipped", skipped,
		"hasMore", hasMore,
	)
	return page, nil
}

// skipTarget reports where to restart the listing when key falls in a skipped
// range. Keys already at or past the restart point are left to the qualifier.
func (p *Paginator) skipTarget(key string) (string, bool) {
	for _, prefix := range p.skip {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if target := prefix + maxRune; target > key {
			return target, true
		}
	}
	return "", false
}

// All drains the cursor stream under prefix. It is used for a full refresh of
// the in-memory document set.
func (p *Paginator) All(ctx context.Context, prefix string) ([]models.DocumentMeta, error) {
	var (
		docs   []models.DocumentMeta
		cursor string
	)
	for {
		page, err := p.List(ctx, cursor, MaxLimit, prefix)
		if err != nil {
			return nil, err
		}
		docs = append(docs, page.Items...)
		if !page.HasMore {
			return docs, nil
		}
		cursor = page.Cursor
	}
}

// Lookup resolves an explicit key set into document metadata, preserving input
// order. Missing and non-qualifying keys are skipped; duplicates are collapsed.
func (p *Paginator) Lookup(ctx context.Context, keys []string) ([]models.DocumentMeta, error) {
	if len(keys) > MaxLookupKeys {
		return nil, fmt.Errorf("%w: %d requested, at most %d allowed", ErrTooManyKeys, len(keys), MaxLookupKeys)
	}

	seen := make(map[string]struct{}, len(keys))
	unique := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok || k == "" {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}

	found := make([]*models.DocumentMeta, len(unique))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(lookupConcurrency)
	for i, key := range unique {
		eg.Go(func() error {
			info, err := p.store.Stat(gctx, key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%w: failed to stat %q: %w", ErrTransient, key, err)
			}
			if !p.qualify(*info) {
				return nil
			}
			found[i] = &models.DocumentMeta{Key: info.Key, Size: info.Size, UploadedAt: info.Created}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	docs := make([]models.DocumentMeta, 0, len(unique))
	for _, d := range found {
		if d != nil {
			docs = append(docs, *d)
		}
	}
	return docs, nil
}
