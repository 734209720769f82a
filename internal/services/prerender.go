package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/documentbrowser/internal/gcp"
	"github.com/Lllllllleong/documentbrowser/internal/listing"
	"github.com/Lllllllleong/documentbrowser/internal/models"
	"github.com/Lllllllleong/documentbrowser/internal/render"
	"golang.org/x/sync/errgroup"
)

// ObjectStore reads documents and writes rendered images.
type ObjectStore interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Upload(ctx context.Context, object, contentType string, data []byte) error
}

// ManifestWriter records pre-render progress per document.
type ManifestWriter interface {
	Lookup(ctx context.Context, key string) (*models.ManifestRecord, error)
	Begin(ctx context.Context, key, fileHash string) error
	Complete(ctx context.Context, key string, pages int) error
	Fail(ctx context.Context, key, details string) error
}

// Rasterizer turns PDF bytes into page images and a thumbnail.
type Rasterizer interface {
	RasterizeBytes(data []byte) ([]models.PageRef, error)
	ThumbnailBytes(data []byte) ([]byte, error)
}

type PrerenderConfig struct {
	ProjectID          string
	DocumentsBucket    string
	ManifestCollection string
	// UploadLimit bounds concurrent image uploads per document.
	UploadLimit int
}

// PrerenderFunction renders every page of a newly uploaded document to JPEG,
// stores the images next to the documents and records the page count in the
// manifest, so the viewer can serve the pages by URL.
type PrerenderFunction struct {
	objects    ObjectStore
	manifest   ManifestWriter
	rasterizer Rasterizer
	config     PrerenderConfig

	maxRetries   int
	retryBackoff time.Duration
}

// GCSEvent is the payload of a storage object finalize event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

func NewPrerender(ctx context.Context) (*PrerenderFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	uploadLimit, err := gcp.GetEnvInt("PRERENDER_UPLOAD_LIMIT", 10)
	if err != nil {
		return nil, err
	}

	config := PrerenderConfig{
		ProjectID:          projectID,
		DocumentsBucket:    gcp.GetEnv("DOCUMENTS_BUCKET", ""),
		ManifestCollection: gcp.GetEnv("MANIFEST_COLLECTION", "renderManifest"),
		UploadLimit:        uploadLimit,
	}
	if config.DocumentsBucket == "" {
		return nil, fmt.Errorf("DOCUMENTS_BUCKET environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	bucket, err := gcp.NewBucket(storageClient, config.DocumentsBucket)
	if err != nil {
		return nil, err
	}
	renderer, err := render.NewRenderer(bucket, render.RendererConfig{})
	if err != nil {
		return nil, err
	}

	f := NewPrerenderFunction(bucket, gcp.NewFirestoreManifest(firestoreClient, config.ManifestCollection), renderer, config)
	slog.Info("Page prerenderer logic initialized.", "bucket", config.DocumentsBucket, "manifestCollection", config.ManifestCollection)
	return f, nil
}

// NewPrerenderFunction wires a pre-renderer from explicit collaborators.
func NewPrerenderFunction(objects ObjectStore, manifest ManifestWriter, rasterizer Rasterizer, config PrerenderConfig) *PrerenderFunction {
	if config.UploadLimit <= 0 {
		config.UploadLimit = 10
	}
	return &PrerenderFunction{
		objects:      objects,
		manifest:     manifest,
		rasterizer:   rasterizer,
		config:       config,
		maxRetries:   4,
		retryBackoff: time.Second,
	}
}

// Process pre-renders the document named by e. Objects that are not documents,
// including the images this function writes, are ignored, as is a document
// whose content was already rendered.
func (f *PrerenderFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)

	if !isSourceDocument(e.Name) {
		logCtx.Debug("Ignoring non-document object.")
		return nil
	}
	if f.config.DocumentsBucket != "" && e.Bucket != f.config.DocumentsBucket {
		logCtx.Warn("Ignoring object from unexpected bucket.", "expectedBucket", f.config.DocumentsBucket)
		return nil
	}
	logCtx.Info("Processing new GCS object.")

	data, fileHash, err := f.readObject(ctx, e.Name)
	if err != nil {
		logCtx.Error("Failed to download source PDF", "error", err)
		return err
	}
	logCtx = logCtx.With("fileHash", fileHash)

	existing, err := f.manifest.Lookup(ctx, e.Name)
	if err != nil {
		logCtx.Error("Failed to check for an existing render", "error", err)
		return err
	}
	if existing != nil && existing.Status == models.StatusComplete && existing.FileHash == fileHash {
		logCtx.Info("Document already pre-rendered. Skipping.", "pageCount", existing.Pages)
		return nil
	}

	if err := f.manifest.Begin(ctx, e.Name, fileHash); err != nil {
		logCtx.Error("Failed to create manifest record", "error", err)
		return err
	}

	pages, err := f.rasterizer.RasterizeBytes(data)
	if err != nil {
		return f.handleError(ctx, logCtx, e.Name, "failed to rasterize PDF", err)
	}
	logCtx = logCtx.With("pageCount", len(pages))

	if err := f.uploadPages(ctx, logCtx, e.Name, pages); err != nil {
		return f.handleError(ctx, logCtx, e.Name, "one or more pages failed to upload", err)
	}

	thumb, err := f.rasterizer.ThumbnailBytes(data)
	if err != nil {
		return f.handleError(ctx, logCtx, e.Name, "failed to render thumbnail", err)
	}
	if err := f.uploadWithRetry(ctx, render.ThumbnailPath(e.Name), thumb); err != nil {
		return f.handleError(ctx, logCtx, e.Name, "failed to upload thumbnail", err)
	}

	if err := f.manifest.Complete(ctx, e.Name, len(pages)); err != nil {
		return f.handleError(ctx, logCtx, e.Name, "failed to update status to COMPLETE", err)
	}
	logCtx.Info("Document pre-rendered.")
	return nil
}

func isSourceDocument(name string) bool {
	if strings.HasPrefix(name, render.PagesPrefix) || strings.HasPrefix(name, render.ThumbnailsPrefix) {
		return false
	}
	return listing.IsDocument(listing.ObjectInfo{Key: name})
}

// readObject downloads an object and hashes it in the same pass.
func (f *PrerenderFunction) readObject(ctx context.Context, name string) ([]byte, string, error) {
	r, err := f.objects.Open(ctx, name)
	if err != nil {
		return nil, "", err
	}
	defer r.Close()

	hash := sha256.New()
	data, err := io.ReadAll(io.TeeReader(r, hash))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read GCS object %s: %w", name, err)
	}
	return data, hex.EncodeToString(hash.Sum(nil)), nil
}

func (f *PrerenderFunction) uploadPages(ctx context.Context, logCtx *slog.Logger, key string, pages []models.PageRef) error {
	logCtx.Info("Starting concurrent upload of pages.")
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(f.config.UploadLimit)

	for i, page := range pages {
		pageNumber := i + 1
		eg.Go(func() error {
			if page.IsRemote() {
				return fmt.Errorf("page %d: already a remote image", pageNumber)
			}
			jpg, err := render.EncodeJPEG(page.MIMEType, page.Data)
			if err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}
			if err := f.uploadWithRetry(gctx, render.PageImagePath(key, pageNumber), jpg); err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	logCtx.Info("All pages uploaded successfully.")
	return nil
}

func (f *PrerenderFunction) handleError(ctx context.Context, logCtx *slog.Logger, key, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if err := f.manifest.Fail(ctx, key, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to update manifest status to FAILED after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s: %w", message, originalErr)
}

func (f *PrerenderFunction) uploadWithRetry(ctx context.Context, destObject string, data []byte) error {
	backoff := f.retryBackoff
	var lastErr error

	for i := 0; i < f.maxRetries; i++ {
		err := func() error {
			writeCtx, cancel := context.WithTimeout(ctx, time.Second*50)
			defer cancel()
			return f.objects.Upload(writeCtx, destObject, "image/jpeg", data)
		}()
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn(
			"Upload failed, will retry.",
			"gcsObject", destObject,
			"attempt", i+1,
			"maxRetries", f.maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			slog.Error("Context cancelled during backoff. Aborting retries.", "gcsObject", destObject, "error", ctx.Err())
			return ctx.Err()
		}
	}
	slog.Error("Upload failed after all retries.", "gcsObject", destObject, "error", lastErr)
	return fmt.Errorf("upload for %s failed after all retries: %w", destObject, lastErr)
}
