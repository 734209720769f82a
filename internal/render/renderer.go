package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/Lllllllleong/documentbrowser/internal/models"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// DefaultMaxDocumentBytes caps how much of a document is read for in-process rasterization.
const DefaultMaxDocumentBytes = 64 << 20

// DocumentSource opens the raw bytes of a stored document.
type DocumentSource interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ManifestSource loads the render manifest advertising pre-rendered pages.
type ManifestSource interface {
	LoadManifest(ctx context.Context) (models.RenderManifest, error)
}

// RendererConfig holds configuration for the Renderer.
type RendererConfig struct {
	// PublicBaseURL is the origin serving pre-rendered images.
	PublicBaseURL    string
	ThumbnailWidth   int
	MaxDocumentBytes int64
}

// Renderer produces page references for a document. When the manifest lists
// pre-rendered pages for a key it returns their URLs without touching the
// document; otherwise it fetches the PDF and extracts page images in-process.
type Renderer struct {
	source   DocumentSource
	config   RendererConfig
	manifest atomic.Pointer[models.RenderManifest]
}

// NewRenderer creates a Renderer reading documents from source.
func NewRenderer(source DocumentSource, config RendererConfig) (*Renderer, error) {
	if source == nil {
		return nil, errors.New("render: document source is required")
	}
	if config.ThumbnailWidth <= 0 {
		config.ThumbnailWidth = DefaultThumbnailWidth
	}
	if config.MaxDocumentBytes <= 0 {
		config.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	r := &Renderer{
		source: source,
		config: config,
	}
	r.SetManifest(nil)
	return r, nil
}

// newPDFConfiguration returns a fresh configuration per call; pdfcpu writes
// the command into it, so one configuration must not be shared by workers.
func newPDFConfiguration() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// SetManifest replaces the render manifest. A nil manifest disables URL mode.
func (r *Renderer) SetManifest(m models.RenderManifest) {
	if m == nil {
		m = models.RenderManifest{}
	}
	r.manifest.Store(&m)
}

// Manifest returns the current render manifest.
func (r *Renderer) Manifest() models.RenderManifest {
	return *r.manifest.Load()
}

// RefreshManifest reloads the manifest from src, keeping the previous one on failure.
func (r *Renderer) RefreshManifest(ctx context.Context, src ManifestSource) (int, error) {
	m, err := src.LoadManifest(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load render manifest: %w", err)
	}
	r.SetManifest(m)
	return len(m), nil
}

// Pages returns the RenderFunc for key.
func (r *Renderer) Pages(key string) RenderFunc {
	return func(ctx context.Context) ([]models.PageRef, error) {
		if n, ok := r.Manifest().Prerendered(key); ok {
			return r.RemotePages(key, n), nil
		}
		return r.Rasterize(ctx, key)
	}
}

// Thumb returns the ThumbnailFunc for key.
func (r *Renderer) Thumb(key string) ThumbnailFunc {
	return func(ctx context.Context) (models.PageRef, error) {
		if _, ok := r.Manifest().Prerendered(key); ok {
			return models.RemoteImage(objectURL(r.config.PublicBaseURL, ThumbnailPath(key))), nil
		}
		data, err := r.fetch(ctx, key)
		if err != nil {
			return models.PageRef{}, err
		}
		thumb, err := r.ThumbnailBytes(data)
		if err != nil {
			return models.PageRef{}, err
		}
		return models.InlineImage("image/jpeg", thumb), nil
	}
}

// RemotePages builds the URLs of n pre-rendered pages of key.
func (r *Renderer) RemotePages(key string, n int) []models.PageRef {
	pages := make([]models.PageRef, n)
	for i := range pages {
		pages[i] = models.RemoteImage(objectURL(r.config.PublicBaseURL, PageImagePath(key, i+1)))
	}
	return pages
}

// Rasterize fetches key and extracts one image per page.
func (r *Renderer) Rasterize(ctx context.Context, key string) ([]models.PageRef, error) {
	data, err := r.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	pages, err := r.RasterizeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", key, err)
	}
	slog.Debug("Rasterized document.", "documentKey", key, "pageCount", len(pages))
	return pages, nil
}

func (r *Renderer) fetch(ctx context.Context, key string) ([]byte, error) {
	rc, err := r.source.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %q: %w", ErrTransport, key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, r.config.MaxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %q: %w", ErrTransport, key, err)
	}
	if int64(len(data)) > r.config.MaxDocumentBytes {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrDecode, key, r.config.MaxDocumentBytes)
	}
	return data, nil
}

// RasterizeBytes turns a PDF into one page reference per page.
//
// Scanned documents carry one raster image per page, which is returned as-is
// (TIFF re-encoded to PNG). A page without a displayable image is returned as
// a single-page PDF so the page list is always complete.
func (r *Renderer) RasterizeBytes(data []byte) ([]models.PageRef, error) {
	pageCount, err := api.PageCount(bytes.NewReader(data), newPDFConfiguration())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get page count: %w", ErrDecode, err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrDecode)
	}

	images, err := r.pageImages(data, nil)
	if err != nil {
		return nil, err
	}

	pages := make([]models.PageRef, pageCount)
	for i := 1; i <= pageCount; i++ {
		if img, ok := images[i]; ok {
			mimeType, imgData, ok, err := browserImage(img.FileType, img)
			if err != nil {
				return nil, fmt.Errorf("%w: page %d: %w", ErrDecode, i, err)
			}
			if ok {
				pages[i-1] = models.InlineImage(mimeType, imgData)
				continue
			}
		}

		var buf bytes.Buffer
		if err := api.Trim(bytes.NewReader(data), &buf, []string{strconv.Itoa(i)}, newPDFConfiguration()); err != nil {
			return nil, fmt.Errorf("%w: failed to extract page %d: %w", ErrDecode, i, err)
		}
		pages[i-1] = models.InlineImage("application/pdf", buf.Bytes())
	}
	return pages, nil
}

// ThumbnailBytes renders a JPEG thumbnail from the first page image of a PDF.
func (r *Renderer) ThumbnailBytes(data []byte) ([]byte, error) {
	images, err := r.pageImages(data, []string{"1"})
	if err != nil {
		return nil, err
	}
	img, ok := images[1]
	if !ok {
		return nil, fmt.Errorf("%w: first page has no raster image", ErrDecode)
	}
	mimeType, imgData, ok, err := browserImage(img.FileType, img)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: first page image (%s) is not decodable: %v", ErrDecode, img.FileType, err)
	}
	decoded, err := decodeImage(mimeType, imgData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	thumb, err := Thumbnail(decoded, r.config.ThumbnailWidth)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode thumbnail: %w", ErrDecode, err)
	}
	return thumb, nil
}

// pageImages extracts the largest non-thumbnail image of each selected page.
func (r *Renderer) pageImages(data []byte, selectedPages []string) (map[int]model.Image, error) {
	extracted, err := api.ExtractImagesRaw(bytes.NewReader(data), selectedPages, newPDFConfiguration())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to extract images: %w", ErrDecode, err)
	}
	return largestImages(extracted), nil
}

// largestImages keeps, per page number, the image covering the most pixels.
func largestImages(extracted []map[int]model.Image) map[int]model.Image {
	byPage := make(map[int]model.Image)
	for _, pageImgs := range extracted {
		for _, img := range pageImgs {
			if img.Thumb {
				continue
			}
			if cur, ok := byPage[img.PageNr]; ok && cur.Width*cur.Height >= img.Width*img.Height {
				continue
			}
			byPage[img.PageNr] = img
		}
	}
	return byPage
}
