package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Lllllllleong/documentbrowser/internal/listing"
	"github.com/Lllllllleong/documentbrowser/internal/models"
	"github.com/Lllllllleong/documentbrowser/internal/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	efta1 = "VOL001/EFTA001.pdf"
	efta2 = "VOL001/EFTA002.pdf"
	efta3 = "VOL001/EFTA003.pdf"
	efta4 = "VOL002/EFTA004.pdf"
)

func newTestViewer(t *testing.T, b *memBucket, manifest models.RenderManifest, entities models.EntityIndex, radius int) *ViewerFunction {
	t.Helper()
	paginator, err := listing.NewPaginator(b, documentListing, nil)
	require.NoError(t, err)
	renderer, err := render.NewRenderer(b, render.RendererConfig{PublicBaseURL: "https://cdn.example.org"})
	require.NoError(t, err)

	deps := ViewerDeps{Lister: paginator, Renderer: renderer, Manifest: staticManifest(manifest)}
	if entities != nil {
		deps.Entities = staticEntities(entities)
	}
	f, err := NewViewerFunction(deps, ViewerConfig{PrefetchRadius: radius})
	require.NoError(t, err)
	t.Cleanup(f.Close)

	_, _, err = f.Refresh(t.Context())
	require.NoError(t, err)
	return f
}

func corpusBucket() (*memBucket, models.RenderManifest) {
	b := newMemBucket()
	manifest := models.RenderManifest{}
	for _, k := range []string{efta3, efta1, efta4, efta2} {
		b.put(k, []byte("%PDF-1.7"))
		manifest[k] = models.ManifestEntry{Pages: 2}
	}
	return b, manifest
}

func TestViewer_OpenReturnsNeighboursAndPrefetchesThem(t *testing.T) {
	b, manifest := corpusBucket()
	f := newTestViewer(t, b, manifest, nil, 1)

	res, err := f.Open(t.Context(), ViewRequest{Key: efta2, Collection: "VOL001/"})
	require.NoError(t, err)
	require.NotNil(t, res.Previous)
	require.NotNil(t, res.Next)
	assert.Equal(t, efta1, *res.Previous)
	assert.Equal(t, efta3, *res.Next)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, 3, res.Total)

	require.Len(t, res.Document.Pages, 2)
	assert.Equal(t, "https://cdn.example.org/pdfs-as-jpegs/VOL001/EFTA002/page-001.jpg", res.Document.Pages[0].URL)

	cache := f.Scheduler().Cache()
	require.Eventually(t, func() bool {
		_, prev := cache.Get(efta1)
		_, next := cache.Get(efta3)
		return prev && next
	}, time.Second, 5*time.Millisecond)
	_, outside := cache.Get(efta4)
	assert.False(t, outside, "documents outside the view are not prefetched")
	assert.Zero(t, b.openCount(), "pre-rendered documents are never fetched")
}

func TestViewer_BoundariesHaveNoNeighbour(t *testing.T) {
	b, manifest := corpusBucket()
	f := newTestViewer(t, b, manifest, nil, 1)

	res, err := f.Open(t.Context(), ViewRequest{Key: efta1})
	require.NoError(t, err)
	assert.Nil(t, res.Previous)
	require.NotNil(t, res.Next)
	assert.Equal(t, efta2, *res.Next)

	res, err = f.Open(t.Context(), ViewRequest{Key: efta4})
	require.NoError(t, err)
	assert.Nil(t, res.Next)
	assert.Equal(t, 4, res.Total)
}

func TestViewer_StaleKeyStillRenders(t *testing.T) {
	b, manifest := corpusBucket()
	f := newTestViewer(t, b, manifest, nil, 1)

	res, err := f.Open(t.Context(), ViewRequest{Key: efta4, Collection: "VOL001/"})
	require.NoError(t, err)
	assert.Nil(t, res.Previous)
	assert.Nil(t, res.Next)
	assert.Equal(t, -1, res.Index)
	assert.Equal(t, 3, res.Total)
	assert.Len(t, res.Document.Pages, 2)
}

func TestViewer_EntityFilterIntersectsCollection(t *testing.T) {
	b, manifest := corpusBucket()
	entities := models.EntityIndex{"Jane Doe": {efta1, efta3, efta4}}
	f := newTestViewer(t, b, manifest, entities, 1)

	res, err := f.Open(t.Context(), ViewRequest{Key: efta3, Collection: "VOL001/", Entity: "Jane Doe"})
	require.NoError(t, err)
	require.NotNil(t, res.Previous)
	assert.Equal(t, efta1, *res.Previous)
	assert.Nil(t, res.Next)
	assert.Equal(t, 2, res.Total)

	v, err := f.View(ViewRequest{Collection: "VOL002/", Entity: "Jane Doe", SortField: "id", SortOrder: "desc"})
	require.NoError(t, err)
	assert.Equal(t, []string{efta4}, v.Keys())

	_, err = f.View(ViewRequest{Entity: "Nobody"})
	assert.ErrorIs(t, err, ErrUnknownEntity)
	_, err = f.View(ViewRequest{SortField: "colour"})
	assert.ErrorIs(t, err, ErrInvalidView)
}

func TestViewer_RefreshPicksUpNewDocuments(t *testing.T) {
	b, manifest := corpusBucket()
	f := newTestViewer(t, b, manifest, nil, 1)

	v, err := f.View(ViewRequest{})
	require.NoError(t, err)
	assert.Equal(t, 4, v.Len())

	b.put("VOL002/EFTA005.pdf", []byte("%PDF-1.7"))
	docs, n, err := f.Refresh(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 5, docs)
	assert.Equal(t, 4, n)

	v, err = f.View(ViewRequest{})
	require.NoError(t, err)
	assert.Equal(t, 5, v.Len())
}

func serve(f *ViewerFunction, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestViewer_HTTPView(t *testing.T) {
	b, manifest := corpusBucket()
	f := newTestViewer(t, b, manifest, nil, 1)

	rec := serve(f, http.MethodGet, "/view?key="+efta2+"&sort=id&order=desc")
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.ViewResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.NotNil(t, res.Previous)
	assert.Equal(t, efta3, *res.Previous)
	assert.Equal(t, efta1, *res.Next)
	assert.Equal(t, efta2, res.Document.Key)

	assert.Equal(t, http.StatusBadRequest, serve(f, http.MethodGet, "/view").Code)
	assert.Equal(t, http.StatusBadRequest, serve(f, http.MethodGet, "/view?key="+efta2+"&order=sideways").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(f, http.MethodPost, "/view?key="+efta2).Code)
	assert.Equal(t, http.StatusNotFound, serve(f, http.MethodGet, "/nowhere").Code)
}

func TestViewer_HTTPRenderFailures(t *testing.T) {
	b, manifest := corpusBucket()
	b.put("VOL003/EFTA009.pdf", []byte("this is not a pdf"))
	f := newTestViewer(t, b, manifest, nil, 1)

	rec := serve(f, http.MethodGet, "/view?key=VOL003/EFTA009.pdf")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var e models.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.False(t, e.Retryable)
	_, cached := f.Scheduler().Cache().Get("VOL003/EFTA009.pdf")
	assert.False(t, cached, "failed renders leave no cache entry")

	rec = serve(f, http.MethodGet, "/view?key=VOL009/EFTA404.pdf")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestViewer_HTTPPrefetchThumbnailRefreshMetrics(t *testing.T) {
	b, manifest := corpusBucket()
	f := newTestViewer(t, b, manifest, nil, 1)

	assert.Equal(t, http.StatusAccepted, serve(f, http.MethodPost, "/prefetch?key="+efta4).Code)
	require.Eventually(t, func() bool {
		_, ok := f.Scheduler().Cache().Get(efta4)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, http.StatusBadRequest, serve(f, http.MethodPost, "/prefetch").Code)

	rec := serve(f, http.MethodGet, "/thumbnail?key="+efta1)
	require.Equal(t, http.StatusOK, rec.Code)
	var th models.ThumbnailResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&th))
	assert.Equal(t, "https://cdn.example.org/thumbnails/VOL001/EFTA001.pdf.jpg", th.Thumbnail.Image.URL)

	rec = serve(f, http.MethodPost, "/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	var rr models.RefreshResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rr))
	assert.Equal(t, 4, rr.DocumentCount)
	assert.Equal(t, 4, rr.ManifestCount)

	rec = serve(f, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "documentbrowser_render_cache_lookups_total")
}

// flakyLister fails its first calls, then delegates.
type flakyLister struct {
	failures int
	next     DocumentLister
}

func (l *flakyLister) All(ctx context.Context, prefix string) ([]models.DocumentMeta, error) {
	if l.failures > 0 {
		l.failures--
		return nil, fmt.Errorf("%w: connection reset", listing.ErrTransient)
	}
	return l.next.All(ctx, prefix)
}

func TestViewer_RecoversFromFailedInitialLoad(t *testing.T) {
	b, manifest := corpusBucket()
	paginator, err := listing.NewPaginator(b, documentListing, nil)
	require.NoError(t, err)
	renderer, err := render.NewRenderer(b, render.RendererConfig{PublicBaseURL: "https://cdn.example.org"})
	require.NoError(t, err)
	lister := &flakyLister{failures: 2, next: paginator}
	f, err := NewViewerFunction(ViewerDeps{Lister: lister, Renderer: renderer, Manifest: staticManifest(manifest)}, ViewerConfig{PrefetchRadius: 1})
	require.NoError(t, err)
	t.Cleanup(f.Close)

	_, _, err = f.Refresh(t.Context())
	require.Error(t, err)

	rec := serve(f, http.MethodGet, "/view?key="+efta2)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var e models.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.True(t, e.Retryable)

	rec = serve(f, http.MethodGet, "/view?key="+efta2)
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.ViewResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 4, res.Total)
	assert.Zero(t, lister.failures)
}

func TestViewer_RefreshSkipsPrerenderedObjects(t *testing.T) {
	b, manifest := corpusBucket()
	for i := 1; i <= 3; i++ {
		b.put(render.PageImagePath(efta1, i), []byte{0xff, 0xd8})
	}
	b.put(render.ThumbnailPath(efta1), []byte{0xff, 0xd8})
	f := newTestViewer(t, b, manifest, nil, 1)

	v, err := f.View(ViewRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{efta1, efta2, efta3, efta4}, v.Keys())
}

func TestViewer_ViewCacheIsBounded(t *testing.T) {
	b, manifest := corpusBucket()
	f := newTestViewer(t, b, manifest, nil, 1)

	for i := 0; i < 3*maxCachedViews; i++ {
		_, err := f.View(ViewRequest{Collection: fmt.Sprintf("VOL%03d", i)})
		require.NoError(t, err)
	}
	f.mu.RLock()
	n := len(f.views)
	f.mu.RUnlock()
	assert.LessOrEqual(t, n, maxCachedViews)

	v, err := f.View(ViewRequest{Collection: "VOL001/"})
	require.NoError(t, err)
	assert.Equal(t, 3, v.Len())
}

func TestViewer_OpenFailsWhileUnloaded(t *testing.T) {
	b, _ := corpusBucket()
	renderer, err := render.NewRenderer(b, render.RendererConfig{PublicBaseURL: "https://cdn.example.org"})
	require.NoError(t, err)
	lister := &flakyLister{failures: 1, next: nil}
	f, err := NewViewerFunction(ViewerDeps{Lister: lister, Renderer: renderer}, ViewerConfig{})
	require.NoError(t, err)
	t.Cleanup(f.Close)

	_, err = f.Open(t.Context(), ViewRequest{Key: efta1})
	assert.ErrorIs(t, err, render.ErrTransport)
	assert.ErrorIs(t, err, listing.ErrTransient)
}
