package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/documentbrowser/internal/gcp"
	"github.com/Lllllllleong/documentbrowser/internal/listing"
	"github.com/Lllllllleong/documentbrowser/internal/metrics"
	"github.com/Lllllllleong/documentbrowser/internal/models"
	"github.com/Lllllllleong/documentbrowser/internal/navigation"
	"github.com/Lllllllleong/documentbrowser/internal/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ErrInvalidView is returned for unparseable sort parameters.
	ErrInvalidView = errors.New("invalid view")
	// ErrUnknownEntity is returned when a view names an entity absent from the index.
	ErrUnknownEntity = errors.New("unknown entity")
)

// DocumentLister drains the document listing.
type DocumentLister interface {
	All(ctx context.Context, prefix string) ([]models.DocumentMeta, error)
}

// EntitySource loads the named-entity index.
type EntitySource interface {
	LoadEntityIndex(ctx context.Context) (models.EntityIndex, error)
}

// ViewerConfig holds configuration for the document viewer.
type ViewerConfig struct {
	ProjectID          string
	DocumentsBucket    string
	PublicBaseURL      string
	ManifestCollection string
	ManifestObject     string
	EntityIndexObject  string
	Concurrency        int
	QueueSize          int
	// PrefetchRadius is how many documents on each side of the open one are prefetched.
	PrefetchRadius int
}

// ViewerDeps are the collaborators of a ViewerFunction. Manifest and Entities are optional.
type ViewerDeps struct {
	Lister   DocumentLister
	Renderer *render.Renderer
	Manifest render.ManifestSource
	Entities EntitySource
	Registry *prometheus.Registry
}

// ViewRequest selects a document and the view it is navigated in.
type ViewRequest struct {
	Key        string
	Collection string
	Entity     string
	SortField  string
	SortOrder  string
}

func (r ViewRequest) viewID() string {
	return strings.Join([]string{r.Collection, r.Entity, r.SortField, r.SortOrder}, "\x00")
}

// ViewerFunction composes the listing, navigation and render pipeline. Opening
// a document renders it directly and prefetches its neighbours in the current
// view.
type ViewerFunction struct {
	lister    DocumentLister
	renderer  *render.Renderer
	scheduler *render.Scheduler
	manifest  render.ManifestSource
	entities  EntitySource
	registry  *prometheus.Registry
	config    ViewerConfig
	stop      context.CancelFunc

	loadMu sync.Mutex

	mu     sync.RWMutex
	loaded bool
	docs   []models.DocumentMeta
	entity models.EntityIndex
	views  map[string]*navigation.View
}

// maxCachedViews bounds the per-filter view cache between refreshes.
const maxCachedViews = 64

// NewViewer creates the viewer from the environment and loads the document set.
func NewViewer(ctx context.Context) (*ViewerFunction, error) {
	concurrency, err := gcp.GetEnvInt("RENDER_CONCURRENCY", render.DefaultConcurrency)
	if err != nil {
		return nil, err
	}
	queueSize, err := gcp.GetEnvInt("RENDER_QUEUE_SIZE", render.DefaultQueueSize)
	if err != nil {
		return nil, err
	}
	radius, err := gcp.GetEnvInt("PREFETCH_RADIUS", 1)
	if err != nil {
		return nil, err
	}
	config := ViewerConfig{
		ProjectID:          gcp.GetEnv("PROJECT_ID", ""),
		DocumentsBucket:    gcp.GetEnv("DOCUMENTS_BUCKET", ""),
		PublicBaseURL:      gcp.GetEnv("PUBLIC_BASE_URL", ""),
		ManifestCollection: gcp.GetEnv("MANIFEST_COLLECTION", "renderManifest"),
		ManifestObject:     gcp.GetEnv("MANIFEST_OBJECT", ""),
		EntityIndexObject:  gcp.GetEnv("ENTITY_INDEX_OBJECT", ""),
		Concurrency:        concurrency,
		QueueSize:          queueSize,
		PrefetchRadius:     radius,
	}
	if config.DocumentsBucket == "" {
		return nil, fmt.Errorf("DOCUMENTS_BUCKET environment variable must be set")
	}
	if config.PublicBaseURL == "" {
		return nil, fmt.Errorf("PUBLIC_BASE_URL environment variable must be set")
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	bucket, err := gcp.NewBucket(storageClient, config.DocumentsBucket)
	if err != nil {
		return nil, err
	}

	registry := metrics.NewRegistry()
	paginator, err := listing.NewPaginator(bucket, documentListing, metrics.NewListingMetrics(registry))
	if err != nil {
		return nil, err
	}
	renderer, err := render.NewRenderer(bucket, render.RendererConfig{PublicBaseURL: config.PublicBaseURL})
	if err != nil {
		return nil, err
	}

	deps := ViewerDeps{Lister: paginator, Renderer: renderer, Registry: registry}
	switch {
	case config.ManifestObject != "":
		deps.Manifest = gcp.NewJSONManifest(bucket, config.ManifestObject)
	case config.ProjectID != "":
		firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		deps.Manifest = gcp.NewFirestoreManifest(firestoreClient, config.ManifestCollection)
	default:
		slog.Warn("No render manifest configured; every document will be rasterized in-process.")
	}
	if config.EntityIndexObject != "" {
		deps.Entities = gcp.NewEntityIndexObject(bucket, config.EntityIndexObject)
	}

	f, err := NewViewerFunction(deps, config)
	if err != nil {
		return nil, err
	}
	if _, _, err := f.Refresh(ctx); err != nil {
		slog.Warn("Initial document refresh failed; retrying on first request.", "error", err)
	}
	slog.Info("Viewer logic initialized.",
		"bucket", config.DocumentsBucket,
		"concurrency", config.Concurrency,
		"prefetchRadius", config.PrefetchRadius,
	)
	return f, nil
}

// NewViewerFunction wires a viewer from explicit collaborators and starts its
// render scheduler. Call Close to stop it.
func NewViewerFunction(deps ViewerDeps, config ViewerConfig) (*ViewerFunction, error) {
	if deps.Lister == nil || deps.Renderer == nil {
		return nil, errors.New("viewer: lister and renderer are required")
	}
	if config.PrefetchRadius < 0 {
		config.PrefetchRadius = 0
	}
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	scheduler, err := render.NewScheduler(
		render.NewCache(),
		render.SchedulerConfig{Concurrency: config.Concurrency, QueueSize: config.QueueSize},
		metrics.NewRenderMetrics(registry),
		slog.Default(),
	)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)

	return &ViewerFunction{
		lister:    deps.Lister,
		renderer:  deps.Renderer,
		scheduler: scheduler,
		manifest:  deps.Manifest,
		entities:  deps.Entities,
		registry:  registry,
		config:    config,
		stop:      cancel,
		views:     make(map[string]*navigation.View),
	}, nil
}

// Close stops the render scheduler, failing queued jobs.
func (f *ViewerFunction) Close() {
	f.scheduler.Stop(5 * time.Second)
	f.stop()
}

// Scheduler exposes the render scheduler.
func (f *ViewerFunction) Scheduler() *render.Scheduler { return f.scheduler }

// Refresh reloads the document set, the render manifest and the entity index.
// The document set is replaced wholesale and every cached view is dropped;
// rendered pages stay cached.
func (f *ViewerFunction) Refresh(ctx context.Context) (documents, manifest int, err error) {
	docs, err := f.lister.All(ctx, "")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	if f.manifest != nil {
		if manifest, err = f.renderer.RefreshManifest(ctx, f.manifest); err != nil {
			return 0, 0, err
		}
	}
	var idx models.EntityIndex
	if f.entities != nil {
		if idx, err = f.entities.LoadEntityIndex(ctx); err != nil {
			return 0, 0, err
		}
	}

	f.mu.Lock()
	f.loaded = true
	f.docs = docs
	f.entity = idx
	f.views = make(map[string]*navigation.View)
	f.mu.Unlock()

	slog.Info("Document set refreshed.", "documentCount", len(docs), "manifestCount", manifest, "entityCount", len(idx))
	return len(docs), manifest, nil
}

// ensureLoaded refreshes the document set if no refresh has succeeded yet.
func (f *ViewerFunction) ensureLoaded(ctx context.Context) error {
	f.loadMu.Lock()
	defer f.loadMu.Unlock()
	f.mu.RLock()
	loaded := f.loaded
	f.mu.RUnlock()
	if loaded {
		return nil
	}
	if _, _, err := f.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %w", render.ErrTransport, err)
	}
	return nil
}

// View returns the navigation view for req, building it on first use.
func (f *ViewerFunction) View(req ViewRequest) (*navigation.View, error) {
	id := req.viewID()
	f.mu.RLock()
	v, ok := f.views[id]
	f.mu.RUnlock()
	if ok {
		return v, nil
	}

	cmp, err := navigation.ParseSort(req.SortField, req.SortOrder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidView, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.views[id]; ok {
		return v, nil
	}
	filter := navigation.Filter{Collection: req.Collection}
	if req.Entity != "" {
		set, ok := f.entity.KeySet(req.Entity)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, req.Entity)
		}
		filter.Entity = set
	}
	v = navigation.Build(f.docs, filter.Predicate(), cmp)
	if len(f.views) >= maxCachedViews {
		clear(f.views)
	}
	f.views[id] = v
	return v, nil
}

// Open renders req.Key and queues prefetches of its neighbours. The direct
// render is submitted first so it is never queued behind its own prefetches.
// A key absent from the view still renders, with no previous or next.
func (f *ViewerFunction) Open(ctx context.Context, req ViewRequest) (*models.ViewResponse, error) {
	if err := f.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	view, err := f.View(req)
	if err != nil {
		return nil, err
	}
	logCtx := slog.With("documentKey", req.Key)

	fut := f.scheduler.Submit(ctx, req.Key, f.renderer.Pages(req.Key))

	res := &models.ViewResponse{Index: view.IndexOf(req.Key), Total: view.Len()}
	if prev, ok := view.Adjacent(req.Key, -1); ok {
		res.Previous = &prev
	}
	if next, ok := view.Adjacent(req.Key, 1); ok {
		res.Next = &next
	}
	if res.Index < 0 {
		logCtx.Warn("Document is not in the current view.", "collection", req.Collection, "entity", req.Entity)
	}
	for _, key := range view.Neighbours(req.Key, f.config.PrefetchRadius) {
		f.scheduler.Prefetch(key, f.renderer.Pages(key))
	}

	doc, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	res.Document = doc
	return res, nil
}

// Hover prefetches key and its thumbnail, reporting whether a page render was queued.
func (f *ViewerFunction) Hover(key string) bool {
	f.scheduler.PrefetchThumbnail(key, f.renderer.Thumb(key))
	return f.scheduler.Prefetch(key, f.renderer.Pages(key))
}

// Thumbnail returns the preview image of key.
func (f *ViewerFunction) Thumbnail(ctx context.Context, key string) (*models.Thumbnail, error) {
	return f.scheduler.Thumbnail(ctx, key, f.renderer.Thumb(key))
}

// ServeHTTP routes the viewer endpoints.
func (f *ViewerFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/view":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		f.handleView(w, r)
	case "/prefetch":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		f.handlePrefetch(w, r)
	case "/thumbnail":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		f.handleThumbnail(w, r)
	case "/refresh":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		f.handleRefresh(w, r)
	case "/metrics":
		promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found", false)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed", false)
	return false
}

func (f *ViewerFunction) handleView(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ViewRequest{
		Key:        q.Get("key"),
		Collection: q.Get("collection"),
		Entity:     q.Get("entity"),
		SortField:  q.Get("sort"),
		SortOrder:  q.Get("order"),
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required", false)
		return
	}

	res, err := f.Open(r.Context(), req)
	if err != nil {
		f.writeRenderError(w, req.Key, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (f *ViewerFunction) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required", false)
		return
	}
	f.Hover(key)
	w.WriteHeader(http.StatusAccepted)
}

func (f *ViewerFunction) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required", false)
		return
	}
	th, err := f.Thumbnail(r.Context(), key)
	if err != nil {
		f.writeRenderError(w, key, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ThumbnailResponse{Thumbnail: th})
}

func (f *ViewerFunction) handleRefresh(w http.ResponseWriter, r *http.Request) {
	docs, manifest, err := f.Refresh(r.Context())
	if err != nil {
		slog.Error("Failed to refresh document set.", "error", err)
		writeError(w, http.StatusBadGateway, "refresh failed", true)
		return
	}
	writeJSON(w, http.StatusOK, models.RefreshResponse{Status: "ok", DocumentCount: docs, ManifestCount: manifest})
}

// writeRenderError maps a direct-path failure to a status. Transport failures
// and a full queue are worth retrying; a document that failed to decode is not.
func (f *ViewerFunction) writeRenderError(w http.ResponseWriter, key string, err error) {
	logCtx := slog.With("documentKey", key)
	switch {
	case errors.Is(err, ErrInvalidView), errors.Is(err, ErrUnknownEntity):
		writeError(w, http.StatusBadRequest, err.Error(), false)
	case errors.Is(err, listing.ErrNotFound):
		writeError(w, http.StatusNotFound, "document not found", false)
	case errors.Is(err, render.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "viewer is shutting down", true)
	case errors.Is(err, render.ErrDecode):
		logCtx.Error("Document could not be rendered.", "error", err)
		writeError(w, http.StatusBadGateway, "document could not be rendered", false)
	case errors.Is(err, render.ErrTransport), errors.Is(err, render.ErrQueueFull):
		logCtx.Error("Document could not be fetched.", "error", err)
		writeError(w, http.StatusBadGateway, "document could not be fetched", true)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logCtx.Warn("Request ended before the render finished.", "error", err)
		writeError(w, http.StatusGatewayTimeout, "render did not finish in time", true)
	default:
		logCtx.Error("Render failed.", "error", err)
		writeError(w, http.StatusBadGateway, "render failed", true)
	}
}

func writeError(w http.ResponseWriter, status int, message string, retryable bool) {
	writeJSON(w, status, models.ErrorResponse{Error: message, Retryable: retryable})
}
