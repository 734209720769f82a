// Package render holds the process-wide render cache, the bounded-concurrency
// render scheduler and the renderer that turns stored PDFs into page images.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lllllllleong/documentbrowser/internal/models"
)

var (
	// ErrTransport marks failures fetching document bytes.
	ErrTransport = errors.New("render: transport failure")
	// ErrDecode marks malformed or unreadable document content.
	ErrDecode = errors.New("render: decode failure")
	// ErrQueueFull is returned when a direct render cannot be queued before its context ends.
	ErrQueueFull = errors.New("render: queue full")
	// ErrStopped is returned for jobs submitted to, or still queued in, a stopped scheduler.
	ErrStopped = errors.New("render: scheduler stopped")
)

const (
	DefaultConcurrency = 3
	DefaultQueueSize   = 256
)

// Job kinds and paths, used as log fields and metric labels.
const (
	KindDocument  = "document"
	KindThumbnail = "thumbnail"

	PathDirect   = "direct"
	PathPrefetch = "prefetch"
)

// RenderFunc produces the complete ordered page list for one document.
type RenderFunc func(ctx context.Context) ([]models.PageRef, error)

// ThumbnailFunc produces the preview image for one document.
type ThumbnailFunc func(ctx context.Context) (models.PageRef, error)

// Metrics receives scheduler observations. A nil Metrics disables collection.
type Metrics interface {
	ObserveCacheLookup(kind string, hit bool)
	ObserveRender(kind, path string, duration time.Duration, err error)
	SetInFlight(n int)
	SetQueueDepth(n int)
	PrefetchDropped(kind, reason string)
}

// SchedulerConfig tunes a Scheduler. Zero values select defaults.
type SchedulerConfig struct {
	// Concurrency is the maximum number of render jobs running at once.
	Concurrency int
	// QueueSize bounds the number of jobs waiting for a worker.
	QueueSize int
}

// Future is the pending result of a direct render.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func resolvedFuture[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, err)
	return f
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx ends. Abandoning the wait
// does not cancel the job; its result still lands in the cache.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type job struct {
	kind   string
	path   string
	key    string
	run    func(ctx context.Context) error
	finish func(err error)
}

// Scheduler runs render jobs on a fixed pool of workers draining a single
// FIFO queue. Jobs start in submission order; completions may arrive in any
// order. Prefetch submissions are deduplicated per key through the prefetch
// set; direct submissions are not.
type Scheduler struct {
	cache   *Cache
	cfg     SchedulerConfig
	jobs    chan *job
	metrics Metrics
	logger  *slog.Logger

	// sendMu is held shared by senders and exclusively by Stop, so no job
	// enters the queue after Stop drains it.
	sendMu sync.RWMutex

	mu       sync.Mutex
	pending  map[string]struct{}
	started  bool
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Int32
}

// NewScheduler creates a Scheduler that populates cache.
func NewScheduler(cache *Cache, cfg SchedulerConfig, metrics Metrics, logger *slog.Logger) (*Scheduler, error) {
	if cache == nil {
		return nil, errors.New("render: cache is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cache:   cache,
		cfg:     cfg,
		jobs:    make(chan *job, cfg.QueueSize),
		metrics: metrics,
		logger:  logger,
		pending: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}, nil
}

// Cache returns the cache this scheduler populates.
func (s *Scheduler) Cache() *Cache { return s.cache }

// Start launches the workers. Jobs run under ctx rather than under the
// context of whoever submitted them.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Starting render scheduler.", "concurrency", s.cfg.Concurrency, "queueSize", s.cfg.QueueSize)
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Stop signals the workers to exit and waits up to timeout for running jobs.
// Jobs still queued are failed with ErrStopped.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.sendMu.Lock()
	//nolint:staticcheck // waits out in-progress sends
	s.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("Render scheduler stop timed out; jobs still running.", "timeout", timeout.String())
	}

	for {
		select {
		case j := <-s.jobs:
			j.finish(ErrStopped)
		default:
			return
		}
	}
}

// InFlight returns the number of jobs currently running.
func (s *Scheduler) InFlight() int { return int(s.inFlight.Load()) }

// Pending reports whether a prefetch for key is queued or running.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[dedupKey(KindDocument, key)]
	return ok
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			s.execute(ctx, j)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	n := s.inFlight.Add(1)
	if s.metrics != nil {
		s.metrics.SetInFlight(int(n))
		s.metrics.SetQueueDepth(len(s.jobs))
	}
	start := time.Now()

	err := runGuarded(ctx, j.run)

	n = s.inFlight.Add(-1)
	if s.metrics != nil {
		s.metrics.SetInFlight(int(n))
		s.metrics.ObserveRender(j.kind, j.path, time.Since(start), err)
	}
	j.finish(err)
}

// runGuarded converts a panic inside a render into a decode error so one bad
// document cannot take a worker down.
func runGuarded(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: render panicked: %v", ErrDecode, r)
		}
	}()
	return run(ctx)
}

func dedupKey(kind, key string) string { return kind + "\x00" + key }

// claim inserts key into the prefetch set, reporting false if it was already there.
func (s *Scheduler) claim(kind, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	k := dedupKey(kind, key)
	if _, ok := s.pending[k]; ok {
		return false
	}
	s.pending[k] = struct{}{}
	return true
}

func (s *Scheduler) release(kind, key string) {
	s.mu.Lock()
	delete(s.pending, dedupKey(kind, key))
	s.mu.Unlock()
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// offer queues a prefetch job without blocking.
func (s *Scheduler) offer(j *job) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.isStopped() {
		return ErrStopped
	}
	select {
	case s.jobs <- j:
		if s.metrics != nil {
			s.metrics.SetQueueDepth(len(s.jobs))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// enqueue queues a direct job, blocking for queue space until ctx ends.
func (s *Scheduler) enqueue(ctx context.Context, j *job) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.isStopped() {
		return ErrStopped
	}
	select {
	case s.jobs <- j:
		if s.metrics != nil {
			s.metrics.SetQueueDepth(len(s.jobs))
		}
		return nil
	case <-s.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	}
}

func (s *Scheduler) lookup(key string) (*models.RenderedDocument, bool) {
	doc, ok := s.cache.Get(key)
	if s.metrics != nil {
		s.metrics.ObserveCacheLookup(KindDocument, ok)
	}
	return doc, ok
}

func (s *Scheduler) lookupThumbnail(key string) (*models.Thumbnail, bool) {
	th, ok := s.cache.GetThumbnail(key)
	if s.metrics != nil {
		s.metrics.ObserveCacheLookup(KindThumbnail, ok)
	}
	return th, ok
}

// renderDocument runs fn unless the cache was populated while the job waited,
// and stores the complete result only on success.
func (s *Scheduler) renderDocument(ctx context.Context, key string, fn RenderFunc) (*models.RenderedDocument, error) {
	if doc, ok := s.cache.Get(key); ok {
		return doc, nil
	}
	pages, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return s.cache.Put(key, pages), nil
}

func (s *Scheduler) renderThumbnail(ctx context.Context, key string, fn ThumbnailFunc) (*models.Thumbnail, error) {
	if th, ok := s.cache.GetThumbnail(key); ok {
		return th, nil
	}
	img, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return s.cache.PutThumbnail(key, img), nil
}

// Submit queues a direct render of key. A cached document resolves
// immediately. Direct renders are not deduplicated against prefetches, but
// still occupy a worker slot, so the active document should be submitted
// before its neighbours are prefetched.
func (s *Scheduler) Submit(ctx context.Context, key string, fn RenderFunc) *Future[*models.RenderedDocument] {
	if doc, ok := s.lookup(key); ok {
		return resolvedFuture(doc, nil)
	}

	fut := newFuture[*models.RenderedDocument]()
	var doc *models.RenderedDocument
	j := &job{
		kind: KindDocument,
		path: PathDirect,
		key:  key,
		run: func(ctx context.Context) error {
			var err error
			doc, err = s.renderDocument(ctx, key, fn)
			return err
		},
		finish: func(err error) {
			if err != nil {
				s.logger.Error("Direct render failed.", "documentKey", key, "error", err)
				fut.resolve(nil, err)
				return
			}
			fut.resolve(doc, nil)
		},
	}
	if err := s.enqueue(ctx, j); err != nil {
		fut.resolve(nil, err)
	}
	return fut
}

// Render is Submit followed by Wait.
func (s *Scheduler) Render(ctx context.Context, key string, fn RenderFunc) (*models.RenderedDocument, error) {
	return s.Submit(ctx, key, fn).Wait(ctx)
}

// Prefetch queues a best-effort render of key. It is a no-op, returning
// false, when key is already cached or already pending. Failures are logged
// and dropped; nothing is cached, so the next visit retries.
func (s *Scheduler) Prefetch(key string, fn RenderFunc) bool {
	if _, ok := s.lookup(key); ok {
		return false
	}
	if !s.claim(KindDocument, key) {
		return false
	}
	j := &job{
		kind: KindDocument,
		path: PathPrefetch,
		key:  key,
		run: func(ctx context.Context) error {
			_, err := s.renderDocument(ctx, key, fn)
			return err
		},
		finish: func(err error) {
			s.release(KindDocument, key)
			if err != nil && !errors.Is(err, ErrStopped) {
				s.logger.Warn("Prefetch render failed; dropping.", "documentKey", key, "error", err)
			}
		},
	}
	if err := s.offer(j); err != nil {
		s.release(KindDocument, key)
		if errors.Is(err, ErrQueueFull) {
			s.logger.Warn("Render queue full; dropping prefetch.", "documentKey", key)
			if s.metrics != nil {
				s.metrics.PrefetchDropped(KindDocument, "queue_full")
			}
		}
		return false
	}
	return true
}

// SubmitThumbnail queues a direct thumbnail render of key.
func (s *Scheduler) SubmitThumbnail(ctx context.Context, key string, fn ThumbnailFunc) *Future[*models.Thumbnail] {
	if th, ok := s.lookupThumbnail(key); ok {
		return resolvedFuture(th, nil)
	}

	fut := newFuture[*models.Thumbnail]()
	var th *models.Thumbnail
	j := &job{
		kind: KindThumbnail,
		path: PathDirect,
		key:  key,
		run: func(ctx context.Context) error {
			var err error
			th, err = s.renderThumbnail(ctx, key, fn)
			return err
		},
		finish: func(err error) {
			if err != nil {
				s.logger.Error("Thumbnail render failed.", "documentKey", key, "error", err)
				fut.resolve(nil, err)
				return
			}
			fut.resolve(th, nil)
		},
	}
	if err := s.enqueue(ctx, j); err != nil {
		fut.resolve(nil, err)
	}
	return fut
}

// Thumbnail is SubmitThumbnail followed by Wait.
func (s *Scheduler) Thumbnail(ctx context.Context, key string, fn ThumbnailFunc) (*models.Thumbnail, error) {
	return s.SubmitThumbnail(ctx, key, fn).Wait(ctx)
}

// PrefetchThumbnail is Prefetch for the thumbnail namespace.
func (s *Scheduler) PrefetchThumbnail(key string, fn ThumbnailFunc) bool {
	if _, ok := s.lookupThumbnail(key); ok {
		return false
	}
	if !s.claim(KindThumbnail, key) {
		return false
	}
	j := &job{
		kind: KindThumbnail,
		path: PathPrefetch,
		key:  key,
		run: func(ctx context.Context) error {
			_, err := s.renderThumbnail(ctx, key, fn)
			return err
		},
		finish: func(err error) {
			s.release(KindThumbnail, key)
			if err != nil && !errors.Is(err, ErrStopped) {
				s.logger.Warn("Thumbnail prefetch failed; dropping.", "documentKey", key, "error", err)
			}
		},
	}
	if err := s.offer(j); err != nil {
		s.release(KindThumbnail, key)
		if errors.Is(err, ErrQueueFull) && s.metrics != nil {
			s.metrics.PrefetchDropped(KindThumbnail, "queue_full")
		}
		return false
	}
	return true
}
