// Package metrics provides the Prometheus implementations of the listing and
// render observation interfaces.
package metrics

import (
	"errors"
	"time"

	"github.com/Lllllllleong/documentbrowser/internal/listing"
	"github.com/Lllllllleong/documentbrowser/internal/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "documentbrowser"

var durationBuckets = []float64{
	0.005, // 5ms - cache-speed URL mode
	0.025,
	0.1,
	0.5,
	1,
	2.5,
	5, // 5s - large scanned documents
	10,
	30,
}

// NewRegistry returns a registry with the Go runtime and process collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ListingMetrics is the Prometheus implementation of listing.Metrics.
type ListingMetrics struct {
	Calls    *prometheus.CounterVec
	Batches  prometheus.Counter
	Skipped  prometheus.Counter
	Returned prometheus.Counter
	Duration prometheus.Histogram
}

var _ listing.Metrics = (*ListingMetrics)(nil)

// NewListingMetrics registers the listing collectors with reg.
func NewListingMetrics(reg prometheus.Registerer) *ListingMetrics {
	f := promauto.With(reg)
	return &ListingMetrics{
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listing_calls_total",
			Help:      "Total number of paginated listing calls by outcome",
		}, []string{"status"}), // "ok", "error"
		Batches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listing_store_batches_total",
			Help:      "Total number of native store batches fetched",
		}),
		Skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listing_skipped_entries_total",
			Help:      "Total number of listed entries that were not documents",
		}),
		Returned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listing_returned_documents_total",
			Help:      "Total number of documents returned to callers",
		}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "listing_duration_seconds",
			Help:      "Duration of paginated listing calls",
			Buckets:   durationBuckets,
		}),
	}
}

func (m *ListingMetrics) ObserveList(batches, skipped, returned int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(status(err)).Inc()
	m.Batches.Add(float64(batches))
	m.Skipped.Add(float64(skipped))
	m.Returned.Add(float64(returned))
	m.Duration.Observe(duration.Seconds())
}

// RenderMetrics is the Prometheus implementation of render.Metrics.
type RenderMetrics struct {
	CacheLookups   *prometheus.CounterVec
	Renders        *prometheus.CounterVec
	RenderDuration *prometheus.HistogramVec
	InFlight       prometheus.Gauge
	QueueDepth     prometheus.Gauge
	PrefetchDrops  *prometheus.CounterVec
}

var _ render.Metrics = (*RenderMetrics)(nil)

// NewRenderMetrics registers the render collectors with reg.
func NewRenderMetrics(reg prometheus.Registerer) *RenderMetrics {
	f := promauto.With(reg)
	return &RenderMetrics{
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_cache_lookups_total",
			Help:      "Total number of render cache lookups by kind and result",
		}, []string{"kind", "result"}), // result: "hit", "miss"
		Renders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Total number of render jobs run by kind, path and outcome",
		}, []string{"kind", "path", "status", "reason"}),
		RenderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "Duration of render jobs",
			Buckets:   durationBuckets,
		}, []string{"kind", "path"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "render_in_flight",
			Help:      "Number of render jobs currently running",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "render_queue_depth",
			Help:      "Number of render jobs waiting for a worker",
		}),
		PrefetchDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_prefetch_dropped_total",
			Help:      "Total number of prefetch jobs dropped by kind and reason",
		}, []string{"kind", "reason"}),
	}
}

func (m *RenderMetrics) ObserveCacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

func (m *RenderMetrics) ObserveRender(kind, path string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.Renders.WithLabelValues(kind, path, status(err), renderReason(err)).Inc()
	m.RenderDuration.WithLabelValues(kind, path).Observe(duration.Seconds())
}

func (m *RenderMetrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

func (m *RenderMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *RenderMetrics) PrefetchDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.PrefetchDrops.WithLabelValues(kind, reason).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func renderReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, render.ErrTransport):
		return "transport"
	case errors.Is(err, render.ErrDecode):
		return "decode"
	case errors.Is(err, render.ErrStopped):
		return "stopped"
	default:
		return "other"
	}
}
