package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Lllllllleong/documentbrowser/internal/render"
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value reads the current value of a counter or gauge.
func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var metric io_prometheus_client.Metric
	require.NoError(t, c.Write(&metric))
	if metric.Counter != nil {
		return metric.GetCounter().GetValue()
	}
	return metric.GetGauge().GetValue()
}

func TestMetrics_NilSafe(t *testing.T) {
	var l *ListingMetrics
	l.ObserveList(1, 2, 3, time.Second, nil)

	var r *RenderMetrics
	r.ObserveCacheLookup(render.KindDocument, true)
	r.ObserveRender(render.KindDocument, render.PathDirect, time.Second, nil)
	r.SetInFlight(1)
	r.SetQueueDepth(1)
	r.PrefetchDropped(render.KindDocument, "queue_full")
}

func TestListingMetrics_ObserveList(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewListingMetrics(reg)

	m.ObserveList(3, 5, 100, 20*time.Millisecond, nil)
	m.ObserveList(1, 0, 0, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, value(t, m.Calls.WithLabelValues("ok")))
	assert.Equal(t, 1.0, value(t, m.Calls.WithLabelValues("error")))
	assert.Equal(t, 4.0, value(t, m.Batches))
	assert.Equal(t, 5.0, value(t, m.Skipped))
	assert.Equal(t, 100.0, value(t, m.Returned))
	var h io_prometheus_client.Metric
	require.NoError(t, m.Duration.Write(&h))
	assert.Equal(t, uint64(1), h.GetHistogram().GetSampleCount())
}

func TestRenderMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRenderMetrics(reg)

	m.ObserveCacheLookup(render.KindDocument, true)
	m.ObserveCacheLookup(render.KindDocument, false)
	m.ObserveCacheLookup(render.KindThumbnail, false)
	m.ObserveRender(render.KindDocument, render.PathPrefetch, time.Second, nil)
	m.ObserveRender(render.KindDocument, render.PathDirect, time.Second, fmt.Errorf("%w: 503", render.ErrTransport))
	m.ObserveRender(render.KindDocument, render.PathDirect, time.Second, fmt.Errorf("%w: bad xref", render.ErrDecode))
	m.SetInFlight(2)
	m.SetQueueDepth(7)
	m.PrefetchDropped(render.KindThumbnail, "queue_full")

	assert.Equal(t, 1.0, value(t, m.CacheLookups.WithLabelValues("document", "hit")))
	assert.Equal(t, 1.0, value(t, m.CacheLookups.WithLabelValues("document", "miss")))
	assert.Equal(t, 1.0, value(t, m.CacheLookups.WithLabelValues("thumbnail", "miss")))
	assert.Equal(t, 1.0, value(t, m.Renders.WithLabelValues("document", "prefetch", "ok", "")))
	assert.Equal(t, 1.0, value(t, m.Renders.WithLabelValues("document", "direct", "error", "transport")))
	assert.Equal(t, 1.0, value(t, m.Renders.WithLabelValues("document", "direct", "error", "decode")))
	assert.Equal(t, 2.0, value(t, m.InFlight))
	assert.Equal(t, 7.0, value(t, m.QueueDepth))
	assert.Equal(t, 1.0, value(t, m.PrefetchDrops.WithLabelValues("thumbnail", "queue_full")))
}

func TestRegistry_CollectorsAreExposed(t *testing.T) {
	reg := NewRegistry()
	NewListingMetrics(reg).ObserveList(1, 0, 1, time.Millisecond, nil)
	NewRenderMetrics(reg).SetInFlight(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["documentbrowser_listing_calls_total"])
	assert.True(t, names["documentbrowser_render_in_flight"])
	assert.True(t, names["go_goroutines"])
}

func TestScheduler_ReportsToRenderMetrics(t *testing.T) {
	m := NewRenderMetrics(prometheus.NewRegistry())
	s, err := render.NewScheduler(render.NewCache(), render.SchedulerConfig{}, m, nil)
	require.NoError(t, err)
	s.Start(t.Context())
	defer s.Stop(time.Second)

	s.Cache().Put("K", nil)
	_, err = s.Render(t.Context(), "K", nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, value(t, m.CacheLookups.WithLabelValues("document", "hit")))
}
