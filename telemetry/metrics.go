// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	RendersStarted   prometheus.Counter
	RendersSucceeded prometheus.Counter
	RendersFailed    prometheus.Counter
	RendersCancelled prometheus.Counter
	RendersCoalesced prometheus.Counter
	RendersRejected  prometheus.Counter
	DeliveriesFailed prometheus.Counter
	BeatmapCacheHits prometheus.Counter
	BeatmapCacheMiss prometheus.Counter

	// Histograms (seconds)
	ResolveDuration prometheus.Observer
	RenderDuration  prometheus.Observer
	DeliverDuration prometheus.Observer

	// Gauges
	QueueDepthGauge    prometheus.Gauge
	ActiveWorkersGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RendersStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "render_jobs_started_total", Help: "Number of render jobs admitted"})
		RendersSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "render_jobs_succeeded_total", Help: "Number of render jobs succeeded"})
		RendersFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "render_jobs_failed_total", Help: "Number of render jobs failed"})
		RendersCancelled = promauto.NewCounter(prometheus.CounterOpts{Name: "render_jobs_cancelled_total", Help: "Number of render jobs cancelled"})
		RendersCoalesced = promauto.NewCounter(prometheus.CounterOpts{Name: "render_jobs_coalesced_total", Help: "Number of submissions attached to an in-flight job"})
		RendersRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "render_jobs_rejected_total", Help: "Number of submissions rejected at the queue ceiling"})
		DeliveriesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "render_deliveries_failed_total", Help: "Number of deliveries that exhausted retries"})
		BeatmapCacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "beatmap_cache_hits_total", Help: "Beatmap cache hits"})
		BeatmapCacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "beatmap_cache_misses_total", Help: "Beatmap cache misses"})
		ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "render_resolve_duration_seconds", Help: "Asset resolution duration seconds", Buckets: prometheus.DefBuckets})
		RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "render_duration_seconds", Help: "Renderer subprocess duration seconds", Buckets: prometheus.ExponentialBuckets(1, 2, 12)})
		DeliverDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "render_deliver_duration_seconds", Help: "Delivery duration seconds", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "render_queue_depth", Help: "Current number of in-flight render jobs"})
		ActiveWorkersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "render_active_workers", Help: "Workers currently running the renderer"})
	})
}

// SetQueueDepth records current in-flight job count.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// WorkerActive adjusts the active worker gauge by delta (+1/-1).
func WorkerActive(delta int) {
	if ActiveWorkersGauge != nil {
		ActiveWorkersGauge.Add(float64(delta))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
