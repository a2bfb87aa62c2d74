// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the output.MetricsCollector port using Prometheus.
type Collector struct {
	commitsTotal          *prometheus.CounterVec
	commitDuration        *prometheus.HistogramVec
	checkoutsTotal        *prometheus.CounterVec
	checkoutDuration      *prometheus.HistogramVec
	diffDuration          *prometheus.HistogramVec
	fsckFailuresTotal     *prometheus.CounterVec
	workingCopyDirty      prometheus.Gauge
	lfsCacheHitsTotal     *prometheus.CounterVec
	lfsMirrorOpsTotal     *prometheus.CounterVec
	lfsMirrorOpsDuration  *prometheus.HistogramVec
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "kart"
	}

	return &Collector{
		commitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_total",
				Help:      "Total number of commit operations",
			},
			[]string{"layer", "status"},
		),

		commitDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Commit duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"layer"},
		),

		checkoutsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkouts_total",
				Help:      "Total number of checkout operations",
			},
			[]string{"layer", "status"},
		),

		checkoutDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "checkout_duration_seconds",
				Help:      "Checkout duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"layer"},
		),

		diffDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "diff_duration_seconds",
				Help:      "Diff duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"layer"},
		),

		fsckFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fsck_failures_total",
				Help:      "Total number of fsck check failures",
			},
			[]string{"layer", "check"},
		),

		workingCopyDirty: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "working_copy_dirty",
				Help:      "Whether the working copy currently has uncommitted changes (1) or not (0)",
			},
		),

		lfsCacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lfs_cache_hits_total",
				Help:      "Total number of local LFS cache lookups, by hit/miss",
			},
			[]string{"result"},
		),

		lfsMirrorOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lfs_mirror_operations_total",
				Help:      "Total number of LFS mirror sync operations",
			},
			[]string{"operation", "status"},
		),

		lfsMirrorOpsDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lfs_mirror_operation_duration_seconds",
				Help:      "LFS mirror sync operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// IncCommits increments the commit counter for layer.
func (c *Collector) IncCommits(layer string, success bool) {
	c.commitsTotal.WithLabelValues(layer, statusLabel(success)).Inc()
}

// ObserveCommitDuration records how long a commit took for layer.
func (c *Collector) ObserveCommitDuration(layer string, duration time.Duration) {
	c.commitDuration.WithLabelValues(layer).Observe(duration.Seconds())
}

// IncCheckouts increments the checkout counter for layer.
func (c *Collector) IncCheckouts(layer string, success bool) {
	c.checkoutsTotal.WithLabelValues(layer, statusLabel(success)).Inc()
}

// ObserveCheckoutDuration records how long a checkout took for layer.
func (c *Collector) ObserveCheckoutDuration(layer string, duration time.Duration) {
	c.checkoutDuration.WithLabelValues(layer).Observe(duration.Seconds())
}

// ObserveDiffDuration records how long a diff took for layer.
func (c *Collector) ObserveDiffDuration(layer string, duration time.Duration) {
	c.diffDuration.WithLabelValues(layer).Observe(duration.Seconds())
}

// IncFsckFailures increments the fsck failure counter for layer/check.
func (c *Collector) IncFsckFailures(layer, check string) {
	c.fsckFailuresTotal.WithLabelValues(layer, check).Inc()
}

// SetWorkingCopyDirty records whether the working copy has uncommitted changes.
func (c *Collector) SetWorkingCopyDirty(dirty bool) {
	if dirty {
		c.workingCopyDirty.Set(1)
		return
	}
	c.workingCopyDirty.Set(0)
}

// IncLFSCacheHits increments the local LFS cache hit/miss counter.
func (c *Collector) IncLFSCacheHits(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.lfsCacheHitsTotal.WithLabelValues(result).Inc()
}

// IncLFSMirrorOperations increments the mirror sync operation counter.
func (c *Collector) IncLFSMirrorOperations(operation string, success bool) {
	c.lfsMirrorOpsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

// ObserveLFSMirrorDuration records mirror sync operation duration.
func (c *Collector) ObserveLFSMirrorDuration(operation string, duration time.Duration) {
	c.lfsMirrorOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server is a standalone HTTP server exposing only the Prometheus scrape
// endpoint, separate from the inspection server so metrics can be scraped
// even when the inspection server is disabled or behind TLS.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a metrics server listening on port, serving the
// Prometheus handler at path.
func NewServer(port int, path string, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, Handler())

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		logger: logger,
	}
}

// Start begins serving metrics, blocking until the server stops.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		path := normalizePath(r.URL.Path)
		status := statusToString(wrapped.statusCode)

		c.IncHTTPRequests(r.Method, path, status)
		c.ObserveHTTPDuration(r.Method, path, duration)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// normalizePath collapses a request path into a low-cardinality label.
func normalizePath(path string) string {
	switch {
	case len(path) > 20:
		return path[:20] + "..."
	default:
		return path
	}
}

// statusToString converts an HTTP status code to its status-class label.
func statusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
