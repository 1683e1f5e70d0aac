// Package telemetry exposes Prometheus collectors for the preview services.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	previewRequestsTotal       *prometheus.CounterVec
	previewCacheReadsTotal     *prometheus.CounterVec
	capturesTotal              *prometheus.CounterVec
	captureDurationSeconds     prometheus.Histogram
	refreshBatchURLs           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		previewRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_requests_total",
				Help: "Preview requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		previewCacheReadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_cache_reads_total",
				Help: "Screenshot cache lookups, labeled by state.",
			},
			[]string{"state"},
		)

		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_captures_total",
				Help: "Screenshot captures, labeled by result and target site.",
			},
			[]string{"result", "site"},
		)

		captureDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "preview_capture_duration_seconds",
				Help:    "Histogram of end-to-end capture latencies.",
				Buckets: []float64{0.5, 1, 2, 4, 6, 8, 10},
			},
		)

		refreshBatchURLs = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_refresh_urls_total",
				Help: "URLs processed by batch refreshes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname label from a URL, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePreview counts one preview request by outcome
// (metadata_image, cached, captured, no_image, rejected).
func ObservePreview(outcome string) {
	previewRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheRead counts one cache lookup by derived state.
func ObserveCacheRead(state string) {
	previewCacheReadsTotal.WithLabelValues(state).Inc()
}

// ObserveCapture records one capture attempt and its latency. Site should
// come from SanitizeSite.
func ObserveCapture(result, site string, duration time.Duration) {
	capturesTotal.WithLabelValues(result, site).Inc()
	captureDurationSeconds.Observe(duration.Seconds())
}

// ObserveRefreshURL counts one batch-refresh URL by outcome
// (succeeded, failed, skipped_invalid).
func ObserveRefreshURL(outcome string) {
	refreshBatchURLs.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and latencies using the chi route
// pattern as the route label, keeping cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
