// Package metrics exposes Prometheus collectors for the checkout crawler.
package metrics

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
	crawlerArtifactBytesTotal    *prometheus.CounterVec
	crawlerAgentStepsTotal       prometheus.Counter
	crawlerAgentInputTokensTotal prometheus.Counter
	crawlerPostProcessErrors     *prometheus.CounterVec
	crawlerRateLimitDelay        prometheus.Histogram
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call more than once.
func Init() {
	once.Do(func() {
		crawlerArtifactBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkout_crawler_artifact_bytes_total",
				Help: "Bytes written to capture artifacts, labeled by capture kind.",
			},
			[]string{"kind"},
		)

		crawlerAgentStepsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "checkout_crawler_agent_steps_total",
				Help: "Agent steps reported across all sites.",
			},
		)

		crawlerAgentInputTokensTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "checkout_crawler_agent_input_tokens_total",
				Help: "LLM input tokens consumed across all sites.",
			},
		)

		crawlerPostProcessErrors = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkout_crawler_postprocess_errors_total",
				Help: "Failures while mirroring, storing or publishing finished sites.",
			},
			[]string{"stage"},
		)

		crawlerRateLimitDelay = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "checkout_crawler_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a per-host rate limit token.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown" for unparsable input.
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAgent records the steps and input tokens of one agent run.
func ObserveAgent(steps int, inputTokens int64) {
	Init()
	if steps > 0 {
		crawlerAgentStepsTotal.Add(float64(steps))
	}
	if inputTokens > 0 {
		crawlerAgentInputTokensTotal.Add(float64(inputTokens))
	}
}

// ObserveArtifact records the size of a kept artifact.
func ObserveArtifact(kind string, size int64) {
	Init()
	if size > 0 {
		crawlerArtifactBytesTotal.WithLabelValues(kind).Add(float64(size))
	}
}

// ObservePostProcessError counts a failed post-processing stage (mirror, store, publish).
func ObservePostProcessError(stage string) {
	Init()
	crawlerPostProcessErrors.WithLabelValues(stage).Inc()
}

// ObserveRateLimitDelay records a wait imposed by a per-host rate limiter.
func ObserveRateLimitDelay(d time.Duration) {
	Init()
	crawlerRateLimitDelay.Observe(d.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			routePattern = rc.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
