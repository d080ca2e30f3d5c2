// Package metrics exposes Prometheus collectors for the analyzer service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	analysisStartsTotal          *prometheus.CounterVec
	fetchesTotal                 *prometheus.CounterVec
	headlessPromotionsTotal      prometheus.Counter
	robotsProbeHandshakeTimeouts prometheus.Counter
	rateLimitDelaySeconds        *prometheus.HistogramVec
	publishReceiptsTotal         *prometheus.CounterVec
	reconciledJobsTotal          prometheus.Counter
	notificationFailuresTotal    prometheus.Counter
	queueDepth                   prometheus.Gauge
	workerPanicsTotal            prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analyzer_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)

		analysisStartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_starts_total",
				Help: "Start requests by outcome (accepted, conflict, invalid, error).",
			},
			[]string{"outcome"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_fetches_total",
				Help: "Scan fetches labeled by site, fetcher and HTTP status class.",
			},
			[]string{"site", "fetcher", "status"},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "analyzer_headless_promotions_total",
				Help: "Scans re-fetched with the headless browser.",
			},
		)

		robotsProbeHandshakeTimeouts = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "analyzer_robots_probe_tls_handshake_timeout_total",
				Help: "TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analyzer_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		publishReceiptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_publish_receipts_total",
				Help: "Publish receipts by platform and status.",
			},
			[]string{"platform", "status"},
		)

		reconciledJobsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "analyzer_reconciled_jobs_total",
				Help: "Stale jobs failed by the reconciliation sweep.",
			},
		)

		notificationFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "analyzer_notification_failures_total",
				Help: "Lifecycle notifications that could not be published.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "analyzer_queue_depth",
				Help: "Analyses waiting for a worker.",
			},
		)

		workerPanicsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "analyzer_worker_panics_total",
				Help: "Worker panics recovered by the pool.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveStart counts a start request outcome.
func ObserveStart(outcome string) {
	if analysisStartsTotal == nil {
		return
	}
	analysisStartsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch counts a scan fetch. A zero status records a transport error.
func ObserveFetch(site, fetcher string, status int) {
	if fetchesTotal == nil {
		return
	}
	fetchesTotal.WithLabelValues(SanitizeSite(site), fetcher, statusClass(status)).Inc()
}

// ObserveHeadlessPromotion counts a headless re-fetch.
func ObserveHeadlessPromotion() {
	if headlessPromotionsTotal == nil {
		return
	}
	headlessPromotionsTotal.Inc()
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	if robotsProbeHandshakeTimeouts == nil {
		return
	}
	robotsProbeHandshakeTimeouts.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObservePublishReceipt counts one per-account publish outcome.
func ObservePublishReceipt(platform, status string) {
	if publishReceiptsTotal == nil {
		return
	}
	publishReceiptsTotal.WithLabelValues(platform, status).Inc()
}

// ObserveReconciled counts jobs failed by the stale sweep.
func ObserveReconciled(n int) {
	if reconciledJobsTotal == nil || n <= 0 {
		return
	}
	reconciledJobsTotal.Add(float64(n))
}

// ObserveNotificationFailure counts a failed lifecycle notification.
func ObserveNotificationFailure() {
	if notificationFailuresTotal == nil {
		return
	}
	notificationFailuresTotal.Inc()
}

// SetQueueDepth records how many analyses are waiting for a worker.
func SetQueueDepth(n int) {
	if queueDepth == nil {
		return
	}
	queueDepth.Set(float64(n))
}

// ObserveWorkerPanic counts a recovered worker panic.
func ObserveWorkerPanic() {
	if workerPanicsTotal == nil {
		return
	}
	workerPanicsTotal.Inc()
}

func statusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}
