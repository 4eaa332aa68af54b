// Package metrics exposes Prometheus collectors for the progress service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsIngestedTotal        *prometheus.CounterVec
	eventsRejectedTotal        *prometheus.CounterVec
	debounceDispatchesTotal    prometheus.Counter
	broadcastDroppedTotal      prometheus.Counter
	observersConnected         prometheus.Gauge
	reaperEvictionsTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		eventsIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_events_ingested_total",
				Help: "Total number of accepted progress envelopes, labeled by type.",
			},
			[]string{"type"},
		)

		eventsRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_events_rejected_total",
				Help: "Total number of envelopes rejected at the ingress boundary, labeled by reason.",
			},
			[]string{"reason"},
		)

		debounceDispatchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "progress_debounce_dispatches_total",
				Help: "Total number of coalesced dispatches leaving the debounce stage.",
			},
		)

		broadcastDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "progress_broadcast_dropped_total",
				Help: "Total number of frames dropped on full observer buffers.",
			},
		)

		observersConnected = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "progress_observers_connected",
				Help: "Number of observers currently subscribed to the stream.",
			},
		)

		reaperEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "progress_reaper_evictions_total",
				Help: "Total number of stale subtrees evicted by the reaper.",
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngested increments the accepted-envelope counter.
func ObserveIngested(envType string) {
	eventsIngestedTotal.WithLabelValues(envType).Inc()
}

// ObserveRejected increments the rejected-envelope counter.
func ObserveRejected(reason string) {
	eventsRejectedTotal.WithLabelValues(reason).Inc()
}

// ObserveDebounceDispatch counts one coalesced dispatch.
func ObserveDebounceDispatch() {
	debounceDispatchesTotal.Inc()
}

// ObserveBroadcastDropped adds to the dropped-frame counter.
func ObserveBroadcastDropped(n int64) {
	if n > 0 {
		broadcastDroppedTotal.Add(float64(n))
	}
}

// IncObservers increments the connected-observers gauge.
func IncObservers() {
	observersConnected.Inc()
}

// DecObservers decrements the connected-observers gauge.
func DecObservers() {
	observersConnected.Dec()
}

// ObserveReaperEvictions adds to the eviction counter.
func ObserveReaperEvictions(n int) {
	if n > 0 {
		reaperEvictionsTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
