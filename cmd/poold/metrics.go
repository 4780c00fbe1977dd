// metrics.go - Metrics registry and HTTP instrumentation for the pool daemon
package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shieldedpool/internal/pool"
)

// DaemonMetrics holds the registry and the collectors owned by the daemon itself.
type DaemonMetrics struct {
	Registry *prometheus.Registry
	Pool     *pool.Metrics

	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	dispatched  prometheus.Counter
}

// NewDaemonMetrics creates a fresh registry with the runtime, pool and daemon collectors.
func NewDaemonMetrics() *DaemonMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &DaemonMetrics{
		Registry: reg,
		Pool:     pool.NewMetrics(reg),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shieldedpool",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of API requests by route and status code",
		}, []string{"route", "code"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shieldedpool",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shieldedpool",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of requests refused by the rate limiter",
		}, []string{"route"}),
		dispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shieldedpool",
			Subsystem: "bridge",
			Name:      "payouts_dispatched_total",
			Help:      "Total number of outbox payouts delivered",
		}),
	}
}

// Handler serves the registry in the text exposition format.
func (m *DaemonMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument counts and times every request by its matched route pattern.
func (m *DaemonMetrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
