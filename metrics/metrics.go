// Package metrics owns the prometheus collectors of the service. Every
// recording method is safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskmarket"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	platformCalls   *prometheus.CounterVec
	otpSends        *prometheus.CounterVec
	storageFailures *prometheus.CounterVec
	staleSwept      prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		platformCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "platform",
			Name:      "calls_total",
			Help:      "Marketplace platform API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		otpSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "otp_sends_total",
			Help:      "Email OTP send attempts by outcome.",
		}, []string{"outcome"}),
		storageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "storage_failures_total",
			Help:      "Viewer state storage failures swallowed by the read tracker.",
		}, []string{"operation"}),
		staleSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "stale_entries_swept_total",
			Help:      "Viewed-transaction entries removed by stale cleanup.",
		}),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.platformCalls,
		m.otpSends,
		m.storageFailures,
		m.staleSwept,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (m *Metrics) PlatformCall(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.platformCalls.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) OTPSend(outcome string) {
	if m == nil {
		return
	}
	m.otpSends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StorageFailure(operation string) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) StaleSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.staleSwept.Add(float64(n))
}

// Instrument wraps next, recording count and latency under route.
func (m *Metrics) Instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
