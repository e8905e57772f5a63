package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"farmtrack/internal/routes"
)

// Metrics are the web client's prometheus collectors. It also records
// upstream failures of the list views.
type Metrics struct {
	gatherer prometheus.Gatherer

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	guard    *prometheus.CounterVec
	upstream *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmtrack",
			Name:      "http_requests_total",
			Help:      "Web client requests by route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "farmtrack",
			Name:      "http_request_duration_seconds",
			Help:      "Web client request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		guard: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmtrack",
			Name:      "guard_decisions_total",
			Help:      "Route guard outcomes by path.",
		}, []string{"path", "outcome"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmtrack",
			Name:      "upstream_failures_total",
			Help:      "Failed farm API calls by view and operation.",
		}, []string{"view", "op"}),
	}
	reg.MustRegister(m.requests, m.latency, m.guard, m.upstream)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// UpstreamFailure implements listview.Recorder.
func (m *Metrics) UpstreamFailure(view, op string) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(view, op).Inc()
}

func (m *Metrics) guardDecision(path string, d routes.Decision) {
	if m == nil {
		return
	}
	m.guard.WithLabelValues(path, d.Outcome.String()).Inc()
}

func (m *Metrics) observe(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(took.Seconds())
}

// logRequests logs every request and feeds the request metrics.
func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		took := time.Since(start)
		s.metrics.observe(r.Method, route, status, took)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", took),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
