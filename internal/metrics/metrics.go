package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	latencyMs      *prometheus.HistogramVec
	streamEvents   *prometheus.CounterVec
	skippedFrames  *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_requests_total",
			Help: "Total number of /v1/messages requests.",
		}, []string{"backend", "stream", "status"}),
		latencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claude_bridge_request_latency_ms",
			Help:    "Request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"backend", "stream", "status"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_stream_events_total",
			Help: "Messages stream events written to clients, by event type.",
		}, []string{"type"}),
		skippedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_skipped_frames_total",
			Help: "Undecodable upstream frames skipped mid-stream.",
		}, []string{"backend"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_upstream_errors_total",
			Help: "Failed requests by error kind.",
		}, []string{"kind"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_stream_fallbacks_total",
			Help: "Streams that ended without a finish signal and were closed with a synthesized stop.",
		}, []string{"backend"}),
	}
	r.MustRegister(m.requestsTotal, m.latencyMs, m.streamEvents, m.skippedFrames, m.upstreamErrors, m.fallbacks)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(backend string, stream bool, status int, dur time.Duration) {
	s := strconv.Itoa(status)
	st := strconv.FormatBool(stream)
	m.requestsTotal.WithLabelValues(backend, st, s).Inc()
	m.latencyMs.WithLabelValues(backend, st, s).Observe(float64(dur.Milliseconds()))
}

func (m *Metrics) StreamEvent(typ string) {
	m.streamEvents.WithLabelValues(typ).Inc()
}

func (m *Metrics) SkippedFrame(backend string) {
	m.skippedFrames.WithLabelValues(backend).Inc()
}

func (m *Metrics) UpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) StreamFallback(backend string) {
	m.fallbacks.WithLabelValues(backend).Inc()
}
