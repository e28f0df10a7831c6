// Package metrics holds the Prometheus instrumentation for the gateway.
// All Record* methods tolerate a nil receiver so instrumented code never
// has to branch on whether metrics are configured.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	SessionsEvicted  *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	AudioBytesTotal  *prometheus.CounterVec

	// Stream metrics
	SentencesTotal    prometheus.Counter
	TimedEventsTotal  *prometheus.CounterVec
	TokensTotal       *prometheus.CounterVec
	DialogStepsTotal  *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxlane"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"endpoint"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered sessions",
		},
	)

	sessionsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions created",
		},
	)

	sessionsEvicted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Total sessions evicted by the lifecycle sweeper",
		},
		[]string{"reason"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session lifetime in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes streamed",
		},
		[]string{"direction"},
	)

	sentencesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentences_total",
			Help:      "Total sentences emitted by the sentence watcher",
		},
	)

	timedEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timed_events_total",
			Help:      "Total timed events delivered",
		},
		[]string{"late"},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens processed",
		},
		[]string{"direction"},
	)

	dialogStepsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialog_steps_total",
			Help:      "Total dialog steps executed",
		},
		[]string{"status"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"stage"},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"limit_type"},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		sessionsActive,
		sessionsTotal,
		sessionsEvicted,
		sessionDuration,
		audioBytesTotal,
		sentencesTotal,
		timedEventsTotal,
		tokensTotal,
		dialogStepsTotal,
		errorsTotal,
		rateLimitHits,
	)

	return &Metrics{
		registry:         registry,
		RequestsTotal:    requestsTotal,
		RequestDuration:  requestDuration,
		SessionsActive:   sessionsActive,
		SessionsTotal:    sessionsTotal,
		SessionsEvicted:  sessionsEvicted,
		SessionDuration:  sessionDuration,
		AudioBytesTotal:  audioBytesTotal,
		SentencesTotal:   sentencesTotal,
		TimedEventsTotal: timedEventsTotal,
		TokensTotal:      tokensTotal,
		DialogStepsTotal: dialogStepsTotal,
		ErrorsTotal:      errorsTotal,
		RateLimitHits:    rateLimitHits,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordSessionStart records a new session registration.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionEnd records a session removal.
func (m *Metrics) RecordSessionEnd(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsEvicted.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// RecordAudio records streamed audio bytes.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordSentence records one emitted sentence.
func (m *Metrics) RecordSentence() {
	if m == nil {
		return
	}
	m.SentencesTotal.Inc()
}

// RecordTimedEvent records one delivered timed event.
func (m *Metrics) RecordTimedEvent(late bool) {
	if m == nil {
		return
	}
	label := "false"
	if late {
		label = "true"
	}
	m.TimedEventsTotal.WithLabelValues(label).Inc()
}

// RecordTokens records token usage reported by the provider.
func (m *Metrics) RecordTokens(inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// RecordDialogStep records a completed dialog step.
func (m *Metrics) RecordDialogStep(status string) {
	if m == nil {
		return
	}
	m.DialogStepsTotal.WithLabelValues(status).Inc()
}

// RecordError records an error by pipeline stage.
func (m *Metrics) RecordError(stage string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}
