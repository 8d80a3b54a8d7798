// Package metrics provides Prometheus metrics for factbot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bot.
type Metrics struct {
	SessionsTotal      *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
	SessionUp          prometheus.Gauge
	EventsTotal        *prometheus.CounterVec
	AnnouncementsTotal *prometheus.CounterVec
	MessageCount       prometheus.Gauge
	LastActivity       prometheus.Gauge
	SubmissionsTotal   *prometheus.CounterVec
	ReviewsTotal       *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factbot_sessions_total",
				Help: "Supervision cycles by outcome.",
			},
			[]string{"outcome"},
		),
		SessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "factbot_session_duration_seconds",
				Help:    "How long connected sessions lasted.",
				Buckets: []float64{1, 10, 30, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
			},
		),
		SessionUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "factbot_session_up",
				Help: "1 while a game session is running.",
			},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factbot_events_total",
				Help: "Inbound events by classification.",
			},
			[]string{"result"},
		),
		AnnouncementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factbot_announcements_total",
				Help: "Threshold triggers by result.",
			},
			[]string{"result"},
		),
		MessageCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "factbot_message_count",
				Help: "Current value of the threshold counter.",
			},
		),
		LastActivity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "factbot_last_activity_timestamp_seconds",
				Help: "Unix time of the most recent inbound event.",
			},
		),
		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factbot_fact_submissions_total",
				Help: "Fact submissions by result.",
			},
			[]string{"result"},
		),
		ReviewsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factbot_fact_reviews_total",
				Help: "Moderation decisions by action and channel.",
			},
			[]string{"action", "channel"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factbot_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.SessionsTotal)
	reg.MustRegister(m.SessionDuration)
	reg.MustRegister(m.SessionUp)
	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.AnnouncementsTotal)
	reg.MustRegister(m.MessageCount)
	reg.MustRegister(m.LastActivity)
	reg.MustRegister(m.SubmissionsTotal)
	reg.MustRegister(m.ReviewsTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSession counts a finished supervision cycle.
func (m *Metrics) RecordSession(outcome string, seconds float64) {
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.SessionDuration.Observe(seconds)
	}
}

// SetSessionUp flips the session gauge.
func (m *Metrics) SetSessionUp(up bool) {
	if up {
		m.SessionUp.Set(1)
		return
	}
	m.SessionUp.Set(0)
}

// RecordEvent counts a classified inbound event.
func (m *Metrics) RecordEvent(result string) {
	m.EventsTotal.WithLabelValues(result).Inc()
}

// RecordAnnouncement counts a threshold trigger.
func (m *Metrics) RecordAnnouncement(result string) {
	m.AnnouncementsTotal.WithLabelValues(result).Inc()
}

// SetMessageCount sets the counter gauge.
func (m *Metrics) SetMessageCount(count float64) {
	m.MessageCount.Set(count)
}

// SetLastActivity sets the activity gauge from a unix timestamp.
func (m *Metrics) SetLastActivity(unix float64) {
	m.LastActivity.Set(unix)
}

// RecordSubmission counts a fact submission.
func (m *Metrics) RecordSubmission(result string) {
	m.SubmissionsTotal.WithLabelValues(result).Inc()
}

// RecordReview counts a moderation decision.
func (m *Metrics) RecordReview(action, channel string) {
	m.ReviewsTotal.WithLabelValues(action, channel).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
