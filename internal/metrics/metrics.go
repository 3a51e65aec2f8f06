// Package metrics exposes the service's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Transitions      *prometheus.CounterVec
	SessionsOpened   prometheus.Counter
	SessionsActive   prometheus.Gauge
	Submissions      *prometheus.CounterVec
	ScoreWriteErrors prometheus.Counter
	ImportedRows     *prometheus.CounterVec
	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quiz_status_transitions_total",
			Help: "Quiz lifecycle transitions by target status and outcome",
		}, []string{"to", "outcome"}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quiz_sessions_opened_total",
			Help: "Participant sessions opened",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quiz_sessions_active",
			Help: "Participant sessions currently running",
		}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quiz_submissions_total",
			Help: "Session submissions by outcome",
		}, []string{"outcome"}),
		ScoreWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quiz_score_write_errors_total",
			Help: "Failed score write attempts, including retried ones",
		}),
		ImportedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quiz_import_rows_total",
			Help: "CSV rows processed by kind and outcome",
		}, []string{"kind", "outcome"}),
		RequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2},
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		m.Transitions,
		m.SessionsOpened,
		m.SessionsActive,
		m.Submissions,
		m.ScoreWriteErrors,
		m.ImportedRows,
		m.RequestCounter,
		m.RequestDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(to string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	m.Transitions.WithLabelValues(to, outcome).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ScoreWriteFailed() {
	if m == nil {
		return
	}
	m.ScoreWriteErrors.Inc()
}

func (m *Metrics) Imported(kind string, accepted, rejected int) {
	if m == nil {
		return
	}
	m.ImportedRows.WithLabelValues(kind, "accepted").Add(float64(accepted))
	m.ImportedRows.WithLabelValues(kind, "rejected").Add(float64(rejected))
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestCounter.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
