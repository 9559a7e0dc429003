// Package metrics holds the Prometheus collectors for the auth flow and
// HTTP layer. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pantry"

// Validation outcomes, used as the "outcome" label.
const (
	OutcomeAuthenticated = "authenticated"
	OutcomeSignupPending = "signup_pending"
	OutcomeBadRequest    = "bad_request"
	OutcomeInvalid       = "invalid_payload"
	OutcomeExpired       = "expired"
	OutcomeInvalidNonce  = "invalid_nonce"
	OutcomeError         = "error"
)

type Metrics struct {
	registry        *prometheus.Registry
	linksIssued     prometheus.Counter
	linkValidations *prometheus.CounterVec
	signups         prometheus.Counter
	httpDuration    *prometheus.HistogramVec
}

// New registers all collectors, plus the Go and process collectors, on a
// private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		linksIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "magic_links_issued_total",
			Help:      "Magic links generated for login requests.",
		}),
		linkValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "magic_link_validations_total",
			Help:      "Magic link validation attempts by outcome.",
		}, []string{"outcome"}),
		signups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "signups_total",
			Help:      "Users created by completing signup.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}

	m.registry.MustRegister(
		m.linksIssued,
		m.linkValidations,
		m.signups,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) LinkIssued() {
	if m == nil {
		return
	}
	m.linksIssued.Inc()
}

func (m *Metrics) LinkValidated(outcome string) {
	if m == nil {
		return
	}
	m.linkValidations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SignupCompleted() {
	if m == nil {
		return
	}
	m.signups.Inc()
}

func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
