// ABOUTME: Prometheus metrics for the gateway
// ABOUTME: Tracks sessions, request outcomes, agent latency, and registrations

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns all gateway metric instruments.
type Collector struct {
	sessionsActive prometheus.Gauge
	requestsTotal  *prometheus.CounterVec
	agentErrors    prometheus.Counter
	agentLatency   prometheus.Histogram
	registrations  prometheus.Counter
}

// NewCollector creates a Collector and registers its instruments with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatgate_sessions_active",
			Help: "Number of live websocket sessions.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_requests_total",
			Help: "Chat requests processed, by outcome.",
		}, []string{"outcome"}),
		agentErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_agent_errors_total",
			Help: "Failed calls to the upstream agent.",
		}),
		agentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatgate_agent_latency_seconds",
			Help:    "Latency of upstream agent calls.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_registrations_total",
			Help: "Accounts registered since start.",
		}),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.requestsTotal,
		c.agentErrors,
		c.agentLatency,
		c.registrations,
	)
	return c
}

// SessionOpened increments the live session gauge.
func (c *Collector) SessionOpened() { c.sessionsActive.Inc() }

// SessionClosed decrements the live session gauge.
func (c *Collector) SessionClosed() { c.sessionsActive.Dec() }

// RecordRequest counts a processed chat request by outcome
// ("ok", "error", "rejected").
func (c *Collector) RecordRequest(outcome string) {
	c.requestsTotal.WithLabelValues(outcome).Inc()
}

// RecordAgentCall observes one agent call's latency, counting failures.
func (c *Collector) RecordAgentCall(d time.Duration, err error) {
	c.agentLatency.Observe(d.Seconds())
	if err != nil {
		c.agentErrors.Inc()
	}
}

// RecordRegistration counts a new account registration.
func (c *Collector) RecordRegistration() { c.registrations.Inc() }

// Handler returns the scrape handler for the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
