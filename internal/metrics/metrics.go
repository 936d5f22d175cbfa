// Package metrics exposes Prometheus collectors for tool sessions. All
// methods are safe on a nil *Collector, so instrumented code never needs
// to check whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "toolwire"

// Collector holds the module's metric families.
type Collector struct {
	// invocations counts completed tool calls by server, tool, outcome.
	invocations *prometheus.CounterVec

	// latency observes tool call round-trip time.
	latency *prometheus.HistogramVec

	// pending tracks requests awaiting a response per server.
	pending *prometheus.GaugeVec

	// anomalies counts late responses and protocol violations.
	anomalies *prometheus.CounterVec

	// sessions counts sessions opened and closed per server.
	sessions *prometheus.CounterVec
}

// New registers the collectors with reg. Passing nil uses a fresh
// private registry, which keeps tests isolated.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collector{
		invocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Tool invocations by server, tool and outcome",
			},
			[]string{"server", "tool", "outcome"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Tool invocation round-trip time",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"server", "tool"},
		),
		pending: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Requests awaiting a response",
			},
			[]string{"server"},
		),
		anomalies: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_total",
				Help:      "Late responses and protocol violations by server and kind",
			},
			[]string{"server", "kind"},
		),
		sessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Session lifecycle transitions by server and state",
			},
			[]string{"server", "state"},
		),
	}
}

// ObserveInvocation records one finished tool call.
func (c *Collector) ObserveInvocation(server, tool, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.invocations.WithLabelValues(server, tool, outcome).Inc()
	c.latency.WithLabelValues(server, tool).Observe(d.Seconds())
}

// PendingAdd adjusts the pending gauge by delta.
func (c *Collector) PendingAdd(server string, delta float64) {
	if c == nil {
		return
	}
	c.pending.WithLabelValues(server).Add(delta)
}

// Anomaly counts one anomaly of the given kind.
func (c *Collector) Anomaly(server, kind string) {
	if c == nil {
		return
	}
	c.anomalies.WithLabelValues(server, kind).Inc()
}

// Session counts a lifecycle transition: "opened" and "closed" from
// sessions, "ready" and "down" from supervisors.
func (c *Collector) Session(server, state string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(server, state).Inc()
}
