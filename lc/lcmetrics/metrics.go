// Package lcmetrics exposes prometheus collectors for the consensus core.
package lcmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates the consensus metrics.
// A nil *Collector is valid and records nothing,
// so wiring metrics stays optional.
type Collector struct {
	roundsStarted   prometheus.Counter
	roundsAccepted  prometheus.Counter
	roundsAbandoned prometheus.Counter

	convergeSeconds prometheus.Histogram

	proposers prometheus.Gauge
	disputes  prometheus.Counter
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		roundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "consensus",
			Name:      "rounds_started_total",
			Help:      "Consensus rounds started.",
		}),
		roundsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "consensus",
			Name:      "rounds_accepted_total",
			Help:      "Consensus rounds that produced an accepted ledger.",
		}),
		roundsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "consensus",
			Name:      "rounds_abandoned_total",
			Help:      "Consensus rounds abandoned on view change or fault.",
		}),
		convergeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "keel",
			Subsystem: "consensus",
			Name:      "converge_seconds",
			Help:      "Time from round start to convergence.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		proposers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keel",
			Subsystem: "consensus",
			Name:      "proposers",
			Help:      "Peer proposers seen in the current round.",
		}),
		disputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "consensus",
			Name:      "disputed_transactions_total",
			Help:      "Disputed transactions created.",
		}),
	}

	reg.MustRegister(
		c.roundsStarted, c.roundsAccepted, c.roundsAbandoned,
		c.convergeSeconds, c.proposers, c.disputes,
	)
	return c
}

func (c *Collector) RoundStarted() {
	if c == nil {
		return
	}
	c.roundsStarted.Inc()
}

func (c *Collector) RoundAccepted(convergeSeconds float64) {
	if c == nil {
		return
	}
	c.roundsAccepted.Inc()
	c.convergeSeconds.Observe(convergeSeconds)
}

func (c *Collector) RoundAbandoned() {
	if c == nil {
		return
	}
	c.roundsAbandoned.Inc()
}

func (c *Collector) SetProposers(n int) {
	if c == nil {
		return
	}
	c.proposers.Set(float64(n))
}

func (c *Collector) DisputeCreated() {
	if c == nil {
		return
	}
	c.disputes.Inc()
}
