// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lease

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "juju"
	metricsSubsystem = "lease"
)

// leaseMetrics holds the per-lease instrumentation exposed through the
// Lease's prometheus.Collector implementation.
type leaseMetrics struct {
	establishedTotal   prometheus.Counter
	keepAliveSuccesses prometheus.Counter
	keepAliveFailures  prometheus.Counter
	lostTotal          prometheus.Counter
	stateDesc          *prometheus.Desc
}

func newLeaseMetrics() leaseMetrics {
	return leaseMetrics{
		establishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "established_total",
			Help:      "Number of times this lease's identifier was confirmed.",
		}),
		keepAliveSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "keepalive_successes_total",
			Help:      "Number of confirmed renewals for this lease.",
		}),
		keepAliveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "keepalive_failures_total",
			Help:      "Number of transient renewal failures for this lease.",
		}),
		lostTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "lost_total",
			Help:      "Number of times this lease was declared lost.",
		}),
		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "state"),
			"Current lifecycle state of this lease.",
			[]string{"state"}, nil,
		),
	}
}

// Describe is part of prometheus.Collector.
func (l *Lease) Describe(ch chan<- *prometheus.Desc) {
	l.metrics.establishedTotal.Describe(ch)
	l.metrics.keepAliveSuccesses.Describe(ch)
	l.metrics.keepAliveFailures.Describe(ch)
	l.metrics.lostTotal.Describe(ch)
	ch <- l.metrics.stateDesc
}

// Collect is part of prometheus.Collector.
func (l *Lease) Collect(ch chan<- prometheus.Metric) {
	l.metrics.establishedTotal.Collect(ch)
	l.metrics.keepAliveSuccesses.Collect(ch)
	l.metrics.keepAliveFailures.Collect(ch)
	l.metrics.lostTotal.Collect(ch)
	ch <- prometheus.MustNewConstMetric(
		l.metrics.stateDesc, prometheus.GaugeValue, 1, l.State().String(),
	)
}
