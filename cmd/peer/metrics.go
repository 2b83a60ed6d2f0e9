package main

import "github.com/prometheus/client_golang/prometheus"

// metrics groups the peer-level counters exposed on /metrics. Kept
// narrow on purpose: actions committed and failed are the two numbers
// an operator watching a single peer cares about first.
type metrics struct {
	actionsCommitted prometheus.Counter
	actionsFailed    prometheus.Counter
	guardTrips       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		actionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optimystic",
			Name:      "actions_committed_total",
			Help:      "Transactions that reached commit majority across their cohort.",
		}),
		actionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optimystic",
			Name:      "actions_failed_total",
			Help:      "Transactions that failed to stage, promise or commit.",
		}),
		guardTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optimystic",
			Name:      "routing_guard_trips_total",
			Help:      "Times the routing self-coordination guard refused the coordinator role.",
		}),
	}
	reg.MustRegister(m.actionsCommitted, m.actionsFailed, m.guardTrips)
	return m
}
