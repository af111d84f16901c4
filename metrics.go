package raft

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics carries the engine's prometheus collectors. With no registerer
// configured the collectors still exist but are never scraped, which
// keeps the call sites unconditional.
type metrics struct {
	term         prometheus.Gauge
	commitIndex  prometheus.Gauge
	appliedIndex prometheus.Gauge
	lastIndex    prometheus.Gauge
	groupState   prometheus.Gauge

	proposals       prometheus.Counter
	proposalsFailed prometheus.Counter
	appliedBatches  prometheus.Counter
	snapshotsTaken  prometheus.Counter
	walRejections   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "term", Help: "Current term.",
		}),
		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "commit_index", Help: "Highest committed index.",
		}),
		appliedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "applied_index", Help: "Highest applied index.",
		}),
		lastIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "last_index", Help: "Highest index in the log.",
		}),
		groupState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raft", Name: "group_state", Help: "0 stable, 1 partial, 2 unavailable.",
		}),
		proposals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raft", Name: "proposals_total", Help: "Accepted proposals.",
		}),
		proposalsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raft", Name: "proposals_failed_total", Help: "Bounced or failed proposals.",
		}),
		appliedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raft", Name: "applied_batches_total", Help: "Apply batches delivered to the state machine.",
		}),
		snapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raft", Name: "snapshots_total", Help: "Snapshots built.",
		}),
		walRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raft", Name: "wal_rejections_total", Help: "Group-commit batches rejected by the log store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.term, m.commitIndex, m.appliedIndex, m.lastIndex,
			m.groupState, m.proposals, m.proposalsFailed, m.appliedBatches,
			m.snapshotsTaken, m.walRejections)
	}
	return m
}
