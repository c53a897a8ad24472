package orch

import (
	"fmt"

	"github.com/dkeye/meshvoice/internal/app/peer"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	sessions         *prometheus.GaugeVec
	failures         prometheus.Counter
	speakingWrites   prometheus.Counter
	reconcileDeletes prometheus.Counter
}

// newMetrics registers on reg, or on a private registry when reg is nil.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshvoice",
			Name:      "peer_sessions",
			Help:      "Peer sessions by state.",
		}, []string{"state"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshvoice",
			Name:      "negotiation_failures_total",
			Help:      "Failed negotiation attempts, including retried ones.",
		}),
		speakingWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshvoice",
			Name:      "speaking_writes_total",
			Help:      "Membership updates carrying the speaking flag.",
		}),
		reconcileDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshvoice",
			Name:      "reconcile_deletes_total",
			Help:      "Stale membership rows removed by reconciliation.",
		}),
	}
	for _, c := range []prometheus.Collector{m.sessions, m.failures, m.speakingWrites, m.reconcileDeletes} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) peerState(_ domain.ParticipantID, from, to peer.State) {
	if from != peer.StateIdle && from != peer.StateClosed {
		m.sessions.WithLabelValues(from.String()).Dec()
	}
	if to != peer.StateIdle && to != peer.StateClosed {
		m.sessions.WithLabelValues(to.String()).Inc()
	}
}
