package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the ambient instrumentation surface every long-lived bus
// exposes, in the spirit of the counters jeongkyun-oh-klaytn and
// prysmaticlabs-prysm register for their own peer/consensus engines. The
// spec's Non-goals (§1) never exclude observability, only topology,
// delivery guarantees, auth and clock sync, so metrics is carried as an
// ambient concern rather than gated behind a feature.
type Metrics struct {
	Routes         prometheus.Gauge
	BridgesUp      prometheus.Gauge
	SessionsActive prometheus.Gauge
	PendingP2P     prometheus.Gauge
	MessagesRouted *prometheus.CounterVec
	BroadcastFanin prometheus.Histogram
}

// NewMetrics builds a fresh, unregistered Metrics set scoped to one bus
// instance. Callers that want process-wide visibility can register it
// against their own prometheus.Registerer; ebus never reaches for the
// global default registry itself so that multiple buses in one process
// (§5) don't collide on metric names.
func NewMetrics(busPublicId string) *Metrics {
	labels := prometheus.Labels{"bus": busPublicId}
	return &Metrics{
		Routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ebus",
			Name:        "routes",
			Help:        "Number of entries currently in the routing information base.",
			ConstLabels: labels,
		}),
		BridgesUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ebus",
			Name:        "bridges_up",
			Help:        "Number of bridges (parent + children) currently connected.",
			ConstLabels: labels,
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ebus",
			Name:        "sessions_active",
			Help:        "Number of broadcast-ask sessions currently awaiting completion.",
			ConstLabels: labels,
		}),
		PendingP2P: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ebus",
			Name:        "p2p_pending",
			Help:        "Number of locally-initiated P2P asks awaiting a response.",
			ConstLabels: labels,
		}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ebus",
			Name:        "messages_routed_total",
			Help:        "Messages routed, partitioned by data-plane kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		BroadcastFanin: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ebus",
			Name:        "broadcast_fanin_size",
			Help:        "Number of targets a broadcast ask fanned out to.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// Collectors returns every collector in the set, for callers that want to
// register them in bulk against a prometheus.Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Routes, m.BridgesUp, m.SessionsActive, m.PendingP2P, m.MessagesRouted, m.BroadcastFanin,
	}
}
