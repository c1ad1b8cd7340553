// Package metrics declares the overlay's prometheus instrumentation:
// peer counts, message traffic, and request outcomes. Grounded on the
// pack's alertmanager cluster metrics (register(reg) building
// Counter/GaugeFunc/CounterVec and MustRegister-ing them together)
// rather than the teacher, which has no metrics package of its own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cubeoverlay/node/internal/wire"
)

// Metrics bundles every gauge/counter this overlay exports.
type Metrics struct {
	PeersUnverified   prometheus.GaugeFunc
	PeersVerified     prometheus.GaugeFunc
	PeersExchangeable prometheus.GaugeFunc
	PeersBlocked      prometheus.GaugeFunc

	MessagesSent     *prometheus.CounterVec // label: class
	MessagesReceived *prometheus.CounterVec // label: class
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter

	ParseErrors       prometheus.Counter
	PeersBlocklisted  prometheus.Counter
	CubesStored       prometheus.Counter
	CubesRejected     prometheus.Counter

	RequestsInFlight prometheus.Gauge
	RequestRetries   prometheus.Counter
	RequestTimeouts  prometheus.Counter
}

// PeerCounts is the callback shape the four PeersX gauges pull from;
// satisfied by peerdb.DB.Counts.
type PeerCounts func() (unverified, verified, exchangeable, blocked int)

// New builds and registers every metric against reg. counts is polled
// lazily by the Peers* gauges on every scrape, the same pattern the
// alertmanager cluster's clusterFailedPeers GaugeFunc uses.
func New(reg prometheus.Registerer, counts PeerCounts) *Metrics {
	m := &Metrics{
		PeersVerified: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cubeoverlay_peers_verified",
			Help: "Number of peers currently in the verified partition.",
		}, func() float64 { _, v, _, _ := counts(); return float64(v) }),
		PeersExchangeable: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cubeoverlay_peers_exchangeable",
			Help: "Number of peers currently in the exchangeable partition.",
		}, func() float64 { _, _, e, _ := counts(); return float64(e) }),
		PeersBlocked: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cubeoverlay_peers_blocked",
			Help: "Number of peers currently blocklisted.",
		}, func() float64 { _, _, _, b := counts(); return float64(b) }),
		PeersUnverified: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cubeoverlay_peers_unverified",
			Help: "Number of peers currently in the unverified partition.",
		}, func() float64 { u, _, _, _ := counts(); return float64(u) }),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cubeoverlay_messages_sent_total",
			Help: "Wire messages sent, by message class.",
		}, []string{"class"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cubeoverlay_messages_received_total",
			Help: "Wire messages received, by message class.",
		}, []string{"class"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeoverlay_bytes_sent_total",
			Help: "Raw wire bytes sent across all sessions.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeoverlay_bytes_received_total",
			Help: "Raw wire bytes received across all sessions.",
		}),

		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeoverlay_parse_errors_total",
			Help: "Malformed wire frames encountered.",
		}),
		PeersBlocklisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeoverlay_peers_blocklisted_total",
			Help: "Peers moved to the blocked partition.",
		}),
		CubesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeoverlay_cubes_stored_total",
			Help: "Cubes accepted by the store.",
		}),
		CubesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeoverlay_cubes_rejected_total",
			Help: "Cubes rejected by the store (contest loss or policy).",
		}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cubeoverlay_requests_in_flight",
			Help: "Cube/notification requests currently awaiting a reply.",
		}),
		RequestRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeoverlay_request_retries_total",
			Help: "Request attempts retried against a different peer.",
		}),
		RequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubeoverlay_request_timeouts_total",
			Help: "Requests that exhausted their retry budget.",
		}),
	}

	reg.MustRegister(
		m.PeersUnverified, m.PeersVerified, m.PeersExchangeable, m.PeersBlocked,
		m.MessagesSent, m.MessagesReceived, m.BytesSent, m.BytesReceived,
		m.ParseErrors, m.PeersBlocklisted, m.CubesStored, m.CubesRejected,
		m.RequestsInFlight, m.RequestRetries, m.RequestTimeouts,
	)
	return m
}

// RecordSent/RecordReceived are convenience wrappers keyed by wire.MessageClass.
func (m *Metrics) RecordSent(class wire.MessageClass, n int) {
	m.MessagesSent.WithLabelValues(class.String()).Inc()
	m.BytesSent.Add(float64(n))
}

func (m *Metrics) RecordReceived(class wire.MessageClass, n int) {
	m.MessagesReceived.WithLabelValues(class.String()).Inc()
	m.BytesReceived.Add(float64(n))
}
