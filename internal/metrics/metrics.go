// Package metrics provides Prometheus instrumentation for the mesh core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "meshcore"
)

// Metrics contains all Prometheus metrics for the mesh core.
type Metrics struct {
	// Peer and session metrics
	PeersConnected  prometheus.Gauge
	PeersTotal      prometheus.Counter
	PeerConnections *prometheus.CounterVec
	PeerDisconnects *prometheus.CounterVec
	SessionsSecured prometheus.Counter
	HandshakeErrors *prometheus.CounterVec

	// Message metrics
	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
	MessagesForwarded prometheus.Counter
	MessagesDropped   *prometheus.CounterVec

	// Fragmentation and dedup metrics
	FragmentsSent     prometheus.Counter
	FragmentsReceived prometheus.Counter
	DuplicatesDropped prometheus.Counter
	BloomFillRatio    prometheus.Gauge

	// Store-and-forward metrics
	StoreForwardCached    prometheus.Counter
	StoreForwardDelivered prometheus.Counter
	StoreForwardExpired   prometheus.Counter

	// Network health metrics
	PeerLatencyMs  *prometheus.GaugeVec
	PeerLossRatio  *prometheus.GaugeVec
	NetworkHealth  prometheus.Gauge
	ActivePeers    prometheus.Gauge
	ChannelsJoined prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against
// prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered
// against prometheus.DefaultRegisterer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry. Tests should use a fresh prometheus.NewRegistry() to avoid
// colliding with other registrations in the process.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Peer and session metrics
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently connected peers",
		}),
		PeersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "Total number of peer connections established",
		}),
		PeerConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connections_total",
			Help:      "Total peer connections by bearer type",
		}, []string{"bearer", "direction"}),
		PeerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Total peer disconnections by reason",
		}, []string{"reason"}),
		SessionsSecured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_secured_total",
			Help:      "Total Noise handshakes completed successfully",
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by stage",
		}, []string{"stage"}),

		// Message metrics
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages originated locally",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total messages received and addressed to this node",
		}),
		MessagesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Total messages relayed toward other peers",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped by reason",
		}, []string{"reason"}),

		// Fragmentation and dedup metrics
		FragmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_sent_total",
			Help:      "Total outbound fragments transmitted",
		}),
		FragmentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_received_total",
			Help:      "Total inbound fragments received",
		}),
		DuplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Total messages dropped as duplicates by the dedup detector",
		}),
		BloomFillRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bloom_fill_ratio",
			Help:      "Current fraction of set bits in the dedup Bloom filter",
		}),

		// Store-and-forward metrics
		StoreForwardCached: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storeforward_cached_total",
			Help:      "Total messages cached for unreachable recipients",
		}),
		StoreForwardDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storeforward_delivered_total",
			Help:      "Total cached messages delivered on reconnect",
		}),
		StoreForwardExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storeforward_expired_total",
			Help:      "Total cached messages dropped after exceeding their TTL",
		}),

		// Network health metrics
		PeerLatencyMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_latency_ms",
			Help:      "EMA round-trip latency to a peer, in milliseconds",
		}, []string{"peer"}),
		PeerLossRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_loss_ratio",
			Help:      "Fraction of messages to a peer that went unacknowledged",
		}, []string{"peer"}),
		NetworkHealth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_health",
			Help:      "Overall mesh health classification: 0=poor, 1=fair, 2=good",
		}),
		ActivePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peers",
			Help:      "Number of peers considered active (seen within the peer timeout)",
		}),
		ChannelsJoined: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_joined",
			Help:      "Number of channels currently joined",
		}),
	}
}

// RecordPeerConnect records a new peer connection.
func (m *Metrics) RecordPeerConnect(bearer, direction string) {
	m.PeersConnected.Inc()
	m.PeersTotal.Inc()
	m.PeerConnections.WithLabelValues(bearer, direction).Inc()
}

// RecordPeerDisconnect records a peer disconnection.
func (m *Metrics) RecordPeerDisconnect(reason string) {
	m.PeersConnected.Dec()
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

// RecordHandshakeComplete records a successfully secured session.
func (m *Metrics) RecordHandshakeComplete() {
	m.SessionsSecured.Inc()
}

// RecordHandshakeError records a handshake failure at a given stage.
func (m *Metrics) RecordHandshakeError(stage string) {
	m.HandshakeErrors.WithLabelValues(stage).Inc()
}

// RecordMessageSent records a locally originated message.
func (m *Metrics) RecordMessageSent() {
	m.MessagesSent.Inc()
}

// RecordMessageReceived records a message addressed to this node.
func (m *Metrics) RecordMessageReceived() {
	m.MessagesReceived.Inc()
}

// RecordMessageForwarded records a message relayed to other peers.
func (m *Metrics) RecordMessageForwarded() {
	m.MessagesForwarded.Inc()
}

// RecordMessageDropped records a dropped message by reason.
func (m *Metrics) RecordMessageDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordFragmentSent records an outbound fragment.
func (m *Metrics) RecordFragmentSent() {
	m.FragmentsSent.Inc()
}

// RecordFragmentReceived records an inbound fragment.
func (m *Metrics) RecordFragmentReceived() {
	m.FragmentsReceived.Inc()
}

// RecordDuplicateDropped records a message dropped by the dedup detector.
func (m *Metrics) RecordDuplicateDropped() {
	m.DuplicatesDropped.Inc()
}

// SetBloomFillRatio sets the current dedup Bloom filter fill ratio.
func (m *Metrics) SetBloomFillRatio(ratio float64) {
	m.BloomFillRatio.Set(ratio)
}

// RecordStoreForwardCached records a message cached for later delivery.
func (m *Metrics) RecordStoreForwardCached() {
	m.StoreForwardCached.Inc()
}

// RecordStoreForwardDelivered records a cached message delivered on reconnect.
func (m *Metrics) RecordStoreForwardDelivered() {
	m.StoreForwardDelivered.Inc()
}

// RecordStoreForwardExpired records a cached message dropped after its TTL.
func (m *Metrics) RecordStoreForwardExpired() {
	m.StoreForwardExpired.Inc()
}

// SetPeerLatency sets the current EMA latency, in milliseconds, to peer.
func (m *Metrics) SetPeerLatency(peer string, latencyMs float64) {
	m.PeerLatencyMs.WithLabelValues(peer).Set(latencyMs)
}

// SetPeerLossRatio sets the current loss ratio to peer.
func (m *Metrics) SetPeerLossRatio(peer string, ratio float64) {
	m.PeerLossRatio.WithLabelValues(peer).Set(ratio)
}

// SetNetworkHealth sets the overall mesh health gauge (0=poor, 1=fair, 2=good).
func (m *Metrics) SetNetworkHealth(level float64) {
	m.NetworkHealth.Set(level)
}

// SetActivePeers sets the count of currently active peers.
func (m *Metrics) SetActivePeers(count int) {
	m.ActivePeers.Set(float64(count))
}

// SetChannelsJoined sets the count of currently joined channels.
func (m *Metrics) SetChannelsJoined(count int) {
	m.ChannelsJoined.Set(float64(count))
}
