// Package health tracks per-peer delivery latency and loss, and classifies
// overall mesh health from those observations.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/driftmesh/meshcore/internal/identity"
	"github.com/driftmesh/meshcore/internal/logging"
	"github.com/driftmesh/meshcore/internal/metrics"
)

const (
	// DefaultLatencyAlpha is the EMA smoothing factor applied to each new
	// round-trip sample.
	DefaultLatencyAlpha = 0.2

	// RingBufferSize is the number of recent round-trip samples kept in the
	// global latency ring.
	RingBufferSize = 100

	// DefaultPeerTimeout marks a peer inactive after this long without
	// activity.
	DefaultPeerTimeout = 60 * time.Second

	// DefaultSweepInterval is how often the periodic sweeper runs.
	DefaultSweepInterval = 30 * time.Second

	// DefaultMinActivePeers is the active-peer floor used by the GOOD/FAIR/POOR
	// classification.
	DefaultMinActivePeers = 1
)

// Level is an overall mesh health classification.
type Level int

const (
	Poor Level = iota
	Fair
	Good
)

func (l Level) String() string {
	switch l {
	case Poor:
		return "poor"
	case Fair:
		return "fair"
	case Good:
		return "good"
	default:
		return "unknown"
	}
}

// peerStats holds the running counters for one peer.
type peerStats struct {
	emaLatencyMs float64
	hasLatency   bool
	sent         uint64
	delivered    uint64
	failed       uint64
	lastSeen     time.Time
}

func (p *peerStats) lossRatio() float64 {
	if p.sent == 0 {
		return 0
	}
	return float64(p.failed) / float64(p.sent)
}

// pendingSend is a send awaiting delivery confirmation, parked under its
// message id.
type pendingSend struct {
	peer identity.PeerID
	t0   time.Time
}

// Config configures a Monitor.
type Config struct {
	LatencyAlpha   float64
	PeerTimeout    time.Duration
	SweepInterval  time.Duration
	MinActivePeers int
}

// Monitor tracks per-peer latency/loss and the overall mesh health
// classification derived from them.
type Monitor struct {
	mu sync.Mutex

	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	peers   map[identity.PeerID]*peerStats
	pending map[[16]byte]pendingSend

	ring      [RingBufferSize]float64
	ringCount int
	ringPos   int
	ringSum   float64

	lastLevel Level

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Monitor from cfg, applying package defaults to zero fields.
// logger and m may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Monitor {
	if cfg.LatencyAlpha <= 0 {
		cfg.LatencyAlpha = DefaultLatencyAlpha
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MinActivePeers <= 0 {
		cfg.MinActivePeers = DefaultMinActivePeers
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Monitor{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "health"),
		metrics: m,
		peers:   make(map[identity.PeerID]*peerStats),
		pending: make(map[[16]byte]pendingSend),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic sweeper.
func (mon *Monitor) Start() {
	mon.wg.Add(1)
	go mon.sweepLoop()
}

// Stop halts the periodic sweeper and waits for it to exit.
func (mon *Monitor) Stop() {
	close(mon.stopCh)
	mon.wg.Wait()
}

func (mon *Monitor) getOrCreate(peer identity.PeerID) *peerStats {
	ps, ok := mon.peers[peer]
	if !ok {
		ps = &peerStats{lastSeen: time.Now()}
		mon.peers[peer] = ps
	}
	return ps
}

// TrackSent records a send to peer, parking the send under msgID to compute
// latency once TrackDelivered or TrackFailed is called with the same id.
func (mon *Monitor) TrackSent(peer identity.PeerID, msgID [16]byte) {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	ps := mon.getOrCreate(peer)
	ps.sent++
	ps.lastSeen = time.Now()
	mon.pending[msgID] = pendingSend{peer: peer, t0: time.Now()}
}

// TrackDelivered records a successful delivery for msgID. If latency is
// non-zero it is used directly; otherwise latency is computed from the
// parked send time.
func (mon *Monitor) TrackDelivered(msgID [16]byte, latency time.Duration) {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	send, ok := mon.pending[msgID]
	if !ok {
		return
	}
	delete(mon.pending, msgID)

	if latency <= 0 {
		latency = time.Since(send.t0)
	}
	latencyMs := float64(latency.Milliseconds())

	ps := mon.getOrCreate(send.peer)
	ps.delivered++
	ps.lastSeen = time.Now()
	if !ps.hasLatency {
		ps.emaLatencyMs = latencyMs
		ps.hasLatency = true
	} else {
		ps.emaLatencyMs = mon.cfg.LatencyAlpha*latencyMs + (1-mon.cfg.LatencyAlpha)*ps.emaLatencyMs
	}

	mon.pushRing(latencyMs)

	if mon.metrics != nil {
		mon.metrics.SetPeerLatency(send.peer.String(), ps.emaLatencyMs)
		mon.metrics.SetPeerLossRatio(send.peer.String(), ps.lossRatio())
	}
}

// TrackFailed records a failed send for msgID.
func (mon *Monitor) TrackFailed(msgID [16]byte) {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	send, ok := mon.pending[msgID]
	if !ok {
		return
	}
	delete(mon.pending, msgID)

	ps := mon.getOrCreate(send.peer)
	ps.failed++

	if mon.metrics != nil {
		mon.metrics.SetPeerLossRatio(send.peer.String(), ps.lossRatio())
	}
}

// pushRing adds a latency sample to the global ring buffer. Callers must
// hold mon.mu.
func (mon *Monitor) pushRing(latencyMs float64) {
	if mon.ringCount == RingBufferSize {
		mon.ringSum -= mon.ring[mon.ringPos]
	} else {
		mon.ringCount++
	}
	mon.ring[mon.ringPos] = latencyMs
	mon.ringSum += latencyMs
	mon.ringPos = (mon.ringPos + 1) % RingBufferSize
}

func (mon *Monitor) averageLatencyLocked() float64 {
	if mon.ringCount == 0 {
		return 0
	}
	return mon.ringSum / float64(mon.ringCount)
}

// PeerLatency returns the current EMA latency for peer, in milliseconds.
func (mon *Monitor) PeerLatency(peer identity.PeerID) (float64, bool) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	ps, ok := mon.peers[peer]
	if !ok || !ps.hasLatency {
		return 0, false
	}
	return ps.emaLatencyMs, true
}

// PeerLossRatio returns the current loss ratio for peer.
func (mon *Monitor) PeerLossRatio(peer identity.PeerID) float64 {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	ps, ok := mon.peers[peer]
	if !ok {
		return 0
	}
	return ps.lossRatio()
}

// activePeerCountLocked returns the number of peers seen within the peer timeout.
// Callers must hold mon.mu.
func (mon *Monitor) activePeerCountLocked(now time.Time) int {
	count := 0
	for _, ps := range mon.peers {
		if now.Sub(ps.lastSeen) <= mon.cfg.PeerTimeout {
			count++
		}
	}
	return count
}

// overallLossRatioLocked averages loss ratio across active peers. Callers
// must hold mon.mu.
func (mon *Monitor) overallLossRatioLocked(now time.Time) float64 {
	var sum float64
	var n int
	for _, ps := range mon.peers {
		if now.Sub(ps.lastSeen) > mon.cfg.PeerTimeout {
			continue
		}
		sum += ps.lossRatio()
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// classifyLocked computes the GOOD/FAIR/POOR level from current state.
// Callers must hold mon.mu.
func (mon *Monitor) classifyLocked(now time.Time) Level {
	activePeers := mon.activePeerCountLocked(now)
	loss := mon.overallLossRatioLocked(now)
	latency := mon.averageLatencyLocked()

	switch {
	case activePeers < mon.cfg.MinActivePeers || loss > 0.5 || latency > 2000:
		return Poor
	case activePeers < 2*mon.cfg.MinActivePeers || loss > 0.2 || latency > 1000:
		return Fair
	default:
		return Good
	}
}

// Level returns the current overall health classification.
func (mon *Monitor) Level() Level {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.classifyLocked(time.Now())
}

func (mon *Monitor) sweepLoop() {
	defer mon.wg.Done()

	ticker := time.NewTicker(mon.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mon.stopCh:
			return
		case <-ticker.C:
			mon.sweep()
		}
	}
}

func (mon *Monitor) sweep() {
	now := time.Now()

	mon.mu.Lock()

	failedTimeouts := 0
	for msgID, send := range mon.pending {
		if now.Sub(send.t0) > mon.cfg.PeerTimeout {
			delete(mon.pending, msgID)
			if ps, ok := mon.peers[send.peer]; ok {
				ps.failed++
			}
			failedTimeouts++
		}
	}

	level := mon.classifyLocked(now)
	changed := level != mon.lastLevel
	mon.lastLevel = level
	activePeers := mon.activePeerCountLocked(now)

	mon.mu.Unlock()

	if mon.metrics != nil {
		mon.metrics.SetNetworkHealth(float64(level))
		mon.metrics.SetActivePeers(activePeers)
	}

	if changed {
		mon.logger.Info("mesh health changed",
			"level", level.String(),
			"active_peers", activePeers,
			"pending_timeouts", humanize.Comma(int64(failedTimeouts)))
	}
}

// ConnectionQuality is a per-peer quality classification derived from a
// weighted combination of RSSI, latency, loss, and throughput.
type ConnectionQuality int

const (
	Excellent ConnectionQuality = iota
	GoodQuality
	FairQuality
	PoorQuality
	Disconnected
)

func (q ConnectionQuality) String() string {
	switch q {
	case Excellent:
		return "excellent"
	case GoodQuality:
		return "good"
	case FairQuality:
		return "fair"
	case PoorQuality:
		return "poor"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// QualityWeights are the default weights applied to the four quality
// signals; they sum to 1.0.
var QualityWeights = struct {
	RSSI       float64
	Latency    float64
	Loss       float64
	Throughput float64
}{
	RSSI:       0.30,
	Latency:    0.30,
	Loss:       0.25,
	Throughput: 0.15,
}

// QualitySample is one observation of a peer connection's signal quality.
// Each field is pre-normalized to [0, 1], where 1 is best.
type QualitySample struct {
	RSSI       float64
	Latency    float64
	Loss       float64
	Throughput float64
}

// Score computes the weighted quality score for s, in [0, 1].
func (s QualitySample) Score() float64 {
	return QualityWeights.RSSI*s.RSSI +
		QualityWeights.Latency*s.Latency +
		QualityWeights.Loss*s.Loss +
		QualityWeights.Throughput*s.Throughput
}

// Classify maps a weighted score to a ConnectionQuality level.
func Classify(score float64) ConnectionQuality {
	switch {
	case score >= 0.9:
		return Excellent
	case score >= 0.7:
		return GoodQuality
	case score >= 0.4:
		return FairQuality
	case score > 0:
		return PoorQuality
	default:
		return Disconnected
	}
}
