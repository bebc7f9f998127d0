// Package mesh implements the mesh engine: the single actor that owns the
// peer table, duplicate detection, store-and-forward cache, and health
// tracker, driving handshakes and message delivery over a transport.Bearer.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftmesh/meshcore/internal/config"
	"github.com/driftmesh/meshcore/internal/crypto"
	"github.com/driftmesh/meshcore/internal/dedup"
	"github.com/driftmesh/meshcore/internal/fragment"
	"github.com/driftmesh/meshcore/internal/health"
	"github.com/driftmesh/meshcore/internal/identity"
	"github.com/driftmesh/meshcore/internal/logging"
	"github.com/driftmesh/meshcore/internal/metrics"
	"github.com/driftmesh/meshcore/internal/protocol"
	"github.com/driftmesh/meshcore/internal/ratelimit"
	"github.com/driftmesh/meshcore/internal/recovery"
	"github.com/driftmesh/meshcore/internal/session"
	"github.com/driftmesh/meshcore/internal/storeforward"
	"github.com/driftmesh/meshcore/internal/transport"
)

// sweepInterval governs how often the actor loop runs periodic maintenance:
// fragment assembler expiry and stale-peer-record pruning.
const sweepInterval = 10 * time.Second

// graceWindowMultiplier scales PeerTimeout to decide how long a
// disconnected peer's session is retained before being purged.
const graceWindowMultiplier = 2

// EventType classifies an Engine public event.
type EventType int

const (
	EventPeerSecured EventType = iota
	EventPeerConnected
	EventPeerDisconnected
	EventMessageReceived
	EventChannelMessageReceived
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventPeerSecured:
		return "peer-secured"
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventMessageReceived:
		return "message"
	case EventChannelMessageReceived:
		return "channel-message"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered on Engine.Events() for application consumption.
type Event struct {
	Type      EventType
	Peer      identity.PeerID
	ChannelID string
	MessageID [protocol.MessageIDSize]byte
	Payload   []byte
	Err       error
}

// Config configures a new Engine.
type Config struct {
	Keypair  *identity.Keypair
	Provider crypto.Provider
	Bearer   transport.Bearer
	Mesh     *config.MeshConfig
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Engine is the single-actor mesh orchestrator described by the concurrency
// model: one run() goroutine owns all mutable mesh state, reached only
// through the command channel or bearer events, so none of that state needs
// its own lock.
type Engine struct {
	self     identity.PeerID
	keypair  *identity.Keypair
	provider crypto.Provider
	bearer   transport.Bearer
	logger   *slog.Logger
	metrics  *metrics.Metrics

	maxHops          uint8
	fragmentSize     int
	handshakeTimeout time.Duration
	peerTimeout      time.Duration
	messageTTL       time.Duration
	bcryptCost       int

	dedup     *dedup.Detector
	assembler *fragment.Assembler
	sfCache   *storeforward.Cache
	health    *health.Monitor
	limiter   *ratelimit.Limiter

	peers      map[identity.PeerID]*peerRecord
	channels   map[string]*channelRecord
	pendingHS  map[identity.PeerID]*handshakeAttempt

	commands chan command
	events   chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

// peerRecord tracks mesh-level state for one peer, independent of the
// transport-level connectivity the Bearer already tracks.
type peerRecord struct {
	id           identity.PeerID
	session      *session.Session
	connected    bool
	blocked      bool
	lastSeen     time.Time
	disconnected time.Time // zero while connected
}

// channelRecord holds a joined channel's optional symmetric key.
type channelRecord struct {
	id       string
	key      [32]byte
	hasKey   bool
	verifier []byte
}

// New creates an Engine from cfg. Keypair, Provider, and Bearer are
// required; Mesh, Logger, and Metrics fall back to their package defaults.
func New(cfg Config) (*Engine, error) {
	if cfg.Keypair == nil {
		return nil, fmt.Errorf("mesh: keypair is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("mesh: crypto provider is required")
	}
	if cfg.Bearer == nil {
		return nil, fmt.Errorf("mesh: bearer is required")
	}
	if cfg.Mesh == nil {
		cfg.Mesh = config.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	self := identity.PeerIDFromPublicKey(cfg.Keypair.PublicKey)

	e := &Engine{
		self:             self,
		keypair:          cfg.Keypair,
		provider:         cfg.Provider,
		bearer:           cfg.Bearer,
		logger:           logger.With(logging.KeyComponent, "mesh"),
		metrics:          m,
		maxHops:          uint8(cfg.Mesh.Transport.MaxHops),
		fragmentSize:     cfg.Mesh.Fragment.FragmentSize,
		handshakeTimeout: cfg.Mesh.Handshake.Timeout,
		peerTimeout:      cfg.Mesh.Health.PeerTimeout,
		messageTTL:       cfg.Mesh.StoreForward.MessageTTL,
		bcryptCost:       cfg.Mesh.Channel.BcryptCost,
		dedup: dedup.New(dedup.Config{
			BloomSizeBits:  cfg.Mesh.Dedup.BloomSizeBits,
			BloomHashCount: cfg.Mesh.Dedup.BloomHashCount,
			LRUCapacity:    cfg.Mesh.Dedup.LRUCapacity,
			StrictBloom:    cfg.Mesh.Dedup.StrictBloom,
		}),
		assembler: fragment.NewAssembler(cfg.Mesh.Fragment.MaxPendingFragments, cfg.Mesh.Fragment.FragmentTimeout),
		sfCache: storeforward.New(storeforward.Config{
			MessageTTL:        cfg.Mesh.StoreForward.MessageTTL,
			MaxGlobalMessages: cfg.Mesh.StoreForward.MaxGlobalMessages,
			MaxPerRecipient:   cfg.Mesh.StoreForward.MaxPerRecipient,
			MaxTotalBytes:     int(cfg.Mesh.StoreForward.MaxTotalBytes),
			SweepInterval:     cfg.Mesh.StoreForward.SweepInterval,
		}, logger),
		health: health.New(health.Config{
			LatencyAlpha:   cfg.Mesh.Health.LatencyEMAAlpha,
			PeerTimeout:    cfg.Mesh.Health.PeerTimeout,
			SweepInterval:  health.DefaultSweepInterval,
			MinActivePeers: health.DefaultMinActivePeers,
		}, logger, m),
		limiter:   ratelimit.New(ratelimit.Config{}),
		peers:     make(map[identity.PeerID]*peerRecord),
		channels:  make(map[string]*channelRecord),
		pendingHS: make(map[identity.PeerID]*handshakeAttempt),
		commands:  make(chan command),
		events:    make(chan Event, 256),
	}

	if e.maxHops == 0 {
		e.maxHops = protocol.MaxHops
	}
	if e.fragmentSize <= 0 {
		e.fragmentSize = 180
	}
	if e.handshakeTimeout <= 0 {
		e.handshakeTimeout = 30 * time.Second
	}
	if e.peerTimeout <= 0 {
		e.peerTimeout = health.DefaultPeerTimeout
	}
	if e.bcryptCost <= 0 {
		e.bcryptCost = 10
	}
	if e.messageTTL <= 0 {
		e.messageTTL = storeforward.DefaultMessageTTL
	}

	return e, nil
}

// Start begins the engine's background work: the bearer, the actor loop,
// and the store-and-forward and health sweepers.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.bearer.Start(e.ctx); err != nil {
		e.cancel()
		return fmt.Errorf("mesh: start bearer: %w", err)
	}

	e.sfCache.Start()
	e.health.Start()

	e.wg.Add(1)
	go e.run()

	return nil
}

// Stop halts all background work and closes the bearer. It is safe to call
// more than once; only the first call has effect.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()

		e.sfCache.Stop()
		e.health.Stop()

		if stopErr := e.bearer.Stop(); stopErr != nil {
			err = fmt.Errorf("mesh: stop bearer: %w", stopErr)
		}
		close(e.events)
	})
	return err
}

// Destroy stops the engine and wipes key material from memory.
func (e *Engine) Destroy(ctx context.Context) error {
	if err := e.Stop(); err != nil {
		return err
	}
	return e.Wipe(ctx)
}

// wipeDeadline bounds how long Wipe waits for every clearer to finish.
const wipeDeadline = 200 * time.Millisecond

// Wipe best-effort zeroes every secret the engine holds: established
// session keys and the node's own identity private key. It runs the
// clearers concurrently with a bounded deadline, logging rather than
// failing on timeout, since a wipe must make its best effort even under
// time pressure.
func (e *Engine) Wipe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, wipeDeadline)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range e.peers {
		if p.session != nil {
			wg.Add(1)
			go func(s *session.Session) {
				defer wg.Done()
				s.Destroy()
			}(p.session)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.keypair.Zero()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.logger.Warn("wipe did not complete before deadline")
		return nil
	}
}

// Events returns the engine's public event stream. It closes when Stop
// completes.
func (e *Engine) Events() <-chan Event { return e.events }

// Self returns this node's PeerID.
func (e *Engine) Self() identity.PeerID { return e.self }

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event channel full, dropping event", logging.KeyComponent, "mesh")
	}
}

// run is the engine's single actor loop. It is the only goroutine that
// reads or writes the peer table, dedup detector, S&F cache, or handshake
// state; every other goroutine communicates with it through e.commands or
// bearer events.
func (e *Engine) run() {
	defer e.wg.Done()
	defer recovery.RecoverWithLog(e.logger, "mesh.run")

	bearerEvents := e.bearer.Events()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			e.failOutstanding()
			return

		case cmd := <-e.commands:
			e.handleCommand(cmd)

		case ev, ok := <-bearerEvents:
			if !ok {
				bearerEvents = nil
				continue
			}
			e.handleBearerEvent(ev)

		case <-ticker.C:
			e.sweep()
		}
	}
}

// failOutstanding drains any command left on the channel after ctx
// cancellation, resolving it with ErrStopped so callers blocked in do()
// never hang.
func (e *Engine) failOutstanding() {
	for {
		select {
		case cmd := <-e.commands:
			cmd.reply <- cmdResult{err: ErrStopped}
		default:
			return
		}
	}
}

func (e *Engine) sweep() {
	e.assembler.Sweep()

	cutoff := e.peerTimeout * graceWindowMultiplier
	now := time.Now()
	for id, p := range e.peers {
		if p.connected {
			continue
		}
		if p.disconnected.IsZero() {
			continue
		}
		if now.Sub(p.disconnected) > cutoff {
			if p.session != nil {
				p.session.Destroy()
			}
			e.limiter.Forget(id)
			delete(e.peers, id)
		}
	}
}

func (e *Engine) peerRecordFor(id identity.PeerID) *peerRecord {
	p, ok := e.peers[id]
	if !ok {
		p = &peerRecord{id: id, lastSeen: time.Now()}
		e.peers[id] = p
	}
	return p
}

func newMessageID(provider crypto.Provider) ([protocol.MessageIDSize]byte, error) {
	var id [protocol.MessageIDSize]byte
	raw, err := provider.RandomBytes(protocol.MessageIDSize)
	if err != nil {
		return id, fmt.Errorf("mesh: generate message id: %w", err)
	}
	copy(id[:], raw)
	return id, nil
}

func nowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
