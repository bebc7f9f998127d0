package mesh

import (
	"context"
	"sync"

	"github.com/driftmesh/meshcore/internal/crypto"
	"github.com/driftmesh/meshcore/internal/identity"
	"github.com/driftmesh/meshcore/internal/transport"
)

// pairedBearer is a two-node in-memory Bearer used to exercise a full
// Engine against another Engine without any real transport. Each bearer in
// a pair is wired to deliver Send/Broadcast straight onto the other side's
// event channel.
type pairedBearer struct {
	name string

	mu        sync.Mutex
	started   bool
	linked    bool // true between connectPair and disconnectPair
	peer      identity.PeerID // the remote side's PeerID, set by connectPair
	remote    *pairedBearer
	sentCount int

	events chan transport.Event
}

func newPairedBearer() *pairedBearer {
	return &pairedBearer{name: "test", events: make(chan transport.Event, 64)}
}

// connectPair wires a and b together and emits EventPeerConnected on both
// sides as if a handshake-capable link had just come up.
func connectPair(a, b *pairedBearer, aID, bID identity.PeerID) {
	a.mu.Lock()
	a.remote, a.peer, a.linked = b, bID, true
	a.mu.Unlock()

	b.mu.Lock()
	b.remote, b.peer, b.linked = a, aID, true
	b.mu.Unlock()

	a.events <- transport.Event{Type: transport.EventPeerConnected, Peer: bID, Bearer: a.name}
	b.events <- transport.Event{Type: transport.EventPeerConnected, Peer: aID, Bearer: b.name}
}

// disconnectPair breaks the link so Send fails on both sides, as a real
// bearer would after a peer drops off, while leaving the Engine-level
// session and channel state (which the Engine, not the bearer, owns)
// untouched.
func disconnectPair(a, b *pairedBearer, aID, bID identity.PeerID) {
	a.mu.Lock()
	a.linked = false
	a.mu.Unlock()
	b.mu.Lock()
	b.linked = false
	b.mu.Unlock()

	a.events <- transport.Event{Type: transport.EventPeerDisconnected, Peer: bID, Bearer: a.name}
	b.events <- transport.Event{Type: transport.EventPeerDisconnected, Peer: aID, Bearer: b.name}
}

// relink restores the link after disconnectPair without re-emitting
// EventPeerConnected (callers do that separately to drive the Engine's own
// reconnection handling, e.g. store-and-forward delivery).
func relink(a, b *pairedBearer) {
	a.mu.Lock()
	a.linked = true
	a.mu.Unlock()
	b.mu.Lock()
	b.linked = true
	b.mu.Unlock()
}

func (p *pairedBearer) Name() string { return p.name }

func (p *pairedBearer) Start(ctx context.Context) error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *pairedBearer) Stop() error {
	return nil
}

func (p *pairedBearer) Send(peer identity.PeerID, payload []byte) error {
	p.mu.Lock()
	remote := p.remote
	connected := remote != nil && p.linked && p.peer.Equal(peer)
	if connected {
		p.sentCount++
	}
	p.mu.Unlock()

	if !connected {
		return transport.ErrPeerNotConnected
	}

	// remote.peer already holds "the other side's" id from the remote's own
	// point of view (set symmetrically by connectPair), i.e. exactly the
	// sender id the remote should see this message as arriving from.
	remote.mu.Lock()
	from := remote.peer
	remote.mu.Unlock()

	remote.events <- transport.Event{Type: transport.EventMessage, Peer: from, Payload: payload}
	return nil
}

func (p *pairedBearer) Broadcast(payload []byte) []identity.PeerID {
	p.mu.Lock()
	remote, peer, linked := p.remote, p.peer, p.linked
	p.mu.Unlock()

	if remote == nil || !linked {
		return nil
	}
	if err := p.Send(peer, payload); err != nil {
		return nil
	}
	return []identity.PeerID{peer}
}

func (p *pairedBearer) ConnectedPeers() []identity.PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil || !p.linked {
		return nil
	}
	return []identity.PeerID{p.peer}
}

func (p *pairedBearer) IsConnected(peer identity.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil && p.linked && p.peer.Equal(peer)
}

func (p *pairedBearer) Events() <-chan transport.Event { return p.events }

// testEngine builds a fully wired Engine over a fresh keypair and bearer,
// using the standard crypto provider so Noise/session crypto is real.
func testEngine(b *pairedBearer) *Engine {
	return testEngineWithBearer(b)
}

// testEngineWithBearer is like testEngine but accepts any transport.Bearer,
// for fakes other than pairedBearer (e.g. multiPeerBearer).
func testEngineWithBearer(b transport.Bearer) *Engine {
	kp, err := identity.NewKeypair()
	if err != nil {
		panic(err)
	}
	provider, err := crypto.SelectProvider(crypto.ProviderStd)
	if err != nil {
		panic(err)
	}
	e, err := New(Config{
		Keypair:  kp,
		Provider: provider,
		Bearer:   b,
	})
	if err != nil {
		panic(err)
	}
	return e
}
