package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftmesh/meshcore/internal/identity"
	"github.com/driftmesh/meshcore/internal/logging"
)

const (
	// DefaultBLEMTU is the MTU assumed until negotiation succeeds.
	DefaultBLEMTU = 23

	// NegotiatedBLEMTU is the MTU the bearer attempts to negotiate up to.
	NegotiatedBLEMTU = 512

	// attOverhead is the ATT protocol overhead subtracted from the
	// negotiated MTU to get the usable payload size per write.
	attOverhead = 3

	// minBLEChunk is the smallest usable chunk size; negotiation results
	// below this are rejected in favor of DefaultBLEMTU.
	minBLEChunk = 20

	// writeQueueSize bounds the number of pending outbound chunks queued per
	// peer before Send blocks.
	writeQueueSize = 32
)

// GATTLink is a single connected BLE GATT link to a remote peer, as
// provided by a platform-specific radio driver. Implementations perform
// the actual characteristic writes/notifications; the bearer above is
// platform-agnostic.
type GATTLink interface {
	// Peer identifies the remote peer this link connects to.
	Peer() identity.PeerID

	// NegotiateMTU attempts to raise the link MTU, returning the MTU in
	// effect afterward (at least DefaultBLEMTU).
	NegotiateMTU(ctx context.Context, requested int) (int, error)

	// WriteChunk writes one MTU-sized chunk to the link's write
	// characteristic.
	WriteChunk(chunk []byte) error

	// Close terminates the link.
	Close() error
}

// Radio discovers and connects to BLE peers, and accepts inbound
// connections from peers that discovered this node. A real implementation
// wraps a platform Bluetooth stack; it is injected here so the bearer has
// no direct hardware dependency.
type Radio interface {
	// Start begins scanning and advertising.
	Start(ctx context.Context) error

	// Stop halts scanning/advertising and closes all links.
	Stop() error

	// Links delivers newly established GATT links, inbound or outbound.
	Links() <-chan GATTLink

	// Inbound delivers raw bytes received on an existing link, tagged by
	// peer.
	Inbound() <-chan InboundChunk

	// Discovered reports peers seen via advertisement but not yet linked.
	Discovered() <-chan identity.PeerID
}

// InboundChunk is one MTU-sized chunk received from a peer over BLE.
type InboundChunk struct {
	Peer identity.PeerID
	Data []byte
}

// bleConn holds per-peer link state: the negotiated MTU and a serialized
// write queue drained by a single writer goroutine, guaranteeing per-peer
// FIFO ordering of writes.
type bleConn struct {
	link  GATTLink
	mtu   int
	queue chan []byte
	done  chan struct{}
}

// BLEBearer implements Bearer over BLE GATT via an injected Radio.
type BLEBearer struct {
	radio  Radio
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[identity.PeerID]*bleConn

	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBLEBearer creates a BLEBearer driven by radio.
func NewBLEBearer(radio Radio, logger *slog.Logger) *BLEBearer {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &BLEBearer{
		radio:  radio,
		logger: logger.With(logging.KeyComponent, "ble_bearer"),
		conns:  make(map[identity.PeerID]*bleConn),
		events: make(chan Event, 64),
		stopCh: make(chan struct{}),
	}
}

func (b *BLEBearer) Name() string { return bleBearerName }

// Start begins the radio and the link/inbound dispatch loops.
func (b *BLEBearer) Start(ctx context.Context) error {
	if err := b.radio.Start(ctx); err != nil {
		return fmt.Errorf("ble: radio start: %w", err)
	}

	b.wg.Add(3)
	go b.linkLoop(ctx)
	go b.inboundLoop()
	go b.discoveryLoop()

	return nil
}

// Stop halts the radio and every per-peer writer.
func (b *BLEBearer) Stop() error {
	close(b.stopCh)
	if err := b.radio.Stop(); err != nil {
		b.wg.Wait()
		close(b.events)
		return fmt.Errorf("ble: radio stop: %w", err)
	}
	b.wg.Wait()

	b.mu.Lock()
	for peer, c := range b.conns {
		close(c.queue)
		delete(b.conns, peer)
	}
	b.mu.Unlock()

	close(b.events)
	return nil
}

func (b *BLEBearer) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
	}
}

func (b *BLEBearer) linkLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopCh:
			return
		case link, ok := <-b.radio.Links():
			if !ok {
				return
			}
			b.registerLink(ctx, link)
		}
	}
}

func (b *BLEBearer) registerLink(ctx context.Context, link GATTLink) {
	mtu, err := link.NegotiateMTU(ctx, NegotiatedBLEMTU)
	if err != nil || mtu < minBLEChunk {
		mtu = DefaultBLEMTU
	}

	c := &bleConn{
		link:  link,
		mtu:   mtu,
		queue: make(chan []byte, writeQueueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.conns[link.Peer()] = c
	b.mu.Unlock()

	b.wg.Add(1)
	go b.writerLoop(link.Peer(), c)

	b.emit(Event{Type: EventPeerConnected, Peer: link.Peer(), Bearer: bleBearerName})
}

// writerLoop drains c.queue in order, giving FIFO per-peer writes.
func (b *BLEBearer) writerLoop(peer identity.PeerID, c *bleConn) {
	defer b.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case chunk, ok := <-c.queue:
			if !ok {
				return
			}
			if err := c.link.WriteChunk(chunk); err != nil {
				b.logger.Warn("ble write failed", logging.KeyPeerID, peer.String(), logging.KeyError, err)
				b.disconnect(peer)
				return
			}
		}
	}
}

func (b *BLEBearer) disconnect(peer identity.PeerID) {
	b.mu.Lock()
	c, ok := b.conns[peer]
	if ok {
		delete(b.conns, peer)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	close(c.done)
	c.link.Close()
	b.emit(Event{Type: EventPeerDisconnected, Peer: peer, Bearer: bleBearerName})
}

func (b *BLEBearer) inboundLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopCh:
			return
		case chunk, ok := <-b.radio.Inbound():
			if !ok {
				return
			}
			b.emit(Event{Type: EventMessage, Peer: chunk.Peer, Bearer: bleBearerName, Payload: chunk.Data})
		}
	}
}

func (b *BLEBearer) discoveryLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopCh:
			return
		case peer, ok := <-b.radio.Discovered():
			if !ok {
				return
			}
			b.emit(Event{Type: EventDeviceDiscovered, Peer: peer, Bearer: bleBearerName})
		}
	}
}

// chunkSize returns the usable payload size per write for c, after ATT
// overhead.
func (c *bleConn) chunkSize() int {
	size := c.mtu - attOverhead
	if size < minBLEChunk {
		size = minBLEChunk
	}
	return size
}

// Send chunks payload to the peer's negotiated MTU and enqueues it on the
// peer's serialized write queue.
func (b *BLEBearer) Send(peer identity.PeerID, payload []byte) error {
	b.mu.RLock()
	c, ok := b.conns[peer]
	b.mu.RUnlock()
	if !ok {
		return ErrPeerNotConnected
	}

	size := c.chunkSize()
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		select {
		case c.queue <- payload[off:end]:
		case <-c.done:
			return ErrPeerNotConnected
		}
	}
	return nil
}

// Broadcast sends payload to every connected peer.
func (b *BLEBearer) Broadcast(payload []byte) []identity.PeerID {
	b.mu.RLock()
	peers := make([]identity.PeerID, 0, len(b.conns))
	for peer := range b.conns {
		peers = append(peers, peer)
	}
	b.mu.RUnlock()

	var delivered []identity.PeerID
	for _, peer := range peers {
		if err := b.Send(peer, payload); err == nil {
			delivered = append(delivered, peer)
		}
	}
	return delivered
}

// ConnectedPeers lists peers with an active link.
func (b *BLEBearer) ConnectedPeers() []identity.PeerID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	peers := make([]identity.PeerID, 0, len(b.conns))
	for peer := range b.conns {
		peers = append(peers, peer)
	}
	return peers
}

// IsConnected reports whether peer has an active link.
func (b *BLEBearer) IsConnected(peer identity.PeerID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.conns[peer]
	return ok
}

// Events returns the bearer's event stream.
func (b *BLEBearer) Events() <-chan Event { return b.events }
