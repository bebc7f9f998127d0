package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftmesh/meshcore/internal/identity"
)

// fakeGATTLink is an in-memory GATTLink recording written chunks.
type fakeGATTLink struct {
	peer identity.PeerID
	mtu  int

	mu     sync.Mutex
	chunks [][]byte
	closed bool
	failAt int // WriteChunk fails on and after this call index, -1 disables
}

func newFakeGATTLink(peer identity.PeerID, mtu int) *fakeGATTLink {
	return &fakeGATTLink{peer: peer, mtu: mtu, failAt: -1}
}

func (l *fakeGATTLink) Peer() identity.PeerID { return l.peer }

func (l *fakeGATTLink) NegotiateMTU(ctx context.Context, requested int) (int, error) {
	return l.mtu, nil
}

func (l *fakeGATTLink) WriteChunk(chunk []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAt >= 0 && len(l.chunks) >= l.failAt {
		return errWriteFailed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	l.chunks = append(l.chunks, cp)
	return nil
}

func (l *fakeGATTLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeGATTLink) writtenChunks() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.chunks))
	copy(out, l.chunks)
	return out
}

var errWriteFailed = errors.New("gatt: write failed")

// fakeRadio is an in-memory Radio for BLEBearer tests.
type fakeRadio struct {
	links       chan GATTLink
	inbound     chan InboundChunk
	discovered  chan identity.PeerID
	startCalled bool
	stopCalled  bool
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{
		links:      make(chan GATTLink, 8),
		inbound:    make(chan InboundChunk, 8),
		discovered: make(chan identity.PeerID, 8),
	}
}

func (r *fakeRadio) Start(ctx context.Context) error { r.startCalled = true; return nil }
func (r *fakeRadio) Stop() error {
	r.stopCalled = true
	close(r.links)
	close(r.inbound)
	close(r.discovered)
	return nil
}
func (r *fakeRadio) Links() <-chan GATTLink              { return r.links }
func (r *fakeRadio) Inbound() <-chan InboundChunk        { return r.inbound }
func (r *fakeRadio) Discovered() <-chan identity.PeerID  { return r.discovered }

func TestBLEBearer_SendChunksToNegotiatedMTU(t *testing.T) {
	radio := newFakeRadio()
	b := NewBLEBearer(radio, nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer b.Stop()

	peer := testPeer(0x10)
	link := newFakeGATTLink(peer, 23) // usable chunk = 23 - 3 = 20
	radio.links <- link

	waitForConnect(t, b, peer)

	payload := make([]byte, 45) // expect 3 chunks: 20, 20, 5
	if err := b.Send(peer, payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if len(link.writtenChunks()) >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for chunks, got %d", len(link.writtenChunks()))
		case <-time.After(5 * time.Millisecond):
		}
	}

	chunks := link.writtenChunks()
	if len(chunks[0]) != 20 || len(chunks[1]) != 20 || len(chunks[2]) != 5 {
		t.Errorf("chunk sizes = %d, %d, %d; want 20, 20, 5", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestBLEBearer_FallsBackToDefaultMTUBelowMinimum(t *testing.T) {
	radio := newFakeRadio()
	b := NewBLEBearer(radio, nil)
	b.Start(context.Background())
	defer b.Stop()

	peer := testPeer(0x11)
	link := newFakeGATTLink(peer, 10) // below minBLEChunk, should fall back
	radio.links <- link
	waitForConnect(t, b, peer)

	b.mu.RLock()
	c := b.conns[peer]
	b.mu.RUnlock()
	if c.mtu != DefaultBLEMTU {
		t.Errorf("mtu = %d, want fallback to %d", c.mtu, DefaultBLEMTU)
	}
}

func TestBLEBearer_WriteFailureDisconnectsPeer(t *testing.T) {
	radio := newFakeRadio()
	b := NewBLEBearer(radio, nil)
	b.Start(context.Background())
	defer b.Stop()

	peer := testPeer(0x12)
	link := newFakeGATTLink(peer, 512)
	link.failAt = 0
	radio.links <- link
	waitForConnect(t, b, peer)

	b.Send(peer, []byte("hello"))

	deadline := time.After(time.Second)
	for b.IsConnected(peer) {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for disconnect after write failure")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBLEBearer_SendToUnknownPeerFails(t *testing.T) {
	radio := newFakeRadio()
	b := NewBLEBearer(radio, nil)
	b.Start(context.Background())
	defer b.Stop()

	if err := b.Send(testPeer(0x99), []byte("x")); err != ErrPeerNotConnected {
		t.Errorf("Send() error = %v, want ErrPeerNotConnected", err)
	}
}

func TestBLEBearer_DiscoveryEmitsEvent(t *testing.T) {
	radio := newFakeRadio()
	b := NewBLEBearer(radio, nil)
	b.Start(context.Background())
	defer b.Stop()

	peer := testPeer(0x13)
	radio.discovered <- peer

	ev := <-b.Events()
	if ev.Type != EventDeviceDiscovered || ev.Peer != peer {
		t.Errorf("event = %+v, want device-discovered for %v", ev, peer)
	}
}

func waitForConnect(t *testing.T, b *BLEBearer, peer identity.PeerID) {
	t.Helper()
	deadline := time.After(time.Second)
	for !b.IsConnected(peer) {
		select {
		case <-b.Events():
		case <-deadline:
			t.Fatalf("timed out waiting for %v to connect", peer)
		}
	}
}
