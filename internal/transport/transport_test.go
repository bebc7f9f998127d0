package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/driftmesh/meshcore/internal/identity"
)

func testPeer(b byte) identity.PeerID {
	var id identity.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

// fakeBearer is a minimal in-memory Bearer used to exercise Composite
// routing logic without a real BLE or Wi-Fi Direct carrier.
type fakeBearer struct {
	name string

	mu      sync.Mutex
	started bool
	failing bool
	peers   map[identity.PeerID]bool
	sent    []sentRecord

	events chan Event
}

type sentRecord struct {
	peer    identity.PeerID
	payload []byte
}

func newFakeBearer(name string) *fakeBearer {
	return &fakeBearer{
		name:   name,
		peers:  make(map[identity.PeerID]bool),
		events: make(chan Event, 16),
	}
}

func (f *fakeBearer) Name() string { return f.name }

func (f *fakeBearer) Start(ctx context.Context) error {
	if f.failing {
		return ErrNoTransportsAvailable
	}
	f.started = true
	return nil
}

func (f *fakeBearer) Stop() error {
	close(f.events)
	return nil
}

func (f *fakeBearer) connect(peer identity.PeerID) {
	f.mu.Lock()
	f.peers[peer] = true
	f.mu.Unlock()
	f.events <- Event{Type: EventPeerConnected, Peer: peer}
}

func (f *fakeBearer) disconnect(peer identity.PeerID) {
	f.mu.Lock()
	delete(f.peers, peer)
	f.mu.Unlock()
	f.events <- Event{Type: EventPeerDisconnected, Peer: peer}
}

func (f *fakeBearer) Send(peer identity.PeerID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.peers[peer] {
		return ErrPeerNotConnected
	}
	f.sent = append(f.sent, sentRecord{peer: peer, payload: payload})
	return nil
}

func (f *fakeBearer) Broadcast(payload []byte) []identity.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var delivered []identity.PeerID
	for peer := range f.peers {
		f.sent = append(f.sent, sentRecord{peer: peer, payload: payload})
		delivered = append(delivered, peer)
	}
	return delivered
}

func (f *fakeBearer) ConnectedPeers() []identity.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var peers []identity.PeerID
	for peer := range f.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (f *fakeBearer) IsConnected(peer identity.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[peer]
}

func (f *fakeBearer) Events() <-chan Event { return f.events }

func TestComposite_StartFailsWhenNoBearerStarts(t *testing.T) {
	ble := newFakeBearer(bleBearerName)
	ble.failing = true
	wifi := newFakeBearer(wifiBearerName)
	wifi.failing = true

	c := NewComposite(CompositeConfig{}, ble, wifi)
	if err := c.Start(context.Background()); err != ErrNoTransportsAvailable {
		t.Errorf("Start() error = %v, want ErrNoTransportsAvailable", err)
	}
}

func TestComposite_StartSucceedsWithOneBearer(t *testing.T) {
	ble := newFakeBearer(bleBearerName)
	wifi := newFakeBearer(wifiBearerName)
	wifi.failing = true

	c := NewComposite(CompositeConfig{}, ble, wifi)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Stop()
}

func TestComposite_BleOnlyPolicyRoutesToBLE(t *testing.T) {
	ble := newFakeBearer(bleBearerName)
	wifi := newFakeBearer(wifiBearerName)
	c := NewComposite(CompositeConfig{Policy: BleOnly}, ble, wifi)
	c.Start(context.Background())
	defer c.Stop()

	peer := testPeer(0x01)
	ble.connect(peer)
	wifi.connect(peer)

	if err := c.Send(peer, []byte("hi")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(ble.sent) != 1 {
		t.Errorf("ble.sent = %d, want 1", len(ble.sent))
	}
	if len(wifi.sent) != 0 {
		t.Errorf("wifi.sent = %d, want 0 under BleOnly", len(wifi.sent))
	}
}

func TestComposite_AutoPrefersWifiForLargePayload(t *testing.T) {
	ble := newFakeBearer(bleBearerName)
	wifi := newFakeBearer(wifiBearerName)
	c := NewComposite(CompositeConfig{Policy: Auto, WifiThreshold: 10}, ble, wifi)
	c.Start(context.Background())
	defer c.Stop()

	peer := testPeer(0x02)
	ble.connect(peer)
	wifi.connect(peer)

	if err := c.Send(peer, make([]byte, 100)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(wifi.sent) != 1 {
		t.Errorf("wifi.sent = %d, want 1 for a large payload under Auto", len(wifi.sent))
	}
	if got, ok := c.ChosenBearer(peer); !ok || got != wifiBearerName {
		t.Errorf("ChosenBearer() = (%v, %v), want (wifi_direct, true)", got, ok)
	}
}

func TestComposite_AutoPrefersBLEForSmallPayload(t *testing.T) {
	ble := newFakeBearer(bleBearerName)
	wifi := newFakeBearer(wifiBearerName)
	c := NewComposite(CompositeConfig{Policy: Auto, WifiThreshold: 1000}, ble, wifi)
	c.Start(context.Background())
	defer c.Stop()

	peer := testPeer(0x03)
	ble.connect(peer)
	wifi.connect(peer)

	c.Send(peer, []byte("small"))
	if len(ble.sent) != 1 {
		t.Errorf("ble.sent = %d, want 1 for a small payload under Auto", len(ble.sent))
	}
}

func TestComposite_AutoFallsBackToOtherBearer(t *testing.T) {
	ble := newFakeBearer(bleBearerName)
	wifi := newFakeBearer(wifiBearerName)
	c := NewComposite(CompositeConfig{Policy: Auto, WifiThreshold: 1000}, ble, wifi)
	c.Start(context.Background())
	defer c.Stop()

	peer := testPeer(0x04)
	wifi.connect(peer) // only wifi connected; small payload still must reach the peer

	if err := c.Send(peer, []byte("small")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(wifi.sent) != 1 {
		t.Errorf("wifi.sent = %d, want 1 via fallback", len(wifi.sent))
	}
}

func TestComposite_RedundantSendsToAllConnectedBearers(t *testing.T) {
	ble := newFakeBearer(bleBearerName)
	wifi := newFakeBearer(wifiBearerName)
	c := NewComposite(CompositeConfig{Policy: Redundant}, ble, wifi)
	c.Start(context.Background())
	defer c.Stop()

	peer := testPeer(0x05)
	ble.connect(peer)
	wifi.connect(peer)

	c.Send(peer, []byte("dup"))
	if len(ble.sent) != 1 || len(wifi.sent) != 1 {
		t.Errorf("sent counts = (%d, %d), want (1, 1) under Redundant", len(ble.sent), len(wifi.sent))
	}
}

func TestComposite_DisconnectSuppressedUntilNoBearerHasPeer(t *testing.T) {
	ble := newFakeBearer(bleBearerName)
	wifi := newFakeBearer(wifiBearerName)
	c := NewComposite(CompositeConfig{}, ble, wifi)
	c.Start(context.Background())
	defer c.Stop()

	peer := testPeer(0x06)
	ble.connect(peer)
	wifi.connect(peer)
	drainConnectEvents(t, c, 2)

	ble.disconnect(peer)
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event after partial disconnect: %+v", ev)
	default:
	}

	wifi.disconnect(peer)
	ev := <-c.Events()
	if ev.Type != EventPeerDisconnected || ev.Peer != peer {
		t.Errorf("event = %+v, want peer-disconnected for %v", ev, peer)
	}
}

func drainConnectEvents(t *testing.T, c *Composite, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		<-c.Events()
	}
}

func TestComposite_ConnectedPeersUnionsBearers(t *testing.T) {
	ble := newFakeBearer(bleBearerName)
	wifi := newFakeBearer(wifiBearerName)
	c := NewComposite(CompositeConfig{}, ble, wifi)

	a, b := testPeer(0x07), testPeer(0x08)
	ble.connect(a)
	wifi.connect(b)

	peers := c.ConnectedPeers()
	if len(peers) != 2 {
		t.Errorf("ConnectedPeers() = %v, want 2 peers", peers)
	}
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{
		"auto":      Auto,
		"ble_only":  BleOnly,
		"wifi_only": WifiOnly,
		"redundant": Redundant,
	}
	for s, want := range cases {
		got, err := ParsePolicy(s)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = (%v, %v), want (%v, nil)", s, got, err, want)
		}
	}
	if _, err := ParsePolicy("bogus"); err == nil {
		t.Error("ParsePolicy(\"bogus\") should error")
	}
}
