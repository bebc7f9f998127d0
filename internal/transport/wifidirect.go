package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/driftmesh/meshcore/internal/identity"
	"github.com/driftmesh/meshcore/internal/logging"
)

// Link is a framed, peer-identified byte-message connection established
// over a local Wi-Fi Direct group, as provided by a Carrier.
type Link interface {
	// Send transmits one frame.
	Send(payload []byte) error
	// Recv blocks for the next frame.
	Recv() ([]byte, error)
	// RemoteAddr returns the underlying network address, for diagnostics.
	RemoteAddr() net.Addr
	// Close terminates the link.
	Close() error
}

// CarrierListener accepts inbound Links.
type CarrierListener interface {
	Accept(ctx context.Context) (Link, error)
	Close() error
}

// Carrier is the concrete byte-transport a Wi-Fi Direct bearer rides on.
// Peers on the same Wi-Fi Direct group form a local mesh over whichever
// carrier is configured (websocket or quic).
type Carrier interface {
	Dial(ctx context.Context, addr string) (Link, error)
	Listen(addr string) (CarrierListener, error)
}

// WifiDirectBearer implements Bearer over a local Wi-Fi Direct group,
// carried by websocket or quic framed links. The first frame on every link
// is a HELLO carrying the sender's PeerID, letting the bearer associate the
// link with a peer before normal traffic flows.
type WifiDirectBearer struct {
	carrier    Carrier
	listenAddr string
	logger     *slog.Logger

	mu    sync.RWMutex
	links map[identity.PeerID]Link

	listener CarrierListener

	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWifiDirectBearer creates a WifiDirectBearer. listenAddr is the local
// address to accept inbound links on; it may be empty if this node only
// dials out via Connect.
func NewWifiDirectBearer(carrier Carrier, listenAddr string, logger *slog.Logger) *WifiDirectBearer {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &WifiDirectBearer{
		carrier:    carrier,
		listenAddr: listenAddr,
		logger:     logger.With(logging.KeyComponent, "wifi_direct_bearer"),
		links:      make(map[identity.PeerID]Link),
		events:     make(chan Event, 64),
		stopCh:     make(chan struct{}),
	}
}

func (w *WifiDirectBearer) Name() string { return wifiBearerName }

// Start begins accepting inbound links, if a listen address was configured.
func (w *WifiDirectBearer) Start(ctx context.Context) error {
	if w.listenAddr == "" {
		return nil
	}

	listener, err := w.carrier.Listen(w.listenAddr)
	if err != nil {
		return fmt.Errorf("wifi_direct: listen: %w", err)
	}
	w.listener = listener

	w.wg.Add(1)
	go w.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and every active link.
func (w *WifiDirectBearer) Stop() error {
	close(w.stopCh)

	if w.listener != nil {
		w.listener.Close()
	}
	w.wg.Wait()

	w.mu.Lock()
	for peer, link := range w.links {
		link.Close()
		delete(w.links, peer)
	}
	w.mu.Unlock()

	close(w.events)
	return nil
}

// Connect dials addr and performs the HELLO handshake, registering the
// resulting link under the remote's advertised PeerID. Used to join peers
// discovered via BLE advertisement or out-of-band exchange.
func (w *WifiDirectBearer) Connect(ctx context.Context, addr string, self identity.PeerID) error {
	link, err := w.carrier.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("wifi_direct: dial: %w", err)
	}

	if err := link.Send(self[:]); err != nil {
		link.Close()
		return fmt.Errorf("wifi_direct: hello send: %w", err)
	}

	remote, err := w.readHello(link)
	if err != nil {
		link.Close()
		return err
	}

	w.registerLink(remote, link)
	return nil
}

func (w *WifiDirectBearer) acceptLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		link, err := w.listener.Accept(ctx)
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
				w.emit(Event{Type: EventError, Bearer: wifiBearerName, Err: err})
				continue
			}
		}

		remote, err := w.readHello(link)
		if err != nil {
			link.Close()
			continue
		}
		w.registerLink(remote, link)
	}
}

func (w *WifiDirectBearer) readHello(link Link) (identity.PeerID, error) {
	frame, err := link.Recv()
	if err != nil {
		return identity.ZeroPeerID, fmt.Errorf("wifi_direct: hello recv: %w", err)
	}
	if len(frame) != identity.PeerIDSize {
		return identity.ZeroPeerID, fmt.Errorf("wifi_direct: malformed hello frame")
	}
	var peer identity.PeerID
	copy(peer[:], frame)
	return peer, nil
}

func (w *WifiDirectBearer) registerLink(peer identity.PeerID, link Link) {
	w.mu.Lock()
	if old, ok := w.links[peer]; ok {
		old.Close()
	}
	w.links[peer] = link
	w.mu.Unlock()

	w.wg.Add(1)
	go w.readLoop(peer, link)

	w.emit(Event{Type: EventPeerConnected, Peer: peer, Bearer: wifiBearerName})
}

func (w *WifiDirectBearer) readLoop(peer identity.PeerID, link Link) {
	defer w.wg.Done()

	for {
		frame, err := link.Recv()
		if err != nil {
			w.disconnect(peer, link)
			return
		}
		w.emit(Event{Type: EventMessage, Peer: peer, Bearer: wifiBearerName, Payload: frame})
	}
}

func (w *WifiDirectBearer) disconnect(peer identity.PeerID, link Link) {
	w.mu.Lock()
	current, ok := w.links[peer]
	if ok && current == link {
		delete(w.links, peer)
	} else {
		ok = false
	}
	w.mu.Unlock()

	if !ok {
		return
	}
	link.Close()
	w.emit(Event{Type: EventPeerDisconnected, Peer: peer, Bearer: wifiBearerName})
}

func (w *WifiDirectBearer) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
	}
}

// Send transmits payload to peer over its active link.
func (w *WifiDirectBearer) Send(peer identity.PeerID, payload []byte) error {
	w.mu.RLock()
	link, ok := w.links[peer]
	w.mu.RUnlock()
	if !ok {
		return ErrPeerNotConnected
	}
	return link.Send(payload)
}

// Broadcast sends payload to every connected peer.
func (w *WifiDirectBearer) Broadcast(payload []byte) []identity.PeerID {
	w.mu.RLock()
	peers := make([]identity.PeerID, 0, len(w.links))
	links := make([]Link, 0, len(w.links))
	for peer, link := range w.links {
		peers = append(peers, peer)
		links = append(links, link)
	}
	w.mu.RUnlock()

	var delivered []identity.PeerID
	for i, link := range links {
		if err := link.Send(payload); err == nil {
			delivered = append(delivered, peers[i])
		}
	}
	return delivered
}

// ConnectedPeers lists peers with an active link.
func (w *WifiDirectBearer) ConnectedPeers() []identity.PeerID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	peers := make([]identity.PeerID, 0, len(w.links))
	for peer := range w.links {
		peers = append(peers, peer)
	}
	return peers
}

// IsConnected reports whether peer has an active link.
func (w *WifiDirectBearer) IsConnected(peer identity.PeerID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.links[peer]
	return ok
}

// Events returns the bearer's event stream.
func (w *WifiDirectBearer) Events() <-chan Event { return w.events }
