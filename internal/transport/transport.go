// Package transport provides the bearer abstraction mesh peers communicate
// over (BLE GATT, Wi-Fi Direct) and a multi-bearer composite that picks
// between them per a configurable policy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/driftmesh/meshcore/internal/identity"
)

// EventType identifies the kind of event a Bearer emits.
type EventType int

const (
	EventPeerConnected EventType = iota
	EventPeerDisconnected
	EventMessage
	EventDeviceDiscovered
	EventError
	EventStateChanged
)

func (t EventType) String() string {
	switch t {
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventMessage:
		return "message"
	case EventDeviceDiscovered:
		return "device-discovered"
	case EventError:
		return "error"
	case EventStateChanged:
		return "state-changed"
	default:
		return "unknown"
	}
}

// Event is emitted by a Bearer (or the multi-transport composite, with
// Bearer tagged) as its connection state changes or data arrives.
type Event struct {
	Type    EventType
	Peer    identity.PeerID
	Bearer  string
	Payload []byte
	Err     error
	State   string
}

// Bearer is a single physical or logical link mesh frames travel over.
type Bearer interface {
	// Name identifies the bearer (e.g. "ble", "wifi_direct") in events and
	// per-peer bearer tracking.
	Name() string

	// Start brings the bearer up: begins scanning/listening as applicable.
	Start(ctx context.Context) error

	// Stop tears the bearer down, closing all peer connections.
	Stop() error

	// Send transmits payload to peer. Returns an error if peer is not
	// connected on this bearer.
	Send(peer identity.PeerID, payload []byte) error

	// Broadcast transmits payload to every connected peer, returning the
	// peers it was delivered to.
	Broadcast(payload []byte) []identity.PeerID

	// ConnectedPeers lists peers currently reachable on this bearer.
	ConnectedPeers() []identity.PeerID

	// IsConnected reports whether peer is currently reachable.
	IsConnected(peer identity.PeerID) bool

	// Events returns the channel of connection and message events. It is
	// closed when the bearer stops.
	Events() <-chan Event
}

// ErrPeerNotConnected is returned by Send when the target peer has no
// active connection on the bearer.
var ErrPeerNotConnected = errors.New("transport: peer not connected")

// ErrNoTransportsAvailable is returned by the multi-transport composite's
// Start when every child bearer failed to start.
var ErrNoTransportsAvailable = errors.New("transport: no transports available")

// ErrBearerClosed is returned by operations on a bearer that has been
// stopped.
var ErrBearerClosed = errors.New("transport: bearer closed")

// Policy selects how the multi-transport composite routes sends across its
// child bearers.
type Policy int

const (
	// Auto prefers Wi-Fi Direct for large payloads when connected, BLE
	// otherwise, falling back to whichever bearer is connected.
	Auto Policy = iota
	BleOnly
	WifiOnly
	// Redundant sends via every connected bearer.
	Redundant
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "auto":
		return Auto, nil
	case "ble_only":
		return BleOnly, nil
	case "wifi_only":
		return WifiOnly, nil
	case "redundant":
		return Redundant, nil
	default:
		return Auto, fmt.Errorf("transport: unknown policy %q", s)
	}
}

// CompositeConfig configures a Composite multi-transport.
type CompositeConfig struct {
	Policy        Policy
	WifiThreshold int // payloads larger than this prefer the Wi-Fi bearer under Auto
}

const (
	bleBearerName  = "ble"
	wifiBearerName = "wifi_direct"

	// DefaultWifiThreshold is the default Auto-policy payload size above
	// which Wi-Fi Direct is preferred over BLE.
	DefaultWifiThreshold = 2048
)

// Composite combines a BLE bearer and a Wi-Fi Direct bearer behind a single
// Bearer-shaped API, routing sends according to cfg.Policy.
type Composite struct {
	cfg  CompositeConfig
	ble  Bearer
	wifi Bearer

	mu      sync.Mutex
	running bool
	// chosen records, per peer, which bearer Auto most recently used —
	// for introspection only, not used to route future sends.
	chosen map[identity.PeerID]string
	// presence tracks which bearers currently have each peer connected, so
	// peer-disconnected is only emitted once no bearer has the peer.
	presence map[identity.PeerID]map[string]bool

	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewComposite creates a Composite from its two child bearers. Either may
// be nil if its policy is never exercised, but Start requires at least one
// non-nil bearer relevant to cfg.Policy.
func NewComposite(cfg CompositeConfig, ble, wifi Bearer) *Composite {
	if cfg.WifiThreshold <= 0 {
		cfg.WifiThreshold = DefaultWifiThreshold
	}
	return &Composite{
		cfg:      cfg,
		ble:      ble,
		wifi:     wifi,
		chosen:   make(map[identity.PeerID]string),
		presence: make(map[identity.PeerID]map[string]bool),
		events:   make(chan Event, 64),
		stopCh:   make(chan struct{}),
	}
}

// Name returns "multi".
func (c *Composite) Name() string { return "multi" }

// Start starts both child bearers. The composite is running if at least one
// starts successfully; if none do, it returns ErrNoTransportsAvailable.
func (c *Composite) Start(ctx context.Context) error {
	started := 0

	if c.ble != nil {
		if err := c.ble.Start(ctx); err != nil {
			c.emit(Event{Type: EventError, Bearer: bleBearerName, Err: err})
		} else {
			started++
			c.wg.Add(1)
			go c.fanIn(c.ble)
		}
	}
	if c.wifi != nil {
		if err := c.wifi.Start(ctx); err != nil {
			c.emit(Event{Type: EventError, Bearer: wifiBearerName, Err: err})
		} else {
			started++
			c.wg.Add(1)
			go c.fanIn(c.wifi)
		}
	}

	if started == 0 {
		return ErrNoTransportsAvailable
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}

// Stop tears down both child bearers.
func (c *Composite) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	var errs []error
	if c.ble != nil {
		if err := c.ble.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.wifi != nil {
		if err := c.wifi.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	close(c.stopCh)
	c.wg.Wait()
	close(c.events)

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// fanIn relays b's events onto the composite's event channel, tagging them
// with b's name and tracking peer presence for disconnect suppression.
func (c *Composite) fanIn(b Bearer) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-b.Events():
			if !ok {
				return
			}
			ev.Bearer = b.Name()

			switch ev.Type {
			case EventPeerConnected:
				if c.markPresent(ev.Peer, b.Name()) {
					c.emit(ev)
				}
			case EventPeerDisconnected:
				if c.markAbsent(ev.Peer, b.Name()) {
					c.emit(ev)
				}
			default:
				c.emit(ev)
			}
		}
	}
}

func (c *Composite) markPresent(peer identity.PeerID, bearer string) (firstBearer bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.presence[peer]
	if !ok {
		set = make(map[string]bool)
		c.presence[peer] = set
	}
	firstBearer = len(set) == 0
	set[bearer] = true
	return firstBearer
}

func (c *Composite) markAbsent(peer identity.PeerID, bearer string) (lastBearer bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.presence[peer]
	if !ok {
		return true
	}
	delete(set, bearer)
	if len(set) == 0 {
		delete(c.presence, peer)
		return true
	}
	return false
}

func (c *Composite) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// Events returns the composite's merged, bearer-tagged event stream.
func (c *Composite) Events() <-chan Event { return c.events }

func (c *Composite) bearerConnected(b Bearer, peer identity.PeerID) bool {
	return b != nil && b.IsConnected(peer)
}

// Send routes payload to peer according to cfg.Policy.
func (c *Composite) Send(peer identity.PeerID, payload []byte) error {
	switch c.cfg.Policy {
	case BleOnly:
		return c.sendVia(c.ble, bleBearerName, peer, payload)
	case WifiOnly:
		return c.sendVia(c.wifi, wifiBearerName, peer, payload)
	case Redundant:
		return c.sendRedundant(peer, payload)
	default:
		return c.sendAuto(peer, payload)
	}
}

func (c *Composite) sendVia(b Bearer, name string, peer identity.PeerID, payload []byte) error {
	if !c.bearerConnected(b, peer) {
		return ErrPeerNotConnected
	}
	return b.Send(peer, payload)
}

func (c *Composite) sendRedundant(peer identity.PeerID, payload []byte) error {
	var sent bool
	var lastErr error

	if c.bearerConnected(c.ble, peer) {
		if err := c.ble.Send(peer, payload); err != nil {
			lastErr = err
		} else {
			sent = true
		}
	}
	if c.bearerConnected(c.wifi, peer) {
		if err := c.wifi.Send(peer, payload); err != nil {
			lastErr = err
		} else {
			sent = true
		}
	}

	if sent {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrPeerNotConnected
}

func (c *Composite) sendAuto(peer identity.PeerID, payload []byte) error {
	preferWifi := len(payload) > c.cfg.WifiThreshold && c.bearerConnected(c.wifi, peer)

	primary, primaryName := c.ble, bleBearerName
	secondary, secondaryName := c.wifi, wifiBearerName
	if preferWifi {
		primary, primaryName = c.wifi, wifiBearerName
		secondary, secondaryName = c.ble, bleBearerName
	}

	if c.bearerConnected(primary, peer) {
		c.recordChosen(peer, primaryName)
		if err := primary.Send(peer, payload); err == nil {
			return nil
		}
		// retry once on the alternative bearer if connected
		if c.bearerConnected(secondary, peer) {
			c.recordChosen(peer, secondaryName)
			return secondary.Send(peer, payload)
		}
		return ErrPeerNotConnected
	}

	if c.bearerConnected(secondary, peer) {
		c.recordChosen(peer, secondaryName)
		return secondary.Send(peer, payload)
	}

	return ErrPeerNotConnected
}

func (c *Composite) recordChosen(peer identity.PeerID, bearer string) {
	c.mu.Lock()
	c.chosen[peer] = bearer
	c.mu.Unlock()
}

// ChosenBearer reports which bearer Auto most recently used to reach peer.
func (c *Composite) ChosenBearer(peer identity.PeerID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.chosen[peer]
	return b, ok
}

// Broadcast sends payload via every connected bearer, deduplicating peers
// reachable on more than one.
func (c *Composite) Broadcast(payload []byte) []identity.PeerID {
	seen := make(map[identity.PeerID]bool)
	var delivered []identity.PeerID

	for _, b := range []Bearer{c.ble, c.wifi} {
		if b == nil {
			continue
		}
		for _, peer := range b.Broadcast(payload) {
			if !seen[peer] {
				seen[peer] = true
				delivered = append(delivered, peer)
			}
		}
	}
	return delivered
}

// ConnectedPeers returns the union of peers connected on either bearer.
func (c *Composite) ConnectedPeers() []identity.PeerID {
	seen := make(map[identity.PeerID]bool)
	var peers []identity.PeerID

	for _, b := range []Bearer{c.ble, c.wifi} {
		if b == nil {
			continue
		}
		for _, peer := range b.ConnectedPeers() {
			if !seen[peer] {
				seen[peer] = true
				peers = append(peers, peer)
			}
		}
	}
	return peers
}

// IsConnected reports whether peer is reachable on any child bearer.
func (c *Composite) IsConnected(peer identity.PeerID) bool {
	return c.bearerConnected(c.ble, peer) || c.bearerConnected(c.wifi, peer)
}
