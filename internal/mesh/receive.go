package mesh

import (
	"time"

	"github.com/driftmesh/meshcore/internal/dedup"
	"github.com/driftmesh/meshcore/internal/identity"
	"github.com/driftmesh/meshcore/internal/logging"
	"github.com/driftmesh/meshcore/internal/protocol"
	"github.com/driftmesh/meshcore/internal/transport"
)

// handleBearerEvent is the actor loop's entry point for everything arriving
// from the transport layer: connectivity changes and inbound frames alike.
func (e *Engine) handleBearerEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventPeerConnected:
		e.handlePeerConnected(ev.Peer)
	case transport.EventPeerDisconnected:
		e.handlePeerDisconnected(ev.Peer)
	case transport.EventMessage:
		e.handleInboundFrame(ev.Peer, ev.Payload)
	case transport.EventDeviceDiscovered:
		e.logger.Debug("device discovered", logging.KeyPeerID, ev.Peer.String(), logging.KeyBearer, ev.Bearer)
	case transport.EventError:
		e.logger.Warn("bearer error", logging.KeyBearer, ev.Bearer, logging.KeyError, ev.Err)
		e.emit(Event{Type: EventError, Err: ev.Err})
	}
}

// handlePeerConnected marks peer reachable again and flushes anything held
// for it in the store-and-forward cache.
func (e *Engine) handlePeerConnected(peer identity.PeerID) {
	p := e.peerRecordFor(peer)
	p.connected = true
	p.disconnected = time.Time{}
	p.lastSeen = time.Now()

	e.metrics.RecordPeerConnect("mesh", "inbound")
	e.emit(Event{Type: EventPeerConnected, Peer: peer})

	if e.sfCache.HasCached(peer) {
		delivered, failed := e.sfCache.Deliver(peer, func(payload []byte) error {
			return e.bearer.Send(peer, payload)
		})
		if delivered > 0 {
			e.metrics.RecordStoreForwardDelivered()
		}
		if failed > 0 {
			e.logger.Warn("store-and-forward delivery incomplete", logging.KeyPeerID, peer.String(), logging.KeyCount, failed)
		}
	}
}

// handlePeerDisconnected starts the grace window after which sweep() purges
// the peer's session. The record itself, and anything still queued for it
// in the store-and-forward cache, are kept in case the peer returns.
func (e *Engine) handlePeerDisconnected(peer identity.PeerID) {
	p, ok := e.peers[peer]
	if !ok {
		return
	}
	p.connected = false
	p.disconnected = time.Now()

	e.metrics.RecordPeerDisconnect("bearer-event")
	e.emit(Event{Type: EventPeerDisconnected, Peer: peer})
}

// handleInboundFrame is the receive pipeline: decode, drop duplicates and
// malformed frames, reassemble fragments, drive the handshake state machine,
// deliver what's addressed here, and reflood anything else.
func (e *Engine) handleInboundFrame(from identity.PeerID, raw []byte) {
	header, payload, err := protocol.Decode(raw)
	if err != nil {
		e.metrics.RecordMessageDropped("decode_error")
		return
	}

	if e.isBlocked(header.Sender) {
		return
	}

	if !e.limiter.Allow(header.Sender) {
		e.metrics.RecordMessageDropped("rate_limited")
		return
	}

	if protocol.IsHandshakeType(header.Type) {
		e.handleHandshakeFrame(header, payload)
		return
	}

	if e.dedup.CheckAndAdd(dedup.ID(header.ID)) {
		e.metrics.RecordDuplicateDropped()
		return
	}

	if p, ok := e.peers[header.Sender]; ok {
		p.lastSeen = time.Now()
	}

	if header.Type == protocol.TypeFragment {
		e.handleFragment(from, header, payload)
		return
	}

	e.deliverOrForward(from, header, payload)
}

func (e *Engine) handleFragment(from identity.PeerID, header *protocol.Header, payload []byte) {
	fh, fragPayload, err := protocol.DecodeFragment(payload)
	if err != nil {
		e.metrics.RecordMessageDropped("fragment_decode_error")
		return
	}
	e.metrics.RecordFragmentReceived()

	complete, err := e.assembler.Add(header.ID, fh, fragPayload)
	if err != nil {
		e.logger.Warn("fragment reassembly failed", logging.KeyMessageID, header.ID, logging.KeyError, err)
		return
	}
	if complete == nil {
		return // still waiting on more fragments
	}

	reassembled := *header
	reassembled.Type = protocol.TypeText
	if reassembled.Flags&protocol.FlagEncrypted != 0 {
		reassembled.Type = protocol.TypePrivateMessage
	}
	e.deliverOrForward(from, &reassembled, complete)
}

// deliverOrForward delivers header/payload to the application if addressed
// here (directly or by broadcast), and, unless it is addressed to this node
// alone, decrements TTL and refloods it to every connected peer except the
// one it arrived from. Broadcasts and channel messages are both delivered
// and reflooded.
// Forwarding never rewrites anything but the TTL: hop count is the only
// mutable part of a frame in flight.
func (e *Engine) deliverOrForward(from identity.PeerID, header *protocol.Header, payload []byte) {
	if header.Type == protocol.TypeChannelMessage {
		e.deliverChannelMessage(header, payload)
		e.forwardFrame(from, header, payload)
		return
	}

	addressedHere := header.IsBroadcast() || header.Recipient.Equal(e.self)
	if addressedHere {
		e.deliverDirectMessage(header, payload)
	}
	if !header.Recipient.Equal(e.self) {
		e.forwardFrame(from, header, payload)
	}
}

func (e *Engine) deliverDirectMessage(header *protocol.Header, payload []byte) {
	content := payload
	if header.Flags&protocol.FlagEncrypted != 0 {
		p, ok := e.peers[header.Sender]
		if !ok || p.session == nil {
			e.metrics.RecordMessageDropped("no_session")
			return
		}
		plain, err := p.session.Decrypt(payload)
		if err != nil {
			e.metrics.RecordMessageDropped("decrypt_failed")
			return
		}
		content = plain
	}

	e.metrics.RecordMessageReceived()
	e.emit(Event{
		Type:      EventMessageReceived,
		Peer:      header.Sender,
		MessageID: header.ID,
		Payload:   content,
	})
}

func (e *Engine) deliverChannelMessage(header *protocol.Header, payload []byte) {
	channelID, body, err := decodeChannelPayload(payload)
	if err != nil {
		e.metrics.RecordMessageDropped("channel_decode_error")
		return
	}

	rec, joined := e.channels[channelID]
	if !joined {
		return // not interested, but still forward for peers that are
	}

	content, err := decryptChannelPayload(e, rec, header.Flags, body)
	if err != nil {
		e.metrics.RecordMessageDropped("channel_decrypt_failed")
		return
	}

	e.metrics.RecordMessageReceived()
	e.emit(Event{
		Type:      EventChannelMessageReceived,
		Peer:      header.Sender,
		ChannelID: channelID,
		MessageID: header.ID,
		Payload:   content,
	})
}

// forwardFrame reduces TTL by one and reflood the frame to every peer
// except the one it arrived from. A frame whose TTL reaches zero is
// dropped rather than forwarded.
func (e *Engine) forwardFrame(from identity.PeerID, header *protocol.Header, payload []byte) {
	if header.TTL == 0 {
		e.metrics.RecordMessageDropped("ttl_expired")
		return
	}

	forwarded := *header
	forwarded.TTL--

	frame, err := forwarded.Encode(payload)
	if err != nil {
		return
	}

	for _, peer := range e.bearer.ConnectedPeers() {
		if peer.Equal(from) || e.isBlocked(peer) {
			continue
		}
		if err := e.bearer.Send(peer, frame); err != nil {
			continue
		}
	}
	e.metrics.RecordMessageForwarded()
}
