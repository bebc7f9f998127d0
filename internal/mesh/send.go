package mesh

import (
	"fmt"

	"github.com/driftmesh/meshcore/internal/fragment"
	"github.com/driftmesh/meshcore/internal/identity"
	"github.com/driftmesh/meshcore/internal/logging"
	"github.com/driftmesh/meshcore/internal/protocol"
)

// doSendBroadcast frames content as an unencrypted broadcast, marks the
// frame's id seen in the dedup detector before it ever goes out so the
// engine never reforwards its own broadcast when it echoes back off a
// neighbor, and hands it to the bearer for delivery to every connected peer.
func (e *Engine) doSendBroadcast(content []byte) ([protocol.MessageIDSize]byte, error) {
	var zero [protocol.MessageIDSize]byte

	id, err := newMessageID(e.provider)
	if err != nil {
		return zero, err
	}

	header := protocol.Header{
		Version:     protocol.ProtocolVersion,
		Type:        protocol.TypeText,
		Flags:       protocol.FlagIsBroadcast,
		ID:          id,
		Sender:      e.self,
		TTL:         e.maxHops,
		TimestampMs: nowMs(),
	}
	frame, err := header.Encode(content)
	if err != nil {
		return zero, fmt.Errorf("mesh: encode broadcast: %w", err)
	}

	e.dedup.CheckAndAdd(id)
	delivered := e.bearer.Broadcast(frame)
	for _, peer := range delivered {
		e.health.TrackSent(peer, id)
	}
	e.metrics.RecordMessageSent()

	return id, nil
}

// doSendDirect encrypts content under peer's established session and sends
// it as one or more frames, fragmenting if the ciphertext exceeds the
// configured fragment size. If peer is not currently connected, the
// encrypted frame is handed to the store-and-forward cache instead of
// erroring, to be delivered once the peer reconnects.
func (e *Engine) doSendDirect(peer identity.PeerID, content []byte) ([protocol.MessageIDSize]byte, error) {
	var zero [protocol.MessageIDSize]byte

	if e.isBlocked(peer) {
		return zero, ErrPeerBlocked
	}

	p, ok := e.peers[peer]
	if !ok || p.session == nil {
		return zero, ErrNotSecured
	}

	ciphertext, err := p.session.Encrypt(content)
	if err != nil {
		return zero, fmt.Errorf("mesh: encrypt direct message: %w", err)
	}

	id, err := newMessageID(e.provider)
	if err != nil {
		return zero, err
	}

	header := protocol.Header{
		Version:     protocol.ProtocolVersion,
		Type:        protocol.TypePrivateMessage,
		Flags:       protocol.FlagEncrypted,
		ID:          id,
		Sender:      e.self,
		Recipient:   peer,
		TTL:         e.maxHops,
		TimestampMs: nowMs(),
	}

	e.dedup.CheckAndAdd(id)

	if !p.connected {
		frame, err := header.Encode(ciphertext)
		if err != nil {
			return zero, fmt.Errorf("mesh: encode direct message: %w", err)
		}
		e.sfCache.Cache(peer, id, frame, e.messageTTL)
		e.metrics.RecordStoreForwardCached()
		return id, nil
	}

	if err := e.sendDirectFrames(peer, header, ciphertext); err != nil {
		e.health.TrackFailed(id)
		return zero, err
	}

	e.health.TrackSent(peer, id)
	e.metrics.RecordMessageSent()
	return id, nil
}

// sendDirectFrames sends ciphertext to peer as a single frame if it fits
// within the configured fragment size, or splits it into a run of
// TypeFragment frames sharing header.ID otherwise.
func (e *Engine) sendDirectFrames(peer identity.PeerID, header protocol.Header, ciphertext []byte) error {
	if len(ciphertext) <= e.fragmentSize {
		frame, err := header.Encode(ciphertext)
		if err != nil {
			return fmt.Errorf("mesh: encode direct message: %w", err)
		}
		return e.bearer.Send(peer, frame)
	}

	chunks, err := fragment.Split(ciphertext, e.fragmentSize)
	if err != nil {
		return fmt.Errorf("mesh: split fragments: %w", err)
	}

	fHeader := header
	fHeader.Type = protocol.TypeFragment
	fHeader.Flags |= protocol.FlagIsFragment

	for _, chunk := range chunks {
		frame, err := fHeader.Encode(chunk)
		if err != nil {
			return fmt.Errorf("mesh: encode fragment frame: %w", err)
		}
		if err := e.bearer.Send(peer, frame); err != nil {
			return err
		}
		e.metrics.RecordFragmentSent()
	}

	e.logger.Debug("sent fragmented message", logging.KeyPeerID, peer.String(), logging.KeyCount, len(chunks))
	return nil
}

func (e *Engine) doBlockPeer(peer identity.PeerID) {
	p := e.peerRecordFor(peer)
	p.blocked = true
	delete(e.pendingHS, peer)
}

func (e *Engine) doUnblockPeer(peer identity.PeerID) {
	if p, ok := e.peers[peer]; ok {
		p.blocked = false
	}
}
