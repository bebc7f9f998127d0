package mesh

import (
	"fmt"
	"time"

	"github.com/driftmesh/meshcore/internal/identity"
	"github.com/driftmesh/meshcore/internal/logging"
	"github.com/driftmesh/meshcore/internal/noise"
	"github.com/driftmesh/meshcore/internal/protocol"
	"github.com/driftmesh/meshcore/internal/session"
)

// handshakeAttempt tracks an in-progress Noise XX handshake with one peer.
type handshakeAttempt struct {
	hs        *noise.HandshakeState
	startedAt time.Time
}

func (e *Engine) isBlocked(peer identity.PeerID) bool {
	p, ok := e.peers[peer]
	return ok && p.blocked
}

// doInitiateHandshake runs §4.2 as initiator, sending Msg1 over the bearer.
func (e *Engine) doInitiateHandshake(peer identity.PeerID) error {
	if e.isBlocked(peer) {
		return ErrPeerBlocked
	}
	if _, exists := e.pendingHS[peer]; exists {
		return ErrHandshakeInProgress
	}

	hs := noise.NewInitiator(e.provider, e.keypair.PrivateKey, e.keypair.PublicKey)
	msg1, err := hs.WriteMessage(nil)
	if err != nil {
		e.metrics.RecordHandshakeError("write_msg1")
		return fmt.Errorf("mesh: handshake init: %w", err)
	}

	if err := e.sendHandshakeFrame(peer, protocol.TypeHandshakeInit, msg1); err != nil {
		e.metrics.RecordHandshakeError("send_msg1")
		return err
	}

	e.pendingHS[peer] = &handshakeAttempt{hs: hs, startedAt: time.Now()}
	return nil
}

func (e *Engine) sendHandshakeFrame(peer identity.PeerID, frameType uint8, payload []byte) error {
	id, err := newMessageID(e.provider)
	if err != nil {
		return err
	}
	header := protocol.Header{
		Version:     protocol.ProtocolVersion,
		Type:        frameType,
		ID:          id,
		Sender:      e.self,
		Recipient:   peer,
		TTL:         1,
		TimestampMs: nowMs(),
	}
	frame, err := header.Encode(payload)
	if err != nil {
		return fmt.Errorf("mesh: encode handshake frame: %w", err)
	}
	if err := e.bearer.Send(peer, frame); err != nil {
		return fmt.Errorf("mesh: send handshake frame: %w", err)
	}
	return nil
}

// handleHandshakeFrame drives the Noise XX state machine for an inbound
// handshake-typed frame, replying or completing the session as needed.
func (e *Engine) handleHandshakeFrame(header *protocol.Header, payload []byte) {
	peer := header.Sender
	if e.isBlocked(peer) {
		return
	}

	switch header.Type {
	case protocol.TypeHandshakeInit:
		e.handleHandshakeInit(peer, payload)
	case protocol.TypeHandshakeResponse:
		e.handleHandshakeResponse(peer, payload)
	case protocol.TypeHandshakeFinal:
		e.handleHandshakeFinal(peer, payload)
	}
}

func (e *Engine) handleHandshakeInit(peer identity.PeerID, msg1 []byte) {
	hs := noise.NewResponder(e.provider, e.keypair.PrivateKey, e.keypair.PublicKey)
	if _, err := hs.ReadMessage(msg1); err != nil {
		e.metrics.RecordHandshakeError("read_msg1")
		e.logger.Warn("handshake msg1 rejected", logging.KeyPeerID, peer.String(), logging.KeyError, err)
		return
	}

	msg2, err := hs.WriteMessage(nil)
	if err != nil {
		e.metrics.RecordHandshakeError("write_msg2")
		e.logger.Warn("handshake msg2 failed", logging.KeyPeerID, peer.String(), logging.KeyError, err)
		return
	}

	if err := e.sendHandshakeFrame(peer, protocol.TypeHandshakeResponse, msg2); err != nil {
		e.metrics.RecordHandshakeError("send_msg2")
		return
	}

	e.pendingHS[peer] = &handshakeAttempt{hs: hs, startedAt: time.Now()}
}

func (e *Engine) handleHandshakeResponse(peer identity.PeerID, msg2 []byte) {
	attempt, ok := e.pendingHS[peer]
	if !ok {
		return
	}

	if _, err := attempt.hs.ReadMessage(msg2); err != nil {
		e.metrics.RecordHandshakeError("read_msg2")
		delete(e.pendingHS, peer)
		e.logger.Warn("handshake msg2 rejected", logging.KeyPeerID, peer.String(), logging.KeyError, err)
		return
	}

	msg3, err := attempt.hs.WriteMessage(nil)
	if err != nil {
		e.metrics.RecordHandshakeError("write_msg3")
		delete(e.pendingHS, peer)
		return
	}

	if err := e.sendHandshakeFrame(peer, protocol.TypeHandshakeFinal, msg3); err != nil {
		e.metrics.RecordHandshakeError("send_msg3")
		delete(e.pendingHS, peer)
		return
	}

	e.completeHandshake(peer, attempt.hs, true)
}

func (e *Engine) handleHandshakeFinal(peer identity.PeerID, msg3 []byte) {
	attempt, ok := e.pendingHS[peer]
	if !ok {
		return
	}

	if _, err := attempt.hs.ReadMessage(msg3); err != nil {
		e.metrics.RecordHandshakeError("read_msg3")
		delete(e.pendingHS, peer)
		e.logger.Warn("handshake msg3 rejected", logging.KeyPeerID, peer.String(), logging.KeyError, err)
		return
	}

	e.completeHandshake(peer, attempt.hs, false)
}

func (e *Engine) completeHandshake(peer identity.PeerID, hs *noise.HandshakeState, isInitiator bool) {
	sendKey, recvKey, err := hs.Split()
	if err != nil {
		e.metrics.RecordHandshakeError("split")
		delete(e.pendingHS, peer)
		return
	}

	sess := session.New(e.provider, sendKey, recvKey, isInitiator)

	p := e.peerRecordFor(peer)
	if p.session != nil {
		p.session.Destroy()
	}
	p.session = sess
	p.lastSeen = time.Now()

	delete(e.pendingHS, peer)
	e.metrics.RecordHandshakeComplete()
	e.emit(Event{Type: EventPeerSecured, Peer: peer})
}
