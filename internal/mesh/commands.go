package mesh

import (
	"github.com/driftmesh/meshcore/internal/identity"
	"github.com/driftmesh/meshcore/internal/protocol"
)

type cmdKind int

const (
	cmdSendBroadcast cmdKind = iota
	cmdSendDirect
	cmdJoinChannel
	cmdLeaveChannel
	cmdSendToChannel
	cmdBlockPeer
	cmdUnblockPeer
	cmdInitiateHandshake
)

// command is a request posted to the actor loop by a public API method.
// Every public method blocks on reply until the actor processes it, giving
// the rest of the engine's state a single writer without needing a mutex.
type command struct {
	kind      cmdKind
	peer      identity.PeerID
	content   []byte
	channelID string
	password  string
	reply     chan cmdResult
}

type cmdResult struct {
	msgID [protocol.MessageIDSize]byte
	err   error
}

// do posts cmd to the actor loop and waits for its result, failing fast if
// the engine is stopped either before the command is accepted or before a
// reply arrives.
func (e *Engine) do(cmd command) cmdResult {
	cmd.reply = make(chan cmdResult, 1)

	select {
	case e.commands <- cmd:
	case <-e.ctx.Done():
		return cmdResult{err: ErrStopped}
	}

	select {
	case res := <-cmd.reply:
		return res
	case <-e.ctx.Done():
		return cmdResult{err: ErrStopped}
	}
}

func (e *Engine) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdSendBroadcast:
		id, err := e.doSendBroadcast(cmd.content)
		cmd.reply <- cmdResult{msgID: id, err: err}

	case cmdSendDirect:
		id, err := e.doSendDirect(cmd.peer, cmd.content)
		cmd.reply <- cmdResult{msgID: id, err: err}

	case cmdJoinChannel:
		err := e.doJoinChannel(cmd.channelID, cmd.password)
		cmd.reply <- cmdResult{err: err}

	case cmdLeaveChannel:
		err := e.doLeaveChannel(cmd.channelID)
		cmd.reply <- cmdResult{err: err}

	case cmdSendToChannel:
		id, err := e.doSendToChannel(cmd.channelID, cmd.content)
		cmd.reply <- cmdResult{msgID: id, err: err}

	case cmdBlockPeer:
		e.doBlockPeer(cmd.peer)
		cmd.reply <- cmdResult{}

	case cmdUnblockPeer:
		e.doUnblockPeer(cmd.peer)
		cmd.reply <- cmdResult{}

	case cmdInitiateHandshake:
		err := e.doInitiateHandshake(cmd.peer)
		cmd.reply <- cmdResult{err: err}
	}
}

// SendBroadcast frames content as an unencrypted broadcast, marks it seen
// in the dedup detector so the engine never reflood its own message, and
// hands it to the bearer for delivery to every connected peer.
func (e *Engine) SendBroadcast(content []byte) ([protocol.MessageIDSize]byte, error) {
	res := e.do(command{kind: cmdSendBroadcast, content: content})
	return res.msgID, res.err
}

// SendDirect encrypts content under peer's established session and
// delivers it, fragmenting if it exceeds the configured fragment size and
// falling back to the store-and-forward cache if peer is not connected.
func (e *Engine) SendDirect(peer identity.PeerID, content []byte) ([protocol.MessageIDSize]byte, error) {
	res := e.do(command{kind: cmdSendDirect, peer: peer, content: content})
	return res.msgID, res.err
}

// JoinChannel joins channelID, optionally keying it with password (key
// derived via SHA-256 and HKDF; a bcrypt hash of the password is kept only
// to detect mismatches). Rejoining with a different password than
// originally used fails with ErrChannelPasswordMismatch.
func (e *Engine) JoinChannel(channelID, password string) error {
	res := e.do(command{kind: cmdJoinChannel, channelID: channelID, password: password})
	return res.err
}

// LeaveChannel leaves a previously joined channel.
func (e *Engine) LeaveChannel(channelID string) error {
	res := e.do(command{kind: cmdLeaveChannel, channelID: channelID})
	return res.err
}

// SendToChannel floods content to channelID, encrypting it under the
// channel's symmetric key if one was set at JoinChannel.
func (e *Engine) SendToChannel(channelID string, content []byte) ([protocol.MessageIDSize]byte, error) {
	res := e.do(command{kind: cmdSendToChannel, channelID: channelID, content: content})
	return res.msgID, res.err
}

// BlockPeer causes the engine to drop inbound frames from peer and refuse
// new handshakes with it.
func (e *Engine) BlockPeer(peer identity.PeerID) {
	e.do(command{kind: cmdBlockPeer, peer: peer})
}

// UnblockPeer reverses a prior BlockPeer.
func (e *Engine) UnblockPeer(peer identity.PeerID) {
	e.do(command{kind: cmdUnblockPeer, peer: peer})
}

// InitiateHandshake starts a Noise XX handshake with peer as initiator.
func (e *Engine) InitiateHandshake(peer identity.PeerID) error {
	res := e.do(command{kind: cmdInitiateHandshake, peer: peer})
	return res.err
}
