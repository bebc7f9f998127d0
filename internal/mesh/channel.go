package mesh

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/driftmesh/meshcore/internal/protocol"
)

// channelKeyInfo is the HKDF info label distinguishing channel-key
// derivation from any other use of the same provider's HKDFExpand.
const channelKeyInfo = "meshcore-channel-key-v1"

// deriveChannelKey turns a channel id and password into the deterministic
// shared AEAD key every peer that joins the channel converges on. It does
// not use bcrypt: bcrypt's public API always self-salts, so two peers
// hashing the same password never produce the same output. The password is
// stretched with SHA-256 and expanded with HKDF instead, keeping key
// derivation symmetric across peers while still binding it to the channel
// id so the same password in two different channels yields different keys.
func deriveChannelKey(e *Engine, channelID, password string) ([32]byte, error) {
	var key [32]byte
	seed := e.provider.SHA256(append([]byte(channelID+"\x00"), password...))
	raw, err := e.provider.HKDFExpand(seed[:], []byte(channelKeyInfo), 32)
	if err != nil {
		return key, err
	}
	copy(key[:], raw)
	return key, nil
}

// doJoinChannel joins channelID, deriving a shared key from password if one
// is given. A bcrypt hash of the password is cached as a local verifier: if
// the channel is later rejoined with a different password, the mismatch is
// caught before the (differently derived) key silently desyncs the node
// from the rest of the channel's traffic.
func (e *Engine) doJoinChannel(channelID, password string) error {
	if channelID == "" {
		return ErrInvalidChannel
	}

	existing, joined := e.channels[channelID]
	if joined {
		if existing.hasKey != (password != "") {
			return ErrChannelPasswordMismatch
		}
		if existing.hasKey {
			if bcrypt.CompareHashAndPassword(existing.verifier, []byte(password)) != nil {
				return ErrChannelPasswordMismatch
			}
		}
		return nil
	}

	rec := &channelRecord{id: channelID}
	if password != "" {
		verifier, err := bcrypt.GenerateFromPassword([]byte(password), e.bcryptCost)
		if err != nil {
			return err
		}
		key, err := deriveChannelKey(e, channelID, password)
		if err != nil {
			return err
		}
		rec.key = key
		rec.hasKey = true
		rec.verifier = verifier
	}

	e.channels[channelID] = rec
	return nil
}

func (e *Engine) doLeaveChannel(channelID string) error {
	if _, joined := e.channels[channelID]; !joined {
		return ErrNotJoined
	}
	delete(e.channels, channelID)
	return nil
}

// channel message payloads carry the channel id in the clear, ahead of any
// encryption, so a recipient can pick the right key (or know it has none)
// before attempting to decode the rest.
//
//	1 byte channel id length | channel id | body
//
// body is ciphertext (12-byte nonce || AEAD output, keyed and AAD-bound to
// the channel id) when the channel has a key, or plaintext otherwise.
func encodeChannelPayload(channelID string, body []byte) ([]byte, error) {
	if len(channelID) > 255 {
		return nil, fmt.Errorf("mesh: channel id too long")
	}
	out := make([]byte, 1+len(channelID)+len(body))
	out[0] = byte(len(channelID))
	copy(out[1:], channelID)
	copy(out[1+len(channelID):], body)
	return out, nil
}

func decodeChannelPayload(payload []byte) (channelID string, body []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("mesh: channel payload too short")
	}
	n := int(payload[0])
	if len(payload) < 1+n {
		return "", nil, fmt.Errorf("mesh: channel payload truncated")
	}
	return string(payload[1 : 1+n]), payload[1+n:], nil
}

// doSendToChannel floods content to channelID, encrypting it under the
// channel's shared key with the channel id itself as additional data if one
// was set at JoinChannel, so a ciphertext from one channel can't be replayed
// into another.
func (e *Engine) doSendToChannel(channelID string, content []byte) ([protocol.MessageIDSize]byte, error) {
	var zero [protocol.MessageIDSize]byte

	rec, joined := e.channels[channelID]
	if !joined {
		return zero, ErrNotJoined
	}

	body := content
	flags := uint8(protocol.FlagNone)
	if rec.hasKey {
		nonce, err := e.provider.RandomBytes(12)
		if err != nil {
			return zero, err
		}
		var nonceArr [12]byte
		copy(nonceArr[:], nonce)
		ct, err := e.provider.AEADEncrypt(rec.key, nonceArr, content, []byte(channelID))
		if err != nil {
			return zero, err
		}
		body = append(nonceArr[:], ct...)
		flags |= protocol.FlagEncrypted
	}

	payload, err := encodeChannelPayload(channelID, body)
	if err != nil {
		return zero, err
	}

	id, err := newMessageID(e.provider)
	if err != nil {
		return zero, err
	}

	header := protocol.Header{
		Version:     protocol.ProtocolVersion,
		Type:        protocol.TypeChannelMessage,
		Flags:       flags,
		ID:          id,
		Sender:      e.self,
		TTL:         e.maxHops,
		TimestampMs: nowMs(),
	}
	// Recipient left zero: channel messages are broadcasts scoped by the
	// channel id carried in the payload, not by mesh addressing.

	frame, err := header.Encode(payload)
	if err != nil {
		return zero, err
	}

	e.dedup.CheckAndAdd(id)
	e.bearer.Broadcast(frame)
	e.metrics.RecordMessageSent()

	return id, nil
}

// decryptChannelPayload recovers the plaintext content of a received channel
// message body, given the channel record it was addressed to.
func decryptChannelPayload(e *Engine, rec *channelRecord, flags uint8, body []byte) ([]byte, error) {
	if flags&protocol.FlagEncrypted == 0 {
		return body, nil
	}
	if !rec.hasKey {
		return nil, fmt.Errorf("mesh: received encrypted channel message for keyless channel")
	}
	if len(body) < 12 {
		return nil, fmt.Errorf("mesh: channel message body too short")
	}
	var nonce [12]byte
	copy(nonce[:], body[:12])
	return e.provider.AEADDecrypt(rec.key, nonce, body[12:], []byte(rec.id))
}
