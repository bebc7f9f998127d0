package mesh

import "errors"

var (
	// ErrStopped is returned by any public API call made after Stop has
	// been called or while the engine is shutting down.
	ErrStopped = errors.New("mesh: engine stopped")

	// ErrNotSecured is returned by SendDirect when no completed handshake
	// session exists for the target peer yet.
	ErrNotSecured = errors.New("mesh: peer has no secured session")

	// ErrPeerBlocked is returned when an operation targets a blocked peer.
	ErrPeerBlocked = errors.New("mesh: peer is blocked")

	// ErrInvalidChannel is returned for an empty channel id.
	ErrInvalidChannel = errors.New("mesh: invalid channel id")

	// ErrNotJoined is returned by SendToChannel/LeaveChannel for a channel
	// the engine has not joined.
	ErrNotJoined = errors.New("mesh: channel not joined")

	// ErrChannelPasswordMismatch is returned by JoinChannel when rejoining
	// a channel with a different password than originally used.
	ErrChannelPasswordMismatch = errors.New("mesh: channel password does not match")

	// ErrAlreadyStarted is returned by Start if called more than once.
	ErrAlreadyStarted = errors.New("mesh: engine already started")

	// ErrHandshakeInProgress is returned by InitiateHandshake if a
	// handshake with the peer is already underway.
	ErrHandshakeInProgress = errors.New("mesh: handshake already in progress")
)
