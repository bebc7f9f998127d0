// Package ratelimit provides per-peer token-bucket rate limiting for
// inbound frame processing.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/driftmesh/meshcore/internal/identity"
)

const (
	// DefaultRatePerSecond is the default sustained rate allowed per peer.
	DefaultRatePerSecond = 50

	// DefaultBurst is the default burst size allowed per peer.
	DefaultBurst = 100
)

// Config configures a Limiter.
type Config struct {
	RatePerSecond float64
	Burst         int
}

// Limiter tracks one token bucket per peer, used by the mesh engine to cap
// the inbound frame rate.
type Limiter struct {
	mu sync.Mutex

	cfg     Config
	buckets map[identity.PeerID]*rate.Limiter
}

// New creates a Limiter from cfg, applying package defaults to zero fields.
func New(cfg Config) *Limiter {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}

	return &Limiter{
		cfg:     cfg,
		buckets: make(map[identity.PeerID]*rate.Limiter),
	}
}

func (l *Limiter) bucket(peer identity.PeerID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[peer]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.RatePerSecond), l.cfg.Burst)
		l.buckets[peer] = b
	}
	return b
}

// Allow reports whether a frame from peer may be processed now, consuming a
// token if so.
func (l *Limiter) Allow(peer identity.PeerID) bool {
	return l.bucket(peer).Allow()
}

// Forget removes peer's bucket, releasing its memory once the peer
// disconnects.
func (l *Limiter) Forget(peer identity.PeerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, peer)
}

// PeerCount returns the number of peers with an active bucket.
func (l *Limiter) PeerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
