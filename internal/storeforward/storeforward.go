// Package storeforward caches outbound messages for recipients that are
// currently unreachable, replaying them in order once the recipient
// reconnects. Capacity is bounded by total bytes, total count, and
// per-recipient count, with expiry on a configurable TTL.
package storeforward

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/driftmesh/meshcore/internal/identity"
	"github.com/driftmesh/meshcore/internal/logging"
)

const (
	// DefaultMessageTTL is how long a cached message is kept before it
	// expires undelivered.
	DefaultMessageTTL = 30 * time.Minute

	// DefaultMaxGlobalMessages bounds the total number of cached messages
	// across all recipients.
	DefaultMaxGlobalMessages = 10000

	// DefaultMaxPerRecipient bounds the number of cached messages held for
	// any single recipient.
	DefaultMaxPerRecipient = 100

	// DefaultMaxTotalBytes bounds the total ciphertext bytes held in cache.
	DefaultMaxTotalBytes = 50 * 1024 * 1024

	// DefaultSweepInterval is how often the periodic sweeper prunes
	// expired entries.
	DefaultSweepInterval = 5 * time.Minute
)

// CachedMessage is one message held for a currently unreachable recipient.
type CachedMessage struct {
	ID        [16]byte
	Recipient identity.PeerID
	Payload   []byte
	CachedAt  time.Time
	ExpiresAt time.Time
	Attempts  int
}

func (m *CachedMessage) size() int {
	return len(m.Payload)
}

func (m *CachedMessage) expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// Config configures a Cache.
type Config struct {
	MessageTTL        time.Duration
	MaxGlobalMessages int
	MaxPerRecipient   int
	MaxTotalBytes     int
	SweepInterval     time.Duration
}

// Stats holds the cache's running counters.
type Stats struct {
	Cached    uint64
	Delivered uint64
	Expired   uint64
	Dropped   uint64
	Failed    uint64
}

// Cache holds per-recipient FIFO queues of cached messages, bounded by
// global byte/count limits and per-recipient count, with TTL expiry.
type Cache struct {
	mu sync.RWMutex

	cfg    Config
	logger *slog.Logger

	queues     map[identity.PeerID][]*CachedMessage
	totalBytes int
	totalCount int

	stats Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Cache from cfg, applying package defaults to zero fields.
// logger may be nil, in which case a no-op logger is used.
func New(cfg Config, logger *slog.Logger) *Cache {
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = DefaultMessageTTL
	}
	if cfg.MaxGlobalMessages <= 0 {
		cfg.MaxGlobalMessages = DefaultMaxGlobalMessages
	}
	if cfg.MaxPerRecipient <= 0 {
		cfg.MaxPerRecipient = DefaultMaxPerRecipient
	}
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Cache{
		cfg:    cfg,
		logger: logger.With(logging.KeyComponent, "storeforward"),
		queues: make(map[identity.PeerID][]*CachedMessage),
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic sweeper.
func (c *Cache) Start() {
	c.wg.Add(1)
	go c.sweepLoop()
}

// Stop halts the periodic sweeper and waits for it to exit.
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Cache stores a message for recipient. ttl overrides cfg.MessageTTL when
// non-zero. Returns false (and does not store the message) if doing so would
// exceed any of the configured bounds.
func (c *Cache) Cache(recipient identity.PeerID, id [16]byte, payload []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.cfg.MessageTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.totalCount >= c.cfg.MaxGlobalMessages {
		c.stats.Dropped++
		return false
	}
	if len(c.queues[recipient]) >= c.cfg.MaxPerRecipient {
		c.stats.Dropped++
		return false
	}
	if c.totalBytes+len(payload) > c.cfg.MaxTotalBytes {
		c.stats.Dropped++
		return false
	}

	now := time.Now()
	msg := &CachedMessage{
		ID:        id,
		Recipient: recipient,
		Payload:   payload,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	c.queues[recipient] = append(c.queues[recipient], msg)
	c.totalBytes += msg.size()
	c.totalCount++
	c.stats.Cached++

	return true
}

// SendFunc attempts to deliver a cached payload to its recipient, returning
// an error on failure.
type SendFunc func(payload []byte) error

// Deliver attempts to deliver every non-expired cached message for recipient,
// in FIFO order, via send. Messages that send successfully are removed;
// messages that fail are kept with attempts incremented. Expired messages
// are dropped without being sent. Returns the count delivered and failed.
func (c *Cache) Deliver(recipient identity.PeerID, send SendFunc) (delivered, failed int) {
	c.mu.Lock()
	queue := c.queues[recipient]
	c.mu.Unlock()

	if len(queue) == 0 {
		return 0, 0
	}

	now := time.Now()
	var remaining []*CachedMessage

	for _, msg := range queue {
		if msg.expired(now) {
			c.mu.Lock()
			c.totalBytes -= msg.size()
			c.totalCount--
			c.stats.Expired++
			c.mu.Unlock()
			continue
		}

		if err := send(msg.Payload); err != nil {
			msg.Attempts++
			remaining = append(remaining, msg)
			failed++
			c.mu.Lock()
			c.stats.Failed++
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.totalBytes -= msg.size()
		c.totalCount--
		c.stats.Delivered++
		c.mu.Unlock()
		delivered++
	}

	c.mu.Lock()
	if len(remaining) == 0 {
		delete(c.queues, recipient)
	} else {
		c.queues[recipient] = remaining
	}
	c.mu.Unlock()

	return delivered, failed
}

// HasCached reports whether any messages are cached for recipient.
func (c *Cache) HasCached(recipient identity.PeerID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queues[recipient]) > 0
}

// sweepLoop periodically removes expired entries from every queue.
func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	expired := 0
	for recipient, queue := range c.queues {
		var remaining []*CachedMessage
		for _, msg := range queue {
			if msg.expired(now) {
				c.totalBytes -= msg.size()
				c.totalCount--
				expired++
				continue
			}
			remaining = append(remaining, msg)
		}
		if len(remaining) == 0 {
			delete(c.queues, recipient)
		} else {
			c.queues[recipient] = remaining
		}
	}
	c.stats.Expired += uint64(expired)
	totalBytes := c.totalBytes
	totalCount := c.totalCount
	c.mu.Unlock()

	if expired > 0 {
		c.logger.Debug("store-and-forward sweep expired messages",
			logging.KeyCount, expired,
			"cache_size", humanize.Bytes(uint64(totalBytes)),
			"total_messages", totalCount)
	}
}

// Stats returns a snapshot of the cache's counters and current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Occupancy reports the cache's current total bytes and message count.
func (c *Cache) Occupancy() (totalBytes, totalCount int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalBytes, c.totalCount
}
