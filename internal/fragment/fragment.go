// Package fragment splits oversized messages into MTU-sized pieces and
// reassembles them on the receiving side, with per-message timeouts and a
// bound on how many partial messages can be in flight at once.
package fragment

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftmesh/meshcore/internal/protocol"
)

const (
	// MaxFragmentTotal is the largest fragment count a single message can
	// be split into, bounded by the 1-byte total field.
	MaxFragmentTotal = 255

	// MaxAssembledSize bounds the size of a fully reassembled message.
	MaxAssembledSize = 500 * 1024
)

var (
	// ErrTooManyFragments is returned when a payload would need more than
	// MaxFragmentTotal fragments at the given fragment size.
	ErrTooManyFragments = errors.New("fragment: payload requires more than 255 fragments")

	// ErrFragmentSizeTooSmall is returned when max_fragment_size leaves no
	// room for payload after the fragment header.
	ErrFragmentSizeTooSmall = errors.New("fragment: max fragment size too small for fragment header")

	// ErrTotalMismatch is returned when an arriving fragment's total
	// disagrees with the pending set it would join.
	ErrTotalMismatch = errors.New("fragment: fragment total disagrees with pending set")

	// ErrAssembledTooLarge is returned when a reassembled message would
	// exceed MaxAssembledSize.
	ErrAssembledTooLarge = errors.New("fragment: reassembled message exceeds maximum size")
)

// Split breaks payload into fragments no larger than maxFragmentSize
// (header included), each carrying a protocol.FragmentHeader.
func Split(payload []byte, maxFragmentSize int) ([][]byte, error) {
	capacity := maxFragmentSize - protocol.FragmentHeaderSize
	if capacity <= 0 {
		return nil, ErrFragmentSizeTooSmall
	}

	total := (len(payload) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}
	if total > MaxFragmentTotal {
		return nil, fmt.Errorf("%w: %d fragments needed, max %d", ErrTooManyFragments, total, MaxFragmentTotal)
	}

	fragments := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(payload) {
			end = len(payload)
		}
		slice := payload[start:end]

		fh := protocol.FragmentHeader{
			Index:      uint8(i),
			Total:      uint8(total),
			PayloadLen: uint16(len(slice)),
		}
		buf, err := protocol.EncodeFragment(fh, slice)
		if err != nil {
			return nil, fmt.Errorf("fragment: encode fragment %d: %w", i, err)
		}
		fragments = append(fragments, buf)
	}

	return fragments, nil
}

// pendingMessage tracks partial reassembly state for one message id.
type pendingMessage struct {
	id        [protocol.MessageIDSize]byte
	total     int
	received  map[uint8][]byte
	expiresAt time.Time
	elem      *list.Element // position in the assembler's creation-order (oldest-first) eviction list
}

func (p *pendingMessage) size() int {
	n := 0
	for _, b := range p.received {
		n += len(b)
	}
	return n
}

// Stats holds the assembler's running counters.
type Stats struct {
	FragmentsReceived uint64
	MessagesAssembled uint64
	Duplicates        uint64
	Expired           uint64
	Evicted           uint64
}

// Assembler reconstructs fragmented messages, keyed by message id. It bounds
// its own memory use: at most maxPending messages may be partially
// reassembled at once, and each one expires after fragmentTimeout if it
// never completes.
type Assembler struct {
	mu sync.Mutex

	maxPending      int
	fragmentTimeout time.Duration

	pending map[[protocol.MessageIDSize]byte]*pendingMessage
	order   *list.List // oldest-first, for eviction

	stats Stats
}

// NewAssembler creates an Assembler bounding live partial messages to
// maxPending, each expiring fragmentTimeout after its first fragment arrives.
func NewAssembler(maxPending int, fragmentTimeout time.Duration) *Assembler {
	return &Assembler{
		maxPending:      maxPending,
		fragmentTimeout: fragmentTimeout,
		pending:         make(map[[protocol.MessageIDSize]byte]*pendingMessage),
		order:           list.New(),
	}
}

// Add feeds one fragment, belonging to message id, into the assembler. It
// returns the fully reassembled payload once the last fragment for id
// arrives, or (nil, nil) while the message is still incomplete.
func (a *Assembler) Add(id [protocol.MessageIDSize]byte, fh protocol.FragmentHeader, payload []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expireLocked(time.Now())

	pm, ok := a.pending[id]
	if !ok {
		if len(a.pending) >= a.maxPending {
			a.evictOldestLocked()
		}
		pm = &pendingMessage{
			id:        id,
			total:     int(fh.Total),
			received:  make(map[uint8][]byte),
			expiresAt: time.Now().Add(a.fragmentTimeout),
		}
		pm.elem = a.order.PushBack(pm)
		a.pending[id] = pm
	} else if pm.total != int(fh.Total) {
		return nil, fmt.Errorf("%w: pending total %d, fragment declares %d", ErrTotalMismatch, pm.total, fh.Total)
	}

	a.stats.FragmentsReceived++

	if _, dup := pm.received[fh.Index]; dup {
		a.stats.Duplicates++
		return nil, nil
	}

	if pm.size()+len(payload) > MaxAssembledSize {
		a.removeLocked(pm)
		return nil, ErrAssembledTooLarge
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)
	pm.received[fh.Index] = stored

	if len(pm.received) < pm.total {
		return nil, nil
	}

	out := make([]byte, 0, pm.size())
	for i := 0; i < pm.total; i++ {
		out = append(out, pm.received[uint8(i)]...)
	}

	a.removeLocked(pm)
	a.stats.MessagesAssembled++

	return out, nil
}

// Sweep expires any pending message whose timeout has elapsed. Callers run
// this periodically (e.g. from a ticker) rather than relying on Add alone to
// notice expirations for messages that never see another fragment.
func (a *Assembler) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expireLocked(time.Now())
}

func (a *Assembler) expireLocked(now time.Time) int {
	expired := 0
	for e := a.order.Front(); e != nil; {
		pm := e.Value.(*pendingMessage)
		next := e.Next()
		if now.After(pm.expiresAt) {
			delete(a.pending, pm.id)
			a.order.Remove(e)
			a.stats.Expired++
			expired++
		}
		e = next
	}
	return expired
}

func (a *Assembler) evictOldestLocked() {
	front := a.order.Front()
	if front == nil {
		return
	}
	pm := front.Value.(*pendingMessage)
	delete(a.pending, pm.id)
	a.order.Remove(front)
	a.stats.Evicted++
}

func (a *Assembler) removeLocked(pm *pendingMessage) {
	delete(a.pending, pm.id)
	a.order.Remove(pm.elem)
}

// Stats returns a snapshot of the assembler's counters.
func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Pending returns the number of messages currently being reassembled.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
