// Package dedup provides duplicate-message detection for flood routing: a
// Bloom filter for a fast probabilistic reject path, backed by an exact LRU
// of recently seen message ids.
package dedup

import (
	"container/list"
	"hash/fnv"
	"sync"
)

const (
	// DefaultBloomSizeBits is the default Bloom filter size.
	DefaultBloomSizeBits = 2048

	// DefaultBloomHashCount is the default number of FNV-1a hash functions.
	DefaultBloomHashCount = 7

	// DefaultLRUCapacity is the default number of exact entries retained.
	DefaultLRUCapacity = 1000

	// rebuildFPRThreshold is the estimated false-positive rate at which the
	// Bloom filter is rebuilt from the LRU's current contents.
	rebuildFPRThreshold = 0.05
)

// ID is the fixed-size duplicate-detection key: a message id.
type ID [16]byte

// bloomFilter is a fixed-size bit array with k FNV-1a hash functions, each
// seeded 0..k-1.
type bloomFilter struct {
	bits    []uint64
	sizeBits int
	k       int
	setBits int
}

func newBloomFilter(sizeBits, k int) *bloomFilter {
	return &bloomFilter{
		bits:     make([]uint64, (sizeBits+63)/64),
		sizeBits: sizeBits,
		k:        k,
	}
}

func (b *bloomFilter) positions(id ID) []int {
	positions := make([]int, b.k)
	for seed := 0; seed < b.k; seed++ {
		h := fnv.New64a()
		h.Write([]byte{byte(seed)})
		h.Write(id[:])
		sum := h.Sum64()
		sum ^= sum >> 32
		positions[seed] = int(sum % uint64(b.sizeBits))
	}
	return positions
}

func (b *bloomFilter) add(id ID) {
	for _, pos := range b.positions(id) {
		word, bit := pos/64, uint(pos%64)
		if b.bits[word]&(1<<bit) == 0 {
			b.bits[word] |= 1 << bit
			b.setBits++
		}
	}
}

func (b *bloomFilter) mightContain(id ID) bool {
	for _, pos := range b.positions(id) {
		word, bit := pos/64, uint(pos%64)
		if b.bits[word]&(1<<bit) == 0 {
			return false
		}
	}
	return true
}

func (b *bloomFilter) fillRatio() float64 {
	return float64(b.setBits) / float64(b.sizeBits)
}

// estimatedFPR approximates fillRatio^k, the standard Bloom filter
// false-positive rate estimate.
func (b *bloomFilter) estimatedFPR() float64 {
	fpr := 1.0
	ratio := b.fillRatio()
	for i := 0; i < b.k; i++ {
		fpr *= ratio
	}
	return fpr
}

// lru is a bounded, doubly-linked-list-ordered set of recently seen ids,
// giving O(1) add/has/touch with exact recency eviction.
type lru struct {
	capacity int
	elems    map[ID]*list.Element
	order    *list.List // front = most recently used
}

func newLRU(capacity int) *lru {
	return &lru{
		capacity: capacity,
		elems:    make(map[ID]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *lru) has(id ID) bool {
	_, ok := l.elems[id]
	return ok
}

// add inserts id, evicting the least recently used entry if at capacity.
// Returns true if id was newly inserted, false if it was already present
// (in which case it is moved to the front).
func (l *lru) add(id ID) bool {
	if elem, ok := l.elems[id]; ok {
		l.order.MoveToFront(elem)
		return false
	}

	if l.capacity > 0 && len(l.elems) >= l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.elems, oldest.Value.(ID))
		}
	}

	elem := l.order.PushFront(id)
	l.elems[id] = elem
	return true
}

// ids returns all ids currently held, in no particular order.
func (l *lru) ids() []ID {
	out := make([]ID, 0, len(l.elems))
	for id := range l.elems {
		out = append(out, id)
	}
	return out
}

// Config configures a Detector.
type Config struct {
	BloomSizeBits  int
	BloomHashCount int
	LRUCapacity    int

	// StrictBloom, when true, treats a Bloom-filter hit as a duplicate
	// without confirming against the LRU, trading a small false-drop rate
	// for skipping the LRU lookup on the hot path. Off by default.
	StrictBloom bool
}

// Detector combines a Bloom filter fast path with an exact LRU to decide
// whether a message id has already been seen.
type Detector struct {
	mu sync.Mutex

	cfg   Config
	bloom *bloomFilter
	lru   *lru
}

// New creates a Detector from cfg. Zero-valued fields in cfg fall back to
// the package defaults.
func New(cfg Config) *Detector {
	if cfg.BloomSizeBits <= 0 {
		cfg.BloomSizeBits = DefaultBloomSizeBits
	}
	if cfg.BloomHashCount <= 0 {
		cfg.BloomHashCount = DefaultBloomHashCount
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = DefaultLRUCapacity
	}

	return &Detector{
		cfg:   cfg,
		bloom: newBloomFilter(cfg.BloomSizeBits, cfg.BloomHashCount),
		lru:   newLRU(cfg.LRUCapacity),
	}
}

// CheckAndAdd reports whether id is a duplicate of one already seen, and
// marks it as seen regardless. The default policy uses the Bloom filter as
// a fast-path reject candidate and confirms via the LRU before declaring a
// duplicate; with StrictBloom set, a Bloom hit alone is treated as a
// duplicate without an LRU lookup.
func (d *Detector) CheckAndAdd(id ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	bloomHit := d.bloom.mightContain(id)

	var duplicate bool
	if d.cfg.StrictBloom {
		duplicate = bloomHit
	} else {
		duplicate = bloomHit && d.lru.has(id)
	}

	d.bloom.add(id)
	d.lru.add(id)

	if d.bloom.estimatedFPR() > rebuildFPRThreshold {
		d.rebuildLocked()
	}

	return duplicate
}

// Has reports whether id has already been seen, without marking it.
func (d *Detector) Has(id ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.StrictBloom {
		return d.bloom.mightContain(id)
	}
	return d.bloom.mightContain(id) && d.lru.has(id)
}

// rebuildLocked replaces the Bloom filter with a fresh one populated from
// the LRU's current, authoritative contents. Callers must hold d.mu.
func (d *Detector) rebuildLocked() {
	fresh := newBloomFilter(d.cfg.BloomSizeBits, d.cfg.BloomHashCount)
	for _, id := range d.lru.ids() {
		fresh.add(id)
	}
	d.bloom = fresh
}

// Rebuild forces an immediate Bloom filter rebuild from the LRU.
func (d *Detector) Rebuild() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rebuildLocked()
}

// Stats reports the detector's current fill characteristics.
type Stats struct {
	BloomFillRatio    float64
	BloomEstimatedFPR float64
	LRUSize           int
}

// Stats returns a snapshot of the detector's internal state.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		BloomFillRatio:    d.bloom.fillRatio(),
		BloomEstimatedFPR: d.bloom.estimatedFPR(),
		LRUSize:           len(d.lru.elems),
	}
}
