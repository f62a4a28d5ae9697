package piece

import (
	"math/bits"
	"math/rand"
	"sync"

	"github.com/arourke/gobt/internal/config"
)

// availabilityBucket answers "which pieces are rarest right now" in O(1)
// amortized, by keeping every piece index in a bucket keyed on how many
// connected peers currently have it. A piece's bucket membership changes
// every time a peer's bitfield or Have message is observed, so the data
// structure is built around cheap swap-and-truncate removal rather than a
// sorted structure that would need re-sorting on every update.
type availabilityBucket struct {
	mu sync.RWMutex

	// byLevel[n] is the dense, unordered set of piece indices with exactly
	// n holders. Removing piece i swaps it with the bucket's last entry.
	byLevel [][]int

	// level[i] is piece i's current holder count.
	level []uint16

	// slot[i] is piece i's index within byLevel[level[i]].
	slot []int

	// occupied is a bitset over [0, maxAvail]: bit n is set iff byLevel[n]
	// is non-empty, so the rarest level can be found by scanning for the
	// lowest set bit instead of walking every bucket.
	occupied []uint64

	maxAvail int
	rng      *rand.Rand
}

func newAvailabilityBucket(pieceCount int) *availabilityBucket {
	maxAvail := config.Load().MaxPeers

	b := &availabilityBucket{
		rng:      rand.New(rand.NewSource(rand.Int63())),
		maxAvail: maxAvail,
		byLevel:  make([][]int, maxAvail+1),
		level:    make([]uint16, pieceCount),
		slot:     make([]int, pieceCount),
		occupied: make([]uint64, (maxAvail>>6)+1),
	}

	perLevel := max(1, pieceCount/(maxAvail+1))
	for n := range b.byLevel {
		b.byLevel[n] = make([]int, 0, perLevel)
	}

	b.byLevel[0] = make([]int, pieceCount)
	for i := range b.byLevel[0] {
		b.byLevel[0][i] = i
		b.slot[i] = i
	}
	if pieceCount > 0 {
		b.mark(0)
	}

	return b
}

// Availability reports how many peers are currently known to hold piece i.
func (b *availabilityBucket) Availability(i int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.level[i])
}

// FirstNonEmpty returns the lowest holder-count level with at least one
// piece still in it, i.e. the rarest pieces in the swarm right now.
func (b *availabilityBucket) FirstNonEmpty() (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for word, bitmap := range b.occupied {
		if bitmap == 0 {
			continue
		}
		return word<<6 + bits.TrailingZeros64(bitmap), true
	}
	return 0, false
}

// Bucket returns a snapshot of the piece indices currently at level n.
func (b *availabilityBucket) Bucket(n int) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n < 0 || n > b.maxAvail {
		return nil
	}
	return append([]int(nil), b.byLevel[n]...)
}

// Move adjusts piece i's holder count by delta (+1 when a peer announces
// it, -1 when that peer disconnects or loses it), clamped to [0, maxAvail].
func (b *availabilityBucket) Move(i, delta int) {
	b.mu.RLock()
	from := int(b.level[i])
	to := clamp(from+delta, 0, b.maxAvail)
	b.mu.RUnlock()

	if to == from {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.evict(i, from)
	b.insert(i, to)
	b.level[i] = uint16(to)
}

func clamp(v, lo, hi int) int {
	return min(hi, max(lo, v))
}

// evict removes piece i from byLevel[n] via swap-with-last, which is why
// slot[] must be kept in sync for whichever piece ends up occupying i's old
// position.
func (b *availabilityBucket) evict(i, n int) {
	bucket := b.byLevel[n]
	pos := b.slot[i]
	last := len(bucket) - 1

	bucket[pos] = bucket[last]
	b.slot[bucket[pos]] = pos
	b.byLevel[n] = bucket[:last]

	if last == 0 {
		b.unmark(n)
	}
}

// insert appends piece i to byLevel[n] and swaps it to a random position
// among the bucket's members, so pieces reported by a burst of peers in
// quick succession don't all end up adjacent and get picked in lockstep.
func (b *availabilityBucket) insert(i, n int) {
	bucket := append(b.byLevel[n], i)
	last := len(bucket) - 1

	if last > 0 {
		j := b.rng.Intn(last + 1)
		bucket[last], bucket[j] = bucket[j], bucket[last]
		b.slot[bucket[last]] = last
		b.slot[bucket[j]] = j
	} else {
		b.slot[i] = 0
	}

	b.byLevel[n] = bucket
	b.mark(n)
}

func (b *availabilityBucket) mark(n int)   { b.occupied[n>>6] |= 1 << uint(n&63) }
func (b *availabilityBucket) unmark(n int) { b.occupied[n>>6] &^= 1 << uint(n&63) }
