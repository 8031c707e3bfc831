package rdma

import (
	"sync/atomic"
)

// ringIndex is a position in a circular array of size elements.
type ringIndex struct {
	pos  uint32
	size uint32
}

func newRingIndex(size uint32) ringIndex {
	return ringIndex{size: size}
}

// advance returns the index n elements further along, wrapping at size.
func (i ringIndex) advance(n uint32) ringIndex {
	i.pos = uint32((uint64(i.pos) + uint64(n)) % uint64(i.size))
	return i
}

// workQueue is one hardware descriptor ring together with its logical slot
// accounting. Descriptors are addressed in 16-byte units; requests are
// counted in logical slots. A queue of size slots keeps one slot unused, so
// at most size-1 requests are outstanding.
//
// All fields are protected by the owning QueuePair's lock.
type workQueue struct {
	qid uint32

	// ring is the descriptor memory. len(ring) is a multiple of 16.
	ring []byte

	// wqPidx is the next free 16-byte unit in ring.
	wqPidx ringIndex

	// pidx and cidx index the shadow queue.
	pidx  uint16
	cidx  uint16
	size  uint16
	inUse uint16

	// unitsInUse counts the 16-byte units held by outstanding requests.
	unitsInUse uint32

	// hwSlot and hwUnit track how far the simulated adapter has fetched.
	hwSlot uint16
	hwUnit ringIndex

	db Doorbell

	// onChip queues live in adapter memory reached through a write-combining
	// mapping.
	onChip bool

	// hostPidx mirrors the status page field the adapter reads to learn the
	// host's producer index, in 16-byte units.
	hostPidx atomic.Uint32

	// barriers counts write-combining barriers issued before on-chip copies.
	barriers atomic.Uint64
}

func newWorkQueue(qid uint32, size uint16, slotBytes int, onChip bool) *workQueue {
	units := uint32(size) * uint32(slotBytes/unitSize)
	return &workQueue{
		qid:    qid,
		ring:   make([]byte, int(units)*unitSize),
		wqPidx: newRingIndex(units),
		hwUnit: newRingIndex(units),
		size:   size,
		onChip: onChip,
	}
}

// avail returns the number of logical slots that can still be produced.
func (q *workQueue) avail() uint16 {
	return q.size - 1 - q.inUse
}

// units returns the ring capacity in 16-byte units.
func (q *workQueue) units() uint32 {
	return q.wqPidx.size
}

// freeUnits returns the number of unused 16-byte units.
func (q *workQueue) freeUnits() uint32 {
	return q.units() - q.unitsInUse
}

// hasRoom reports whether a request of the largest slot size can still be
// produced.
func (q *workQueue) hasRoom() bool {
	return q.avail() > 0 && q.freeUnits() >= q.units()/uint32(q.size)
}

// copyLen16 returns the number of units a descriptor of len16 occupies once
// copied to this queue.
func (q *workQueue) copyLen16(len16 uint8) uint8 {
	if q.onChip {
		return uint8(roundUp(uint32(len16), onChipAlign16))
	}
	return len16
}

// copyIn writes len16 units of wqe at the producer position, wrapping to
// the start of the ring when the end is reached. The wrap always falls on
// an 8-byte flit boundary, so the byte layout matches a flit-by-flit copy.
func (q *workQueue) copyIn(wqe []byte, len16 uint8) {
	if q.onChip {
		q.wcBarrier()
	}
	src := wqe[:int(len16)*unitSize]
	off := int(q.wqPidx.pos) * unitSize
	n := copy(q.ring[off:], src)
	copy(q.ring, src[n:])
}

// wcBarrier orders earlier stores before the write-combined copy.
func (q *workQueue) wcBarrier() {
	q.barriers.Add(1)
}

// produce advances the producer by one logical slot and len16 units.
func (q *workQueue) produce(len16 uint8) {
	q.inUse++
	q.unitsInUse += uint32(len16)
	q.pidx++
	if q.pidx == q.size {
		q.pidx = 0
	}
	q.wqPidx = q.wqPidx.advance(uint32(len16))
}

// consume retires the slot at cidx, which occupied len16 units.
func (q *workQueue) consume(len16 uint8) {
	q.inUse--
	q.unitsInUse -= uint32(len16)
	q.cidx++
	if q.cidx == q.size {
		q.cidx = 0
	}
}

// nextSlot returns the shadow index following idx.
func (q *workQueue) nextSlot(idx uint16) uint16 {
	idx++
	if idx == q.size {
		return 0
	}
	return idx
}

// slotDistance returns how many slots separate from and a later slot to.
func (q *workQueue) slotDistance(from, to uint16) uint16 {
	if to >= from {
		return to - from
	}
	return q.size - from + to
}

// read copies len16 units starting at unit pos out of the ring, unwrapping
// across the end.
func (q *workQueue) read(pos ringIndex, len16 uint8) []byte {
	out := make([]byte, int(len16)*unitSize)
	off := int(pos.pos) * unitSize
	n := copy(out, q.ring[off:])
	copy(out[n:], q.ring)
	return out
}

// publishHostPidx updates the status page after a doorbell.
func (q *workQueue) publishHostPidx() {
	q.hostPidx.Store(q.wqPidx.pos)
}
