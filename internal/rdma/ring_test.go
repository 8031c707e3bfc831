package rdma

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRingIndexAdvance wraps ring indexes at the ring size
func TestRingIndexAdvance(t *testing.T) {
	tests := []struct {
		pos, size, n, want uint32
	}{
		{0, 80, 6, 6},
		{79, 80, 1, 0},
		{79, 80, 3, 2},
		{40, 80, 80, 40},
		{0xfffffff0, 0xffffffff, 0x20, 0x11},
	}
	for _, tt := range tests {
		i := ringIndex{pos: tt.pos, size: tt.size}
		assert.Equal(t, tt.want, i.advance(tt.n).pos, "pos %d + %d mod %d", tt.pos, tt.n, tt.size)
	}
}

// TestWorkQueueGeometry sizes the ring and tracks free slots
func TestWorkQueueGeometry(t *testing.T) {
	q := newWorkQueue(1, 4, SQNumBytes, false)
	assert.Equal(t, uint32(80), q.units())
	assert.Len(t, q.ring, 80*unitSize)
	assert.Equal(t, uint16(3), q.avail())

	q.produce(6)
	assert.Equal(t, uint16(2), q.avail())
	assert.Equal(t, uint32(6), q.wqPidx.pos)
	assert.Equal(t, uint32(74), q.freeUnits())
	assert.True(t, q.hasRoom())

	q.consume(6)
	assert.Equal(t, uint16(3), q.avail())
	assert.Equal(t, uint16(1), q.cidx)

	q.produce(20)
	q.produce(20)
	assert.True(t, q.hasRoom())
	q.produce(20)
	assert.Equal(t, uint16(0), q.avail())
	assert.False(t, q.hasRoom())
}

// TestWorkQueueWrappedCopy splits a descriptor across the ring end
func TestWorkQueueWrappedCopy(t *testing.T) {
	q := newWorkQueue(1, 4, SQNumBytes, false)
	q.wqPidx.pos = q.units() - 1

	wqe := make([]byte, 3*unitSize)
	for i := range wqe {
		wqe[i] = byte(i + 1)
	}
	q.copyIn(wqe, 3)
	q.produce(3)

	tail := q.ring[len(q.ring)-unitSize:]
	assert.Equal(t, wqe[:unitSize], tail)
	assert.Equal(t, wqe[unitSize:], q.ring[:2*unitSize])
	assert.Equal(t, uint32(2), q.wqPidx.pos)

	got := q.read(ringIndex{pos: q.units() - 1, size: q.units()}, 3)
	assert.True(t, bytes.Equal(wqe, got))
}

// TestWorkQueueSlotWrap wraps the shadow index
func TestWorkQueueSlotWrap(t *testing.T) {
	q := newWorkQueue(1, 3, RQNumBytes, false)
	for i := 0; i < 5; i++ {
		require.NotZero(t, q.avail())
		q.produce(2)
		q.consume(2)
	}
	assert.Equal(t, uint16(2), q.pidx)
	assert.Equal(t, uint16(2), q.cidx)
	assert.Equal(t, uint16(0), q.nextSlot(2))
	assert.Equal(t, uint16(2), q.slotDistance(2, 1))
}

// TestWorkQueueOnChip pads on-chip copies and issues barriers
func TestWorkQueueOnChip(t *testing.T) {
	q := newWorkQueue(1, 4, SQNumBytes, true)
	assert.Equal(t, uint8(4), q.copyLen16(3))
	assert.Equal(t, uint8(20), q.copyLen16(20))

	q.copyIn(make([]byte, 4*unitSize), 4)
	assert.Equal(t, uint64(1), q.barriers.Load())

	host := newWorkQueue(2, 4, SQNumBytes, false)
	assert.Equal(t, uint8(3), host.copyLen16(3))
	host.copyIn(make([]byte, 3*unitSize), 3)
	assert.Equal(t, uint64(0), host.barriers.Load())
}

// TestWorkQueueHostPidx publishes the host producer index
func TestWorkQueueHostPidx(t *testing.T) {
	q := newWorkQueue(1, 4, SQNumBytes, false)
	q.produce(5)
	assert.Equal(t, uint32(0), q.hostPidx.Load())
	q.publishHostPidx()
	assert.Equal(t, uint32(5), q.hostPidx.Load())
}
