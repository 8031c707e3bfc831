package rdma

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// noRead marks an empty oldest-read pointer.
const noRead = -1

// swSQE is the shadow record of one send request.
type swSQE struct {
	wrID     uint64
	opcode   FWOpcode
	len16    uint8 // units occupied in the ring
	readLen  uint32
	signaled bool
	complete bool
	flushed  bool
}

// swRQE is the shadow record of one receive request.
type swRQE struct {
	wrID    uint64
	len16   uint8
	flushed bool
}

// sendQueue is the send half of a queue pair.
type sendQueue struct {
	*workQueue
	sw []swSQE

	// flushCidx is the oldest request whose hardware completion has not
	// been harvested into the CQ.
	flushCidx uint16

	// oldestRead is the slot of the oldest outstanding RDMA read, or noRead.
	oldestRead int
}

// recvQueue is the receive half of a queue pair.
type recvQueue struct {
	*workQueue
	sw []swRQE

	// flushDone is set once the receive side has been flushed; late
	// hardware completions for it are then dropped.
	flushDone bool
}

// QPInitAttr holds the parameters of CreateQP.
type QPInitAttr struct {
	SendCQ *CompletionQueue
	RecvCQ *CompletionQueue

	// SQDepth and RQDepth are the maximum outstanding requests per queue.
	SQDepth uint16
	RQDepth uint16

	// MaxRecvSGE caps receive scatter lists. Zero means MaxRecvSGE.
	MaxRecvSGE int

	// SigAll requests a completion for every send request.
	SigAll bool

	// OnChipSQ places the send ring in adapter memory.
	OnChipSQ bool
}

// QueuePair is a reliable-connected queue pair of a T4/T5 adapter. Post
// calls, hardware progress and flushing serialize on its lock; the
// flushed flag and the status-page error bit are also read without it.
type QueuePair struct {
	qpn    uint32
	dev    *Device
	mu     classMutex
	sendCQ *CompletionQueue
	recvCQ *CompletionQueue

	sq sendQueue
	rq recvQueue

	sigAll     bool
	maxRecvSGE int

	// state caches the last state read from the control plane.
	state QPState

	flushed atomic.Bool

	// qpErr is the error bit of the status page the adapter shares with
	// the host.
	qpErr atomic.Bool

	// buf is the local descriptor build area.
	buf wqeBuffer
}

// QPN returns the queue pair number.
func (qp *QueuePair) QPN() uint32 {
	return qp.qpn
}

// InError reports whether the adapter has flagged the queue pair.
func (qp *QueuePair) InError() bool {
	return qp.qpErr.Load()
}

// Flushed reports whether outstanding requests have been flushed.
func (qp *QueuePair) Flushed() bool {
	return qp.flushed.Load()
}

// State returns the cached verbs state.
func (qp *QueuePair) State() QPState {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.state
}

// SendAvail returns how many more send requests can be posted.
func (qp *QueuePair) SendAvail() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return int(qp.sq.avail())
}

// RecvAvail returns how many more receive requests can be posted.
func (qp *QueuePair) RecvAvail() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return int(qp.rq.avail())
}

// OldestRead returns the slot of the oldest outstanding RDMA read.
func (qp *QueuePair) OldestRead() (uint16, bool) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.sq.oldestRead == noRead {
		return 0, false
	}
	return uint16(qp.sq.oldestRead), true
}

// HostPidx returns the send and receive producer indexes last published to
// the status page, in 16-byte units.
func (qp *QueuePair) HostPidx() (sq, rq uint32) {
	return qp.sq.hostPidx.Load(), qp.rq.hostPidx.Load()
}

// postBatch runs build for each of n requests under the queue pair lock
// and rings the doorbell once for everything produced. build returns the
// number of units the request occupies in the ring and the descriptor.
func (qp *QueuePair) postBatch(q *workQueue, kind QueueKind, n int, build func(i int, slot uint16) (uint8, []byte, error)) (int, uint16, error) {
	if qp.qpErr.Load() || qp.flushed.Load() {
		return 0, 0, &PostError{Index: 0, Rejected: n, Err: ErrInvalidState}
	}
	if n == 0 {
		return 0, 0, nil
	}
	if !q.hasRoom() {
		return 0, 0, &PostError{Index: 0, Rejected: n, Err: ErrOutOfResources}
	}

	var inc uint16
	var lastBuf [EQEntrySize]byte
	var last []byte
	posted := 0
	var err error
	for ; posted < n; posted++ {
		if !q.hasRoom() {
			err = ErrOutOfResources
			break
		}
		var len16 uint8
		var wqe []byte
		len16, wqe, err = build(posted, q.pidx)
		if err != nil {
			break
		}
		q.copyIn(wqe, len16)
		q.produce(len16)
		inc += uint16(divRoundUp(int(len16)*unitSize, EQEntrySize))
		last = nil
		if len(wqe) <= EQEntrySize {
			last = lastBuf[:copy(lastBuf[:], wqe)]
		}
	}

	if inc > 0 {
		q.db.Ring(doorbellRecord{qpn: qp.qpn, qid: q.qid, queue: kind, inc: inc, wqe: last})
		q.publishHostPidx()
	}
	if err != nil {
		return posted, inc, &PostError{Index: posted, Rejected: n - posted, Err: err}
	}
	return posted, inc, nil
}

// PostSend posts a batch of send requests. It returns the number of
// requests accepted; on error the requests from PostError.Index on were
// not posted.
func (qp *QueuePair) PostSend(wrs []SendWR) (int, error) {
	qp.mu.Lock()
	posted, inc, err := qp.postBatch(qp.sq.workQueue, QueueSend, len(wrs), func(i int, slot uint16) (uint8, []byte, error) {
		wr := &wrs[i]
		qp.buf = wqeBuffer{}
		enc, err := encodeSend(&qp.buf, wr, slot, qp.sigAll)
		if err != nil {
			return 0, nil, err
		}
		len16 := qp.sq.copyLen16(enc.len16)
		qp.sq.sw[slot] = swSQE{
			wrID:     wr.WRID,
			opcode:   enc.fwOp,
			len16:    len16,
			readLen:  enc.readLen,
			signaled: enc.signaled,
		}
		if enc.fwOp == FWReadReq && qp.sq.oldestRead == noRead {
			qp.sq.oldestRead = int(slot)
		}
		log.Trace().
			Str("qpn", fmt.Sprintf("0x%x", qp.qpn)).
			Uint64("wrid", wr.WRID).
			Str("opcode", enc.fwOp.String()).
			Uint16("slot", slot).
			Uint8("len16", enc.len16).
			Uint64("length", sgeLength(wr.SGList)).
			Msg("Posted send WR")
		return len16, qp.buf[:int(len16)*unitSize], nil
	})
	qp.mu.Unlock()

	qp.notifyPost(QueueSend, len(wrs), posted, inc, err)
	return posted, err
}

// PostRecv posts a batch of receive requests.
func (qp *QueuePair) PostRecv(wrs []RecvWR) (int, error) {
	qp.mu.Lock()
	posted, inc, err := qp.postBatch(qp.rq.workQueue, QueueRecv, len(wrs), func(i int, slot uint16) (uint8, []byte, error) {
		wr := &wrs[i]
		if len(wr.SGList) > qp.maxRecvSGE {
			return 0, nil, fmt.Errorf("%w: %d sges, max %d", ErrSizeExceeded, len(wr.SGList), qp.maxRecvSGE)
		}
		qp.buf = wqeBuffer{}
		len16, err := encodeRecv(&qp.buf, wr, slot)
		if err != nil {
			return 0, nil, err
		}
		qp.rq.sw[slot] = swRQE{wrID: wr.WRID, len16: len16}
		log.Trace().
			Str("qpn", fmt.Sprintf("0x%x", qp.qpn)).
			Uint64("wrid", wr.WRID).
			Uint16("slot", slot).
			Uint8("len16", len16).
			Uint64("length", sgeLength(wr.SGList)).
			Msg("Posted recv WR")
		return len16, qp.buf[:int(len16)*unitSize], nil
	})
	qp.mu.Unlock()

	qp.notifyPost(QueueRecv, len(wrs), posted, inc, err)
	return posted, err
}

func (qp *QueuePair) notifyPost(kind QueueKind, requested, posted int, inc uint16, err error) {
	if err != nil {
		log.Debug().
			Err(err).
			Str("qpn", fmt.Sprintf("0x%x", qp.qpn)).
			Str("queue", kind.String()).
			Int("posted", posted).
			Int("requested", requested).
			Msg("Post rejected requests")
	}
	out := PostOutcome{
		Device:      qp.dev.name,
		QPN:         qp.qpn,
		Queue:       kind,
		Requested:   requested,
		Posted:      posted,
		Err:         err,
		DoorbellInc: inc,
	}
	if inc > 0 {
		if kind == QueueRecv {
			out.DoorbellPath = qp.rq.db.Path()
		} else {
			out.DoorbellPath = qp.sq.db.Path()
		}
	}
	qp.dev.observer.PostDone(out)
}

// advanceOldestRead moves the oldest-read pointer past slot from to the next
// read that has not completed, or clears it.
func (qp *QueuePair) advanceOldestRead(from uint16) {
	sq := &qp.sq
	for i := sq.nextSlot(from); i != sq.pidx; i = sq.nextSlot(i) {
		e := &sq.sw[i]
		if e.opcode == FWReadReq && !e.complete && !e.flushed {
			sq.oldestRead = int(i)
			return
		}
	}
	sq.oldestRead = noRead
}
