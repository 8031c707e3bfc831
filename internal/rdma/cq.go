package rdma

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// WCStatus is the status of a work completion
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCRemoteAccessErr
	WCGeneralErr
)

// String returns the verbs name of the status
func (s WCStatus) String() string {
	switch s {
	case WCSuccess:
		return "success"
	case WCLocalLenErr:
		return "local length error"
	case WCLocalQPOpErr:
		return "local QP operation error"
	case WCLocalProtErr:
		return "local protection error"
	case WCWRFlushErr:
		return "WR flushed"
	case WCRemoteAccessErr:
		return "remote access error"
	default:
		return "general error"
	}
}

// WCOpcode is the operation a work completion reports
type WCOpcode int

const (
	WCSend WCOpcode = iota
	WCRdmaWrite
	WCRdmaRead
	WCRecv
)

func (o WCOpcode) String() string {
	switch o {
	case WCSend:
		return "SEND"
	case WCRdmaWrite:
		return "RDMA_WRITE"
	case WCRdmaRead:
		return "RDMA_READ"
	default:
		return "RECV"
	}
}

func wcOpcode(op FWOpcode) WCOpcode {
	switch op {
	case FWRdmaWrite:
		return WCRdmaWrite
	case FWReadReq:
		return WCRdmaRead
	case FWReceive:
		return WCRecv
	default:
		return WCSend
	}
}

// CQE is a completion queue entry. Send CQEs carry the slot tag from the
// WQE header; receive CQEs complete the oldest posted receive.
type CQE struct {
	QPN     uint32
	Queue   QueueKind
	Slot    uint16
	Opcode  FWOpcode
	Status  WCStatus
	ByteLen uint32
}

// WorkCompletion is what Poll returns to the consumer
type WorkCompletion struct {
	WRID    uint64
	QPN     uint32
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
}

// CompletionQueue holds completions written by the adapter (hw) and
// completions the provider has harvested or synthesized (sw). Consumers
// only ever see sw entries, in order.
type CompletionQueue struct {
	id    uint32
	depth int
	mu    classMutex

	hw []CQE
	sw []CQE

	// qps are the queue pairs using this CQ, keyed by QPN.
	qps map[uint32]*QueuePair
}

func newCompletionQueue(id uint32, depth int) *CompletionQueue {
	return &CompletionQueue{
		id:    id,
		depth: depth,
		mu:    classMutex{class: lockClassCQ, id: id},
		qps:   make(map[uint32]*QueuePair),
	}
}

// ID returns the CQ identifier
func (c *CompletionQueue) ID() uint32 {
	return c.id
}

// Pending returns the number of completions not yet polled.
func (c *CompletionQueue) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hw) + len(c.sw)
}

func (c *CompletionQueue) attach(qp *QueuePair) {
	c.mu.Lock()
	c.qps[qp.qpn] = qp
	c.mu.Unlock()
}

func (c *CompletionQueue) detach(qp *QueuePair) {
	c.mu.Lock()
	delete(c.qps, qp.qpn)
	c.mu.Unlock()
}

// DeliverHardwareCQE appends a completion as the adapter would.
func (c *CompletionQueue) DeliverHardwareCQE(cqe CQE) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.hw)+len(c.sw) >= c.depth {
		return fmt.Errorf("%w: cq %d depth %d", ErrCQOverflow, c.id, c.depth)
	}
	c.hw = append(c.hw, cqe)
	return nil
}

// Poll returns up to max work completions.
func (c *CompletionQueue) Poll(max int) []WorkCompletion {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flushHW(nil)
	var out []WorkCompletion
	for len(out) < max && len(c.sw) > 0 {
		cqe := c.sw[0]
		c.sw = c.sw[1:]
		qp := c.qps[cqe.QPN]
		if qp == nil {
			continue
		}
		qp.mu.Lock()
		wc, ok := qp.retire(cqe)
		qp.mu.Unlock()
		if ok {
			out = append(out, wc)
		}
	}
	return out
}

// flushHW moves hardware completions to the software queue. Send
// completions are expanded per request so that unsignaled requests are
// marked complete. When held is nil every queue pair's completions are
// moved, each under its own lock. Otherwise only held's completions are
// moved and the caller already owns held.mu; completions of other queue
// pairs stay queued for the next Poll. c.mu must be held.
func (c *CompletionQueue) flushHW(held *QueuePair) int {
	moved := 0
	kept := c.hw[:0]
	for _, cqe := range c.hw {
		qp := c.qps[cqe.QPN]
		if qp == nil {
			log.Debug().Str("qpn", fmt.Sprintf("0x%x", cqe.QPN)).Uint32("cq", c.id).Msg("Dropping CQE for unknown QP")
			continue
		}
		if held != nil && qp != held {
			kept = append(kept, cqe)
			continue
		}
		if held == nil {
			qp.mu.Lock()
		}
		if cqe.Queue == QueueSend {
			moved += qp.ackSend(c, cqe)
		} else if !qp.rq.flushDone {
			c.sw = append(c.sw, cqe)
			moved++
		}
		if held == nil {
			qp.mu.Unlock()
		}
	}
	c.hw = kept
	return moved
}

// countRCQEs counts receive completions for qp already in the software
// queue. c.mu must be held.
func (c *CompletionQueue) countRCQEs(qp *QueuePair) int {
	n := 0
	for i := range c.sw {
		if c.sw[i].QPN == qp.qpn && c.sw[i].Queue == QueueRecv {
			n++
		}
	}
	return n
}

// flushRQ synthesizes flush completions for the receives of qp that the
// adapter has not completed. count is the number already completed. Both
// c.mu and qp.mu must be held.
func (c *CompletionQueue) flushRQ(qp *QueuePair, count int) int {
	rq := &qp.rq
	n := int(rq.inUse) - count
	slot := rq.cidx
	for i := 0; i < count; i++ {
		slot = rq.nextSlot(slot)
	}
	for i := 0; i < n; i++ {
		rq.sw[slot].flushed = true
		c.sw = append(c.sw, CQE{QPN: qp.qpn, Queue: QueueRecv, Slot: slot, Opcode: FWReceive, Status: WCWRFlushErr})
		slot = rq.nextSlot(slot)
	}
	rq.flushDone = true
	return max(n, 0)
}

// flushSQ marks every send request of qp not yet harvested as flushed and
// synthesizes completions for the signaled ones. Both c.mu and qp.mu must
// be held.
func (c *CompletionQueue) flushSQ(qp *QueuePair) (flushed, signaled int) {
	sq := &qp.sq
	for i := sq.flushCidx; i != sq.pidx; i = sq.nextSlot(i) {
		e := &sq.sw[i]
		e.flushed = true
		flushed++
		if e.signaled {
			c.sw = append(c.sw, CQE{QPN: qp.qpn, Queue: QueueSend, Slot: i, Opcode: e.opcode, Status: WCWRFlushErr})
			signaled++
		}
		if sq.oldestRead == int(i) {
			qp.advanceOldestRead(i)
		}
	}
	sq.flushCidx = sq.pidx
	return flushed, signaled
}

// ackSend applies a hardware send completion for slot cqe.Slot. Every
// request up to and including it is complete. qp.mu and c.mu must be held.
func (qp *QueuePair) ackSend(c *CompletionQueue, cqe CQE) int {
	sq := &qp.sq
	idx := cqe.Slot
	if idx >= sq.size || sq.slotDistance(sq.flushCidx, idx) >= sq.slotDistance(sq.flushCidx, sq.pidx) {
		log.Debug().
			Str("qpn", fmt.Sprintf("0x%x", qp.qpn)).
			Uint16("slot", idx).
			Msg("Dropping stale send CQE")
		return 0
	}
	emitted := 0
	for i := sq.flushCidx; ; i = sq.nextSlot(i) {
		e := &sq.sw[i]
		e.complete = true
		status, byteLen := WCSuccess, e.readLen
		if i == idx {
			status, byteLen = cqe.Status, cqe.ByteLen
		}
		if e.signaled || status != WCSuccess {
			c.sw = append(c.sw, CQE{QPN: qp.qpn, Queue: QueueSend, Slot: i, Opcode: e.opcode, Status: status, ByteLen: byteLen})
			emitted++
		}
		if sq.oldestRead == int(i) {
			qp.advanceOldestRead(i)
		}
		if i == idx {
			break
		}
	}
	sq.flushCidx = sq.nextSlot(idx)
	return emitted
}

// retire consumes the shadow entries a software completion covers and
// builds the work completion. qp.mu must be held.
func (qp *QueuePair) retire(cqe CQE) (WorkCompletion, bool) {
	if cqe.Queue == QueueRecv {
		rq := &qp.rq
		if rq.inUse == 0 {
			return WorkCompletion{}, false
		}
		e := rq.sw[rq.cidx]
		rq.consume(e.len16)
		return WorkCompletion{WRID: e.wrID, QPN: qp.qpn, Status: cqe.Status, Opcode: WCRecv, ByteLen: cqe.ByteLen}, true
	}

	sq := &qp.sq
	idx := cqe.Slot
	if sq.inUse == 0 || idx >= sq.size || sq.slotDistance(sq.cidx, idx) >= sq.inUse {
		return WorkCompletion{}, false
	}
	e := sq.sw[idx]
	for {
		done := sq.cidx == idx
		sq.consume(sq.sw[sq.cidx].len16)
		if done {
			break
		}
	}
	byteLen := cqe.ByteLen
	if e.opcode == FWReadReq && cqe.Status == WCSuccess {
		byteLen = e.readLen
	}
	return WorkCompletion{WRID: e.wrID, QPN: qp.qpn, Status: cqe.Status, Opcode: wcOpcode(e.opcode), ByteLen: byteLen}, true
}
