package rdma

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// SimulateSendProgress lets the adapter fetch and execute up to max send
// WQEs from the ring. Requests carrying the completion flag, and all RDMA
// reads, produce a hardware CQE on the send CQ. It returns the number of
// WQEs executed. Nothing runs once the queue pair is in error.
func (qp *QueuePair) SimulateSendProgress(max int) int {
	qp.mu.Lock()
	if qp.qpErr.Load() || qp.flushed.Load() {
		qp.mu.Unlock()
		return 0
	}
	sq := &qp.sq
	var cqes []CQE
	n := 0
	for n < max && sq.hwSlot != sq.pidx {
		hdr := sq.read(sq.hwUnit, 1)
		raw := sq.read(sq.hwUnit, hdr[7])
		if log.Trace().Enabled() {
			DumpWQE(raw)
		}
		wqe, err := DecodeWQE(raw)
		if err != nil {
			log.Error().Err(err).Str("qpn", fmt.Sprintf("0x%x", qp.qpn)).Msg("Adapter fetched a malformed WQE")
			break
		}
		if wqe.Flags&HWFlagCompletion != 0 || wqe.Opcode == fwRIRdmaReadWR {
			cqes = append(cqes, CQE{
				QPN:     qp.qpn,
				Queue:   QueueSend,
				Slot:    wqe.Slot,
				Opcode:  sq.sw[wqe.Slot].opcode,
				Status:  WCSuccess,
				ByteLen: wqe.PayloadLen,
			})
		}
		sq.hwUnit = sq.hwUnit.advance(uint32(sq.sw[sq.hwSlot].len16))
		sq.hwSlot = sq.nextSlot(sq.hwSlot)
		n++
	}
	qp.mu.Unlock()

	qp.deliver(qp.sendCQ, cqes)
	return n
}

// SimulateRecvArrival completes up to max posted receives as if messages of
// byteLen bytes arrived. It returns the number completed.
func (qp *QueuePair) SimulateRecvArrival(max int, byteLen uint32) int {
	qp.mu.Lock()
	if qp.qpErr.Load() || qp.flushed.Load() {
		qp.mu.Unlock()
		return 0
	}
	rq := &qp.rq
	var cqes []CQE
	for len(cqes) < max && rq.hwSlot != rq.pidx {
		cqes = append(cqes, CQE{QPN: qp.qpn, Queue: QueueRecv, Slot: rq.hwSlot, Opcode: FWReceive, Status: WCSuccess, ByteLen: byteLen})
		rq.hwUnit = rq.hwUnit.advance(uint32(rq.sw[rq.hwSlot].len16))
		rq.hwSlot = rq.nextSlot(rq.hwSlot)
	}
	qp.mu.Unlock()

	qp.deliver(qp.recvCQ, cqes)
	return len(cqes)
}

func (qp *QueuePair) deliver(cq *CompletionQueue, cqes []CQE) {
	for _, cqe := range cqes {
		if err := cq.DeliverHardwareCQE(cqe); err != nil {
			log.Warn().Err(err).Str("qpn", fmt.Sprintf("0x%x", qp.qpn)).Msg("Dropping hardware CQE")
		}
	}
}
