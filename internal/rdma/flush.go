package rdma

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// updateQPState refreshes the cached state from the control plane.
// qp.mu must be held.
func (qp *QueuePair) updateQPState() {
	attr, err := qp.dev.cp.QueryQP(qp.qpn, QPAttrState)
	mustSucceed("query_qp", qp.qpn, err)
	qp.state = attr.State
}

// Flush completes every outstanding request of qp with a flush status.
// Calling it again has no effect.
func (qp *QueuePair) Flush() {
	qp.mu.Lock()
	qp.flushLocked()
	qp.mu.Unlock()
}

// flushLocked flushes qp. qp.mu must be held on entry; it is released while
// the CQ locks are taken and held again on return.
func (qp *QueuePair) flushLocked() {
	if qp.flushed.Load() {
		return
	}
	qp.updateQPState()
	qp.flushed.Store(true)
	rcq, scq := qp.recvCQ, qp.sendCQ
	qp.mu.Unlock()

	ev := FlushEvent{Device: qp.dev.name, QPN: qp.qpn}

	rcq.mu.Lock()
	qp.mu.Lock()
	rcq.flushHW(qp)
	ev.AckedRecv = rcq.countRCQEs(qp)
	ev.FlushedRecv = rcq.flushRQ(qp, ev.AckedRecv)
	qp.mu.Unlock()
	rcq.mu.Unlock()

	scq.mu.Lock()
	qp.mu.Lock()
	if scq != rcq {
		scq.flushHW(qp)
	}
	ev.FlushedSend, ev.SignaledSend = scq.flushSQ(qp)
	ev.State = qp.state
	qp.mu.Unlock()
	scq.mu.Unlock()

	ev.At = time.Now()
	log.Debug().
		Str("device", ev.Device).
		Str("qpn", fmt.Sprintf("0x%x", qp.qpn)).
		Str("state", ev.State.String()).
		Int("ackedRecv", ev.AckedRecv).
		Int("flushedRecv", ev.FlushedRecv).
		Int("flushedSend", ev.FlushedSend).
		Int("signaledSend", ev.SignaledSend).
		Msg("Flushed QP")
	qp.dev.observer.QPFlushed(ev)

	qp.mu.Lock()
}
