package rdma

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postMixed(t *testing.T, qp *QueuePair) {
	t.Helper()
	_, err := qp.PostRecv([]RecvWR{{WRID: 10, SGList: makeSGL(64)}, {WRID: 11, SGList: makeSGL(64)}})
	require.NoError(t, err)
	_, err = qp.PostSend([]SendWR{
		{WRID: 20, Opcode: WRSend, Flags: SendSignaled, SGList: makeSGL(8)},
		{WRID: 21, Opcode: WRRdmaWrite, SGList: makeSGL(8)},
		{WRID: 22, Opcode: WRSend, Flags: SendSignaled, SGList: makeSGL(8)},
	})
	require.NoError(t, err)
}

// TestFlushIdempotent flushes outstanding requests once
func TestFlushIdempotent(t *testing.T) {
	env := newTestEnv(t)
	qp := env.newQP(t, 16, 16)
	postMixed(t, qp)
	require.NoError(t, env.dev.RaiseQPError(qp.QPN()))

	qp.Flush()
	assert.True(t, qp.Flushed())
	assert.Equal(t, QPStateError, qp.State())
	assert.Equal(t, 2, env.rcq.Pending())
	assert.Equal(t, 2, env.scq.Pending(), "unsignaled requests are flushed silently")

	qp.Flush()
	assert.Equal(t, 2, env.rcq.Pending())
	assert.Equal(t, 2, env.scq.Pending())

	env.obs.mu.Lock()
	require.Len(t, env.obs.flushes, 1)
	ev := env.obs.flushes[0]
	env.obs.mu.Unlock()
	assert.Equal(t, qp.QPN(), ev.QPN)
	assert.Equal(t, QPStateError, ev.State)
	assert.Equal(t, 0, ev.AckedRecv)
	assert.Equal(t, 2, ev.FlushedRecv)
	assert.Equal(t, 3, ev.FlushedSend)
	assert.Equal(t, 2, ev.SignaledSend)

	rwcs := env.rcq.Poll(10)
	assert.Equal(t, []uint64{10, 11}, wrIDs(rwcs))
	for _, wc := range rwcs {
		assert.Equal(t, WCWRFlushErr, wc.Status)
	}
	swcs := env.scq.Poll(10)
	assert.Equal(t, []uint64{20, 22}, wrIDs(swcs))
	for _, wc := range swcs {
		assert.Equal(t, WCWRFlushErr, wc.Status)
	}
	for i := uint16(0); i < 3; i++ {
		assert.True(t, qp.sq.sw[i].flushed)
	}
}

// TestFlushCountsAdapterReceives leaves receives completed by the adapter unflushed
func TestFlushCountsAdapterReceives(t *testing.T) {
	env := newTestEnv(t)
	qp := env.newQP(t, 16, 16)

	_, err := qp.PostRecv([]RecvWR{{WRID: 1}, {WRID: 2}, {WRID: 3}})
	require.NoError(t, err)
	require.Equal(t, 1, qp.SimulateRecvArrival(1, 64))
	require.NoError(t, env.dev.RaiseQPError(qp.QPN()))

	qp.Flush()

	env.obs.mu.Lock()
	ev := env.obs.flushes[0]
	env.obs.mu.Unlock()
	assert.Equal(t, 1, ev.AckedRecv)
	assert.Equal(t, 2, ev.FlushedRecv)
	assert.False(t, qp.rq.sw[0].flushed)
	assert.True(t, qp.rq.sw[1].flushed)
	assert.True(t, qp.rq.sw[2].flushed)

	wcs := env.rcq.Poll(10)
	require.Len(t, wcs, 3)
	assert.Equal(t, []uint64{1, 2, 3}, wrIDs(wcs))
	assert.Equal(t, WCSuccess, wcs[0].Status)
	assert.Equal(t, uint32(64), wcs[0].ByteLen)
	assert.Equal(t, WCWRFlushErr, wcs[1].Status)
	assert.Equal(t, WCWRFlushErr, wcs[2].Status)
	assert.Equal(t, 16, qp.RecvAvail())
}

// TestFlushHarvestsSendAcks applies pending send acks before flushing
func TestFlushHarvestsSendAcks(t *testing.T) {
	for _, shared := range []bool{false, true} {
		name := "separate"
		if shared {
			name = "shared"
		}
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			if shared {
				env.rcq = env.scq
			}
			qp := env.newQP(t, 16, 16)

			_, err := qp.PostSend([]SendWR{
				{WRID: 1, Opcode: WRSend, Flags: SendSignaled},
				{WRID: 2, Opcode: WRSend, Flags: SendSignaled},
				{WRID: 3, Opcode: WRSend, Flags: SendSignaled},
			})
			require.NoError(t, err)
			require.Equal(t, 1, qp.SimulateSendProgress(1))
			require.NoError(t, env.dev.RaiseQPError(qp.QPN()))

			qp.Flush()

			wcs := env.scq.Poll(10)
			require.Len(t, wcs, 3)
			assert.Equal(t, []uint64{1, 2, 3}, wrIDs(wcs))
			assert.Equal(t, WCSuccess, wcs[0].Status)
			assert.Equal(t, WCWRFlushErr, wcs[1].Status)
			assert.Equal(t, WCWRFlushErr, wcs[2].Status)
			assert.False(t, qp.sq.sw[0].flushed)
		})
	}
}

// TestFlushClearsOldestRead clears the outstanding read marker
func TestFlushClearsOldestRead(t *testing.T) {
	env := newTestEnv(t)
	qp := env.newQP(t, 16, 16)

	_, err := qp.PostSend([]SendWR{{WRID: 1, Opcode: WRRdmaRead, SGList: makeSGL(64)}})
	require.NoError(t, err)
	_, ok := qp.OldestRead()
	require.True(t, ok)

	qp.Flush()
	_, ok = qp.OldestRead()
	assert.False(t, ok)
	assert.True(t, qp.sq.sw[0].flushed)
	assert.Equal(t, 0, env.scq.Pending())
}

// TestFlushDropsLateReceiveCQE drops receive CQEs delivered after a flush
func TestFlushDropsLateReceiveCQE(t *testing.T) {
	env := newTestEnv(t)
	qp := env.newQP(t, 16, 16)

	_, err := qp.PostRecv([]RecvWR{{WRID: 1}, {WRID: 2}})
	require.NoError(t, err)
	qp.Flush()

	require.NoError(t, env.rcq.DeliverHardwareCQE(CQE{QPN: qp.QPN(), Queue: QueueRecv, ByteLen: 8}))
	wcs := env.rcq.Poll(10)
	assert.Equal(t, []uint64{1, 2}, wrIDs(wcs))
	for _, wc := range wcs {
		assert.Equal(t, WCWRFlushErr, wc.Status)
	}
}

// TestFlushHealthyQP flushes a QP that never saw an error
func TestFlushHealthyQP(t *testing.T) {
	env := newTestEnv(t)
	qp := env.newQP(t, 16, 16)
	postMixed(t, qp)

	qp.Flush()
	assert.True(t, qp.Flushed())
	assert.Equal(t, QPStateRTS, qp.State())
	assert.Equal(t, 0, qp.SimulateSendProgress(10), "adapter stops on a flushed QP")
}

// TestFlushQueryFailurePanics panics when the state query fails
func TestFlushQueryFailurePanics(t *testing.T) {
	env := newTestEnv(t)
	qp := env.newQP(t, 16, 16)
	env.cp.FailQuery(errors.New("device removed"))

	r := capturePanic(qp.Flush)
	pv, ok := r.(*ProtocolViolationError)
	require.True(t, ok, "expected ProtocolViolationError, got %v", r)
	assert.Equal(t, "query_qp", pv.Op)
	assert.ErrorContains(t, pv, "device removed")
	assert.False(t, qp.Flushed())
}

// crossedPair returns two queue pairs whose send and receive CQs are
// swapped, each with one send completion from the adapter pending on the
// other's receive CQ.
func crossedPair(t *testing.T, env *testEnv) (a, b *QueuePair) {
	t.Helper()
	a = env.newQP(t, 16, 16)
	b = env.newQP(t, 16, 16, func(attr *QPInitAttr) {
		attr.SendCQ, attr.RecvCQ = env.rcq, env.scq
	})
	postMixed(t, a)
	postMixed(t, b)
	require.Equal(t, 1, a.SimulateSendProgress(1))
	require.Equal(t, 1, b.SimulateSendProgress(1))
	require.NoError(t, env.dev.RaiseQPError(a.QPN()))
	require.NoError(t, env.dev.RaiseQPError(b.QPN()))
	return a, b
}

// TestFlushLeavesOtherQPCompletions leaves completions of other QPs queued for Poll
func TestFlushLeavesOtherQPCompletions(t *testing.T) {
	env := newTestEnv(t)
	a, b := crossedPair(t, env)

	a.Flush()
	assert.Equal(t, 3, env.rcq.Pending(), "b's send completion stays queued")
	assert.Equal(t, 2, env.scq.Pending())

	b.Flush()
	assert.Equal(t, 4, env.rcq.Pending())
	assert.Equal(t, 4, env.scq.Pending())

	swcs := env.scq.Poll(10)
	assert.Equal(t, []uint64{20, 22, 10, 11}, wrIDs(swcs))
	assert.Equal(t, WCSuccess, swcs[0].Status)
	assert.Equal(t, a.QPN(), swcs[1].QPN)
	assert.Equal(t, b.QPN(), swcs[2].QPN)

	rwcs := env.rcq.Poll(10)
	assert.Equal(t, []uint64{10, 11, 20, 22}, wrIDs(rwcs))
	assert.Equal(t, a.QPN(), rwcs[0].QPN)
	assert.Equal(t, b.QPN(), rwcs[2].QPN)
	assert.Equal(t, WCSuccess, rwcs[2].Status)
	assert.Equal(t, WCWRFlushErr, rwcs[3].Status)
}

// TestConcurrentFlushCrossedCQs flushes QPs with swapped CQs concurrently
func TestConcurrentFlushCrossedCQs(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := newTestEnv(t)
		a, b := crossedPair(t, env)

		var wg sync.WaitGroup
		for _, qp := range []*QueuePair{a, b} {
			wg.Add(1)
			go func(qp *QueuePair) {
				defer wg.Done()
				qp.Flush()
			}(qp)
		}
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			require.FailNow(t, "flush of queue pairs with crossed CQs did not return")
		}

		assert.True(t, a.Flushed())
		assert.True(t, b.Flushed())
		assert.Equal(t, 4, env.scq.Pending())
		assert.Equal(t, 4, env.rcq.Pending())
		require.NoError(t, env.dev.DestroyQP(a.QPN()))
		require.NoError(t, env.dev.DestroyQP(b.QPN()))
	}
}

// TestPostAfterFlush rejects requests once a QP is flushed
func TestPostAfterFlush(t *testing.T) {
	env := newTestEnv(t)
	qp := env.newQP(t, 4, 4)
	qp.Flush()
	require.True(t, qp.Flushed())

	n, err := qp.PostSend([]SendWR{{WRID: 1, Opcode: WRSend, Flags: SendSignaled, SGList: makeSGL(8)}})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrInvalidState)

	n, err = qp.PostRecv([]RecvWR{{WRID: 2, SGList: makeSGL(8)}})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, uint64(0), userDB(qp.sq.workQueue).Writes())
	assert.Equal(t, uint64(0), userDB(qp.rq.workQueue).Writes())
	assert.Equal(t, 3, qp.SendAvail())
	assert.Equal(t, 3, qp.RecvAvail())
}
