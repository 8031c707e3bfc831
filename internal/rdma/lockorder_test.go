package rdma

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockChecker records lock-order violations for single-goroutine scenarios.
// A lock may only be taken while holding locks of a lower class.
type lockChecker struct {
	mu         sync.Mutex
	held       []lockEvent
	violations []string
	pairs      map[[2]lockClass]bool
}

func installLockChecker(t *testing.T) *lockChecker {
	t.Helper()
	c := &lockChecker{pairs: make(map[[2]lockClass]bool)}
	restore := setLockHook(c.observe)
	t.Cleanup(restore)
	return c
}

func (c *lockChecker) observe(ev lockEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ev.acquire {
		for i := len(c.held) - 1; i >= 0; i-- {
			if c.held[i].class == ev.class && c.held[i].id == ev.id {
				c.held = append(c.held[:i], c.held[i+1:]...)
				break
			}
		}
		return
	}
	for _, h := range c.held {
		c.pairs[[2]lockClass{h.class, ev.class}] = true
		if h.class >= ev.class {
			c.violations = append(c.violations, fmt.Sprintf("%s %d taken while holding %s %d", ev.class, ev.id, h.class, h.id))
		}
	}
	c.held = append(c.held, ev)
}

// TestLockOrder checks the device, CQ, QP acquisition order across a full lifecycle
func TestLockOrder(t *testing.T) {
	checker := installLockChecker(t)
	env := newTestEnv(t)
	qp := env.newQP(t, 8, 8)
	other := env.newQP(t, 8, 8)

	postMixed(t, qp)
	postMixed(t, other)
	qp.SimulateSendProgress(1)
	other.SimulateSendProgress(1)
	other.SimulateRecvArrival(1, 8)
	env.scq.Poll(1)

	require.NoError(t, env.dev.RaiseQPError(qp.QPN()))
	require.NoError(t, env.dev.RaiseQPError(other.QPN()))
	env.dev.FlushQPs()
	env.rcq.Poll(10)
	env.scq.Poll(10)
	require.NoError(t, env.dev.DestroyQP(other.QPN()))

	checker.mu.Lock()
	defer checker.mu.Unlock()
	assert.Empty(t, checker.violations)
	assert.Empty(t, checker.held)
	assert.True(t, checker.pairs[[2]lockClass{lockClassDevice, lockClassQP}])
	assert.True(t, checker.pairs[[2]lockClass{lockClassCQ, lockClassQP}])
	assert.True(t, checker.pairs[[2]lockClass{lockClassDevice, lockClassCQ}])
	assert.False(t, checker.pairs[[2]lockClass{lockClassQP, lockClassCQ}])
}

// TestLockCheckerDetectsInversion reports a CQ taken under a QP lock
func TestLockCheckerDetectsInversion(t *testing.T) {
	checker := installLockChecker(t)
	env := newTestEnv(t)
	qp := env.newQP(t, 8, 8)

	qp.mu.Lock()
	env.scq.mu.Lock()
	env.scq.mu.Unlock()
	qp.mu.Unlock()

	checker.mu.Lock()
	defer checker.mu.Unlock()
	require.Len(t, checker.violations, 1)
	assert.Contains(t, checker.violations[0], "cq")
}

// TestLockOrderCrossedCQs flushes QPs with swapped CQs without nesting QP locks
func TestLockOrderCrossedCQs(t *testing.T) {
	env := newTestEnv(t)
	a, b := crossedPair(t, env)
	checker := installLockChecker(t)

	a.Flush()
	b.Flush()
	env.scq.Poll(10)
	env.rcq.Poll(10)

	checker.mu.Lock()
	defer checker.mu.Unlock()
	assert.Empty(t, checker.violations)
	assert.False(t, checker.pairs[[2]lockClass{lockClassQP, lockClassQP}])
}

// TestLockCheckerDetectsQPNesting reports a QP taken under another QP lock
func TestLockCheckerDetectsQPNesting(t *testing.T) {
	checker := installLockChecker(t)
	env := newTestEnv(t)
	a := env.newQP(t, 8, 8)
	b := env.newQP(t, 8, 8)

	a.mu.Lock()
	b.mu.Lock()
	b.mu.Unlock()
	a.mu.Unlock()

	checker.mu.Lock()
	defer checker.mu.Unlock()
	require.Len(t, checker.violations, 1)
	assert.Contains(t, checker.violations[0], "qp")
}
