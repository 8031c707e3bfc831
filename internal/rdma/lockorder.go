package rdma

import (
	"sync"
	"sync/atomic"
)

// lockClass groups mutexes for lock-order validation. The provider takes
// locks in the order device, CQ, QP and never holds two locks of the same
// class.
type lockClass uint8

const (
	lockClassDevice lockClass = iota
	lockClassCQ
	lockClassQP
)

func (c lockClass) String() string {
	switch c {
	case lockClassDevice:
		return "device"
	case lockClassCQ:
		return "cq"
	case lockClassQP:
		return "qp"
	default:
		return "unknown"
	}
}

// lockEvent is reported to the lock hook on every acquire and release.
type lockEvent struct {
	class   lockClass
	id      uint32
	acquire bool
}

var lockHook atomic.Pointer[func(lockEvent)]

// setLockHook installs fn as the lock observer and returns a function that
// restores the previous one. Passing nil disables observation.
func setLockHook(fn func(lockEvent)) (restore func()) {
	var prev *func(lockEvent)
	if fn == nil {
		prev = lockHook.Swap(nil)
	} else {
		prev = lockHook.Swap(&fn)
	}
	return func() { lockHook.Store(prev) }
}

// classMutex is a sync.Mutex tagged with a lock class.
type classMutex struct {
	mu    sync.Mutex
	class lockClass
	id    uint32
}

// Lock acquires m and reports the acquisition to the installed hook.
func (m *classMutex) Lock() {
	if h := lockHook.Load(); h != nil {
		(*h)(lockEvent{class: m.class, id: m.id, acquire: true})
	}
	m.mu.Lock()
}

// Unlock reports the release and releases m.
func (m *classMutex) Unlock() {
	m.mu.Unlock()
	if h := lockHook.Load(); h != nil {
		(*h)(lockEvent{class: m.class, id: m.id, acquire: false})
	}
}
