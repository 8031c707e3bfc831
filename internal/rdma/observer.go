package rdma

import "time"

// QueueKind distinguishes the send and receive queue of a queue pair
type QueueKind int

const (
	QueueSend QueueKind = iota
	QueueRecv
)

func (k QueueKind) String() string {
	if k == QueueRecv {
		return "rq"
	}
	return "sq"
}

// DoorbellPath is how a batch was announced to the adapter
type DoorbellPath int

const (
	DoorbellNone DoorbellPath = iota
	DoorbellUser
	DoorbellKernel
)

func (p DoorbellPath) String() string {
	switch p {
	case DoorbellUser:
		return "user"
	case DoorbellKernel:
		return "kernel"
	default:
		return "none"
	}
}

// PostOutcome describes one PostSend or PostRecv call.
type PostOutcome struct {
	Device       string
	QPN          uint32
	Queue        QueueKind
	Requested    int
	Posted       int
	Err          error
	DoorbellInc  uint16
	DoorbellPath DoorbellPath
}

// FlushEvent describes one transition of a queue pair to the flushed state.
type FlushEvent struct {
	Device       string
	QPN          uint32
	State        QPState
	AckedRecv    int // receive completions the adapter had already posted
	FlushedRecv  int
	FlushedSend  int
	SignaledSend int // send completions synthesized for signaled requests
	At           time.Time
}

// Observer receives provider events. Methods are called without any QP or
// CQ lock held and must not block.
type Observer interface {
	PostDone(PostOutcome)
	QPFlushed(FlushEvent)
}

// NopObserver discards all events
type NopObserver struct{}

// PostDone does nothing.
func (NopObserver) PostDone(PostOutcome) {}

// QPFlushed does nothing.
func (NopObserver) QPFlushed(FlushEvent) {}

// MultiObserver fans events out to several observers
type MultiObserver []Observer

// PostDone forwards o to every observer in order.
func (m MultiObserver) PostDone(o PostOutcome) {
	for _, obs := range m {
		obs.PostDone(o)
	}
}

// QPFlushed forwards e to every observer in order.
func (m MultiObserver) QPFlushed(e FlushEvent) {
	for _, obs := range m {
		obs.QPFlushed(e)
	}
}
