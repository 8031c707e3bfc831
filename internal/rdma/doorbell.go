package rdma

import (
	"sync"
)

// Doorbell register encoding.
const (
	dbQIDShift   = 15
	dbPIDXMask   = 0x3fff
	dbPIDXT5Mask = 0x1fff
)

// doorbellRecord describes one doorbell ring: inc EQ entries were added to
// queue qid since the previous ring. wqe holds the last descriptor written.
type doorbellRecord struct {
	qpn   uint32
	qid   uint32
	queue QueueKind
	inc   uint16
	wqe   []byte
}

// Doorbell notifies the adapter that descriptors were produced.
type Doorbell interface {
	Ring(rec doorbellRecord)
	Path() DoorbellPath
}

// DoorbellWrite is the value written to a user doorbell register. WQE is set
// instead of Value when a T5 adapter receives the descriptor itself through
// the write-combining window.
type DoorbellWrite struct {
	Value uint32
	WQE   []byte
}

// UserDoorbell is a doorbell register mapped into the process.
type UserDoorbell struct {
	gen Generation

	mu     sync.Mutex
	writes uint64
	last   DoorbellWrite
}

// NewUserDoorbell creates a user-mapped doorbell register for gen.
func NewUserDoorbell(gen Generation) *UserDoorbell {
	return &UserDoorbell{gen: gen}
}

// Path reports the user doorbell path.
func (d *UserDoorbell) Path() DoorbellPath { return DoorbellUser }

// Ring writes the doorbell value for rec. On T5 a single-entry batch also
// pushes the descriptor through the write-combining buffer.
func (d *UserDoorbell) Ring(rec doorbellRecord) {
	var w DoorbellWrite
	switch d.gen {
	case GenerationT5:
		if rec.inc == 1 && len(rec.wqe) > 0 {
			w.WQE = make([]byte, EQEntrySize)
			copy(w.WQE, rec.wqe)
		} else {
			w.Value = uint32(rec.inc) & dbPIDXT5Mask
		}
	default:
		w.Value = rec.qid<<dbQIDShift | uint32(rec.inc)&dbPIDXMask
	}

	d.mu.Lock()
	d.writes++
	d.last = w
	d.mu.Unlock()
}

// Writes returns the number of doorbell writes.
func (d *UserDoorbell) Writes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Last returns the most recent doorbell write.
func (d *UserDoorbell) Last() DoorbellWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// kernelDoorbell rings through the control plane by modifying the send or
// receive PSN attribute. A failure here leaves the adapter unaware of posted
// descriptors and is not recoverable.
type kernelDoorbell struct {
	cp ControlPlane
}

// Path reports the kernel doorbell path.
func (d *kernelDoorbell) Path() DoorbellPath { return DoorbellKernel }

// Ring announces rec through ModifyQP. A failure panics.
func (d *kernelDoorbell) Ring(rec doorbellRecord) {
	var attr QPAttr
	var mask QPAttrMask
	if rec.queue == QueueRecv {
		attr.RQPSN = uint32(rec.inc)
		mask = QPAttrRQPSN
	} else {
		attr.SQPSN = uint32(rec.inc)
		mask = QPAttrSQPSN
	}
	mustSucceed("modify_qp", rec.qpn, d.cp.ModifyQP(rec.qpn, attr, mask))
}
