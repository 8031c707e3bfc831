package rdma

import (
	"errors"
	"sync"
)

// QPState is the verbs state of a queue pair as reported by the control plane.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateError
)

// String returns the verbs name of the state
func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateError:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// QPAttrMask selects the attributes a query or modify call touches.
type QPAttrMask uint32

const (
	QPAttrState QPAttrMask = 1 << iota
	QPAttrSQPSN
	QPAttrRQPSN
)

// QPAttr carries queue pair attributes across the control plane.
type QPAttr struct {
	State QPState
	SQPSN uint32
	RQPSN uint32
}

// ControlPlane is the privileged path to the kernel driver. On adapters
// without user-mapped doorbells ModifyQP with a PSN mask rings the doorbell;
// QueryQP refreshes the cached state before a flush.
type ControlPlane interface {
	QueryQP(qpn uint32, mask QPAttrMask) (QPAttr, error)
	ModifyQP(qpn uint32, attr QPAttr, mask QPAttrMask) error
}

var errNoSuchQP = errors.New("control plane: unknown qp")

// SimulatedControlPlane is an in-memory ControlPlane. Queue pairs start in
// RTS when first registered.
type SimulatedControlPlane struct {
	mu        sync.Mutex
	qps       map[uint32]*QPAttr
	queryErr  error
	modifyErr error
	modifies  int
}

// NewSimulatedControlPlane creates an empty control plane
func NewSimulatedControlPlane() *SimulatedControlPlane {
	return &SimulatedControlPlane{qps: make(map[uint32]*QPAttr)}
}

// Register adds qpn in the RTS state.
func (s *SimulatedControlPlane) Register(qpn uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qps[qpn] = &QPAttr{State: QPStateRTS}
}

// Unregister forgets qpn.
func (s *SimulatedControlPlane) Unregister(qpn uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.qps, qpn)
}

// SetState forces the state of qpn, as an asynchronous error would.
func (s *SimulatedControlPlane) SetState(qpn uint32, st QPState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.qps[qpn]; ok {
		a.State = st
	}
}

// FailQuery makes subsequent QueryQP calls return err. nil clears it.
func (s *SimulatedControlPlane) FailQuery(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
}

// FailModify makes subsequent ModifyQP calls return err. nil clears it.
func (s *SimulatedControlPlane) FailModify(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modifyErr = err
}

// QueryQP returns the registered attributes of qpn. An error injected with
// FailQuery is returned instead when set.
func (s *SimulatedControlPlane) QueryQP(qpn uint32, mask QPAttrMask) (QPAttr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return QPAttr{}, s.queryErr
	}
	a, ok := s.qps[qpn]
	if !ok {
		return QPAttr{}, errNoSuchQP
	}
	var out QPAttr
	if mask&QPAttrState != 0 {
		out.State = a.State
	}
	if mask&QPAttrSQPSN != 0 {
		out.SQPSN = a.SQPSN
	}
	if mask&QPAttrRQPSN != 0 {
		out.RQPSN = a.RQPSN
	}
	return out, nil
}

// ModifyQP applies the fields of attr selected by mask and counts the call.
// An error injected with FailModify is returned instead when set.
func (s *SimulatedControlPlane) ModifyQP(qpn uint32, attr QPAttr, mask QPAttrMask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modifies++
	if s.modifyErr != nil {
		return s.modifyErr
	}
	a, ok := s.qps[qpn]
	if !ok {
		return errNoSuchQP
	}
	if mask&QPAttrState != 0 {
		a.State = attr.State
	}
	if mask&QPAttrSQPSN != 0 {
		a.SQPSN = attr.SQPSN
	}
	if mask&QPAttrRQPSN != 0 {
		a.RQPSN = attr.RQPSN
	}
	return nil
}

// Attr returns a copy of the stored attributes of qpn.
func (s *SimulatedControlPlane) Attr(qpn uint32) (QPAttr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.qps[qpn]
	if !ok {
		return QPAttr{}, false
	}
	return *a, true
}

// ModifyCount returns how many ModifyQP calls were made, failed ones included.
func (s *SimulatedControlPlane) ModifyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modifies
}
