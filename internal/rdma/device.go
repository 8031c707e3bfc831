package rdma

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

// DeviceConfig holds the parameters of NewDevice.
type DeviceConfig struct {
	Name       string
	Generation Generation

	// MaxQP sizes the queue pair table; QPNs range over [0, MaxQP).
	MaxQP int

	// UserDoorbell selects doorbell registers mapped into the process.
	// Without it every doorbell is a control-plane call.
	UserDoorbell bool

	// ControlPlane defaults to a SimulatedControlPlane.
	ControlPlane ControlPlane

	// Observer defaults to NopObserver.
	Observer Observer
}

// Device is one adapter context. It owns the table mapping QPNs to queue
// pairs.
type Device struct {
	name     string
	gen      Generation
	userDB   bool
	cp       ControlPlane
	observer Observer

	mu     classMutex
	qps    []*QueuePair
	nextCQ uint32
}

// cpRegistrar is implemented by control planes that track queue pairs.
type cpRegistrar interface {
	Register(qpn uint32)
	Unregister(qpn uint32)
}

// NewDevice opens a device context.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	if cfg.MaxQP <= 0 {
		return nil, fmt.Errorf("device %s: max qp must be positive, got %d", cfg.Name, cfg.MaxQP)
	}
	d := &Device{
		name:     cfg.Name,
		gen:      cfg.Generation,
		userDB:   cfg.UserDoorbell,
		cp:       cfg.ControlPlane,
		observer: cfg.Observer,
		mu:       classMutex{class: lockClassDevice},
		qps:      make([]*QueuePair, cfg.MaxQP),
	}
	if d.cp == nil {
		d.cp = NewSimulatedControlPlane()
	}
	if d.observer == nil {
		d.observer = NopObserver{}
	}
	log.Info().
		Str("device", d.name).
		Str("generation", d.gen.String()).
		Int("maxQP", cfg.MaxQP).
		Bool("userDoorbell", d.userDB).
		Msg("Opened device")
	return d, nil
}

// Name returns the device name
func (d *Device) Name() string { return d.name }

// Generation returns the adapter generation
func (d *Device) Generation() Generation { return d.gen }

// ControlPlane returns the control plane the device uses
func (d *Device) ControlPlane() ControlPlane { return d.cp }

// CreateCQ creates a completion queue holding up to depth entries.
func (d *Device) CreateCQ(depth int) (*CompletionQueue, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("cq depth must be positive, got %d", depth)
	}
	d.mu.Lock()
	id := d.nextCQ
	d.nextCQ++
	d.mu.Unlock()
	return newCompletionQueue(id, depth), nil
}

func (d *Device) newDoorbell() Doorbell {
	if d.userDB {
		return NewUserDoorbell(d.gen)
	}
	return &kernelDoorbell{cp: d.cp}
}

// CreateQP creates a queue pair and assigns it the lowest free QPN.
func (d *Device) CreateQP(attr QPInitAttr) (*QueuePair, error) {
	if attr.SendCQ == nil || attr.RecvCQ == nil {
		return nil, fmt.Errorf("%w: send and receive CQs are required", ErrInvalidQPAttr)
	}
	if attr.SQDepth == 0 || attr.RQDepth == 0 || attr.SQDepth == math.MaxUint16 || attr.RQDepth == math.MaxUint16 {
		return nil, fmt.Errorf("%w: queue depths must be in [1, %d]", ErrInvalidQPAttr, math.MaxUint16-1)
	}
	maxRecvSGE := attr.MaxRecvSGE
	if maxRecvSGE == 0 {
		maxRecvSGE = MaxRecvSGE
	}
	if maxRecvSGE < 0 || maxRecvSGE > MaxRecvSGE {
		return nil, fmt.Errorf("%w: max recv sge %d exceeds %d", ErrInvalidQPAttr, attr.MaxRecvSGE, MaxRecvSGE)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	qpn := -1
	for i, qp := range d.qps {
		if qp == nil {
			qpn = i
			break
		}
	}
	if qpn < 0 {
		return nil, fmt.Errorf("%w: %d queue pairs", ErrRegistryFull, len(d.qps))
	}

	qp := &QueuePair{
		qpn:        uint32(qpn),
		dev:        d,
		mu:         classMutex{class: lockClassQP, id: uint32(qpn)},
		sendCQ:     attr.SendCQ,
		recvCQ:     attr.RecvCQ,
		sigAll:     attr.SigAll,
		maxRecvSGE: maxRecvSGE,
		state:      QPStateRTS,
	}
	sqSize, rqSize := attr.SQDepth+1, attr.RQDepth+1
	qp.sq = sendQueue{
		workQueue:  newWorkQueue(uint32(qpn)*2, sqSize, SQNumBytes, attr.OnChipSQ),
		sw:         make([]swSQE, sqSize),
		oldestRead: noRead,
	}
	qp.rq = recvQueue{
		workQueue: newWorkQueue(uint32(qpn)*2+1, rqSize, RQNumBytes, false),
		sw:        make([]swRQE, rqSize),
	}
	qp.sq.db = d.newDoorbell()
	qp.rq.db = d.newDoorbell()

	if r, ok := d.cp.(cpRegistrar); ok {
		r.Register(qp.qpn)
	}
	attr.SendCQ.attach(qp)
	if attr.RecvCQ != attr.SendCQ {
		attr.RecvCQ.attach(qp)
	}
	d.qps[qpn] = qp

	log.Debug().
		Str("device", d.name).
		Str("qpn", fmt.Sprintf("0x%x", qp.qpn)).
		Uint16("sqDepth", attr.SQDepth).
		Uint16("rqDepth", attr.RQDepth).
		Bool("onChip", attr.OnChipSQ).
		Bool("sigAll", attr.SigAll).
		Msg("Created QP")
	return qp, nil
}

// DestroyQP removes qpn from the device.
func (d *Device) DestroyQP(qpn uint32) error {
	d.mu.Lock()
	if int(qpn) >= len(d.qps) || d.qps[qpn] == nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: 0x%x", ErrQPNotFound, qpn)
	}
	qp := d.qps[qpn]
	d.qps[qpn] = nil
	d.mu.Unlock()

	qp.sendCQ.detach(qp)
	qp.recvCQ.detach(qp)
	if r, ok := d.cp.(cpRegistrar); ok {
		r.Unregister(qpn)
	}
	log.Debug().Str("device", d.name).Str("qpn", fmt.Sprintf("0x%x", qpn)).Msg("Destroyed QP")
	return nil
}

// LookupQP returns the queue pair registered under qpn.
func (d *Device) LookupQP(qpn uint32) (*QueuePair, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(qpn) >= len(d.qps) || d.qps[qpn] == nil {
		return nil, false
	}
	return d.qps[qpn], true
}

// QPs returns the registered queue pairs in QPN order.
func (d *Device) QPs() []*QueuePair {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*QueuePair
	for _, qp := range d.qps {
		if qp != nil {
			out = append(out, qp)
		}
	}
	return out
}

// FlushQPs flushes every queue pair the adapter has put in error and that
// is not flushed yet. It returns how many were flushed.
func (d *Device) FlushQPs() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, qp := range d.qps {
		if qp == nil || qp.flushed.Load() || !qp.qpErr.Load() {
			continue
		}
		qp.mu.Lock()
		qp.flushLocked()
		qp.mu.Unlock()
		n++
	}
	if n > 0 {
		log.Info().Str("device", d.name).Int("count", n).Msg("Flushed QPs in error")
	}
	return n
}

// RaiseQPError marks qpn in error the way an asynchronous adapter error
// does: the status page error bit is set and the control plane reports ERR.
func (d *Device) RaiseQPError(qpn uint32) error {
	qp, ok := d.LookupQP(qpn)
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrQPNotFound, qpn)
	}
	qp.qpErr.Store(true)
	if s, ok := d.cp.(interface{ SetState(uint32, QPState) }); ok {
		s.SetState(qpn, QPStateError)
	}
	log.Warn().Str("device", d.name).Str("qpn", fmt.Sprintf("0x%x", qpn)).Msg("QP entered error state")
	return nil
}
