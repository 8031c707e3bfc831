// Package workload drives a queue pair with a rate-limited stream of work
// requests against the simulated adapter.
package workload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/yuuki/rdmawq/internal/rdma"
)

// Config controls a workload run
type Config struct {
	// Rate is the number of batches per second; zero or less is unlimited.
	Rate int
	// Batch is the number of send requests per PostSend call.
	Batch int
	// Count is the total number of send requests to post.
	Count int
	// ErrorAfter raises a QP error once this many sends were posted and
	// runs the device flush sweep. Zero disables it.
	ErrorAfter int
	// PayloadSize is the length of each request's single SGE.
	PayloadSize uint32
}

// Report summarizes a run
type Report struct {
	Posted      int
	Rejected    int
	Batches     int
	RecvPosted  int
	Completions map[rdma.WCStatus]int
	QPsFlushed  int
	Elapsed     time.Duration
}

// Generator posts mixed SEND, RDMA_WRITE and RDMA_READ batches to one queue
// pair, lets the simulated adapter execute them and polls the CQs.
type Generator struct {
	dev     *rdma.Device
	qp      *rdma.QueuePair
	sendCQ  *rdma.CompletionQueue
	recvCQ  *rdma.CompletionQueue
	cfg     Config
	limiter ratelimit.Limiter
	payload []byte
}

// New creates a generator
func New(dev *rdma.Device, qp *rdma.QueuePair, sendCQ, recvCQ *rdma.CompletionQueue, cfg Config) (*Generator, error) {
	if cfg.Batch <= 0 {
		return nil, fmt.Errorf("batch must be positive, got %d", cfg.Batch)
	}
	if cfg.PayloadSize == 0 {
		cfg.PayloadSize = 64
	}
	if cfg.PayloadSize > rdma.MaxSendInline {
		return nil, fmt.Errorf("payload size %d exceeds inline limit %d", cfg.PayloadSize, rdma.MaxSendInline)
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.Rate > 0 {
		limiter = ratelimit.New(cfg.Rate)
	}
	return &Generator{
		dev:     dev,
		qp:      qp,
		sendCQ:  sendCQ,
		recvCQ:  recvCQ,
		cfg:     cfg,
		limiter: limiter,
		payload: make([]byte, cfg.PayloadSize),
	}, nil
}

// request builds the n-th send request of the run.
func (g *Generator) request(n int) rdma.SendWR {
	sge := rdma.SGE{Addr: 0x10000 + uint64(n)*uint64(g.cfg.PayloadSize), Length: g.cfg.PayloadSize, LKey: 0x1234}
	wr := rdma.SendWR{WRID: uint64(n), SGList: []rdma.SGE{sge}}
	switch n % 4 {
	case 0:
		wr.Opcode = rdma.WRSend
		wr.Flags = rdma.SendSignaled
	case 1:
		wr.Opcode = rdma.WRRdmaWrite
		wr.RemoteAddr, wr.RKey = 0x800000+uint64(n)*uint64(g.cfg.PayloadSize), 0x4321
	case 2:
		wr.Opcode = rdma.WRRdmaRead
		wr.Flags = rdma.SendSignaled
		wr.RemoteAddr, wr.RKey = 0x800000, 0x4321
	default:
		wr.Opcode = rdma.WRSend
		wr.Flags = rdma.SendSignaled | rdma.SendInline
		wr.SGList[0].Buf = g.payload
	}
	return wr
}

// Run posts cfg.Count send requests, or stops early when ctx is done or the
// queue pair enters the error state.
func (g *Generator) Run(ctx context.Context) (*Report, error) {
	report := &Report{Completions: make(map[rdma.WCStatus]int)}
	start := time.Now()
	defer func() { report.Elapsed = time.Since(start) }()

	raised := false
	for report.Posted < g.cfg.Count {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		g.limiter.Take()

		n := min(g.cfg.Batch, g.cfg.Count-report.Posted)
		if g.cfg.ErrorAfter > 0 && !raised {
			n = min(n, g.cfg.ErrorAfter-report.Posted)
		}
		wrs := make([]rdma.SendWR, n)
		for i := range wrs {
			wrs[i] = g.request(report.Posted + i)
		}

		g.postRecvs(report, n)
		posted, err := g.qp.PostSend(wrs)
		report.Posted += posted
		report.Batches++
		if err != nil {
			report.Rejected += n - posted
			if errors.Is(err, rdma.ErrInvalidState) {
				break
			}
			if !errors.Is(err, rdma.ErrOutOfResources) {
				return report, fmt.Errorf("post send: %w", err)
			}
		}

		g.qp.SimulateSendProgress(n)
		g.qp.SimulateRecvArrival(n, g.cfg.PayloadSize)
		g.poll(report)

		if g.cfg.ErrorAfter > 0 && !raised && report.Posted >= g.cfg.ErrorAfter {
			raised = true
			if err := g.dev.RaiseQPError(g.qp.QPN()); err != nil {
				return report, err
			}
			report.QPsFlushed += g.dev.FlushQPs()
			g.poll(report)
			break
		}
	}

	log.Info().
		Int("posted", report.Posted).
		Int("rejected", report.Rejected).
		Int("batches", report.Batches).
		Int("qpsFlushed", report.QPsFlushed).
		Msg("Workload finished")
	return report, nil
}

// postRecvs tops up the receive queue so that every SEND of the next batch
// has a buffer.
func (g *Generator) postRecvs(report *Report, n int) {
	avail := g.qp.RecvAvail()
	if avail == 0 {
		return
	}
	wrs := make([]rdma.RecvWR, min(n, avail))
	for i := range wrs {
		wrs[i] = rdma.RecvWR{
			WRID:   uint64(report.RecvPosted + i),
			SGList: []rdma.SGE{{Addr: 0x400000, Length: g.cfg.PayloadSize, LKey: 0x5678}},
		}
	}
	posted, err := g.qp.PostRecv(wrs)
	report.RecvPosted += posted
	if err != nil {
		log.Debug().Err(err).Int("posted", posted).Msg("Receive top-up stopped")
	}
}

func (g *Generator) poll(report *Report) {
	for _, cq := range []*rdma.CompletionQueue{g.sendCQ, g.recvCQ} {
		for {
			wcs := cq.Poll(64)
			if len(wcs) == 0 {
				break
			}
			for _, wc := range wcs {
				report.Completions[wc.Status]++
			}
		}
		if g.sendCQ == g.recvCQ {
			break
		}
	}
}
