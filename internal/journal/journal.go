// Package journal persists queue pair flush events to rqlite.
package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmawq/internal/rdma"
)

const (
	DefaultQueueSize = 1024
	DefaultBatchSize = 64
	DefaultInterval  = time.Second
)

// conn is the subset of *gorqlite.Connection the journal uses.
type conn interface {
	WriteOne(sqlStatement string) (gorqlite.WriteResult, error)
	WriteParameterized(statements []gorqlite.ParameterizedStatement) ([]gorqlite.WriteResult, error)
	QueryOneParameterized(statement gorqlite.ParameterizedStatement) (gorqlite.QueryResult, error)
	Close()
}

// Journal records flush events asynchronously. QPFlushed never blocks: when
// the queue is full the event is dropped and counted. It implements
// rdma.Observer.
type Journal struct {
	conn      conn
	events    chan rdma.FlushEvent
	batchSize int
	interval  time.Duration

	written atomic.Uint64
	dropped atomic.Uint64

	mutex   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ rdma.Observer = (*Journal)(nil)

// Open connects to rqlite at dbURI and creates the schema.
func Open(dbURI string) (*Journal, error) {
	log.Info().Str("dbURI", dbURI).Msg("Opening flush journal")

	c, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}
	j := newJournal(c, DefaultQueueSize, DefaultBatchSize, DefaultInterval)
	if err := j.initializeSchema(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

func newJournal(c conn, queueSize, batchSize int, interval time.Duration) *Journal {
	ctx, cancel := context.WithCancel(context.Background())
	return &Journal{
		conn:      c,
		events:    make(chan rdma.FlushEvent, queueSize),
		batchSize: batchSize,
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (j *Journal) initializeSchema() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS qp_flushes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device TEXT NOT NULL,
		qpn INTEGER NOT NULL,
		state TEXT NOT NULL,
		acked_recv INTEGER NOT NULL,
		flushed_recv INTEGER NOT NULL,
		flushed_send INTEGER NOT NULL,
		signaled_send INTEGER NOT NULL,
		flushed_at TEXT NOT NULL
	);
	`
	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_qp_flushes_device_qpn ON qp_flushes (device, qpn);`

	if _, err := j.conn.WriteOne(createTableSQL); err != nil {
		return fmt.Errorf("failed to create qp_flushes table: %w", err)
	}
	if _, err := j.conn.WriteOne(createIndexSQL); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Start starts the background writer
func (j *Journal) Start() {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.wg.Add(1)
	go j.writeLoop()

	log.Info().
		Dur("interval", j.interval).
		Int("batchSize", j.batchSize).
		Msg("Flush journal started")
}

// Stop writes pending events and stops the background writer
func (j *Journal) Stop() {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if !j.running {
		return
	}
	j.cancel()
	j.wg.Wait()
	j.running = false
	log.Info().
		Uint64("written", j.written.Load()).
		Uint64("dropped", j.dropped.Load()).
		Msg("Flush journal stopped")
}

// Close stops the journal and closes the connection
func (j *Journal) Close() error {
	j.Stop()
	j.conn.Close()
	return nil
}

// PostDone is a no-op; only flushes are journaled.
func (j *Journal) PostDone(rdma.PostOutcome) {}

// QPFlushed queues e for writing.
func (j *Journal) QPFlushed(e rdma.FlushEvent) {
	select {
	case j.events <- e:
	default:
		j.dropped.Add(1)
		log.Warn().
			Str("device", e.Device).
			Uint32("qpn", e.QPN).
			Msg("Flush journal queue full, dropping event")
	}
}

// Written returns the number of events persisted.
func (j *Journal) Written() uint64 { return j.written.Load() }

// Dropped returns the number of events discarded because the queue was full.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) writeLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	batch := make([]rdma.FlushEvent, 0, j.batchSize)
	for {
		select {
		case <-j.ctx.Done():
			// Drain what is queued before exiting
			for {
				select {
				case e := <-j.events:
					batch = append(batch, e)
				default:
					if err := j.writeBatch(batch); err != nil {
						log.Error().Err(err).Int("events", len(batch)).Msg("Failed to write final flush journal batch")
					}
					return
				}
			}
		case e := <-j.events:
			batch = append(batch, e)
			if len(batch) >= j.batchSize {
				batch = j.flush(batch)
			}
		case <-ticker.C:
			batch = j.flush(batch)
		}
	}
}

// flush writes batch and returns the slice to reuse. A failed batch is kept
// for the next attempt up to the queue capacity.
func (j *Journal) flush(batch []rdma.FlushEvent) []rdma.FlushEvent {
	if err := j.writeBatch(batch); err != nil {
		log.Error().Err(err).Int("events", len(batch)).Msg("Failed to write flush journal batch")
		if len(batch) < cap(j.events) {
			return batch
		}
		j.dropped.Add(uint64(len(batch)))
	}
	return batch[:0]
}

func (j *Journal) writeBatch(batch []rdma.FlushEvent) error {
	if len(batch) == 0 {
		return nil
	}
	stmts := make([]gorqlite.ParameterizedStatement, len(batch))
	for i, e := range batch {
		stmts[i] = gorqlite.ParameterizedStatement{
			Query: `INSERT INTO qp_flushes
				(device, qpn, state, acked_recv, flushed_recv, flushed_send, signaled_send, flushed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			Arguments: []interface{}{
				e.Device,
				int64(e.QPN),
				e.State.String(),
				e.AckedRecv,
				e.FlushedRecv,
				e.FlushedSend,
				e.SignaledSend,
				e.At.UTC().Format(time.RFC3339Nano),
			},
		}
	}
	if _, err := j.conn.WriteParameterized(stmts); err != nil {
		return fmt.Errorf("failed to insert flush events: %w", err)
	}
	j.written.Add(uint64(len(batch)))
	log.Debug().Int("events", len(batch)).Msg("Wrote flush journal batch")
	return nil
}

// Record is one journaled flush.
type Record struct {
	Device       string
	QPN          uint32
	State        string
	AckedRecv    int
	FlushedRecv  int
	FlushedSend  int
	SignaledSend int
	At           time.Time
}

// Recent returns up to limit records for device, newest first.
func (j *Journal) Recent(device string, limit int) ([]Record, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query: `SELECT device, qpn, state, acked_recv, flushed_recv, flushed_send, signaled_send, flushed_at
			FROM qp_flushes WHERE device = ? ORDER BY id DESC LIMIT ?`,
		Arguments: []interface{}{device, limit},
	}
	result, err := j.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query flush journal: %w", err)
	}

	var records []Record
	for result.Next() {
		var (
			r                                  Record
			qpn, acked, fRecv, fSend, signaled int64
			at                                 string
		)
		if err := result.Scan(&r.Device, &qpn, &r.State, &acked, &fRecv, &fSend, &signaled, &at); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.QPN = uint32(qpn)
		r.AckedRecv, r.FlushedRecv, r.FlushedSend, r.SignaledSend = int(acked), int(fRecv), int(fSend), int(signaled)
		if r.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("failed to parse flushed_at %q: %w", at, err)
		}
		records = append(records, r)
	}
	return records, nil
}
