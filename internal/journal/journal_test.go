package journal

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmawq/internal/rdma"
)

type mockConn struct {
	mock.Mock
}

func (m *mockConn) WriteOne(sqlStatement string) (gorqlite.WriteResult, error) {
	args := m.Called(sqlStatement)
	return gorqlite.WriteResult{}, args.Error(0)
}

func (m *mockConn) WriteParameterized(statements []gorqlite.ParameterizedStatement) ([]gorqlite.WriteResult, error) {
	args := m.Called(statements)
	return nil, args.Error(0)
}

func (m *mockConn) QueryOneParameterized(statement gorqlite.ParameterizedStatement) (gorqlite.QueryResult, error) {
	args := m.Called(statement)
	return gorqlite.QueryResult{}, args.Error(0)
}

func (m *mockConn) Close() {
	m.Called()
}

func testEvent(qpn uint32) rdma.FlushEvent {
	return rdma.FlushEvent{
		Device:       "cxgb4_0",
		QPN:          qpn,
		State:        rdma.QPStateError,
		FlushedRecv:  2,
		FlushedSend:  3,
		SignaledSend: 1,
		At:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// TestInitializeSchema creates the flush table and its index
func TestInitializeSchema(t *testing.T) {
	m := &mockConn{}
	m.On("WriteOne", mock.MatchedBy(func(s string) bool { return len(s) > 0 })).Return(nil).Twice()

	j := newJournal(m, 4, 4, time.Hour)
	require.NoError(t, j.initializeSchema())
	m.AssertExpectations(t)

	m2 := &mockConn{}
	m2.On("WriteOne", mock.Anything).Return(errors.New("read-only")).Once()
	assert.Error(t, newJournal(m2, 4, 4, time.Hour).initializeSchema())
}

// TestJournalWritesBatches persists queued events in batches
func TestJournalWritesBatches(t *testing.T) {
	m := &mockConn{}
	var batches [][]gorqlite.ParameterizedStatement
	m.On("WriteParameterized", mock.Anything).Run(func(args mock.Arguments) {
		batches = append(batches, args.Get(0).([]gorqlite.ParameterizedStatement))
	}).Return(nil)
	m.On("Close").Return()

	j := newJournal(m, 16, 2, time.Hour)
	j.Start()
	j.QPFlushed(testEvent(1))
	j.QPFlushed(testEvent(2))
	require.Eventually(t, func() bool { return j.Written() == 2 }, time.Second, 5*time.Millisecond)

	j.QPFlushed(testEvent(3))
	require.NoError(t, j.Close())

	assert.Equal(t, uint64(3), j.Written())
	assert.Equal(t, uint64(0), j.Dropped())
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)

	args := batches[0][0].Arguments
	assert.Equal(t, "cxgb4_0", args[0])
	assert.Equal(t, int64(1), args[1])
	assert.Equal(t, "ERR", args[2])
	assert.Equal(t, "2026-01-02T03:04:05Z", args[7])
	m.AssertCalled(t, "Close")
}

// TestJournalDropsWhenFull counts events that do not fit in the queue
func TestJournalDropsWhenFull(t *testing.T) {
	j := newJournal(&mockConn{}, 1, 8, time.Hour)

	j.QPFlushed(testEvent(1))
	j.QPFlushed(testEvent(2))
	j.QPFlushed(testEvent(3))
	assert.Equal(t, uint64(2), j.Dropped())
	assert.Len(t, j.events, 1)
}

// TestJournalRetriesFailedBatch keeps a failed batch for the next write
func TestJournalRetriesFailedBatch(t *testing.T) {
	m := &mockConn{}
	m.On("WriteParameterized", mock.Anything).Return(errors.New("leader not found")).Once()
	m.On("WriteParameterized", mock.Anything).Return(nil)

	j := newJournal(m, 8, 8, 10*time.Millisecond)
	j.Start()
	defer j.Stop()

	j.QPFlushed(testEvent(1))
	require.Eventually(t, func() bool { return j.Written() == 1 }, time.Second, 5*time.Millisecond)
	m.AssertNumberOfCalls(t, "WriteParameterized", 2)
}

// TestJournalRqlite writes and reads back events against a live rqlite
func TestJournalRqlite(t *testing.T) {
	dbURI := os.Getenv("RQLITE_DB_URI")
	if dbURI == "" {
		t.Skip("RQLITE_DB_URI not set")
	}

	j, err := Open(dbURI)
	require.NoError(t, err)
	defer j.Close()
	_, err = j.conn.WriteOne("DELETE FROM qp_flushes")
	require.NoError(t, err)

	j.Start()
	j.QPFlushed(testEvent(4))
	j.QPFlushed(testEvent(5))
	j.Stop()

	records, err := j.Recent("cxgb4_0", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint32(5), records[0].QPN)
	assert.Equal(t, "ERR", records[0].State)
	assert.Equal(t, 3, records[0].FlushedSend)
	assert.True(t, records[0].At.Equal(testEvent(5).At))
}
