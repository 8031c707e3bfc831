package rdma

import (
	"errors"
	"fmt"
)

// Post errors.
var (
	ErrInvalidState   = errors.New("queue pair is in error state")
	ErrOutOfResources = errors.New("no free work queue slots")
	ErrSizeExceeded   = errors.New("work request exceeds size limits")
	ErrInvalidRequest = errors.New("invalid work request")
)

// Registry errors.
var (
	ErrQPNotFound    = errors.New("queue pair not found")
	ErrRegistryFull  = errors.New("device queue pair table is full")
	ErrInvalidQPAttr = errors.New("invalid queue pair attributes")
	ErrCQOverflow    = errors.New("completion queue overflow")
)

// PostError reports a partially accepted batch. Requests before Index were
// posted and stay posted; Rejected counts the requests that were not.
type PostError struct {
	Index    int
	Rejected int
	Err      error
}

// Error implements the error interface
func (e *PostError) Error() string {
	return fmt.Sprintf("post failed at request %d (%d not posted): %v", e.Index, e.Rejected, e.Err)
}

// Unwrap returns the sentinel that stopped the batch
func (e *PostError) Unwrap() error {
	return e.Err
}

// ProtocolViolationError is raised with panic when a control-plane call that
// the provider cannot recover from fails. Device or kernel state is no longer
// trustworthy once this happens.
type ProtocolViolationError struct {
	Op  string
	QPN uint32
	Err error
}

// Error implements the error interface
func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s on qp %d failed: %v", e.Op, e.QPN, e.Err)
}

// Unwrap returns the control plane error
func (e *ProtocolViolationError) Unwrap() error {
	return e.Err
}

// mustSucceed panics with a ProtocolViolationError if err is non-nil.
func mustSucceed(op string, qpn uint32, err error) {
	if err != nil {
		panic(&ProtocolViolationError{Op: op, QPN: qpn, Err: err})
	}
}
