package events

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotInitialized is returned by operations invoked before Init or after Close.
	ErrNotInitialized = errors.New("events: store is not initialized")
	// ErrAlreadyOpen is returned when Init names a different path than the open one.
	ErrAlreadyOpen = errors.New("events: store is open on another path")
	// ErrWriteStatement is returned by SQL for statements that are not reads.
	ErrWriteStatement = errors.New("events: sql accepts read statements only")

	noOpLogger = zap.NewNop()
)

// StoreError carries a stable operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew = "events.store.new"
	opInit     = "events.init"
	opClose    = "events.close"
	opInsert   = "events.insert"
	opQuery    = "events.query"
	opCount    = "events.count"
	opSQL      = "events.sql"
	opSummary  = "events.summary"
	opDump     = "events.dump"
	opDelete   = "events.delete"
	opCompact  = "events.compact"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}
