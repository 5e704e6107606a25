package logship

import (
	"errors"
	"fmt"
	"time"
)

// CircuitOpenError is returned by ConnectionManager.Acquire when the
// breaker is open and the caller arrived before openDuration elapsed. A
// typed error, expected to be checked with errors.As rather than string
// comparison.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open, retry after %s", e.RetryAfter)
}

// ErrManagerClosed is returned by Acquire once Shutdown has been called.
var ErrManagerClosed = errors.New("connection manager is shut down")

// BulkWriteFailure names a single document that a bulk insert rejected.
type BulkWriteFailure struct {
	Index int
	Err   error
}

// BulkWriteError wraps the per-record failure list exposed by the database
// driver on a partial bulk-write failure (name == "BulkWriteError",
// writeErrors: [{index, ...}]). Records not named here are considered
// persisted.
type BulkWriteError struct {
	Failures []BulkWriteFailure
}

func (e *BulkWriteError) Error() string {
	return fmt.Sprintf("bulk write rejected %d record(s)", len(e.Failures))
}
