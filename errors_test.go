package logship

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitOpenErrorMessage(t *testing.T) {
	t.Parallel()

	err := &CircuitOpenError{RetryAfter: 5 * time.Second}
	assert.Contains(t, err.Error(), "5s")
	assert.Contains(t, err.Error(), "circuit breaker open")
}

func TestBulkWriteErrorMessage(t *testing.T) {
	t.Parallel()

	err := &BulkWriteError{Failures: []BulkWriteFailure{
		{Index: 0, Err: errors.New("dup")},
		{Index: 3, Err: errors.New("validation")},
	}}
	assert.Contains(t, err.Error(), "2")
}

func TestManagerClosedErrorMessage(t *testing.T) {
	t.Parallel()

	assert.EqualError(t, ErrManagerClosed, "connection manager is shut down")
}
