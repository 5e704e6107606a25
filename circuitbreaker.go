package logship

import (
	"sync/atomic"
	"time"
)

// breakerState is the circuit breaker's own tagged variant, kept separate
// from the connection state machine: these are two distinct state
// machines.
type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	// failureThreshold and openDuration: 5 consecutive connect failures
	// trip the breaker, which then refuses acquire calls for 30s before
	// allowing a single trial.
	failureThreshold = 5
	openDuration      = 30 * time.Second
)

// circuitBreaker fast-fails acquire calls after repeated connection
// failures, allowing exactly one trial connection once openDuration has
// elapsed. All fields are accessed without an external lock; state
// transitions rely on atomic CAS to decide which caller, if any, gets to
// run the half-open trial.
type circuitBreaker struct {
	state           atomic.Int32
	failureCount    atomic.Int32
	lastFailureTime atomic.Int64 // UnixNano; zero means never failed
}

// tryAcquireSlot reports whether the caller may attempt a connect, and
// whether this particular attempt is the half-open trial (in which case a
// failure reopens the breaker immediately rather than waiting for
// failureThreshold).
func (b *circuitBreaker) tryAcquireSlot() (proceed, isTrial bool) {
	switch breakerState(b.state.Load()) {
	case breakerClosed:
		return true, false
	case breakerHalfOpen:
		// A trial is already in flight; everyone else fails fast.
		return false, false
	default: // breakerOpen
		last := b.lastFailureTime.Load()
		if time.Since(time.Unix(0, last)) < openDuration {
			return false, false
		}
		if b.state.CompareAndSwap(int32(breakerOpen), int32(breakerHalfOpen)) {
			return true, true
		}
		return false, false
	}
}

func (b *circuitBreaker) recordSuccess() {
	b.failureCount.Store(0)
	b.state.Store(int32(breakerClosed))
}

func (b *circuitBreaker) recordFailure(isTrial bool) {
	n := b.failureCount.Add(1)
	b.lastFailureTime.Store(time.Now().UnixNano())

	if isTrial {
		b.state.Store(int32(breakerOpen))
		return
	}
	if n >= failureThreshold {
		b.state.Store(int32(breakerOpen))
	}
}

// isOpen reports whether acquire calls currently fail fast: a half-open
// trial is in flight, or the breaker is open and openDuration has not yet
// elapsed since the last failure.
func (b *circuitBreaker) isOpen() bool {
	switch breakerState(b.state.Load()) {
	case breakerClosed:
		return false
	case breakerOpen:
		return b.retryAfter() > 0
	default: // breakerHalfOpen
		return true
	}
}

// retryAfter returns how long until the next acquire may attempt a trial,
// zero if the breaker is not open.
func (b *circuitBreaker) retryAfter() time.Duration {
	if breakerState(b.state.Load()) == breakerClosed {
		return 0
	}
	elapsed := time.Since(time.Unix(0, b.lastFailureTime.Load()))
	remaining := openDuration - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
