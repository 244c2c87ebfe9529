package anilist

import (
	"sync"
	"time"
)

// BreakerState is the circuit position for one upstream.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a consecutive-failure circuit breaker:
//
//	Closed -> Open      after threshold consecutive failures
//	Open   -> HalfOpen  once the cooldown elapses; admits exactly one probe
//	HalfOpen -> Closed  probe success (failure count reset)
//	HalfOpen -> Open    probe failure (cooldown restarted)
//
// State is private to one client instance and never shared across sources.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	state     BreakerState
	fails     int
	openUntil time.Time
	probing   bool

	now func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed. While Open it returns
// ErrCircuitOpen without any upstream contact; after the cooldown it admits
// a single half-open probe and rejects everything else until that probe's
// outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Cancel releases an admitted probe slot when the call produced no upstream
// outcome (limiter wait aborted, request rejected before it was sent).
// State is otherwise unchanged, so the next caller may probe again.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.fails = 0
	b.probing = false
	b.openUntil = time.Time{}
}

// RecordFailure counts one failure; the half-open probe failing reopens the
// circuit immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == StateHalfOpen {
		b.trip()
		return
	}
	b.fails++
	if b.fails >= b.threshold {
		b.trip()
	}
}

// caller must hold mu
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openUntil = b.now().Add(b.cooldown)
}

// State returns the current position, consecutive failures, and open-until
// timestamp (zero unless Open).
func (b *Breaker) State() (BreakerState, int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.fails, b.openUntil
}
