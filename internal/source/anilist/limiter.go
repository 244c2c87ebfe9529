package anilist

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a requests-per-minute budget over a rolling 60s window
// and adapts the effective budget to observed pressure:
//
//   - When the consumed-to-budget ratio crosses burstThreshold, the
//     effective budget shrinks by backoffFactor (clamped to the configured
//     floor).
//   - After recoverStreak consecutive successes the budget grows by
//     recoverFactor per streak (clamped to the configured base).
//
// Admission times are kept for one window, so at any instant the calls made
// in the trailing 60 seconds never exceed the effective budget. The slice
// never grows past the base budget.
type Limiter struct {
	mu sync.Mutex

	base  float64 // configured requests per minute
	floor float64 // adaptive lower clamp

	effective float64
	admitted  []time.Time // grants within the trailing window, oldest first

	streak int // consecutive successes since last failure/throttle

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

const (
	burstThreshold = 0.7
	backoffFactor  = 0.8
	recoverFactor  = 1.05
	recoverStreak  = 10

	limiterWindow = time.Minute
)

func NewLimiter(requestsPerMinute, minRequestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 90
	}
	if minRequestsPerMinute <= 0 || minRequestsPerMinute > requestsPerMinute {
		minRequestsPerMinute = max(1, requestsPerMinute/9)
	}
	return &Limiter{
		base:      float64(requestsPerMinute),
		floor:     float64(minRequestsPerMinute),
		effective: float64(requestsPerMinute),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Wait blocks until one request token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		budget := int(l.effective)
		if budget < 1 {
			budget = 1
		}
		if len(l.admitted) < budget {
			l.admitted = append(l.admitted, now)
			// Shed load before the window is exhausted, not after.
			if float64(len(l.admitted))/l.effective > burstThreshold {
				l.scaleDown()
			}
			l.mu.Unlock()
			return nil
		}
		// Full: a slot opens when the oldest grant ages out of the window.
		wait := l.admitted[0].Add(limiterWindow).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RecordSuccess feeds the recovery path: a stable run of successes slowly
// restores the budget toward the configured base.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streak++
	if l.streak < recoverStreak {
		return
	}
	l.streak = 0
	l.effective *= recoverFactor
	if l.effective > l.base {
		l.effective = l.base
	}
}

// RecordFailure resets the recovery streak and shrinks the budget.
func (l *Limiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streak = 0
	l.scaleDown()
}

// Rate returns the current effective requests-per-minute budget.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.effective
}

// caller must hold mu
func (l *Limiter) scaleDown() {
	l.effective *= backoffFactor
	if l.effective < l.floor {
		l.effective = l.floor
	}
	l.streak = 0
}

// caller must hold mu
func (l *Limiter) prune(now time.Time) {
	cut := 0
	for cut < len(l.admitted) && now.Sub(l.admitted[cut]) >= limiterWindow {
		cut++
	}
	if cut > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[cut:]...)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
