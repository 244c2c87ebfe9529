package anilist

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, cooldown)
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d: unexpected Allow error: %v", i, err)
		}
		b.RecordFailure()
	}

	st, fails, _ := b.State()
	if st != StateOpen {
		t.Fatalf("state = %v, want open", st)
	}
	if fails != 3 {
		t.Fatalf("fails = %d, want 3", fails)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow during cooldown = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	t.Parallel()
	b, now := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	if st, _, _ := b.State(); st != StateOpen {
		t.Fatalf("state = %v, want open", st)
	}

	// Cooldown elapses: exactly one probe is admitted.
	*now = now.Add(61 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow error: %v", err)
	}
	if st, _, _ := b.State(); st != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", st)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second call during probe = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerCancelReleasesProbeSlot(t *testing.T) {
	t.Parallel()
	b, now := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow error: %v", err)
	}

	// The probe never reached upstream; releasing the slot must let the
	// next caller probe instead of jamming half-open forever.
	b.Cancel()
	if st, _, _ := b.State(); st != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after cancel", st)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after cancel = %v, want a fresh probe", err)
	}
	b.RecordSuccess()
	if st, _, _ := b.State(); st != StateClosed {
		t.Fatalf("state = %v, want closed", st)
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	t.Parallel()
	b, now := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow error: %v", err)
	}
	b.RecordSuccess()

	st, fails, openUntil := b.State()
	if st != StateClosed {
		t.Fatalf("state = %v, want closed", st)
	}
	if fails != 0 {
		t.Fatalf("fails = %d, want 0 after probe success", fails)
	}
	if !openUntil.IsZero() {
		t.Fatalf("openUntil = %v, want zero", openUntil)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b, now := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow error: %v", err)
	}
	b.RecordFailure()

	st, _, openUntil := b.State()
	if st != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", st)
	}
	if want := now.Add(time.Minute); !openUntil.Equal(want) {
		t.Fatalf("openUntil = %v, want %v (cooldown restarted)", openUntil, want)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if st, _, _ := b.State(); st != StateClosed {
		t.Fatalf("state = %v, want closed (streak was broken)", st)
	}
}
