package anilist

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrCircuitOpen is returned without contacting upstream while the
	// breaker cooldown is in effect.
	ErrCircuitOpen = errors.New("anilist: circuit open")

	// ErrRateLimited maps the upstream 429 signal.
	ErrRateLimited = errors.New("anilist: rate limited by upstream")
)

// UpstreamError carries a non-OK HTTP status from the API.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("anilist: upstream status %d", e.Status)
}

// Transient reports whether the upstream error is worth retrying.
// Server-side statuses and the explicit rate-limit signal are transient;
// client-side statuses are not.
func (e *UpstreamError) Transient() bool { return e.Status >= 500 }

// isTransient classifies errors for the retry loop and the breaker.
// Timeouts, temporary network failures, 5xx and 429 are transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
