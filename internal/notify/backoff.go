package notify

import (
	"math/rand"
	"time"
)

// backoff produces bounded exponential delays with jitter:
// base*2^(n-1), scaled by a random factor in [0.5, 1.0), capped at max.
//
// The upstream behavior this replaces did not document its exact constants,
// so both notification retries and the source client use this standard
// half-jitter form.
type backoff struct {
	base time.Duration
	max  time.Duration
	rng  *rand.Rand
}

func newBackoff(base, max time.Duration, rng *rand.Rand) backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return backoff{base: base, max: max, rng: rng}
}

func (b backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.base << (attempt - 1)
	if d > b.max || d <= 0 {
		d = b.max
	}
	half := d / 2
	return half + time.Duration(b.rng.Int63n(int64(half)+1))
}
