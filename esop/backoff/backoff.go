package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

// maxDoublings bounds the shift so the multiplier itself cannot overflow int64.
const maxDoublings = 62

// Exponential returns base * 2^attempt. Negative attempts count as zero,
// attempts past 62 are clamped, and any overflowing product saturates at the
// maximum representable duration.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	shift := attempt
	if shift < 0 {
		shift = 0
	} else if shift > maxDoublings {
		shift = maxDoublings
	}

	factor := int64(1) << shift
	if int64(base) > math.MaxInt64/factor {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(factor)
}

// FullJitter returns a random duration in [0, delay), the jitter strategy
// that spreads simultaneous retriers evenly across the whole window.
// Zero and negative delays return 0.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(fallbackInt64N(int64(delay)))
	}

	return time.Duration(n.Int64())
}

// fallbackInt64N degrades to a PCG seeded from raw crypto bytes when
// rand.Int fails, and to the midpoint of the window when no entropy is
// available at all. Jitter must never block a retry loop.
func fallbackInt64N(limit int64) int64 {
	var seed [8]byte

	if _, err := rand.Read(seed[:]); err != nil {
		return limit / 2
	}

	rng := mrand.New(
		mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0),
	) // #nosec G404 -- crypto/rand already failed

	return rng.Int64N(limit)
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext waits for duration or until ctx is done, whichever comes
// first. Zero and negative durations return immediately.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

// Policy caps the exponential curve for a retry loop. Cap bounds the window
// the jitter draws from; a zero Cap leaves the curve unbounded.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultPolicy matches the journal dispatcher defaults: 500ms doubling per
// attempt, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{Base: 500 * time.Millisecond, Cap: 30 * time.Second}
}

// Delay returns a random duration in [0, min(Cap, Base * 2^attempt)).
func (p Policy) Delay(attempt int) time.Duration {
	delay := Exponential(p.Base, attempt)
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}

	return FullJitter(delay)
}

// Sleep waits out Delay(attempt), honoring ctx cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	return SleepWithContext(ctx, p.Delay(attempt))
}
