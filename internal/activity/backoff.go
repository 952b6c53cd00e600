package activity

import (
	rand "math/rand/v2"
	"time"
)

// jitterBackoff computes the redelivery delay after prev using decorrelated
// jitter, bounded below by base and above by capDur.
//
//	next = min(cap, base + rand(prev*mult - base))
//
// A prev <= 0 starts from base. A multiplier below 1 does not grow.
func jitterBackoff(prev, base time.Duration, mult float64, capDur time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if mult < 1.0 {
		mult = 1.0
	}
	if capDur > 0 && capDur < base {
		return capDur
	}
	if prev <= 0 {
		return base
	}

	spread := time.Duration(float64(prev)*mult) - base
	if spread <= 0 {
		spread = base
	}

	var jitter int64
	if rng != nil {
		jitter = rng.Int64N(int64(spread))
	} else {
		jitter = rand.Int64N(int64(spread)) //nolint:gosec // non-crypto backoff jitter
	}

	next := base + time.Duration(jitter)
	if capDur > 0 && next > capDur {
		return capDur
	}

	return next
}

// redeliveryDelay walks the backoff sequence up to the given delivery attempt.
func redeliveryDelay(delivered uint64, base time.Duration, mult float64, capDur time.Duration, rng *rand.Rand) time.Duration {
	var d time.Duration
	for i := uint64(0); i < max(delivered, 1); i++ {
		d = jitterBackoff(d, base, mult, capDur, rng)
		if capDur > 0 && d >= capDur {
			break
		}
	}

	return d
}

// newRetryRNG returns a seeded RNG, or nil for seed 0 so the package PRNG is used.
//
//nolint:gosec
func newRetryRNG(seed int64) *rand.Rand {
	if seed == 0 {
		return nil
	}
	s1 := uint64(seed)
	s2 := s1 ^ 0x9e3779b97f4a7c15

	return rand.New(rand.NewPCG(s1, s2))
}
