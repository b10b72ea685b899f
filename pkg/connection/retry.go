package connection

import (
	"math"
	"math/rand"
	"time"
)

// Retryer paces reconnection attempts.
type Retryer interface {
	// NextDelay returns how long to wait before attempt (0-based) and
	// whether the attempt should happen at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called once a connection is established.
	Reset()
}

// ExponentialBackoffRetryer grows the delay between attempts up to a cap,
// inside a jitter band so the clients dropped by one feed outage do not all
// redial in lockstep.
type ExponentialBackoffRetryer struct {
	// InitialDelay is the delay before the first redial.
	InitialDelay time.Duration
	// MaxDelay caps the delay growth.
	MaxDelay time.Duration
	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
	// MaxRetries bounds the attempts; 0 keeps retrying until closed.
	MaxRetries int
	// JitterFactor widens each delay by a random fraction in
	// [-JitterFactor, +JitterFactor]. Zero disables jitter.
	JitterFactor float64
}

// NewExponentialBackoffRetryer returns the default pacing: first redial
// after half a second (realtime views want the gap window short), doubling
// to a 30 second ceiling, retrying until closed, jittered by up to 25%.
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

func (r *ExponentialBackoffRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := math.Min(
		float64(r.InitialDelay)*math.Pow(r.Multiplier, float64(attempt)),
		float64(r.MaxDelay),
	)
	if r.JitterFactor > 0 {
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}
	return time.Duration(delay), true
}

func (r *ExponentialBackoffRetryer) Reset() {}

// FixedDelayRetryer redials on a constant period. Useful as Config.Retryer
// when the caller owns backoff policy upstream, and for deterministic tests.
type FixedDelayRetryer struct {
	Delay      time.Duration
	MaxRetries int
}

func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{Delay: delay, MaxRetries: maxRetries}
}

func (r *FixedDelayRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

func (r *FixedDelayRetryer) Reset() {}
