package connection

import (
	"math"
	"time"
)

// Backoff computes reconnect delays: min(Initial * Multiplier^(failCount-1), Max).
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff returns the reconnect defaults used by the indexer client.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        120 * time.Second,
		Multiplier: 1.5,
	}
}

// Delay returns the wait before the reconnect that follows the given number
// of consecutive failures (1-based).
func (b Backoff) Delay(failCount int) time.Duration {
	if failCount < 1 {
		failCount = 1
	}
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	max := b.Max
	if max < initial {
		max = initial
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	wait := float64(initial) * math.Pow(mult, float64(failCount-1))
	if math.IsInf(wait, 0) || wait >= float64(max) {
		return max
	}
	return time.Duration(wait)
}
