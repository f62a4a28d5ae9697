// Package ratelimit wraps golang.org/x/time/rate into byte-oriented
// token-bucket limiters for upload/download throughput, shared globally by
// the engine and optionally overridden per torrent.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Unlimited, used as a bytes/second value meaning "don't throttle".
const Unlimited int64 = 0

// minBurst keeps the bucket large enough to admit at least one max-size
// block (16KiB) without starving the limiter on its first reservation.
const minBurst = 16 * 1024

// Limiter throttles byte throughput via a token bucket, one token per byte.
type Limiter struct {
	rl *rate.Limiter
}

// New builds a Limiter capped at bytesPerSec. A bytesPerSec of Unlimited (0)
// disables throttling entirely.
func New(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		return &Limiter{rl: rate.NewLimiter(rate.Inf, 0)}
	}

	burst := int(bytesPerSec)
	if burst < minBurst {
		burst = minBurst
	}

	return &Limiter{rl: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// WaitN blocks until n bytes' worth of tokens are available or ctx is done.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	return l.rl.WaitN(ctx, n)
}

// SetBytesPerSec updates the limiter's rate and burst in place, for settings
// changes applied to a running client.
func (l *Limiter) SetBytesPerSec(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		l.rl.SetLimit(rate.Inf)
		l.rl.SetBurst(0)
		return
	}

	burst := int(bytesPerSec)
	if burst < minBurst {
		burst = minBurst
	}
	l.rl.SetLimit(rate.Limit(bytesPerSec))
	l.rl.SetBurst(burst)
}

// BytesPerSec returns the limiter's current configured rate, or Unlimited.
func (l *Limiter) BytesPerSec() int64 {
	limit := l.rl.Limit()
	if limit == rate.Inf {
		return Unlimited
	}
	return int64(limit)
}

// MbpsToBytesPerSec converts a megabits-per-second figure (as commonly
// exposed in client settings UIs) into bytes/second for New/SetBytesPerSec,
// using the exact decimal megabit definition (1 Mbps = 1,000,000 bits/s).
func MbpsToBytesPerSec(mbps float64) int64 {
	if mbps <= 0 {
		return Unlimited
	}
	return int64(mbps * 1_000_000 / 8)
}

// BytesPerSecToMbps is the inverse of MbpsToBytesPerSec, for reporting a
// configured byte rate back in the same unit settings are expressed in.
func BytesPerSecToMbps(bytesPerSec int64) float64 {
	if bytesPerSec <= 0 {
		return 0
	}
	return float64(bytesPerSec) * 8 / 1_000_000
}
