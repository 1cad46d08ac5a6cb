// Package ratelimit throttles outbound broker RPCs with a process-wide
// token bucket per method class (spec.md §4.1), generalizing the teacher's
// per-IP rate.Limiter (internal/api/middleware.go) from one bucket per
// client to one bucket per call class.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Class groups RPCs that should share a token bucket.
type Class string

const (
	ClassRead      Class = "read"      // tickers, instruments, account summary
	ClassWrite     Class = "write"     // order placement/cancel
	ClassSubscribe Class = "subscribe" // subscribe/unsubscribe
)

// Limiter holds one token bucket per Class.
type Limiter struct {
	buckets map[Class]*rate.Limiter
}

// Limits configures the rps/burst for each class. Zero-value fields fall
// back to the spec's default of 20 tokens/s, burst 20.
type Limits struct {
	ReadRPS, ReadBurst           float64
	WriteRPS, WriteBurst         float64
	SubscribeRPS, SubscribeBurst float64
}

func New(l Limits) *Limiter {
	return &Limiter{
		buckets: map[Class]*rate.Limiter{
			ClassRead:      rate.NewLimiter(rateOrDefault(l.ReadRPS), burstOrDefault(l.ReadBurst)),
			ClassWrite:     rate.NewLimiter(rateOrDefault(l.WriteRPS), burstOrDefault(l.WriteBurst)),
			ClassSubscribe: rate.NewLimiter(rateOrDefault(l.SubscribeRPS), burstOrDefault(l.SubscribeBurst)),
		},
	}
}

func rateOrDefault(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Limit(20)
	}
	return rate.Limit(rps)
}

func burstOrDefault(b float64) int {
	if b <= 0 {
		return 20
	}
	return int(b)
}

// Throttle blocks cooperatively until a token for class is available, then
// runs task. A task's own error propagates unchanged; ctx cancellation
// short-circuits the wait.
func Throttle[T any](ctx context.Context, l *Limiter, class Class, task func() (T, error)) (T, error) {
	var zero T
	b, ok := l.buckets[class]
	if !ok {
		b = l.buckets[ClassRead]
	}
	if err := b.Wait(ctx); err != nil {
		return zero, err
	}
	return task()
}
