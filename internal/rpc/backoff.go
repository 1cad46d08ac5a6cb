package rpc

import (
	"math"
	"math/rand"
	"time"
)

// backoffConfig mirrors the teacher's market/binance ReconnectConfig shape,
// generalized to the spec's exact curve: min(2^n * 1s, 30s) with ±30% jitter.
type backoffConfig struct {
	Base       time.Duration
	Max        time.Duration
	JitterFrac float64
	MaxRetries int
}

func defaultBackoffConfig() backoffConfig {
	return backoffConfig{
		Base:       time.Second,
		Max:        30 * time.Second,
		JitterFrac: 0.30,
		MaxRetries: 10,
	}
}

func (b backoffConfig) delay(attempt int) time.Duration {
	raw := float64(b.Base) * math.Pow(2, float64(attempt))
	if raw > float64(b.Max) {
		raw = float64(b.Max)
	}
	jitter := (rand.Float64()*2 - 1) * b.JitterFrac * raw
	d := time.Duration(raw + jitter)
	if d < 0 {
		d = 0
	}
	return d
}
