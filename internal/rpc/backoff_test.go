package rpc

import (
	"testing"
	"time"
)

func TestBackoffDelayCapsAtMax(t *testing.T) {
	b := defaultBackoffConfig()
	d := b.delay(10) // 2^10 s would be far past the 30s cap
	max := b.Max + time.Duration(float64(b.Max)*b.JitterFrac)
	if d > max {
		t.Errorf("delay %v exceeds max+jitter bound %v", d, max)
	}
}

func TestBackoffDelayGrowsWithAttempt(t *testing.T) {
	b := defaultBackoffConfig()
	b.JitterFrac = 0 // isolate growth from jitter noise
	d0 := b.delay(0)
	d3 := b.delay(3)
	if d3 <= d0 {
		t.Errorf("expected delay to grow with attempt, got d0=%v d3=%v", d0, d3)
	}
}

func TestBackoffDelayNeverNegative(t *testing.T) {
	b := defaultBackoffConfig()
	for attempt := 0; attempt < 15; attempt++ {
		if d := b.delay(attempt); d < 0 {
			t.Errorf("attempt %d produced negative delay %v", attempt, d)
		}
	}
}
