package strategy

import "testing"

func TestBollingerWarmupReturnsNone(t *testing.T) {
	s := NewBollingerStrategy("s1", 5, 2.0, 1.0, 2.0, 15)
	s.OnTick(100)
	s.OnTick(100)
	if sig := s.Evaluate(); sig.Type != SignalNone {
		t.Fatalf("expected none during warmup, got %s", sig.Type)
	}
}

func TestBollingerDetectsLowerBreakout(t *testing.T) {
	s := NewBollingerStrategy("s1", 5, 1.0, 1.0, 2.0, 15)
	for _, p := range []float64{100, 100, 100, 100, 80} {
		s.OnTick(p)
	}
	sig := s.Evaluate()
	if sig.Type != SignalLong {
		t.Fatalf("expected long signal on lower band breakout, got %s (%v)", sig.Type, sig.Reasons)
	}
}

func TestBollingerDetectsUpperBreakout(t *testing.T) {
	s := NewBollingerStrategy("s1", 5, 1.0, 1.0, 2.0, 15)
	for _, p := range []float64{100, 100, 100, 100, 130} {
		s.OnTick(p)
	}
	sig := s.Evaluate()
	if sig.Type != SignalShort {
		t.Fatalf("expected short signal on upper band breakout, got %s (%v)", sig.Type, sig.Reasons)
	}
}

func TestBollingerStateRoundTrip(t *testing.T) {
	s := NewBollingerStrategy("s1", 5, 2.0, 1.0, 2.0, 15)
	for _, p := range []float64{100, 101, 102, 103, 104} {
		s.OnTick(p)
		s.Evaluate()
	}
	data, err := s.GetState()
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	restored := NewBollingerStrategy("s1", 5, 2.0, 1.0, 2.0, 15)
	if err := restored.SetState(data); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if restored.middleBand != s.middleBand {
		t.Errorf("middle band did not round-trip: got %f want %f", restored.middleBand, s.middleBand)
	}
}
