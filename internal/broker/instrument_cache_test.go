package broker

import "testing"

func TestInstrumentCacheSetGet(t *testing.T) {
	c := newInstrumentCache()
	c.set(Instrument{Name: "BTC-PERPETUAL", TickSize: 0.5, MinTradeAmount: 10})

	got, ok := c.get("BTC-PERPETUAL")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.TickSize != 0.5 || got.MinTradeAmount != 10 {
		t.Errorf("unexpected cached instrument: %+v", got)
	}
}

func TestInstrumentCacheMiss(t *testing.T) {
	c := newInstrumentCache()
	if _, ok := c.get("ETH-PERPETUAL"); ok {
		t.Error("expected cache miss for unseeded instrument")
	}
}

func TestInstrumentCacheClear(t *testing.T) {
	c := newInstrumentCache()
	c.set(Instrument{Name: "BTC-PERPETUAL"})
	c.clear()
	if _, ok := c.get("BTC-PERPETUAL"); ok {
		t.Error("expected cache to be empty after clear")
	}
}

func TestPositionSideAndIsOpen(t *testing.T) {
	cases := []struct {
		size     float64
		wantSide Side
		wantOpen bool
	}{
		{size: 5, wantSide: Buy, wantOpen: true},
		{size: -5, wantSide: Sell, wantOpen: true},
		{size: 0, wantSide: "", wantOpen: false},
	}
	for _, c := range cases {
		p := Position{Size: c.size}
		if p.Side() != c.wantSide {
			t.Errorf("size %v: got side %v, want %v", c.size, p.Side(), c.wantSide)
		}
		if p.IsOpen() != c.wantOpen {
			t.Errorf("size %v: got isOpen %v, want %v", c.size, p.IsOpen(), c.wantOpen)
		}
	}
}
