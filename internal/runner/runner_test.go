package runner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"trading-core/internal/bracket"
	"trading-core/internal/broker"
	"trading-core/internal/lifecycle"
	"trading-core/internal/strategy"
)

// fakeStrategy is a scripted strategy.Strategy: it returns a fixed Signal on
// every Evaluate call and records what it was fed.
type fakeStrategy struct {
	id         string
	warmupBars int
	candles    []strategy.Candle
	ticks      []float64
	signal     strategy.Signal
	riskParams strategy.RiskParams
}

func (s *fakeStrategy) ID() string            { return s.id }
func (s *fakeStrategy) Name() string          { return s.id }
func (s *fakeStrategy) WarmupBars() int       { return s.warmupBars }
func (s *fakeStrategy) OnCandle(c strategy.Candle) { s.candles = append(s.candles, c) }
func (s *fakeStrategy) OnTick(price float64)  { s.ticks = append(s.ticks, price) }
func (s *fakeStrategy) Evaluate() strategy.Signal      { return s.signal }
func (s *fakeStrategy) RiskParams() strategy.RiskParams { return s.riskParams }
func (s *fakeStrategy) GetState() (json.RawMessage, error) { return nil, nil }
func (s *fakeStrategy) SetState(json.RawMessage) error     { return nil }

type fakeBroker struct {
	candles      []broker.Candle
	instrument   broker.Instrument
	balance      broker.AccountSummary
	positions    []broker.Position
	fills        []broker.Fill
	cancelled    []string
	cancelledAll bool
	closed       bool
}

func (b *fakeBroker) GetCandles(ctx context.Context, instrument string, resolutionMinutes, count int) ([]broker.Candle, error) {
	return b.candles, nil
}
func (b *fakeBroker) SubscribeTrades(ctx context.Context, instrument string, handler func(json.RawMessage)) error {
	return nil
}
func (b *fakeBroker) SubscribeOrderUpdates(ctx context.Context, instrument string, handler func(json.RawMessage)) error {
	return nil
}
func (b *fakeBroker) GetInstrument(ctx context.Context, name string) (broker.Instrument, error) {
	return b.instrument, nil
}
func (b *fakeBroker) GetBalance(ctx context.Context, currency string) (broker.AccountSummary, error) {
	return b.balance, nil
}
func (b *fakeBroker) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	return b.positions, nil
}
func (b *fakeBroker) GetUserTrades(ctx context.Context, instrument string, count int) ([]broker.Fill, error) {
	return b.fills, nil
}
func (b *fakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.cancelled = append(b.cancelled, orderID)
	return nil
}
func (b *fakeBroker) CancelAllByInstrument(ctx context.Context, instrument string) error {
	b.cancelledAll = true
	return nil
}
func (b *fakeBroker) ClosePosition(ctx context.Context, instrument string) error {
	b.closed = true
	return nil
}

type fakeLifecycle struct {
	state lifecycle.State
}

func (f *fakeLifecycle) ShouldAnalyze(accountID string) bool { return f.state == lifecycle.ANALYZING }
func (f *fakeLifecycle) CanOpenPosition(accountID string) bool {
	return f.state == lifecycle.ANALYZING || f.state == lifecycle.SIGNAL_DETECTED
}
func (f *fakeLifecycle) Apply(ctx context.Context, accountID string, t lifecycle.Transition) (lifecycle.StrategyRecord, error) {
	table := map[lifecycle.State]map[lifecycle.Transition]lifecycle.State{
		lifecycle.ANALYZING:         {lifecycle.TransitionSignal: lifecycle.SIGNAL_DETECTED, lifecycle.TransitionStop: lifecycle.IDLE},
		lifecycle.SIGNAL_DETECTED:   {lifecycle.TransitionEntering: lifecycle.ENTERING_POSITION, lifecycle.TransitionAbandon: lifecycle.ANALYZING},
		lifecycle.ENTERING_POSITION: {lifecycle.TransitionOpened: lifecycle.POSITION_OPEN, lifecycle.TransitionEntryFailed: lifecycle.ANALYZING},
		lifecycle.POSITION_OPEN:     {lifecycle.TransitionClosing: lifecycle.CLOSING},
		lifecycle.CLOSING:          {lifecycle.TransitionClosed: lifecycle.ANALYZING},
	}
	next, ok := table[f.state][t]
	if !ok {
		return lifecycle.StrategyRecord{}, errNoTransition
	}
	f.state = next
	return lifecycle.StrategyRecord{State: next}, nil
}

var errNoTransition = errors.New("no such transition")

type fakePlacer struct {
	called bool
	result bracket.Result
	err    error
}

func (p *fakePlacer) PlaceBracket(ctx context.Context, req bracket.Request) (bracket.Result, error) {
	p.called = true
	return p.result, p.err
}

func TestDeriveBracketPricesLongRoundsToTick(t *testing.T) {
	entry := decimal.NewFromInt(100)
	rp := strategy.RiskParams{StopLossPercent: 1, TakeProfitPercent: 2}
	tick := decimal.NewFromFloat(0.5)

	stop, tp := deriveBracketPrices(strategy.SignalLong, entry, rp, tick)
	if !stop.Equal(decimal.NewFromFloat(99)) {
		t.Errorf("expected stop 99, got %s", stop)
	}
	if !tp.Equal(decimal.NewFromFloat(102)) {
		t.Errorf("expected take profit 102, got %s", tp)
	}
}

func TestDeriveBracketPricesShortInvertsSides(t *testing.T) {
	entry := decimal.NewFromInt(100)
	rp := strategy.RiskParams{StopLossPercent: 1, TakeProfitPercent: 2}
	tick := decimal.NewFromFloat(0.5)

	stop, tp := deriveBracketPrices(strategy.SignalShort, entry, rp, tick)
	if !stop.Equal(decimal.NewFromFloat(101)) {
		t.Errorf("expected stop 101, got %s", stop)
	}
	if !tp.Equal(decimal.NewFromFloat(98)) {
		t.Errorf("expected take profit 98, got %s", tp)
	}
}

func TestOnTickSkippedWhenNotAnalyzing(t *testing.T) {
	strat := &fakeStrategy{id: "s", signal: strategy.Signal{Type: strategy.SignalLong, Strength: 90}}
	lc := &fakeLifecycle{state: lifecycle.POSITION_OPEN}
	r := New(Options{AccountID: "acct-1", Instrument: "BTC-PERPETUAL"}, strat, &fakeBroker{}, lc, nil, &fakePlacer{}, nil, nil)

	r.onTick(context.Background(), 100)

	if len(strat.ticks) != 0 {
		t.Errorf("expected onTick not to feed the strategy while not analyzing, fed %d ticks", len(strat.ticks))
	}
}

func TestOnTickIgnoresWeakSignal(t *testing.T) {
	strat := &fakeStrategy{id: "s", signal: strategy.Signal{Type: strategy.SignalLong, Strength: 10}}
	lc := &fakeLifecycle{state: lifecycle.ANALYZING}
	placer := &fakePlacer{}
	r := New(Options{AccountID: "acct-1", Instrument: "BTC-PERPETUAL", SignalThreshold: 50}, strat, &fakeBroker{}, lc, nil, placer, nil, nil)

	r.onTick(context.Background(), 100)

	if placer.called {
		t.Error("expected bracket placer not to be called for a sub-threshold signal")
	}
	if lc.state != lifecycle.ANALYZING {
		t.Errorf("expected lifecycle to remain ANALYZING, got %s", lc.state)
	}
}

func TestStopCancelsOrdersAndTransitionsToIdle(t *testing.T) {
	b := &fakeBroker{}
	lc := &fakeLifecycle{state: lifecycle.ANALYZING}
	strat := &fakeStrategy{id: "s"}
	r := New(Options{AccountID: "acct-1", Instrument: "BTC-PERPETUAL"}, strat, b, lc, nil, &fakePlacer{}, nil, nil)

	if err := r.Stop(context.Background(), true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !b.cancelledAll {
		t.Error("expected open orders to be cancelled on stop")
	}
	if !b.closed {
		t.Error("expected position to be flattened when requested")
	}
	if lc.state != lifecycle.IDLE {
		t.Errorf("expected lifecycle IDLE after stop, got %s", lc.state)
	}
}

func TestWarmupFeedsCandlesToStrategy(t *testing.T) {
	strat := &fakeStrategy{id: "s", warmupBars: 2}
	b := &fakeBroker{candles: []broker.Candle{
		{Ticks: 1000, Close: 100},
		{Ticks: 2000, Close: 101},
	}}
	r := New(Options{AccountID: "acct-1", Instrument: "BTC-PERPETUAL"}, strat, b, &fakeLifecycle{}, nil, &fakePlacer{}, nil, nil)

	if err := r.Warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	if len(strat.candles) != 2 {
		t.Fatalf("expected 2 candles fed, got %d", len(strat.candles))
	}
}
