// Package runner is the per-job strategy runner (spec.md §4.8, C9): it owns
// a Broker Adapter, a Strategy instance, a Lifecycle reference, and a
// Journal reference, and drives one account/instrument through the full
// warmup -> analyze -> enter -> close loop. Grounded on internal/reconcile's
// ticker-driven Run(ctx) shape and small-local-interface dependency
// inversion, and on the teacher's internal/strategy/engine.go tick-callback
// wiring for the warmup/subscribe/evaluate sequencing.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-core/internal/bracket"
	"trading-core/internal/broker"
	"trading-core/internal/errkind"
	"trading-core/internal/events"
	"trading-core/internal/journal"
	"trading-core/internal/lifecycle"
	"trading-core/internal/risk"
	"trading-core/internal/strategy"
	"trading-core/internal/validator"
)

// defaultSignalThreshold is spec.md §4.8 step 4's default strength gate.
const defaultSignalThreshold = 50.0

// defaultResolutionMinutes sizes the warmup candle bars when unset.
const defaultResolutionMinutes = 1

// defaultFillLookback bounds how many recent fills DeriveExit considers.
const defaultFillLookback = 50

// Broker is the subset of internal/broker.Adapter the runner depends on.
type Broker interface {
	GetCandles(ctx context.Context, instrument string, resolutionMinutes, count int) ([]broker.Candle, error)
	SubscribeTrades(ctx context.Context, instrument string, handler func(json.RawMessage)) error
	SubscribeOrderUpdates(ctx context.Context, instrument string, handler func(json.RawMessage)) error
	GetInstrument(ctx context.Context, name string) (broker.Instrument, error)
	GetBalance(ctx context.Context, currency string) (broker.AccountSummary, error)
	GetOpenPositions(ctx context.Context) ([]broker.Position, error)
	GetUserTrades(ctx context.Context, instrument string, count int) ([]broker.Fill, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllByInstrument(ctx context.Context, instrument string) error
	ClosePosition(ctx context.Context, instrument string) error
}

// BracketPlacer is the subset of *bracket.Placer the runner depends on.
type BracketPlacer interface {
	PlaceBracket(ctx context.Context, req bracket.Request) (bracket.Result, error)
}

// Lifecycle is the subset of *lifecycle.Manager the runner depends on.
type Lifecycle interface {
	ShouldAnalyze(accountID string) bool
	CanOpenPosition(accountID string) bool
	Apply(ctx context.Context, accountID string, t lifecycle.Transition) (lifecycle.StrategyRecord, error)
}

// Journal is the subset of *journal.Journal the runner depends on.
type Journal interface {
	OpenTrade(ctx context.Context, e journal.Entry) (string, error)
	AttachOrderIDs(ctx context.Context, id string, slOrderID, tpOrderID *string) error
	CloseTrade(ctx context.Context, id string, exitPrice, pnl float64, pnlSource, exitReason string) error
}

// Options configures one Runner.
type Options struct {
	AccountID         string
	Instrument        string
	Currency          string
	ResolutionMinutes int
	SignalThreshold   float64
	RiskMode          risk.RiskMode
	RiskValue         decimal.Decimal
}

// openPosition tracks the runner's own view of the position it placed, so
// order-update notifications can be matched back to a journal entry without
// re-querying the broker on every tick.
type openPosition struct {
	tradeID    string
	side       string
	amount     float64
	entryPrice float64
	slOrderID  string
	tpOrderID  string
}

// Runner drives one strategy job end to end (spec.md §4.8).
type Runner struct {
	opts      Options
	strategy  strategy.Strategy
	broker    Broker
	lifecycle Lifecycle
	journal   Journal
	placer    BracketPlacer
	bus       *events.Bus
	log       *zap.Logger

	mu            sync.Mutex
	cooldownUntil time.Time
	position      *openPosition
}

func New(opts Options, strat strategy.Strategy, b Broker, lc Lifecycle, j Journal, placer BracketPlacer, bus *events.Bus, log *zap.Logger) *Runner {
	if opts.ResolutionMinutes <= 0 {
		opts.ResolutionMinutes = defaultResolutionMinutes
	}
	if opts.SignalThreshold <= 0 {
		opts.SignalThreshold = defaultSignalThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		opts: opts, strategy: strat, broker: b, lifecycle: lc, journal: j,
		placer: placer, bus: bus, log: log,
	}
}

// Warmup fetches the strategy's required history and feeds it in as candles
// (spec.md §4.8 step 1).
func (r *Runner) Warmup(ctx context.Context) error {
	bars := r.strategy.WarmupBars()
	if bars <= 0 {
		return nil
	}
	candles, err := r.broker.GetCandles(ctx, r.opts.Instrument, r.opts.ResolutionMinutes, bars)
	if err != nil {
		return fmt.Errorf("runner: warmup: %w", err)
	}
	for _, c := range candles {
		r.strategy.OnCandle(strategy.Candle{
			Timestamp: time.UnixMilli(c.Ticks),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	return nil
}

// Run subscribes to trade ticks and order-state notifications and blocks
// until ctx is cancelled (spec.md §4.8 steps 2-5).
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Warmup(ctx); err != nil {
		return err
	}
	if err := r.broker.SubscribeTrades(ctx, r.opts.Instrument, r.onTradeMessage(ctx)); err != nil {
		return fmt.Errorf("runner: subscribe trades: %w", err)
	}
	if err := r.broker.SubscribeOrderUpdates(ctx, r.opts.Instrument, r.onOrderMessage(ctx)); err != nil {
		return fmt.Errorf("runner: subscribe order updates: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

// tradeTick mirrors one element of the broker's public trade tape.
type tradeTick struct {
	Price     float64
	Amount    float64
	Timestamp int64
}

func (r *Runner) onTradeMessage(ctx context.Context) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		var ticks []tradeTick
		if err := json.Unmarshal(raw, &ticks); err != nil {
			r.log.Warn("runner: malformed trade notification", zap.Error(err))
			return
		}
		for _, t := range ticks {
			r.onTick(ctx, t.Price)
		}
	}
}

// onTick is spec.md §4.8 steps 3-4: feed the strategy, evaluate, and act on
// a sufficiently strong signal.
func (r *Runner) onTick(ctx context.Context, price float64) {
	r.mu.Lock()
	inCooldown := time.Now().Before(r.cooldownUntil)
	r.mu.Unlock()
	if inCooldown || !r.lifecycle.ShouldAnalyze(r.opts.AccountID) {
		return
	}

	r.strategy.OnTick(price)
	signal := r.strategy.Evaluate()
	if r.bus != nil {
		r.bus.Publish(events.EventStrategySignal, map[string]any{
			"accountId": r.opts.AccountID, "instrument": r.opts.Instrument, "signal": signal,
		})
	}

	if signal.Type == strategy.SignalNone || signal.Strength < r.opts.SignalThreshold {
		return
	}
	if !r.lifecycle.CanOpenPosition(r.opts.AccountID) {
		return
	}
	r.enter(ctx, signal, price)
}

// enter implements spec.md §4.8 step 4: size, validate, and place a bracket
// for a qualifying signal.
func (r *Runner) enter(ctx context.Context, signal strategy.Signal, price float64) {
	if _, err := r.lifecycle.Apply(ctx, r.opts.AccountID, lifecycle.TransitionSignal); err != nil {
		r.log.Warn("runner: signal transition rejected", zap.Error(err))
		return
	}

	riskParams := r.strategy.RiskParams()
	inst, err := r.broker.GetInstrument(ctx, r.opts.Instrument)
	if err != nil {
		r.abandonSignal(ctx, err)
		return
	}
	balance, err := r.broker.GetBalance(ctx, r.opts.Currency)
	if err != nil {
		r.abandonSignal(ctx, err)
		return
	}

	entryPrice := decimal.NewFromFloat(price)
	tickSize := decimal.NewFromFloat(inst.TickSize)
	stopPrice, takeProfitPrice := deriveBracketPrices(signal.Type, entryPrice, riskParams, tickSize)

	sizeResult, err := risk.Size(risk.SizeInput{
		Equity:     decimal.NewFromFloat(balance.AvailableFunds),
		RiskMode:   r.opts.RiskMode,
		RiskValue:  r.opts.RiskValue,
		EntryPrice: entryPrice,
		StopPrice:  stopPrice,
		BrokerRules: risk.BrokerRules{
			MaxLeverage:  decimal.NewFromFloat(inst.MaxLeverage),
			TickSize:     tickSize,
			Lot:          decimal.NewFromFloat(inst.MinTradeAmount),
			ContractSize: decimal.NewFromFloat(inst.ContractSize),
		},
	})
	if err != nil {
		r.abandonSignal(ctx, err)
		return
	}

	guard := lifecycleGuard{lc: r.lifecycle, broker: r.broker, accountID: r.opts.AccountID}
	valResult, err := validator.Validate(ctx, validator.Request{
		Instrument:     r.opts.Instrument,
		Amount:         sizeResult.Quantity,
		EntryPrice:     entryPrice,
		AvailableFunds: decimal.NewFromFloat(balance.AvailableFunds),
	}, validator.InstrumentInfo{
		MinTradeAmount: decimal.NewFromFloat(inst.MinTradeAmount),
		TickSize:       tickSize,
		MaxLeverage:    decimal.NewFromFloat(inst.MaxLeverage),
	}, guard)
	if err != nil {
		r.abandonSignal(ctx, err)
		return
	}

	if _, err := r.lifecycle.Apply(ctx, r.opts.AccountID, lifecycle.TransitionEntering); err != nil {
		r.log.Warn("runner: entering transition rejected", zap.Error(err))
		return
	}

	side := "buy"
	if signal.Type == strategy.SignalShort {
		side = "sell"
	}
	label := fmt.Sprintf("%s-%s-%d", r.strategy.ID(), r.opts.Instrument, time.Now().UnixNano())
	result, err := r.placer.PlaceBracket(ctx, bracket.Request{
		Instrument: r.opts.Instrument,
		Side:       side,
		Type:       "market",
		Amount:     valResult.Amount.InexactFloat64(),
		Label:      label,
		StopLoss:   bracket.Leg{TriggerPrice: stopPrice.InexactFloat64()},
		TakeProfit: bracket.Leg{TriggerPrice: takeProfitPrice.InexactFloat64(), Price: takeProfitPrice.InexactFloat64()},
	})
	if err != nil {
		r.entryFailed(ctx, riskParams, err)
		return
	}

	tradeID, err := r.journal.OpenTrade(ctx, journal.Entry{
		Strategy:     r.strategy.ID(),
		Instrument:   r.opts.Instrument,
		Side:         side,
		Amount:       valResult.Amount.InexactFloat64(),
		EntryPrice:   price,
		StopLoss:     floatPtr(stopPrice),
		TakeProfit:   floatPtr(takeProfitPrice),
		EntryOrderID: result.EntryOrderID,
		SLOrderID:    stringPtr(result.SLOrderID),
		TPOrderID:    stringPtr(result.TPOrderID),
	})
	if err != nil {
		r.log.Error("runner: failed to open journal entry for placed bracket", zap.Error(err))
	}

	r.mu.Lock()
	r.position = &openPosition{
		tradeID: tradeID, side: side, amount: valResult.Amount.InexactFloat64(),
		entryPrice: price, slOrderID: result.SLOrderID, tpOrderID: result.TPOrderID,
	}
	r.mu.Unlock()

	if _, err := r.lifecycle.Apply(ctx, r.opts.AccountID, lifecycle.TransitionOpened); err != nil {
		r.log.Error("runner: opened transition rejected after successful placement", zap.Error(err))
	}

	if r.bus != nil {
		r.bus.Publish(events.EventTradeOpened, map[string]any{
			"accountId": r.opts.AccountID, "instrument": r.opts.Instrument,
			"tradeId": tradeID, "side": side, "entryPrice": price,
		})
	}
}

// abandonSignal reverts SIGNAL_DETECTED -> ANALYZING when sizing or
// validation rejects the entry before anything was placed.
func (r *Runner) abandonSignal(ctx context.Context, cause error) {
	r.log.Warn("runner: abandoning signal", zap.Error(cause))
	if _, err := r.lifecycle.Apply(ctx, r.opts.AccountID, lifecycle.TransitionAbandon); err != nil {
		r.log.Error("runner: abandon transition rejected", zap.Error(err))
	}
	r.publishRiskAlert("signal abandoned: " + cause.Error())
}

// entryFailed handles a bracket placement failure once already in
// ENTERING_POSITION: revert to ANALYZING and set the strategy's cooldown.
func (r *Runner) entryFailed(ctx context.Context, rp strategy.RiskParams, cause error) {
	r.log.Warn("runner: bracket placement failed", zap.Error(cause))
	if _, err := r.lifecycle.Apply(ctx, r.opts.AccountID, lifecycle.TransitionEntryFailed); err != nil {
		r.log.Error("runner: entry_failed transition rejected", zap.Error(err))
	}
	r.setCooldown(rp.CooldownMinutes)
	r.publishRiskAlert("bracket placement failed: " + cause.Error())
}

// publishRiskAlert emits the operator-facing alert feed (internal/monitor's
// forwarder subscribes to this) for a rejected or failed entry attempt.
func (r *Runner) publishRiskAlert(message string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.EventRiskAlert, map[string]any{
		"accountId": r.opts.AccountID, "instrument": r.opts.Instrument, "message": message,
	})
}

func (r *Runner) setCooldown(minutes int) {
	if minutes <= 0 {
		return
	}
	r.mu.Lock()
	r.cooldownUntil = time.Now().Add(time.Duration(minutes) * time.Minute)
	r.mu.Unlock()
}

func (r *Runner) onOrderMessage(ctx context.Context) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		var order broker.Order
		if err := json.Unmarshal(raw, &order); err != nil {
			r.log.Warn("runner: malformed order notification", zap.Error(err))
			return
		}
		r.onOrderUpdate(ctx, order)
	}
}

// onOrderUpdate is spec.md §4.8 step 5: close out the journal entry and
// lifecycle state once a protective leg fills.
func (r *Runner) onOrderUpdate(ctx context.Context, order broker.Order) {
	if order.State != broker.OrderFilled {
		return
	}

	r.mu.Lock()
	pos := r.position
	r.mu.Unlock()
	if pos == nil {
		return
	}

	var remainingOrderID string
	switch order.OrderID {
	case pos.slOrderID:
		remainingOrderID = pos.tpOrderID
	case pos.tpOrderID:
		remainingOrderID = pos.slOrderID
	default:
		return
	}

	if _, err := r.lifecycle.Apply(ctx, r.opts.AccountID, lifecycle.TransitionClosing); err != nil {
		r.log.Error("runner: closing transition rejected", zap.Error(err))
		return
	}

	if remainingOrderID != "" {
		if err := r.broker.CancelOrder(ctx, remainingOrderID); err != nil {
			r.log.Warn("runner: failed to cancel remaining protective order after fill",
				zap.String("orderId", remainingOrderID), zap.Error(err))
		}
	}

	fills, err := r.broker.GetUserTrades(ctx, r.opts.Instrument, defaultFillLookback)
	if err != nil {
		r.log.Warn("runner: failed to fetch fills for exit derivation, falling back to estimation", zap.Error(err))
	}
	entry := journal.Entry{
		Side:       pos.side,
		Amount:     pos.amount,
		EntryPrice: pos.entryPrice,
	}
	if pos.slOrderID != "" {
		entry.SLOrderID = stringPtr(pos.slOrderID)
	}
	if pos.tpOrderID != "" {
		entry.TPOrderID = stringPtr(pos.tpOrderID)
	}
	markPrice := order.Filled
	if order.Price != nil {
		markPrice = *order.Price
	}
	exit := journal.DeriveExit(entry, fills, markPrice)

	if pos.tradeID != "" {
		if err := r.journal.CloseTrade(ctx, pos.tradeID, exit.ExitPrice, exit.PnL, exit.PnLSource, exit.ExitReason); err != nil {
			r.log.Error("runner: failed to close journal entry", zap.Error(err))
		}
	}

	rp := r.strategy.RiskParams()
	r.mu.Lock()
	r.position = nil
	r.mu.Unlock()
	r.setCooldown(rp.CooldownMinutes)

	if _, err := r.lifecycle.Apply(ctx, r.opts.AccountID, lifecycle.TransitionClosed); err != nil {
		r.log.Error("runner: closed transition rejected", zap.Error(err))
	}

	if r.bus != nil {
		r.bus.Publish(events.EventTradeClosed, map[string]any{
			"accountId": r.opts.AccountID, "instrument": r.opts.Instrument,
			"pnl": exit.PnL, "exitReason": exit.ExitReason,
		})
	}
}

// Stop cancels open orders for the instrument, optionally flattens the
// position, and returns the lifecycle to IDLE (spec.md §4.8 step 6).
func (r *Runner) Stop(ctx context.Context, flatten bool) error {
	if err := r.broker.CancelAllByInstrument(ctx, r.opts.Instrument); err != nil {
		r.log.Warn("runner: failed to cancel open orders on stop", zap.Error(err))
	}
	if flatten {
		if err := r.broker.ClosePosition(ctx, r.opts.Instrument); err != nil {
			r.log.Warn("runner: failed to flatten position on stop", zap.Error(err))
		}
	}
	if _, err := r.lifecycle.Apply(ctx, r.opts.AccountID, lifecycle.TransitionStop); err != nil {
		return errkind.Newf(errkind.InvalidStateTransition, "runner: stop transition rejected: %v", err)
	}
	r.mu.Lock()
	r.position = nil
	r.mu.Unlock()
	return nil
}

// lifecycleGuard adapts the runner's account-scoped Lifecycle/Broker into
// validator.LifecycleGuard, which is single-account by design.
type lifecycleGuard struct {
	lc        Lifecycle
	broker    Broker
	accountID string
}

func (g lifecycleGuard) CanOpenPosition() bool { return g.lc.CanOpenPosition(g.accountID) }

func (g lifecycleGuard) HasOpenPosition(ctx context.Context, instrument string) (bool, error) {
	positions, err := g.broker.GetOpenPositions(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p.Instrument == instrument {
			return true, nil
		}
	}
	return false, nil
}

// deriveBracketPrices turns a strategy's percentage-based risk params into
// absolute stop/take-profit prices rounded to tickSize (spec.md §4.8 step 4).
func deriveBracketPrices(signalType strategy.SignalType, entry decimal.Decimal, rp strategy.RiskParams, tickSize decimal.Decimal) (stop, takeProfit decimal.Decimal) {
	slDist := entry.Mul(decimal.NewFromFloat(rp.StopLossPercent / 100))
	tpDist := entry.Mul(decimal.NewFromFloat(rp.TakeProfitPercent / 100))
	if signalType == strategy.SignalShort {
		stop = entry.Add(slDist)
		takeProfit = entry.Sub(tpDist)
	} else {
		stop = entry.Sub(slDist)
		takeProfit = entry.Add(tpDist)
	}
	return roundToTick(stop, tickSize), roundToTick(takeProfit, tickSize)
}

func roundToTick(value, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return value
	}
	return value.DivRound(tickSize, 0).Mul(tickSize)
}

func floatPtr(d decimal.Decimal) *float64 {
	v := d.InexactFloat64()
	return &v
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
