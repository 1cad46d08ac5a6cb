package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trading-core/internal/errkind"
	"trading-core/internal/ratelimit"
	"trading-core/internal/rpc"
)

// Session is the subset of *rpc.Session the adapter depends on.
type Session interface {
	CallRPC(ctx context.Context, method string, params any) (json.RawMessage, error)
	Subscribe(ctx context.Context, channel string, handler func(json.RawMessage)) error
}

// Adapter is the typed broker surface built on a JSON-RPC session.
type Adapter struct {
	session Session
	limiter *ratelimit.Limiter
	cache   *instrumentCache
}

func New(session Session, limiter *ratelimit.Limiter) *Adapter {
	return &Adapter{session: session, limiter: limiter, cache: newInstrumentCache()}
}

func (a *Adapter) callRead(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return ratelimit.Throttle(ctx, a.limiter, ratelimit.ClassRead, func() (json.RawMessage, error) {
		return a.session.CallRPC(ctx, method, params)
	})
}

func (a *Adapter) callWrite(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return ratelimit.Throttle(ctx, a.limiter, ratelimit.ClassWrite, func() (json.RawMessage, error) {
		return a.session.CallRPC(ctx, method, params)
	})
}

// GetBalance fetches the account summary for currency.
func (a *Adapter) GetBalance(ctx context.Context, currency string) (AccountSummary, error) {
	raw, err := a.callRead(ctx, "private/get_account_summary", map[string]any{"currency": currency})
	if err != nil {
		return AccountSummary{}, err
	}
	var out AccountSummary
	if err := json.Unmarshal(raw, &out); err != nil {
		return AccountSummary{}, errkind.Newf(errkind.UnknownErr, "decode account summary: %v", err)
	}
	return out, nil
}

// GetInstrument resolves instrument metadata through the 1h-TTL cache,
// falling back to an RPC fetch on miss (spec.md §4.3).
func (a *Adapter) GetInstrument(ctx context.Context, name string) (Instrument, error) {
	if inst, ok := a.cache.get(name); ok {
		return inst, nil
	}
	raw, err := a.callRead(ctx, "public/get_instrument", map[string]any{"instrument_name": name})
	if err != nil {
		return Instrument{}, err
	}
	var inst Instrument
	if err := json.Unmarshal(raw, &inst); err != nil {
		return Instrument{}, errkind.Newf(errkind.UnknownErr, "decode instrument %s: %v", name, err)
	}
	a.cache.set(inst)
	return inst, nil
}

// ClearInstrumentCache drops all cached instrument metadata; called on
// environment switch (live/testnet).
func (a *Adapter) ClearInstrumentCache() { a.cache.clear() }

// Ticker is the subset of public/ticker used by strategies and validators.
type Ticker struct {
	Instrument string
	LastPrice  float64
	MarkPrice  float64
	Timestamp  time.Time
}

func (a *Adapter) GetTicker(ctx context.Context, name string) (Ticker, error) {
	raw, err := a.callRead(ctx, "public/ticker", map[string]any{"instrument_name": name})
	if err != nil {
		return Ticker{}, err
	}
	var t Ticker
	if err := json.Unmarshal(raw, &t); err != nil {
		return Ticker{}, errkind.Newf(errkind.UnknownErr, "decode ticker %s: %v", name, err)
	}
	return t, nil
}

// PlaceOrder submits an entry order, optionally carrying an OTOCO bracket
// config when StopLoss/TakeProfit are set (spec.md §4.3, §4.5 path 1).
func (a *Adapter) PlaceOrder(ctx context.Context, p PlaceOrderParams) (PlaceOrderResult, error) {
	method := "private/buy"
	if p.Side == Sell {
		method = "private/sell"
	}

	params := map[string]any{
		"instrument_name": p.Instrument,
		"amount":          p.Amount,
		"type":            p.Type,
		"label":           p.Label,
		"reduce_only":     p.ReduceOnly,
	}
	if p.Price != nil {
		params["price"] = *p.Price
	}
	if p.StopLoss != nil && p.TakeProfit != nil {
		params["linked_order_type"] = "one_triggers_one_cancels_other"
		params["trigger_fill_condition"] = TriggerFillConditionFirstHit
		params["otoco_config"] = []map[string]any{
			{
				"trigger":      "index_price",
				"trigger_price": p.StopLoss.TriggerPrice,
				"type":         StopMarket,
				"label":        p.Label + "_sl",
				"reduce_only":  true,
			},
			{
				"trigger":      "index_price",
				"trigger_price": p.TakeProfit.TriggerPrice,
				"price":        p.TakeProfit.Price,
				"type":         TakeLimit,
				"label":        p.Label + "_tp",
				"reduce_only":  true,
			},
		}
	}

	raw, err := a.callWrite(ctx, method, params)
	if err != nil {
		return PlaceOrderResult{}, err
	}
	var result PlaceOrderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return PlaceOrderResult{}, errkind.Newf(errkind.UnknownErr, "decode place order result: %v", err)
	}
	return result, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	_, err := a.callWrite(ctx, "private/cancel", map[string]any{"order_id": orderID})
	return err
}

func (a *Adapter) CancelAllByInstrument(ctx context.Context, instrument string) error {
	_, err := a.callWrite(ctx, "private/cancel_all_by_instrument", map[string]any{"instrument_name": instrument})
	return err
}

// GetOpenOrders lists open orders, optionally scoped to one instrument.
func (a *Adapter) GetOpenOrders(ctx context.Context, instrument string) ([]Order, error) {
	method := "private/get_open_orders_by_instrument"
	params := map[string]any{}
	if instrument != "" {
		params["instrument_name"] = instrument
	} else {
		method = "private/get_open_orders_by_currency"
	}
	raw, err := a.callRead(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var orders []Order
	if err := json.Unmarshal(raw, &orders); err != nil {
		return nil, errkind.Newf(errkind.UnknownErr, "decode open orders: %v", err)
	}
	return orders, nil
}

// GetOpenPositions returns only positions with nonzero size (spec.md §4.3).
func (a *Adapter) GetOpenPositions(ctx context.Context) ([]Position, error) {
	raw, err := a.callRead(ctx, "private/get_positions", nil)
	if err != nil {
		return nil, err
	}
	var all []Position
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, errkind.Newf(errkind.UnknownErr, "decode positions: %v", err)
	}
	open := all[:0]
	for _, p := range all {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open, nil
}

// HasOpenPosition is the single-position-guard predicate (spec.md §4.3).
// When instrument is empty it checks across all instruments.
func (a *Adapter) HasOpenPosition(ctx context.Context, instrument string) (bool, error) {
	positions, err := a.GetOpenPositions(ctx)
	if err != nil {
		return false, err
	}
	if instrument == "" {
		return len(positions) > 0, nil
	}
	for _, p := range positions {
		if p.Instrument == instrument {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, instrument string) error {
	_, err := a.callWrite(ctx, "private/close_position", map[string]any{"instrument_name": instrument})
	return err
}

// GetUserTrades fetches per-fill execution history for PnL derivation
// (spec.md §4.9).
func (a *Adapter) GetUserTrades(ctx context.Context, instrument string, count int) ([]Fill, error) {
	raw, err := a.callRead(ctx, "private/get_user_trades_by_instrument", map[string]any{
		"instrument_name": instrument,
		"count":           count,
	})
	if err != nil {
		return nil, err
	}
	var fills []Fill
	if err := json.Unmarshal(raw, &fills); err != nil {
		return nil, errkind.Newf(errkind.UnknownErr, "decode user trades: %v", err)
	}
	return fills, nil
}

// SubscribeOrderUpdates registers a handler for order-state notifications on
// an instrument's user-orders channel.
func (a *Adapter) SubscribeOrderUpdates(ctx context.Context, instrument string, handler func(json.RawMessage)) error {
	channel := fmt.Sprintf("user.orders.%s.raw", instrument)
	return a.session.Subscribe(ctx, channel, handler)
}

// SubscribeTrades registers a handler for the instrument's public trade tape,
// the tick source the strategy runner (spec.md §4.8) evaluates on.
func (a *Adapter) SubscribeTrades(ctx context.Context, instrument string, handler func(json.RawMessage)) error {
	channel := fmt.Sprintf("trades.%s.100ms", instrument)
	return a.session.Subscribe(ctx, channel, handler)
}

// Candle is one OHLCV bar of warmup/backfill history.
type Candle struct {
	Ticks  int64 // unix millis
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// GetCandles fetches the last count bars of resolution-minute history for
// warmup (spec.md §4.8 step 1).
func (a *Adapter) GetCandles(ctx context.Context, instrument string, resolutionMinutes, count int) ([]Candle, error) {
	now := time.Now().UTC()
	start := now.Add(-time.Duration(count*resolutionMinutes) * time.Minute)
	raw, err := a.callRead(ctx, "public/get_tradingview_chart_data", map[string]any{
		"instrument_name": instrument,
		"resolution":      fmt.Sprintf("%d", resolutionMinutes),
		"start_timestamp": start.UnixMilli(),
		"end_timestamp":   now.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	var chart struct {
		Ticks  []int64   `json:"ticks"`
		Open   []float64 `json:"open"`
		High   []float64 `json:"high"`
		Low    []float64 `json:"low"`
		Close  []float64 `json:"close"`
		Volume []float64 `json:"volume"`
	}
	if err := json.Unmarshal(raw, &chart); err != nil {
		return nil, errkind.Newf(errkind.UnknownErr, "decode tradingview chart data: %v", err)
	}
	candles := make([]Candle, len(chart.Ticks))
	for i := range chart.Ticks {
		candles[i] = Candle{
			Ticks:  chart.Ticks[i],
			Open:   chart.Open[i],
			High:   chart.High[i],
			Low:    chart.Low[i],
			Close:  chart.Close[i],
			Volume: chart.Volume[i],
		}
	}
	return candles, nil
}

// compile-time assertion that *rpc.Session satisfies Session.
var _ Session = (*rpc.Session)(nil)
