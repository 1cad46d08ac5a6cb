// Package broker is the domain-typed operations surface over an
// internal/rpc.Session (spec.md §4.3): balances, instruments, tickers,
// order placement/cancellation, positions, and OTOCO bracket placement.
package broker

import "time"

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Market     OrderType = "market"
	Limit      OrderType = "limit"
	StopMarket OrderType = "stop_market"
	TakeLimit  OrderType = "take_limit"
	TakeMarket OrderType = "take_market"
	StopLimit  OrderType = "stop_limit"
)

type OrderState string

const (
	OrderOpen      OrderState = "open"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderRejected  OrderState = "rejected"
)

// TriggerFillCondition governs how a native OTOCO group resolves once the
// entry leg fills.
const TriggerFillConditionFirstHit = "first_hit"

// Instrument describes one tradeable contract; cached by name with a 1h TTL.
type Instrument struct {
	Name          string
	TickSize      float64
	MinTradeAmount float64 // lot
	ContractSize  float64
	MaxLeverage   float64
	QuoteCurrency string
	ContractType  string // "linear" | "inverse" — §3 data model note
	CachedAt      time.Time
}

// AccountSummary is a read-only balance/margin snapshot.
type AccountSummary struct {
	Currency          string
	Balance           float64
	Equity            float64
	AvailableFunds    float64
	MaintenanceMargin float64
	InitialMargin     float64
}

// Order mirrors the broker's order representation.
type Order struct {
	OrderID      string
	Instrument   string
	Side         Side
	Type         OrderType
	Amount       float64
	Price        *float64
	TriggerPrice *float64
	Filled       float64
	State        OrderState
	CreatedAt    time.Time
	Label        string
	ReduceOnly   bool
	OCORef       string
}

// Position is a signed open position (0 size = flat).
type Position struct {
	Instrument    string
	Size          float64 // signed; 0 = flat
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
}

// Side returns the position's directional sign, or "" when flat.
func (p Position) Side() Side {
	switch {
	case p.Size > 0:
		return Buy
	case p.Size < 0:
		return Sell
	default:
		return ""
	}
}

// IsOpen reports whether the position has nonzero size.
func (p Position) IsOpen() bool { return p.Size != 0 }

// BracketLeg describes one child order of an OTOCO group.
type BracketLeg struct {
	TriggerPrice float64
	Price        float64 // for take-profit legs placed as limit orders
}

// PlaceOrderParams is the input to PlaceOrder, optionally carrying an OTOCO
// bracket config (spec.md §4.3, §4.5).
type PlaceOrderParams struct {
	Instrument   string
	Side         Side
	Type         OrderType
	Amount       float64
	Price        *float64
	Label        string
	ReduceOnly   bool
	StopLoss     *BracketLeg
	TakeProfit   *BracketLeg
}

// PlaceOrderResult carries the entry order id and, for OTOCO placements,
// the linked child order ids.
type PlaceOrderResult struct {
	OrderID       string
	SLOrderID     string
	TPOrderID     string
	TransactionID string
}

// Fill is one execution report for an order.
type Fill struct {
	OrderID   string
	Price     float64
	Amount    float64
	Fee       float64
	Timestamp time.Time
}
