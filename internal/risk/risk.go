// Package risk is the pure position-sizing and bracket-building algorithm
// of spec.md §4.4. It has no broker/session dependency: every input is
// passed in, every output is a value. Grounded on the teacher's
// internal/risk/manager.go in style (small config struct, decision/result
// value types) though the teacher's multi-tier global+per-strategy limit
// evaluation is replaced entirely by this pure sizing function.
package risk

import (
	"github.com/shopspring/decimal"

	"trading-core/internal/errkind"
)

// RiskMode selects how riskValue is interpreted.
type RiskMode string

const (
	RiskPercent RiskMode = "percent"
	RiskFixed   RiskMode = "fixed"
)

// BrokerRules are the instrument constraints sizing must respect.
type BrokerRules struct {
	MaxLeverage  decimal.Decimal
	TickSize     decimal.Decimal
	Lot          decimal.Decimal
	ContractSize decimal.Decimal
}

// SizeInput is everything the sizing algorithm needs.
type SizeInput struct {
	Equity      decimal.Decimal
	RiskMode    RiskMode
	RiskValue   decimal.Decimal
	EntryPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	BrokerRules BrokerRules
}

// SizeResult is the sizing algorithm's output (spec.md §4.4).
type SizeResult struct {
	Quantity          decimal.Decimal
	Notional          decimal.Decimal
	EffectiveLeverage decimal.Decimal
	RiskAmountUSD     decimal.Decimal
	Warnings          []string
}

// highLeverageWarnThreshold is the "warning, not failure" leverage multiple
// from §4.4 step 7.
var highLeverageWarnThreshold = decimal.NewFromInt(10)

// Size runs the spec's seven-step sizing algorithm.
func Size(in SizeInput) (SizeResult, error) {
	riskAmount := in.RiskValue
	if in.RiskMode == RiskPercent {
		riskAmount = in.Equity.Mul(in.RiskValue).Div(decimal.NewFromInt(100))
	}

	stopDistance := in.EntryPrice.Sub(in.StopPrice).Abs()
	if stopDistance.IsZero() {
		return SizeResult{}, errkind.New(errkind.InvalidParams, "entry price and stop price are equal")
	}

	rawQuantity := riskAmount.Div(stopDistance)

	quantity := roundDownToStep(rawQuantity, in.BrokerRules.Lot)
	if quantity.LessThan(in.BrokerRules.Lot) {
		return SizeResult{}, errkind.Newf(errkind.AmountTooSmall,
			"sized quantity %s below minimum trade amount %s", quantity, in.BrokerRules.Lot)
	}

	notional := quantity.Mul(in.EntryPrice)
	var warnings []string

	effectiveLeverage := safeDiv(notional, in.Equity)
	if in.BrokerRules.MaxLeverage.IsPositive() && effectiveLeverage.GreaterThan(in.BrokerRules.MaxLeverage) {
		maxNotional := in.BrokerRules.MaxLeverage.Mul(in.Equity)
		scaledQuantity := roundDownToStep(maxNotional.Div(in.EntryPrice), in.BrokerRules.Lot)
		if scaledQuantity.LessThan(in.BrokerRules.Lot) {
			return SizeResult{}, errkind.Newf(errkind.AmountTooSmall,
				"quantity scaled down for max leverage %s falls below minimum trade amount %s",
				in.BrokerRules.MaxLeverage, in.BrokerRules.Lot)
		}
		quantity = scaledQuantity
		notional = quantity.Mul(in.EntryPrice)
		effectiveLeverage = safeDiv(notional, in.Equity)
	}

	if effectiveLeverage.GreaterThan(highLeverageWarnThreshold) {
		warnings = append(warnings, "effective leverage exceeds 10x")
	}

	return SizeResult{
		Quantity:          quantity,
		Notional:          notional,
		EffectiveLeverage: effectiveLeverage,
		RiskAmountUSD:     riskAmount,
		Warnings:          warnings,
	}, nil
}

// Bracket is the {stopLoss, takeProfit} pair produced by BuildBracket.
type Bracket struct {
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// Side mirrors broker.Side without importing the broker package (risk stays
// dependency-free of anything broker/session related).
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// BuildBracket derives {stopLoss, takeProfit} from entry/stop/rrRatio,
// rounded to tickSize: stop stays on the side already implied by
// (entry, stop); take-profit sits the rrRatio-scaled distance on the
// favourable side (spec.md §4.4 bracket builder).
func BuildBracket(side Side, entry, stop, rrRatio, tickSize decimal.Decimal) Bracket {
	stopDistance := entry.Sub(stop).Abs()
	tpDistance := rrRatio.Mul(stopDistance)

	var takeProfit decimal.Decimal
	if side == SideBuy {
		takeProfit = entry.Add(tpDistance)
	} else {
		takeProfit = entry.Sub(tpDistance)
	}

	return Bracket{
		StopLoss:   roundToTick(stop, tickSize),
		TakeProfit: roundToTick(takeProfit, tickSize),
	}
}

// roundDownToStep floors value to the nearest multiple of step (lot
// rounding, §4.4 step 4 — must round down, never up, to avoid sizing past
// the risk budget).
func roundDownToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	steps := value.Div(step).Floor()
	return steps.Mul(step)
}

// roundToTick rounds value to the nearest multiple of tickSize (bracket
// price rounding, §4.4's bracket builder — banker's-rounding-free nearest,
// since tick prices round both directions depending on which is closer).
func roundToTick(value, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return value
	}
	steps := value.DivRound(tickSize, 0)
	return steps.Mul(tickSize)
}

func safeDiv(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Div(b)
}
