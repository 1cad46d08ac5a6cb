// Package validator runs the pre-flight checks of spec.md §4.5 before an
// entry order is placed: lot/tick rounding, margin sufficiency, leverage
// ceiling, and consultation of the strategy lifecycle guard. Grounded on
// the teacher's internal/risk/manager.go sequential gate-chain style
// (each check returns early with a distinct reason), adapted to the
// spec's distinct reject codes instead of the teacher's tiered limits.
package validator

import (
	"context"

	"github.com/shopspring/decimal"

	"trading-core/internal/errkind"
)

// LeverageHardCap is the reject threshold from §4.5 ("reject if > 50x").
var LeverageHardCap = decimal.NewFromInt(50)

// LeverageWarnThreshold is the warn-but-allow threshold from §4.5.
var LeverageWarnThreshold = decimal.NewFromInt(10)

// InstrumentInfo is the subset of broker.Instrument the validator needs.
type InstrumentInfo struct {
	MinTradeAmount decimal.Decimal
	TickSize       decimal.Decimal
	MaxLeverage    decimal.Decimal
}

// LifecycleGuard is the subset of the lifecycle manager the validator
// consults (spec.md §4.5's "consult Lifecycle Manager" step).
type LifecycleGuard interface {
	CanOpenPosition() bool
	HasOpenPosition(ctx context.Context, instrument string) (bool, error)
}

// Request is one proposed entry order to validate.
type Request struct {
	Instrument     string
	Amount         decimal.Decimal
	Price          *decimal.Decimal // set only for limit orders
	EntryPrice     decimal.Decimal  // used for leverage/margin math regardless of order type
	AvailableFunds decimal.Decimal
}

// Result is the validator's verdict: the possibly-rounded order fields plus
// any non-fatal warnings.
type Result struct {
	Amount          decimal.Decimal
	Price           *decimal.Decimal
	RequiredMargin  decimal.Decimal
	ActualLeverage  decimal.Decimal
	Warnings        []string
}

// Validate runs every pre-flight check in order, returning on the first
// failure (spec.md §4.5).
func Validate(ctx context.Context, req Request, inst InstrumentInfo, guard LifecycleGuard) (Result, error) {
	var warnings []string

	if req.Amount.LessThan(inst.MinTradeAmount) {
		return Result{}, errkind.Newf(errkind.AmountTooSmall,
			"amount %s below minimum trade amount %s", req.Amount, inst.MinTradeAmount)
	}
	roundedAmount := roundToLot(req.Amount, inst.MinTradeAmount)
	if !roundedAmount.Equal(req.Amount) {
		warnings = append(warnings, "amount rounded to lot size")
	}
	if roundedAmount.LessThan(inst.MinTradeAmount) {
		return Result{}, errkind.Newf(errkind.AmountTooSmall,
			"rounded amount %s below minimum trade amount %s", roundedAmount, inst.MinTradeAmount)
	}

	var roundedPrice *decimal.Decimal
	if req.Price != nil {
		p := roundToTick(*req.Price, inst.TickSize)
		roundedPrice = &p
	}

	notional := roundedAmount.Mul(req.EntryPrice)
	requiredMargin := safeDiv(notional, inst.MaxLeverage)
	if req.AvailableFunds.LessThan(requiredMargin) {
		return Result{}, errkind.Newf(errkind.InsufficientMargin,
			"available funds %s below required margin %s", req.AvailableFunds, requiredMargin).
			WithDetails(map[string]string{
				"availableFunds": req.AvailableFunds.String(),
				"requiredMargin": requiredMargin.String(),
			})
	}

	actualLeverage := safeDiv(notional, req.AvailableFunds)
	if actualLeverage.GreaterThan(LeverageHardCap) {
		return Result{}, errkind.Newf(errkind.LeverageExceeded,
			"actual leverage %s exceeds hard cap %s", actualLeverage, LeverageHardCap)
	}
	if actualLeverage.GreaterThan(LeverageWarnThreshold) {
		warnings = append(warnings, "actual leverage exceeds 10x")
	}

	if !guard.CanOpenPosition() {
		return Result{}, errkind.New(errkind.InvalidStateTransition,
			"lifecycle is not in a state that permits opening a position")
	}
	hasPosition, err := guard.HasOpenPosition(ctx, req.Instrument)
	if err != nil {
		return Result{}, err
	}
	if hasPosition {
		return Result{}, errkind.Newf(errkind.PositionAlreadyExists,
			"a position is already open on %s", req.Instrument)
	}

	return Result{
		Amount:         roundedAmount,
		Price:          roundedPrice,
		RequiredMargin: requiredMargin,
		ActualLeverage: actualLeverage,
		Warnings:       warnings,
	}, nil
}

func roundToLot(value, lot decimal.Decimal) decimal.Decimal {
	if lot.IsZero() {
		return value
	}
	return value.Div(lot).Round(0).Mul(lot)
}

func roundToTick(value, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return value
	}
	return value.DivRound(tickSize, 0).Mul(tickSize)
}

func safeDiv(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Div(b)
}
