package broker

import (
	"context"

	"trading-core/internal/bracket"
)

// The methods below let *Adapter satisfy bracket.Broker without bracket
// importing this package (bracket.Request/Leg are broker-agnostic value
// types so the placer has no session/RPC dependency).

// SupportsNativeOTOCO reports whether the connected broker accepts a single
// RPC carrying both entry and otoco_config (spec.md §4.3); true for every
// environment this adapter targets.
func (a *Adapter) SupportsNativeOTOCO() bool { return true }

func toSide(side string) Side {
	if side == string(Sell) {
		return Sell
	}
	return Buy
}

// oppositeSide is the side a protective order must take to close a
// position opened with entrySide.
func oppositeSide(entrySide string) Side {
	if toSide(entrySide) == Buy {
		return Sell
	}
	return Buy
}

// PlaceEntryWithOTOCO places the entry with an attached bracket in a single
// RPC (spec.md §4.5 path 1).
func (a *Adapter) PlaceEntryWithOTOCO(ctx context.Context, req bracket.Request) (bracket.Result, error) {
	res, err := a.PlaceOrder(ctx, PlaceOrderParams{
		Instrument: req.Instrument,
		Side:       toSide(req.Side),
		Type:       OrderType(req.Type),
		Amount:     req.Amount,
		Price:      req.Price,
		Label:      req.Label,
		StopLoss:   &BracketLeg{TriggerPrice: req.StopLoss.TriggerPrice, Price: req.StopLoss.Price},
		TakeProfit: &BracketLeg{TriggerPrice: req.TakeProfit.TriggerPrice, Price: req.TakeProfit.Price},
	})
	if err != nil {
		return bracket.Result{}, err
	}
	return bracket.Result{
		EntryOrderID:  res.OrderID,
		SLOrderID:     res.SLOrderID,
		TPOrderID:     res.TPOrderID,
		TransactionID: res.TransactionID,
	}, nil
}

// PlaceEntry places the entry leg alone (fallback path, step 1 of 3).
func (a *Adapter) PlaceEntry(ctx context.Context, req bracket.Request) (bracket.Result, error) {
	res, err := a.PlaceOrder(ctx, PlaceOrderParams{
		Instrument: req.Instrument,
		Side:       toSide(req.Side),
		Type:       OrderType(req.Type),
		Amount:     req.Amount,
		Price:      req.Price,
		Label:      req.Label,
	})
	if err != nil {
		return bracket.Result{}, err
	}
	return bracket.Result{EntryOrderID: res.OrderID}, nil
}

// PlaceStopLoss places a standalone reduce-only stop-market leg (fallback
// path, step 2 of 3), on the side opposite the entry so it closes the
// position when triggered.
func (a *Adapter) PlaceStopLoss(ctx context.Context, instrument, entrySide string, amount float64, leg bracket.Leg) (string, error) {
	triggerPrice := leg.TriggerPrice
	res, err := a.PlaceOrder(ctx, PlaceOrderParams{
		Instrument: instrument,
		Side:       oppositeSide(entrySide),
		Type:       StopMarket,
		Amount:     amount,
		Price:      &triggerPrice,
		ReduceOnly: true,
	})
	if err != nil {
		return "", err
	}
	return res.OrderID, nil
}

// PlaceTakeProfit places a standalone reduce-only take-limit leg (fallback
// path, step 3 of 3), on the side opposite the entry.
func (a *Adapter) PlaceTakeProfit(ctx context.Context, instrument, entrySide string, amount float64, leg bracket.Leg) (string, error) {
	price := leg.Price
	res, err := a.PlaceOrder(ctx, PlaceOrderParams{
		Instrument: instrument,
		Side:       oppositeSide(entrySide),
		Type:       TakeLimit,
		Amount:     amount,
		Price:      &price,
		ReduceOnly: true,
	})
	if err != nil {
		return "", err
	}
	return res.OrderID, nil
}
