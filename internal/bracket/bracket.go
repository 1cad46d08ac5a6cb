// Package bracket places entry+SL+TP orders as one atomic unit
// (spec.md §4.5 "Bracket Placer", C6): preferred native-OTOCO path, with a
// sequential fallback-and-rollback path for brokers/situations where the
// OTOCO RPC path fails. Grounded on the teacher's internal/order/executor.go
// gateway-resolution-then-publish shape: resolve the broker once, dispatch,
// publish an event, same as the teacher's Executor.Handle.
package bracket

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trading-core/internal/errkind"
	"trading-core/internal/events"
)

// placementTimeout is the overall timeout from spec.md §4.5 step 3.
const placementTimeout = 5 * time.Second

// Leg mirrors broker.BracketLeg without importing the broker package.
type Leg struct {
	TriggerPrice float64
	Price        float64
}

// Request is the placeBracket input (spec.md §4.5).
type Request struct {
	Instrument string
	Side       string // "buy" | "sell"
	Type       string
	Amount     float64
	Price      *float64
	Label      string // base label; children get "_sl"/"_tp" suffixes (§4.5 step 1)
	StopLoss   Leg
	TakeProfit Leg
}

// Result mirrors broker.PlaceOrderResult.
type Result struct {
	EntryOrderID  string
	SLOrderID     string
	TPOrderID     string
	TransactionID string
}

// Broker is the subset of internal/broker.Adapter the placer depends on.
// Kept as an interface so bracket has no import-time dependency on broker
// (and so tests can substitute a fake).
type Broker interface {
	PlaceEntry(ctx context.Context, req Request) (Result, error)
	PlaceEntryWithOTOCO(ctx context.Context, req Request) (Result, error)
	PlaceStopLoss(ctx context.Context, instrument, entrySide string, amount float64, leg Leg) (string, error)
	PlaceTakeProfit(ctx context.Context, instrument, entrySide string, amount float64, leg Leg) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	SupportsNativeOTOCO() bool
}

// Placer places brackets and owns the fallback/rollback logic.
type Placer struct {
	broker Broker
	log    *zap.Logger
	bus    *events.Bus
}

func New(broker Broker, log *zap.Logger, bus *events.Bus) *Placer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Placer{broker: broker, log: log, bus: bus}
}

// PlaceBracket places the bracket per spec.md §4.5's two-path contract,
// enforcing the 5s overall timeout regardless of which path is taken.
func (p *Placer) PlaceBracket(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, placementTimeout)
	defer cancel()

	if p.broker.SupportsNativeOTOCO() {
		res, err := p.broker.PlaceEntryWithOTOCO(ctx, req)
		if err == nil {
			return res, nil
		}
		p.log.Warn("native OTOCO placement failed, falling back to sequential legs",
			zap.String("instrument", req.Instrument), zap.Error(err))
	}

	return p.placeSequentialWithRollback(ctx, req)
}

// placeSequentialWithRollback implements spec.md §4.5 path 2: entry → sl →
// tp, with reverse-order rollback (tp → sl → entry) on any failure.
func (p *Placer) placeSequentialWithRollback(ctx context.Context, req Request) (Result, error) {
	txnID := fmt.Sprintf("%s-%d", req.Instrument, time.Now().UnixNano())
	req.Label = fmt.Sprintf("entry-%s", txnID)
	var placed []placedLeg

	rollback := func(cause error) error {
		for i := len(placed) - 1; i >= 0; i-- {
			leg := placed[i]
			if err := p.broker.CancelOrder(context.Background(), leg.orderID); err != nil {
				p.log.Warn("rollback cancellation failed, orphan order left on broker",
					zap.String("leg", leg.kind), zap.String("orderId", leg.orderID), zap.Error(err))
				if p.bus != nil {
					p.bus.Publish(events.EventOrphanDetected, map[string]string{
						"transactionId": txnID,
						"orderId":       leg.orderID,
						"leg":           leg.kind,
					})
				}
			}
		}
		return cause
	}

	entryRes, err := p.broker.PlaceEntry(ctx, req)
	if err != nil {
		return Result{}, err
	}
	placed = append(placed, placedLeg{kind: "entry", orderID: entryRes.EntryOrderID})

	slOrderID, err := p.broker.PlaceStopLoss(ctx, req.Instrument, req.Side, req.Amount, req.StopLoss)
	if err != nil {
		return Result{}, rollback(err)
	}
	placed = append(placed, placedLeg{kind: "sl", orderID: slOrderID})

	tpOrderID, err := p.broker.PlaceTakeProfit(ctx, req.Instrument, req.Side, req.Amount, req.TakeProfit)
	if err != nil {
		return Result{}, rollback(err)
	}

	if ctx.Err() != nil {
		placed = append(placed, placedLeg{kind: "tp", orderID: tpOrderID})
		return Result{}, rollback(errkind.New(errkind.TimeoutError, "bracket placement exceeded overall timeout"))
	}

	return Result{
		EntryOrderID:  entryRes.EntryOrderID,
		SLOrderID:     slOrderID,
		TPOrderID:     tpOrderID,
		TransactionID: txnID,
	}, nil
}

type placedLeg struct {
	kind    string
	orderID string
}
