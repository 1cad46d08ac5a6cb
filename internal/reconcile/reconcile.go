// Package reconcile runs the two cooperating periodic tasks of spec.md
// §4.7 (C7): the broker↔state reconciler and the orphan order sweeper,
// plus on-demand stop-loss repair. Grounded on the teacher's
// internal/reconciliation/service.go periodic-scan shape (ticker loop,
// structured warning logging), generalized to the cases §4.7 enumerates.
package reconcile

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"trading-core/internal/broker"
	"trading-core/internal/events"
	"trading-core/internal/lifecycle"
)

// Broker is the subset of broker.Adapter the reconciler depends on.
type Broker interface {
	GetOpenPositions(ctx context.Context) ([]broker.Position, error)
	GetOpenOrders(ctx context.Context, instrument string) ([]broker.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ClosePosition(ctx context.Context, instrument string) error
}

// Lifecycle is the subset of lifecycle.Manager the reconciler depends on.
type Lifecycle interface {
	Current(accountID string) lifecycle.StrategyRecord
	ReconcileReset(ctx context.Context, accountID string) (lifecycle.StrategyRecord, error)
	Apply(ctx context.Context, accountID string, t lifecycle.Transition) (lifecycle.StrategyRecord, error)
}

// Options configures reconciler behavior.
type Options struct {
	Interval         time.Duration // default 60s
	AutoCloseUnknown bool
}

// Reconciler ties one account's broker/lifecycle view together.
type Reconciler struct {
	accountID string
	broker    Broker
	lifecycle Lifecycle
	bus       *events.Bus
	log       *zap.Logger
	opts      Options
}

func New(accountID string, b Broker, lc Lifecycle, bus *events.Bus, log *zap.Logger, opts Options) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	return &Reconciler{accountID: accountID, broker: b, lifecycle: lc, bus: bus, log: log, opts: opts}
}

// Run executes one reconcile pass immediately, then every opts.Interval
// until ctx is cancelled (spec.md §4.7: "runs once on startup, then every
// 60s").
func (r *Reconciler) Run(ctx context.Context) {
	r.runOnce(ctx)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	if err := r.ReconcilePositions(ctx); err != nil {
		r.log.Warn("position reconciliation failed", zap.Error(err))
	}
	if err := r.SweepOrphans(ctx); err != nil {
		r.log.Warn("orphan sweep failed", zap.Error(err))
	}
}

// warn publishes a structured reconciliation warning (spec.md §4.7: "each
// with structured warnings").
func (r *Reconciler) warn(kind string, details map[string]any) {
	r.log.Warn("reconciliation warning", zap.String("kind", kind))
	if r.bus != nil {
		payload := map[string]any{"kind": kind, "accountId": r.accountID}
		for k, v := range details {
			payload[k] = v
		}
		r.bus.Publish(events.EventReconcileWarning, payload)
	}
}

// ReconcilePositions implements the four broker↔state cases of §4.7.
func (r *Reconciler) ReconcilePositions(ctx context.Context) error {
	positions, err := r.broker.GetOpenPositions(ctx)
	if err != nil {
		return err
	}
	rec := r.lifecycle.Current(r.accountID)
	state := rec.State

	switch {
	case len(positions) == 0 && state == lifecycle.POSITION_OPEN:
		// stale state: position closed out from under us
		r.warn("stale_state", map[string]any{"state": state})
		if _, err := r.lifecycle.Apply(ctx, r.accountID, lifecycle.TransitionClosing); err == nil {
			r.lifecycle.Apply(ctx, r.accountID, lifecycle.TransitionClosed)
		}

	case len(positions) == 1 && (state == lifecycle.IDLE || state == lifecycle.ANALYZING):
		// unknown position
		pos := positions[0]
		r.warn("unknown_position", map[string]any{"instrument": pos.Instrument, "size": pos.Size})
		if r.opts.AutoCloseUnknown {
			if err := r.broker.ClosePosition(ctx, pos.Instrument); err != nil {
				r.log.Warn("failed to auto-close unknown position", zap.String("instrument", pos.Instrument), zap.Error(err))
			}
		}

	case len(positions) == 1 && state == lifecycle.POSITION_OPEN && positions[0].Instrument != rec.Instrument:
		r.warn("instrument_mismatch", map[string]any{"expected": rec.Instrument, "actual": positions[0].Instrument})

	case len(positions) > 1:
		r.warn("guard_violation", map[string]any{"count": len(positions)})
		if r.opts.AutoCloseUnknown {
			for _, pos := range positions[1:] {
				if err := r.broker.ClosePosition(ctx, pos.Instrument); err != nil {
					r.log.Warn("failed to close extra position", zap.String("instrument", pos.Instrument), zap.Error(err))
				}
			}
		}
	}
	return nil
}

// isOCOLabel reports whether label matches the bracket label grammar from
// spec.md §4.5 ("entry-<txid>", "<label>_sl", "<label>_tp").
func isOCOLabel(label string) bool {
	return strings.HasSuffix(label, "_sl") || strings.HasSuffix(label, "_tp") || strings.HasPrefix(label, "entry-")
}

// SweepOrphans implements §4.7's orphan order sweeper.
func (r *Reconciler) SweepOrphans(ctx context.Context) error {
	orders, err := r.broker.GetOpenOrders(ctx, "")
	if err != nil {
		return err
	}
	positions, err := r.broker.GetOpenPositions(ctx)
	if err != nil {
		return err
	}
	hasPositionFor := make(map[string]bool, len(positions))
	for _, p := range positions {
		hasPositionFor[p.Instrument] = true
	}

	for _, order := range orders {
		namesProtective := strings.HasSuffix(order.Label, "_sl") || strings.HasSuffix(order.Label, "_tp")
		participatesInOCO := isOCOLabel(order.Label) && (hasPositionFor[order.Instrument] || order.OCORef != "")

		isOrphan := (order.ReduceOnly && !hasPositionFor[order.Instrument]) ||
			(namesProtective && !hasPositionFor[order.Instrument])
		if isOrphan && !participatesInOCO {
			if err := r.broker.CancelOrder(ctx, order.OrderID); err != nil {
				r.log.Warn("failed to cancel orphan order", zap.String("orderId", order.OrderID), zap.Error(err))
				continue
			}
			r.log.Info("cancelled orphan order", zap.String("orderId", order.OrderID), zap.String("instrument", order.Instrument))
		}
	}
	return nil
}

// StopLossPlacer places a replacement protective stop; satisfied by
// *internal/broker.Adapter via its bracket_support.go methods.
type StopLossPlacer interface {
	PlaceStopLoss(ctx context.Context, instrument, entrySide string, amount float64, leg broker.BracketLeg) (string, error)
}

// RepairStopLoss is the on-demand idempotent repair path of §4.7: if a
// position is open but carries no live reduce-only stop order, place one
// at stopPrice. Idempotent — a no-op when a matching stop already exists.
func (r *Reconciler) RepairStopLoss(ctx context.Context, placer StopLossPlacer, position broker.Position, stopPrice float64) (string, error) {
	orders, err := r.broker.GetOpenOrders(ctx, position.Instrument)
	if err != nil {
		return "", err
	}
	for _, o := range orders {
		if o.ReduceOnly && strings.HasSuffix(o.Label, "_sl") {
			return o.OrderID, nil // already has a live protective stop
		}
	}

	entrySide := string(broker.Buy)
	if position.Size < 0 {
		entrySide = string(broker.Sell)
	}
	orderID, err := placer.PlaceStopLoss(ctx, position.Instrument, entrySide, abs(position.Size), broker.BracketLeg{TriggerPrice: stopPrice})
	if err != nil {
		return "", err
	}
	r.log.Info("repaired missing stop-loss", zap.String("instrument", position.Instrument), zap.String("orderId", orderID))
	return orderID, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
