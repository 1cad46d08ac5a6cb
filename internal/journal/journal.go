// Package journal is the durable trade journal (spec.md §4.9): one row per
// opened position tracking its bracket order ids through to close, used for
// PnL history and the GET /trades surface.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/broker"
	"trading-core/pkg/store"
)

// Entry is one trade journal row.
type Entry struct {
	ID            string
	Strategy      string
	Instrument    string
	Side          string
	Amount        float64
	EntryPrice    float64
	StopLoss      *float64
	TakeProfit    *float64
	EntryOrderID  string
	SLOrderID     *string
	TPOrderID     *string
	OpenedAt      time.Time
	ClosedAt      *time.Time
	ExitPrice     *float64
	PnL           *float64
	PnLSource     string // "fills" | "estimation"
	ExitReason    string // sl_hit | tp_hit | manual | strategy_stop | error
}

// IsOpen reports whether the trade has not yet been closed.
func (e Entry) IsOpen() bool { return e.ClosedAt == nil }

// Journal persists Entry rows to the shared store.
type Journal struct {
	store *store.Store
}

func New(s *store.Store) *Journal {
	return &Journal{store: s}
}

// OpenTrade records a newly-entered position and returns its generated id.
func (j *Journal) OpenTrade(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OpenedAt.IsZero() {
		e.OpenedAt = time.Now().UTC()
	}
	_, err := j.store.DB.ExecContext(ctx, `
		INSERT INTO journal_entries (
			id, strategy, instrument, side, amount, entry_price,
			stop_loss, take_profit, entry_order_id, sl_order_id, tp_order_id, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Strategy, e.Instrument, e.Side, e.Amount, e.EntryPrice,
		e.StopLoss, e.TakeProfit, e.EntryOrderID, e.SLOrderID, e.TPOrderID, e.OpenedAt)
	if err != nil {
		return "", fmt.Errorf("journal: open trade: %w", err)
	}
	return e.ID, nil
}

// AttachOrderIDs backfills SL/TP order ids once the bracket legs are placed
// (spec.md §4.6 — these are not always known at open time under the
// fallback path).
func (j *Journal) AttachOrderIDs(ctx context.Context, id string, slOrderID, tpOrderID *string) error {
	_, err := j.store.DB.ExecContext(ctx, `
		UPDATE journal_entries
		SET sl_order_id = COALESCE(?, sl_order_id), tp_order_id = COALESCE(?, tp_order_id)
		WHERE id = ?
	`, slOrderID, tpOrderID, id)
	if err != nil {
		return fmt.Errorf("journal: attach order ids: %w", err)
	}
	return nil
}

// UpdateStops records a stop-loss/take-profit repair or modification
// (reconciliation's SL-repair path, spec.md §4.7).
func (j *Journal) UpdateStops(ctx context.Context, id string, stopLoss, takeProfit *float64) error {
	_, err := j.store.DB.ExecContext(ctx, `
		UPDATE journal_entries
		SET stop_loss = COALESCE(?, stop_loss), take_profit = COALESCE(?, take_profit)
		WHERE id = ?
	`, stopLoss, takeProfit, id)
	if err != nil {
		return fmt.Errorf("journal: update stops: %w", err)
	}
	return nil
}

// CloseTrade records the exit of a position. pnlSource distinguishes a PnL
// computed from actual fill prices versus one estimated from mark price at
// the time of the closing event (spec.md §4.9 edge case: fills unavailable).
func (j *Journal) CloseTrade(ctx context.Context, id string, exitPrice, pnl float64, pnlSource, exitReason string) error {
	now := time.Now().UTC()
	res, err := j.store.DB.ExecContext(ctx, `
		UPDATE journal_entries
		SET closed_at = ?, exit_price = ?, pnl = ?, pnl_source = ?, exit_reason = ?
		WHERE id = ? AND closed_at IS NULL
	`, now, exitPrice, pnl, pnlSource, exitReason, id)
	if err != nil {
		return fmt.Errorf("journal: close trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal: close trade: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("journal: close trade: %s already closed or not found", id)
	}
	return nil
}

// DeleteTrade removes a journal row outright; used only for admin cleanup of
// test/bad data, never as part of the normal open/close lifecycle.
func (j *Journal) DeleteTrade(ctx context.Context, id string) error {
	_, err := j.store.DB.ExecContext(ctx, `DELETE FROM journal_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("journal: delete trade: %w", err)
	}
	return nil
}

// Filter narrows Query/Stats to a subset of entries.
type Filter struct {
	Strategy   string
	Instrument string
	OpenOnly   bool
	ClosedOnly bool
	Limit      int
	Offset     int
}

// Query returns journal entries matching filter, newest first.
func (j *Journal) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT id, strategy, instrument, side, amount, entry_price, stop_loss,
		take_profit, entry_order_id, sl_order_id, tp_order_id, opened_at,
		closed_at, exit_price, pnl, pnl_source, exit_reason
		FROM journal_entries WHERE 1=1`
	var args []any
	if f.Strategy != "" {
		q += " AND strategy = ?"
		args = append(args, f.Strategy)
	}
	if f.Instrument != "" {
		q += " AND instrument = ?"
		args = append(args, f.Instrument)
	}
	if f.OpenOnly {
		q += " AND closed_at IS NULL"
	}
	if f.ClosedOnly {
		q += " AND closed_at IS NOT NULL"
	}
	q += " ORDER BY opened_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := j.store.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var sl, tp, exitPrice, pnl sql.NullFloat64
		var slOrder, tpOrder, pnlSource, exitReason sql.NullString
		var closedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Strategy, &e.Instrument, &e.Side, &e.Amount,
			&e.EntryPrice, &sl, &tp, &e.EntryOrderID, &slOrder, &tpOrder, &e.OpenedAt,
			&closedAt, &exitPrice, &pnl, &pnlSource, &exitReason); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		if sl.Valid {
			v := sl.Float64
			e.StopLoss = &v
		}
		if tp.Valid {
			v := tp.Float64
			e.TakeProfit = &v
		}
		if slOrder.Valid {
			v := slOrder.String
			e.SLOrderID = &v
		}
		if tpOrder.Valid {
			v := tpOrder.String
			e.TPOrderID = &v
		}
		if closedAt.Valid {
			v := closedAt.Time
			e.ClosedAt = &v
		}
		if exitPrice.Valid {
			v := exitPrice.Float64
			e.ExitPrice = &v
		}
		if pnl.Valid {
			v := pnl.Float64
			e.PnL = &v
		}
		e.PnLSource = pnlSource.String
		e.ExitReason = exitReason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats is an aggregate summary over a set of closed trades (spec.md §4.9:
// totalTrades, wins, losses, winRate, totalPnl, avgPnl, bestTrade,
// worstTrade, slHits, tpHits).
type Stats struct {
	ClosedCount int
	WinCount    int
	LossCount   int
	TotalPnL    float64
	AvgPnL      float64
	BestTrade   float64
	WorstTrade  float64
	WinRate     float64
	SLHits      int
	TPHits      int
}

// Stats computes aggregate PnL stats over closed trades matching filter.
func (j *Journal) Stats(ctx context.Context, f Filter) (Stats, error) {
	f.ClosedOnly = true
	f.Limit = 1 << 30 // unbounded for aggregation
	entries, err := j.Query(ctx, f)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	first := true
	for _, e := range entries {
		if e.PnL == nil {
			continue
		}
		s.ClosedCount++
		s.TotalPnL += *e.PnL
		if *e.PnL >= 0 {
			s.WinCount++
		} else {
			s.LossCount++
		}
		if first || *e.PnL > s.BestTrade {
			s.BestTrade = *e.PnL
		}
		if first || *e.PnL < s.WorstTrade {
			s.WorstTrade = *e.PnL
		}
		first = false
		switch e.ExitReason {
		case "sl_hit":
			s.SLHits++
		case "tp_hit":
			s.TPHits++
		}
	}
	if s.ClosedCount > 0 {
		s.WinRate = float64(s.WinCount) / float64(s.ClosedCount)
		s.AvgPnL = s.TotalPnL / float64(s.ClosedCount)
	}
	return s, nil
}

// ExitDerivation is the outcome of DeriveExit: the computed exit price, PnL,
// its source, and the reason the position closed.
type ExitDerivation struct {
	ExitPrice  float64
	PnL        float64
	PnLSource  string // "fills" | "estimation"
	ExitReason string // sl_hit | tp_hit | manual
}

// DeriveExit implements the §4.9 exit-derivation algorithm: authoritative
// computation from the broker's per-fill trade history when available,
// falling back to an estimate from entry/exit price when fills data is
// unavailable or empty.
func DeriveExit(e Entry, fills []broker.Fill, markPrice float64) ExitDerivation {
	if len(fills) > 0 {
		return deriveFromFills(e, fills)
	}
	return deriveByEstimation(e, markPrice)
}

func deriveFromFills(e Entry, fills []broker.Fill) ExitDerivation {
	var entryNotional, exitNotional, fees float64
	var exitAmount float64
	var lastExitPrice float64
	exitOrderIDs := map[string]bool{}

	for _, f := range fills {
		fees += f.Fee
		switch f.OrderID {
		case e.EntryOrderID:
			entryNotional += f.Price * f.Amount
		default:
			exitNotional += f.Price * f.Amount
			exitAmount += f.Amount
			lastExitPrice = f.Price
			exitOrderIDs[f.OrderID] = true
		}
	}

	sideSign := 1.0
	if e.Side == "sell" {
		sideSign = -1.0
	}
	pnl := sideSign*(exitNotional-entryNotional) - fees

	reason := "manual"
	if e.SLOrderID != nil && exitOrderIDs[*e.SLOrderID] {
		reason = "sl_hit"
	} else if e.TPOrderID != nil && exitOrderIDs[*e.TPOrderID] {
		reason = "tp_hit"
	}

	exitPrice := lastExitPrice
	if exitAmount > 0 {
		exitPrice = exitNotional / exitAmount
	}

	return ExitDerivation{ExitPrice: exitPrice, PnL: pnl, PnLSource: "fills", ExitReason: reason}
}

func deriveByEstimation(e Entry, exitPrice float64) ExitDerivation {
	sideSign := 1.0
	if e.Side == "sell" {
		sideSign = -1.0
	}
	pnl := (exitPrice - e.EntryPrice) / e.EntryPrice * e.Amount * sideSign

	reason := "manual"
	switch {
	case e.StopLoss != nil && e.TakeProfit != nil:
		if math.Abs(exitPrice-*e.StopLoss) <= math.Abs(exitPrice-*e.TakeProfit) {
			reason = "sl_hit"
		} else {
			reason = "tp_hit"
		}
	case e.StopLoss != nil:
		reason = "sl_hit"
	case e.TakeProfit != nil:
		reason = "tp_hit"
	}

	return ExitDerivation{ExitPrice: exitPrice, PnL: pnl, PnLSource: "estimation", ExitReason: reason}
}
