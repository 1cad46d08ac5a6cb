package journal

import (
	"context"
	"testing"

	"trading-core/internal/broker"
	"trading-core/pkg/store"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestOpenAndCloseTrade(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	id, err := j.OpenTrade(ctx, Entry{
		Strategy:     "ma_cross",
		Instrument:   "BTC-PERPETUAL",
		Side:         "buy",
		Amount:       10,
		EntryPrice:   50000,
		EntryOrderID: "order-1",
	})
	if err != nil {
		t.Fatalf("open trade: %v", err)
	}

	entries, err := j.Query(ctx, Filter{OpenOnly: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 || !entries[0].IsOpen() {
		t.Fatalf("expected one open entry, got %+v", entries)
	}

	if err := j.CloseTrade(ctx, id, 51000, 100, "fills", "tp_hit"); err != nil {
		t.Fatalf("close trade: %v", err)
	}

	closed, err := j.Query(ctx, Filter{ClosedOnly: true})
	if err != nil {
		t.Fatalf("query closed: %v", err)
	}
	if len(closed) != 1 || closed[0].IsOpen() {
		t.Fatalf("expected one closed entry, got %+v", closed)
	}
	if closed[0].PnL == nil || *closed[0].PnL != 100 {
		t.Errorf("unexpected pnl: %+v", closed[0].PnL)
	}
}

func TestCloseTradeTwiceFails(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	id, _ := j.OpenTrade(ctx, Entry{
		Strategy: "rsi", Instrument: "ETH-PERPETUAL", Side: "sell",
		Amount: 5, EntryPrice: 3000, EntryOrderID: "order-2",
	})

	if err := j.CloseTrade(ctx, id, 2900, 50, "fills", "sl_hit"); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := j.CloseTrade(ctx, id, 2900, 50, "fills", "sl_hit"); err == nil {
		t.Error("expected error closing an already-closed trade")
	}
}

func TestAttachOrderIDsAndUpdateStops(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	id, _ := j.OpenTrade(ctx, Entry{
		Strategy: "bollinger", Instrument: "BTC-PERPETUAL", Side: "buy",
		Amount: 1, EntryPrice: 40000, EntryOrderID: "order-3",
	})

	sl := "sl-order-3"
	if err := j.AttachOrderIDs(ctx, id, &sl, nil); err != nil {
		t.Fatalf("attach order ids: %v", err)
	}

	newSL := 39000.0
	if err := j.UpdateStops(ctx, id, &newSL, nil); err != nil {
		t.Fatalf("update stops: %v", err)
	}

	entries, err := j.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.SLOrderID == nil || *e.SLOrderID != "sl-order-3" {
		t.Errorf("sl order id not attached: %+v", e.SLOrderID)
	}
	if e.StopLoss == nil || *e.StopLoss != 39000 {
		t.Errorf("stop loss not updated: %+v", e.StopLoss)
	}
}

func TestStatsAggregatesClosedTradesOnly(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	id1, _ := j.OpenTrade(ctx, Entry{Strategy: "s", Instrument: "BTC-PERPETUAL", Side: "buy", Amount: 1, EntryPrice: 100, EntryOrderID: "o1"})
	id2, _ := j.OpenTrade(ctx, Entry{Strategy: "s", Instrument: "BTC-PERPETUAL", Side: "buy", Amount: 1, EntryPrice: 100, EntryOrderID: "o2"})
	_, _ = j.OpenTrade(ctx, Entry{Strategy: "s", Instrument: "BTC-PERPETUAL", Side: "buy", Amount: 1, EntryPrice: 100, EntryOrderID: "o3"}) // left open

	if err := j.CloseTrade(ctx, id1, 110, 10, "fills", "tp_hit"); err != nil {
		t.Fatalf("close id1: %v", err)
	}
	if err := j.CloseTrade(ctx, id2, 90, -10, "fills", "sl_hit"); err != nil {
		t.Fatalf("close id2: %v", err)
	}

	stats, err := j.Stats(ctx, Filter{Strategy: "s"})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ClosedCount != 2 {
		t.Errorf("expected 2 closed trades, got %d", stats.ClosedCount)
	}
	if stats.WinCount != 1 || stats.LossCount != 1 {
		t.Errorf("expected 1 win / 1 loss, got win=%d loss=%d", stats.WinCount, stats.LossCount)
	}
	if stats.TotalPnL != 0 {
		t.Errorf("expected total pnl 0, got %f", stats.TotalPnL)
	}
	if stats.WinRate != 0.5 {
		t.Errorf("expected win rate 0.5, got %f", stats.WinRate)
	}
	if stats.BestTrade != 10 || stats.WorstTrade != -10 {
		t.Errorf("expected best=10 worst=-10, got best=%f worst=%f", stats.BestTrade, stats.WorstTrade)
	}
	if stats.AvgPnL != 0 {
		t.Errorf("expected avg pnl 0, got %f", stats.AvgPnL)
	}
	if stats.SLHits != 1 || stats.TPHits != 1 {
		t.Errorf("expected 1 sl hit / 1 tp hit, got sl=%d tp=%d", stats.SLHits, stats.TPHits)
	}
}

func TestDeriveExitFromFillsComputesPnLAndReason(t *testing.T) {
	sl := "sl-1"
	e := Entry{
		Side: "buy", Amount: 2, EntryPrice: 100, EntryOrderID: "entry-1", SLOrderID: &sl,
	}
	fills := []broker.Fill{
		{OrderID: "entry-1", Price: 100, Amount: 2, Fee: 0.1},
		{OrderID: "sl-1", Price: 95, Amount: 2, Fee: 0.1},
	}
	result := DeriveExit(e, fills, 0)
	if result.PnLSource != "fills" {
		t.Errorf("expected fills-sourced pnl, got %s", result.PnLSource)
	}
	if result.ExitReason != "sl_hit" {
		t.Errorf("expected sl_hit, got %s", result.ExitReason)
	}
	wantPnL := (95*2 - 100*2) - 0.2
	if result.PnL != wantPnL {
		t.Errorf("expected pnl %f, got %f", wantPnL, result.PnL)
	}
	if result.ExitPrice != 95 {
		t.Errorf("expected exit price 95, got %f", result.ExitPrice)
	}
}

func TestDeriveExitFallsBackToEstimationWhenNoFills(t *testing.T) {
	tp := 110.0
	e := Entry{Side: "buy", Amount: 2, EntryPrice: 100, TakeProfit: &tp}
	result := DeriveExit(e, nil, 110)
	if result.PnLSource != "estimation" {
		t.Errorf("expected estimation-sourced pnl, got %s", result.PnLSource)
	}
	if result.ExitReason != "tp_hit" {
		t.Errorf("expected tp_hit, got %s", result.ExitReason)
	}
	wantPnL := (110.0 - 100.0) / 100.0 * 2
	if result.PnL != wantPnL {
		t.Errorf("expected pnl %f, got %f", wantPnL, result.PnL)
	}
}

func TestDeriveExitShortSideInvertsSign(t *testing.T) {
	e := Entry{Side: "sell", Amount: 1, EntryPrice: 100}
	result := DeriveExit(e, nil, 90)
	if result.PnL <= 0 {
		t.Errorf("expected positive pnl for a short that dropped in price, got %f", result.PnL)
	}
}

func TestDeleteTrade(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	id, _ := j.OpenTrade(ctx, Entry{Strategy: "s", Instrument: "BTC-PERPETUAL", Side: "buy", Amount: 1, EntryPrice: 100, EntryOrderID: "o1"})
	if err := j.DeleteTrade(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	entries, err := j.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries after delete, got %d", len(entries))
	}
}
