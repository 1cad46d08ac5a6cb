package validator

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"trading-core/internal/errkind"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fakeGuard struct {
	canOpen     bool
	hasPosition bool
	err         error
}

func (f fakeGuard) CanOpenPosition() bool { return f.canOpen }
func (f fakeGuard) HasOpenPosition(ctx context.Context, instrument string) (bool, error) {
	return f.hasPosition, f.err
}

func defaultInstrument() InstrumentInfo {
	return InstrumentInfo{MinTradeAmount: d("1"), TickSize: d("0.5"), MaxLeverage: d("20")}
}

func TestValidateHappyPath(t *testing.T) {
	req := Request{
		Instrument: "BTC-PERPETUAL", Amount: d("10"), EntryPrice: d("100"),
		AvailableFunds: d("1000"),
	}
	res, err := Validate(context.Background(), req, defaultInstrument(), fakeGuard{canOpen: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Amount.Equal(d("10")) {
		t.Errorf("expected amount 10, got %s", res.Amount)
	}
}

func TestValidateRejectsBelowMinTradeAmount(t *testing.T) {
	req := Request{Instrument: "BTC-PERPETUAL", Amount: d("0.1"), EntryPrice: d("100"), AvailableFunds: d("1000")}
	_, err := Validate(context.Background(), req, defaultInstrument(), fakeGuard{canOpen: true})
	if errkind.Of(err) != errkind.AmountTooSmall {
		t.Fatalf("expected AMOUNT_TOO_SMALL, got %v", err)
	}
}

func TestValidateRejectsInsufficientMargin(t *testing.T) {
	req := Request{Instrument: "BTC-PERPETUAL", Amount: d("100"), EntryPrice: d("100"), AvailableFunds: d("10")}
	_, err := Validate(context.Background(), req, defaultInstrument(), fakeGuard{canOpen: true})
	if errkind.Of(err) != errkind.InsufficientMargin {
		t.Fatalf("expected INSUFFICIENT_MARGIN, got %v", err)
	}
}

func TestValidateRejectsLeverageHardCap(t *testing.T) {
	req := Request{Instrument: "BTC-PERPETUAL", Amount: d("100"), EntryPrice: d("100"), AvailableFunds: d("100")}
	inst := InstrumentInfo{MinTradeAmount: d("1"), TickSize: d("0.5"), MaxLeverage: d("1000")}
	_, err := Validate(context.Background(), req, inst, fakeGuard{canOpen: true})
	if errkind.Of(err) != errkind.LeverageExceeded {
		t.Fatalf("expected LEVERAGE_EXCEEDED, got %v", err)
	}
}

func TestValidateWarnsAboveTenXLeverage(t *testing.T) {
	req := Request{Instrument: "BTC-PERPETUAL", Amount: d("15"), EntryPrice: d("100"), AvailableFunds: d("100")}
	inst := InstrumentInfo{MinTradeAmount: d("1"), TickSize: d("0.5"), MaxLeverage: d("50")}
	res, err := Validate(context.Background(), req, inst, fakeGuard{canOpen: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a high-leverage warning")
	}
}

func TestValidateRejectsWhenLifecycleCannotOpen(t *testing.T) {
	req := Request{Instrument: "BTC-PERPETUAL", Amount: d("10"), EntryPrice: d("100"), AvailableFunds: d("1000")}
	_, err := Validate(context.Background(), req, defaultInstrument(), fakeGuard{canOpen: false})
	if errkind.Of(err) != errkind.InvalidStateTransition {
		t.Fatalf("expected INVALID_STATE_TRANSITION, got %v", err)
	}
}

func TestValidateRejectsWhenPositionAlreadyOpen(t *testing.T) {
	req := Request{Instrument: "BTC-PERPETUAL", Amount: d("10"), EntryPrice: d("100"), AvailableFunds: d("1000")}
	_, err := Validate(context.Background(), req, defaultInstrument(), fakeGuard{canOpen: true, hasPosition: true})
	if errkind.Of(err) != errkind.PositionAlreadyExists {
		t.Fatalf("expected POSITION_ALREADY_EXISTS, got %v", err)
	}
}

func TestValidateRoundsPriceToTick(t *testing.T) {
	price := d("100.37")
	req := Request{
		Instrument: "BTC-PERPETUAL", Amount: d("10"), EntryPrice: d("100"),
		Price: &price, AvailableFunds: d("1000"),
	}
	res, err := Validate(context.Background(), req, defaultInstrument(), fakeGuard{canOpen: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Price == nil {
		t.Fatal("expected a rounded price")
	}
	if rem := res.Price.Mod(d("0.5")); !rem.IsZero() {
		t.Errorf("price %s not rounded to tick 0.5", res.Price)
	}
}
