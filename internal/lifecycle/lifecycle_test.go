package lifecycle

import (
	"context"
	"testing"

	"trading-core/internal/errkind"
	"trading-core/pkg/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil, nil)
}

func TestFullHappyPathTransitionSequence(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	const acct = "acct-1"

	if _, err := m.Start(ctx, acct, "ma_cross", "BTC-PERPETUAL"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := m.Current(acct).State; got != ANALYZING {
		t.Fatalf("expected ANALYZING after start, got %s", got)
	}

	steps := []struct {
		transition Transition
		want       State
	}{
		{TransitionSignal, SIGNAL_DETECTED},
		{TransitionEntering, ENTERING_POSITION},
		{TransitionOpened, POSITION_OPEN},
		{TransitionClosing, CLOSING},
		{TransitionClosed, ANALYZING},
	}
	for _, step := range steps {
		rec, err := m.Apply(ctx, acct, step.transition)
		if err != nil {
			t.Fatalf("apply %s: %v", step.transition, err)
		}
		if rec.State != step.want {
			t.Fatalf("after %s: got %s, want %s", step.transition, rec.State, step.want)
		}
	}
}

func TestStartWhileActiveIsSingleStrategyViolation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	const acct = "acct-1"

	if _, err := m.Start(ctx, acct, "ma_cross", "BTC-PERPETUAL"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := m.Start(ctx, acct, "rsi", "ETH-PERPETUAL")
	if errkind.Of(err) != errkind.SingleStrategyViolation {
		t.Fatalf("expected SINGLE_STRATEGY_VIOLATION, got %v", err)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	const acct = "acct-1"

	_, err := m.Apply(ctx, acct, TransitionOpened) // IDLE has no "opened" edge
	if errkind.Of(err) != errkind.InvalidStateTransition {
		t.Fatalf("expected INVALID_STATE_TRANSITION, got %v", err)
	}
}

func TestCanOpenPositionGuard(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	const acct = "acct-1"

	if m.CanOpenPosition(acct) {
		t.Error("expected CanOpenPosition false while IDLE")
	}
	m.Start(ctx, acct, "s", "i")
	if !m.CanOpenPosition(acct) {
		t.Error("expected CanOpenPosition true while ANALYZING")
	}
	m.Apply(ctx, acct, TransitionSignal)
	if !m.CanOpenPosition(acct) {
		t.Error("expected CanOpenPosition true while SIGNAL_DETECTED")
	}
	m.Apply(ctx, acct, TransitionEntering)
	if m.CanOpenPosition(acct) {
		t.Error("expected CanOpenPosition false while ENTERING_POSITION")
	}
}

func TestLoadDefaultsToIdleWhenMissing(t *testing.T) {
	m := newTestManager(t)
	rec := m.Load(context.Background(), "never-seen")
	if rec.State != IDLE {
		t.Errorf("expected IDLE default, got %s", rec.State)
	}
}

func TestStatePersistsAcrossManagerInstances(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	const acct = "acct-1"

	m1 := New(s, nil, nil)
	if _, err := m1.Start(ctx, acct, "s", "i"); err != nil {
		t.Fatalf("start: %v", err)
	}

	m2 := New(s, nil, nil)
	rec := m2.Load(ctx, acct)
	if rec.State != ANALYZING {
		t.Fatalf("expected persisted state ANALYZING, got %s", rec.State)
	}
}

type recordingObserver struct {
	transitions []string
}

func (r *recordingObserver) OnStateChange(ctx context.Context, accountID string, from, to State, record StrategyRecord) {
	r.transitions = append(r.transitions, string(from)+"->"+string(to))
}

func TestObserversNotifiedSynchronously(t *testing.T) {
	m := newTestManager(t)
	obs := &recordingObserver{}
	m.AddObserver(obs)

	ctx := context.Background()
	m.Start(ctx, "acct-1", "s", "i")
	m.Apply(ctx, "acct-1", TransitionSignal)

	if len(obs.transitions) != 2 {
		t.Fatalf("expected 2 recorded transitions, got %v", obs.transitions)
	}
	if obs.transitions[0] != "IDLE->ANALYZING" || obs.transitions[1] != "ANALYZING->SIGNAL_DETECTED" {
		t.Errorf("unexpected transition log: %v", obs.transitions)
	}
}

func TestReconcileResetForcesIdleFromAnyState(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	const acct = "acct-1"

	m.Start(ctx, acct, "s", "i")
	m.Apply(ctx, acct, TransitionSignal)
	m.Apply(ctx, acct, TransitionEntering)

	rec, err := m.ReconcileReset(ctx, acct)
	if err != nil {
		t.Fatalf("reconcile reset: %v", err)
	}
	if rec.State != IDLE {
		t.Errorf("expected IDLE after reconcile reset, got %s", rec.State)
	}
}
