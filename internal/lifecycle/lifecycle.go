// Package lifecycle is the strategy lifecycle state machine (spec.md §4.6,
// C8): a singleton-per-account StrategyState, the single-strategy-per-
// account guard, and durable persistence across restarts. Grounded on the
// teacher's internal/state/manager.go mutex-guarded in-memory-snapshot-
// plus-persist shape, generalized from a position cache to a state-machine
// singleton.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-core/internal/errkind"
	"trading-core/internal/events"
	"trading-core/pkg/store"
)

type State string

const (
	IDLE              State = "IDLE"
	ANALYZING         State = "ANALYZING"
	SIGNAL_DETECTED   State = "SIGNAL_DETECTED"
	ENTERING_POSITION State = "ENTERING_POSITION"
	POSITION_OPEN     State = "POSITION_OPEN"
	CLOSING           State = "CLOSING"
)

// Transition names the named edges of §4.6's state diagram.
type Transition string

const (
	TransitionStart          Transition = "start"
	TransitionSignal         Transition = "signal"
	TransitionStop           Transition = "stop"
	TransitionEntering       Transition = "entering"
	TransitionAbandon        Transition = "abandon"
	TransitionOpened         Transition = "opened"
	TransitionEntryFailed    Transition = "entry_failed"
	TransitionClosing        Transition = "closing"
	TransitionClosed         Transition = "closed"
	TransitionReconcileReset Transition = "reconcile_reset"
)

// table maps (fromState, transition) -> toState; any pair absent here is
// an InvalidStateTransition (spec.md §4.6).
var table = map[State]map[Transition]State{
	IDLE:              {TransitionStart: ANALYZING},
	ANALYZING:         {TransitionSignal: SIGNAL_DETECTED, TransitionStop: IDLE},
	SIGNAL_DETECTED:   {TransitionEntering: ENTERING_POSITION, TransitionAbandon: ANALYZING},
	ENTERING_POSITION: {TransitionOpened: POSITION_OPEN, TransitionEntryFailed: ANALYZING},
	POSITION_OPEN:     {TransitionClosing: CLOSING},
	CLOSING:           {TransitionClosed: ANALYZING},
}

// StrategyRecord is the durable record persisted on every transition.
type StrategyRecord struct {
	State              State          `json:"state"`
	StrategyName       string         `json:"strategyName,omitempty"`
	Instrument         string         `json:"instrument,omitempty"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	PositionEntryPrice *float64       `json:"positionEntryPrice,omitempty"`
	PositionSize       *float64       `json:"positionSize,omitempty"`
	PositionSide       string         `json:"positionSide,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Observer is notified synchronously inside every transition (spec.md §5:
// "state observers are called synchronously ... so observers see monotonic
// state history").
type Observer interface {
	OnStateChange(ctx context.Context, accountID string, from, to State, record StrategyRecord)
}

// Manager is the singleton-per-account lifecycle state machine. One
// Manager instance is expected to be shared by every component (runner,
// validator, reconciler) touching a given account's StrategyState.
type Manager struct {
	mu        sync.Mutex
	records   map[string]StrategyRecord // keyed by accountID
	store     *store.Store
	bus       *events.Bus
	observers []Observer
	log       *zap.Logger
}

func New(s *store.Store, bus *events.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		records: make(map[string]StrategyRecord),
		store:   s,
		bus:     bus,
		log:     log,
	}
}

// AddObserver registers an observer (journal, reconciler, notification
// bridge) to be called synchronously on every transition.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

func recordKey(accountID string) string { return "strategy-state:" + accountID }

// Load replays the last persisted record for accountID on startup,
// defaulting to IDLE if missing or corrupt (spec.md §4.6).
func (m *Manager) Load(ctx context.Context, accountID string) StrategyRecord {
	var rec StrategyRecord
	if err := m.store.GetJSON(ctx, recordKey(accountID), &rec); err != nil {
		rec = StrategyRecord{State: IDLE}
	}
	m.mu.Lock()
	m.records[accountID] = rec
	m.mu.Unlock()
	return rec
}

// Current returns the in-memory record for accountID (IDLE if unseen).
func (m *Manager) Current(accountID string) StrategyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[accountID]
	if !ok {
		return StrategyRecord{State: IDLE}
	}
	return rec
}

// CanStart reports whether Start(accountID, ...) would currently succeed.
func (m *Manager) CanStart(accountID string) bool {
	return m.Current(accountID).State == IDLE
}

// CanOpenPosition is the C5/C9 guard: ANALYZING or SIGNAL_DETECTED.
func (m *Manager) CanOpenPosition(accountID string) bool {
	s := m.Current(accountID).State
	return s == ANALYZING || s == SIGNAL_DETECTED
}

// ShouldAnalyze pauses signal generation while a position is open/closing.
func (m *Manager) ShouldAnalyze(accountID string) bool {
	return m.Current(accountID).State == ANALYZING
}

// Start transitions IDLE -> ANALYZING, enforcing the single-strategy-per-
// account invariant (spec.md §4.6: "start() while another strategy is
// active ⇒ SingleStrategyViolationError").
func (m *Manager) Start(ctx context.Context, accountID, strategyName, instrument string) (StrategyRecord, error) {
	return m.transition(ctx, accountID, TransitionStart, func(rec *StrategyRecord) error {
		if rec.State != IDLE {
			return errkind.Newf(errkind.SingleStrategyViolation,
				"account %s already has an active strategy in state %s", accountID, rec.State)
		}
		now := time.Now().UTC()
		rec.StrategyName = strategyName
		rec.Instrument = instrument
		rec.StartedAt = &now
		return nil
	})
}

// Apply runs a named transition, persisting the resulting record and
// notifying observers synchronously. Transitions not present in table are
// rejected with InvalidStateTransition.
func (m *Manager) Apply(ctx context.Context, accountID string, t Transition) (StrategyRecord, error) {
	return m.transition(ctx, accountID, t, nil)
}

// transition is the serialized core: lock, run the caller's guard/mutation,
// validate edge, persist, notify, unlock order matches the teacher's
// mutex-guarded snapshot style. The guard runs first so that Start on an
// active account reports SingleStrategyViolation rather than a bare
// InvalidStateTransition.
func (m *Manager) transition(ctx context.Context, accountID string, t Transition, mutate func(*StrategyRecord) error) (StrategyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[accountID]
	if !ok {
		rec = StrategyRecord{State: IDLE}
	}
	from := rec.State

	if mutate != nil {
		if err := mutate(&rec); err != nil {
			return rec, err
		}
	}

	next, ok := table[from][t]
	if !ok {
		return rec, errkind.Newf(errkind.InvalidStateTransition,
			"no transition %q from state %s", t, from)
	}
	rec.State = next
	m.records[accountID] = rec

	if err := m.store.PutJSON(ctx, recordKey(accountID), rec); err != nil {
		m.log.Error("failed to persist strategy state", zap.String("account", accountID), zap.Error(err))
	}

	for _, o := range m.observers {
		o.OnStateChange(ctx, accountID, from, next, rec)
	}
	if m.bus != nil {
		m.bus.Publish(events.EventStateChange, map[string]any{
			"accountId": accountID, "from": from, "to": next,
		})
	}
	return rec, nil
}

// ReconcileReset forces accountID back to IDLE regardless of current
// state (spec.md §4.6: "(any) --reconcile_reset--> IDLE (reconciler
// only)"). The reconciler (C7) is the routine caller; POST /killswitch also
// calls this after stopping every runner, since spec.md §6 requires it to
// force the account back to IDLE unconditionally rather than walking the
// ordinary transition table.
func (m *Manager) ReconcileReset(ctx context.Context, accountID string) (StrategyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[accountID]
	if !ok {
		rec = StrategyRecord{State: IDLE}
	}
	from := rec.State
	rec = StrategyRecord{State: IDLE}
	m.records[accountID] = rec

	if err := m.store.PutJSON(ctx, recordKey(accountID), rec); err != nil {
		m.log.Error("failed to persist strategy state", zap.String("account", accountID), zap.Error(err))
	}
	for _, o := range m.observers {
		o.OnStateChange(ctx, accountID, from, IDLE, rec)
	}
	if m.bus != nil {
		m.bus.Publish(events.EventStateChange, map[string]any{
			"accountId": accountID, "from": from, "to": IDLE, "reconcile": true,
		})
	}
	return rec, nil
}

