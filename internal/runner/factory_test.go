package runner

import (
	"testing"

	"trading-core/internal/connection"
	"trading-core/internal/events"
	"trading-core/internal/journal"
	"trading-core/internal/lifecycle"
	"trading-core/internal/orchestrator"
	"trading-core/internal/ratelimit"
	"trading-core/pkg/store"
)

func newTestFactoryDeps(t *testing.T) (*connection.Manager, *lifecycle.Manager, *journal.Journal, *events.Bus) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bus := events.NewBus()
	limits := ratelimit.Limits{ReadRPS: 50, ReadBurst: 50, WriteRPS: 50, WriteBurst: 50, SubscribeRPS: 50, SubscribeBurst: 50}
	provider := connection.StaticProvider{Creds: connection.Credentials{APIKey: "k", APISecret: "s"}}
	connections := connection.New("wss://example.invalid/ws", provider, limits, s, bus, nil)
	lifecycleMgr := lifecycle.New(s, bus, nil)
	journalInst := journal.New(s)
	return connections, lifecycleMgr, journalInst, bus
}

func TestFactoryRejectsJobWithNoConnectedBroker(t *testing.T) {
	connections, lifecycleMgr, journalInst, bus := newTestFactoryDeps(t)
	factory := NewFactory(connections, lifecycleMgr, journalInst, bus, nil, ExternalStrategyOptions{})

	_, err := factory(orchestrator.Job{
		JobID: "job1", UserID: "no-such-user", StrategyID: "ma_cross",
		ConfigSnapshot: map[string]any{"instrument": "BTC-PERPETUAL", "config": map[string]any{}},
	})
	if err == nil {
		t.Fatal("expected an error for an unconnected user")
	}
}

func TestFactoryRejectsExternalStrategyJobWithoutConnectedBroker(t *testing.T) {
	connections, lifecycleMgr, journalInst, bus := newTestFactoryDeps(t)
	factory := NewFactory(connections, lifecycleMgr, journalInst, bus, nil, ExternalStrategyOptions{Enabled: false})

	_, ok := connections.Get("u1")
	if ok {
		t.Fatal("expected u1 to have no connection yet")
	}

	_, err := factory(orchestrator.Job{
		JobID: "job1", UserID: "u1", StrategyID: externalStrategyType,
		ConfigSnapshot: map[string]any{"instrument": "BTC-PERPETUAL", "config": map[string]any{}},
	})
	if err == nil {
		t.Fatal("expected an error since u1 has no connected broker session")
	}
}

func TestFactoryRejectsMissingInstrument(t *testing.T) {
	connections, lifecycleMgr, journalInst, bus := newTestFactoryDeps(t)
	factory := NewFactory(connections, lifecycleMgr, journalInst, bus, nil, ExternalStrategyOptions{})

	_, err := factory(orchestrator.Job{
		JobID: "job1", UserID: "u1", StrategyID: "ma_cross",
		ConfigSnapshot: map[string]any{"config": map[string]any{}},
	})
	if err == nil {
		t.Fatal("expected an error for a missing instrument")
	}
}
