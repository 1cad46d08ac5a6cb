package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"trading-core/internal/events"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func TestMonitorForwardsRiskAlerts(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{}
	m := NewMonitor(bus, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Publish(events.EventRiskAlert, map[string]any{"message": "entry rejected: insufficient margin"})

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 forwarded alert, got %d", sink.count())
	}
}

func TestMonitorForwardsReconcileWarnings(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{}
	m := NewMonitor(bus, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Publish(events.EventReconcileWarning, map[string]any{"kind": "unknown_position", "accountId": "u1"})

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 forwarded alert, got %d", sink.count())
	}
}

func TestMonitorSkipsWhenUnconfigured(t *testing.T) {
	m := &Monitor{}
	m.Start(context.Background())
}
