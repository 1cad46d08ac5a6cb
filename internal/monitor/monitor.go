package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"trading-core/internal/events"
)

// alertTopics are the bus events that warrant forwarding to an operator
// alert sink: risk-engine rejections plus the reconciler/bracket-placer's
// own anomaly signals (C6/C7).
var alertTopics = []events.Event{
	events.EventRiskAlert,
	events.EventOrphanDetected,
	events.EventReconcileWarning,
}

// Monitor watches the event bus's risk/anomaly topics and forwards them to
// a sink.
type Monitor struct {
	Bus     *events.Bus
	AlertFn func(string)
}

// NewMonitor builds a Monitor that forwards alerts to sink.
func NewMonitor(bus *events.Bus, sink AlertSink) *Monitor {
	return &Monitor{Bus: bus, AlertFn: func(msg string) {
		if err := sink.Send(msg); err != nil {
			log.Printf("alert sink failed: %v", err)
		}
	}}
}

// Start subscribes to every topic in alertTopics until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.AlertFn == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	for _, topic := range alertTopics {
		stream, unsub := m.Bus.Subscribe(topic, 50)
		go func(topic events.Event) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					m.AlertFn(formatAlert(topic, msg))
				}
			}
		}(topic)
	}
}

func formatAlert(topic events.Event, msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + string(topic) + ": " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if m, ok := t["message"].(string); ok {
			return m
		}
		if m, ok := t["reason"].(string); ok {
			return m
		}
		return fmt.Sprintf("%v", t)
	case map[string]string:
		return fmt.Sprintf("%v", t)
	default:
		return "alert triggered"
	}
}
