package monitor

import (
	"testing"
	"time"

	"trading-core/internal/orchestrator"
)

func TestLatencyHistogramStatsComputesPercentiles(t *testing.T) {
	h := NewLatencyHistogram(100)
	for _, v := range []float64{10, 20, 30, 40, 50} {
		h.Record(v)
	}
	stats := h.Stats()
	if stats.Count != 5 {
		t.Fatalf("expected 5 samples, got %d", stats.Count)
	}
	if stats.Min != 10 || stats.Max != 50 {
		t.Errorf("expected min=10 max=50, got min=%v max=%v", stats.Min, stats.Max)
	}
	if stats.Avg != 30 {
		t.Errorf("expected avg=30, got %v", stats.Avg)
	}
}

func TestLatencyHistogramEvictsOldestBeyondMaxSize(t *testing.T) {
	h := NewLatencyHistogram(2)
	h.Record(1)
	h.Record(2)
	h.Record(3)
	stats := h.Stats()
	if stats.Count != 2 {
		t.Fatalf("expected window capped at 2, got %d", stats.Count)
	}
	if stats.Min != 2 {
		t.Errorf("expected oldest sample evicted, min=%v", stats.Min)
	}
}

func TestSystemMetricsSnapshotReflectsCounters(t *testing.T) {
	m := NewSystemMetrics()
	m.IncrementOrders()
	m.IncrementOrders()
	m.IncrementTicks()
	m.IncrementSignals()
	m.IncrementErrors()
	m.RecordOrderLatency(5 * time.Millisecond)

	snap := m.GetSnapshot()
	if snap.OrdersProcessed != 2 {
		t.Errorf("expected 2 orders processed, got %d", snap.OrdersProcessed)
	}
	if snap.TicksProcessed != 1 || snap.SignalsGenerated != 1 || snap.ErrorsCount != 1 {
		t.Errorf("unexpected counters: %+v", snap)
	}
	if snap.OrderLatency.Count != 1 {
		t.Errorf("expected 1 order latency sample, got %d", snap.OrderLatency.Count)
	}
}

func TestSystemMetricsSetQueueStatsUpdatesSnapshot(t *testing.T) {
	m := NewSystemMetrics()
	m.SetQueueStats(orchestrator.QueueStats{Running: 3, Queued: 1, Total: 4})

	snap := m.GetSnapshot()
	if snap.QueueStats.Running != 3 || snap.QueueStats.Total != 4 {
		t.Errorf("expected queue stats to propagate, got %+v", snap.QueueStats)
	}
}

func TestSystemMetricsRegistryIsPopulated(t *testing.T) {
	m := NewSystemMetrics()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Error("expected at least one registered metric family")
	}
}
