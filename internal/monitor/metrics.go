package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"trading-core/internal/orchestrator"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	OrderLatency    *LatencyHistogram
	StrategyLatency *LatencyHistogram
	DBLatency       *LatencyHistogram
	APILatency      *LatencyHistogram

	// Counters
	ordersProcessed  uint64
	ticksProcessed   uint64
	signalsGenerated uint64
	errorsCount      uint64
	apiRequests      uint64
	apiErrors        uint64

	// Orchestrator queue stats, updated periodically from main.
	queueStats orchestrator.QueueStats

	// Snapshot
	lastUpdate time.Time

	prom *promVecs
}

// LatencyHistogram tracks latency samples with sliding window.
// Supports lazy stats computation for better performance.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// promVecs holds the Prometheus side of the same counters/histograms, kept
// separate from LatencyHistogram's in-process sliding window so `/metrics`
// scrapes get native Prometheus quantile estimation instead of the
// snapshot's cached p50/p95/p99.
type promVecs struct {
	registry *prometheus.Registry

	ordersProcessed  prometheus.Counter
	ticksProcessed   prometheus.Counter
	signalsGenerated prometheus.Counter
	errorsTotal      prometheus.Counter

	orderLatency    prometheus.Histogram
	strategyLatency prometheus.Histogram
	dbLatency       prometheus.Histogram
	apiLatency      prometheus.Histogram

	apiRequests prometheus.Counter
	apiErrors   prometheus.Counter

	queueJobs     *prometheus.GaugeVec
	goroutines    prometheus.Gauge
	heapAllocByte prometheus.Gauge
}

func newPromVecs() *promVecs {
	registry := prometheus.NewRegistry()
	p := &promVecs{
		registry: registry,
		ordersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trading_core_orders_processed_total",
			Help: "Total number of orders processed.",
		}),
		ticksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trading_core_ticks_processed_total",
			Help: "Total number of trade ticks processed.",
		}),
		signalsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trading_core_signals_generated_total",
			Help: "Total number of strategy signals generated.",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trading_core_errors_total",
			Help: "Total number of errors recorded across the system.",
		}),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trading_core_order_latency_ms",
			Help:    "Order placement round-trip latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms to ~16s
		}),
		strategyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trading_core_strategy_eval_latency_ms",
			Help:    "Strategy Evaluate() latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		dbLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trading_core_store_latency_ms",
			Help:    "Persistence layer call latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		apiLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trading_core_api_latency_ms",
			Help:    "HTTP control surface request latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		apiRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trading_core_api_requests_total",
			Help: "Total number of HTTP control surface requests handled.",
		}),
		apiErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trading_core_api_errors_total",
			Help: "Total number of HTTP control surface requests that returned >=400.",
		}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trading_core_jobs",
			Help: "Current job count by status.",
		}, []string{"status"}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trading_core_goroutines",
			Help: "Current goroutine count.",
		}),
		heapAllocByte: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trading_core_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		}),
	}
	registry.MustRegister(
		p.ordersProcessed, p.ticksProcessed, p.signalsGenerated, p.errorsTotal,
		p.apiRequests, p.apiErrors,
		p.orderLatency, p.strategyLatency, p.dbLatency, p.apiLatency,
		p.queueJobs, p.goroutines, p.heapAllocByte,
	)
	return p
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:    NewLatencyHistogram(1000),
		StrategyLatency: NewLatencyHistogram(1000),
		DBLatency:       NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
		lastUpdate:      time.Now(),
		prom:            newPromVecs(),
	}
}

// Registry returns the Prometheus registry backing the /metrics endpoint.
func (m *SystemMetrics) Registry() *prometheus.Registry {
	return m.prom.registry
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true // Mark as dirty for lazy recomputation
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
// Uses lazy computation - only recomputes when samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Return cached stats if samples haven't changed
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	// Compute new stats
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// RecordOrderLatency records an order round-trip latency sample to both the
// in-process histogram and the Prometheus exposition.
func (m *SystemMetrics) RecordOrderLatency(d time.Duration) {
	m.OrderLatency.RecordDuration(d)
	m.prom.orderLatency.Observe(float64(d.Nanoseconds()) / 1e6)
}

// RecordStrategyLatency records a strategy Evaluate() latency sample.
func (m *SystemMetrics) RecordStrategyLatency(d time.Duration) {
	m.StrategyLatency.RecordDuration(d)
	m.prom.strategyLatency.Observe(float64(d.Nanoseconds()) / 1e6)
}

// RecordDBLatency records a persistence layer call latency sample.
func (m *SystemMetrics) RecordDBLatency(d time.Duration) {
	m.DBLatency.RecordDuration(d)
	m.prom.dbLatency.Observe(float64(d.Nanoseconds()) / 1e6)
}

// RecordAPILatency records an HTTP control surface request latency sample.
func (m *SystemMetrics) RecordAPILatency(d time.Duration) {
	m.APILatency.RecordDuration(d)
	m.prom.apiLatency.Observe(float64(d.Nanoseconds()) / 1e6)
}

// IncrementOrders increments processed orders counter.
func (m *SystemMetrics) IncrementOrders() {
	atomic.AddUint64(&m.ordersProcessed, 1)
	m.prom.ordersProcessed.Inc()
}

// IncrementTicks increments processed ticks counter.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksProcessed, 1)
	m.prom.ticksProcessed.Inc()
}

// IncrementSignals increments generated signals counter.
func (m *SystemMetrics) IncrementSignals() {
	atomic.AddUint64(&m.signalsGenerated, 1)
	m.prom.signalsGenerated.Inc()
}

// IncrementErrors increments error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
	m.prom.errorsTotal.Inc()
}

// IncrementAPI increments the HTTP control surface request counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
	m.prom.apiRequests.Inc()
}

// IncrementAPIErrors increments the HTTP control surface error counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
	m.prom.apiErrors.Inc()
}

// MetricsSnapshot is a point-in-time view of the system's health (spec.md
// §6 "GET /strategy/metrics/{id}" and the broader health surface).
type MetricsSnapshot struct {
	OrderLatency     LatencyStats            `json:"order_latency"`
	StrategyLatency  LatencyStats            `json:"strategy_latency"`
	DBLatency        LatencyStats            `json:"db_latency"`
	APILatency       LatencyStats            `json:"api_latency"`
	OrdersProcessed  uint64                  `json:"orders_processed"`
	TicksProcessed   uint64                  `json:"ticks_processed"`
	SignalsGenerated uint64                  `json:"signals_generated"`
	ErrorsCount      uint64                  `json:"errors_count"`
	APIRequests      uint64                  `json:"api_requests"`
	APIErrors        uint64                  `json:"api_errors"`
	QueueStats       orchestrator.QueueStats `json:"queue_stats"`
	GoroutineCount   int                     `json:"goroutine_count"`
	HeapAlloc        uint64                  `json:"heap_alloc_bytes"`
	HeapSys          uint64                  `json:"heap_sys_bytes"`
	Timestamp        time.Time               `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	qs := m.queueStats
	m.mu.RUnlock()

	return MetricsSnapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		StrategyLatency:  m.StrategyLatency.Stats(),
		DBLatency:        m.DBLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		OrdersProcessed:  atomic.LoadUint64(&m.ordersProcessed),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		SignalsGenerated: atomic.LoadUint64(&m.signalsGenerated),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		QueueStats:       qs,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Timestamp:        time.Now(),
	}
}

// SetQueueStats updates the orchestrator queue stats snapshot and mirrors
// them into the Prometheus gauges.
func (m *SystemMetrics) SetQueueStats(stats orchestrator.QueueStats) {
	m.mu.Lock()
	m.queueStats = stats
	m.mu.Unlock()

	m.prom.queueJobs.WithLabelValues("queued").Set(float64(stats.Queued))
	m.prom.queueJobs.WithLabelValues("running").Set(float64(stats.Running))
	m.prom.queueJobs.WithLabelValues("stopped").Set(float64(stats.Stopped))
	m.prom.queueJobs.WithLabelValues("failed").Set(float64(stats.Failed))
	m.prom.queueJobs.WithLabelValues("crashed").Set(float64(stats.Crashed))
}

// RefreshRuntimeGauges updates the goroutine/heap Prometheus gauges; called
// on each /metrics scrape or on a periodic timer.
func (m *SystemMetrics) RefreshRuntimeGauges() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.prom.goroutines.Set(float64(runtime.NumGoroutine()))
	m.prom.heapAllocByte.Set(float64(memStats.HeapAlloc))
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
