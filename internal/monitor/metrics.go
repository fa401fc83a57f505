package monitor

import (
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"trading-bot/internal/order"
)

// SystemMetrics exports bot metrics to Prometheus and keeps in-process
// latency windows for the status API.
type SystemMetrics struct {
	registry *prometheus.Registry

	barsProcessed  *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	ordersFinished *prometheus.CounterVec
	orderRetries   prometheus.Counter
	queueDepth     prometheus.Gauge
	engineState    prometheus.Gauge
	killSwitch     prometheus.Gauge
	orderLatency   prometheus.Histogram
	leverage       *prometheus.GaugeVec
	dailyPnL       prometheus.Gauge
	drawdownPct    prometheus.Gauge
	apiRequests    *prometheus.CounterVec

	// Latency windows
	OrderLatency *LatencyHistogram
	BarLatency   *LatencyHistogram
	APILatency   *LatencyHistogram

	ordersProcessed uint64
	barsCount       uint64
	errorsCount     uint64
}

// LatencyHistogram tracks latency samples with sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics registers collectors on a fresh registry.
func NewSystemMetrics() *SystemMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &SystemMetrics{
		registry: reg,
		barsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_bars_processed_total",
			Help: "Closed bars fed to the lifecycles",
		}, []string{"symbol"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_decisions_total",
			Help: "Lifecycle decisions by action",
		}, []string{"symbol", "action"}),
		ordersFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_orders_total",
			Help: "Execution tasks by terminal outcome",
		}, []string{"outcome"}),
		orderRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "trading_order_retries_total",
			Help: "Broker submissions retried after failure",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "trading_order_queue_depth",
			Help: "Tasks waiting in the execution queue",
		}),
		engineState: f.NewGauge(prometheus.GaugeOpts{
			Name: "trading_engine_state",
			Help: "Coordinator state (0 idle, 1 running, 2 paused, 3 stopped, 4 kill switch)",
		}),
		killSwitch: f.NewGauge(prometheus.GaugeOpts{
			Name: "trading_kill_switch_active",
			Help: "1 while the kill switch is engaged",
		}),
		orderLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trading_order_duration_seconds",
			Help:    "Time from dequeue to terminal outcome",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		leverage: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trading_leverage_recommended",
			Help: "Leverage of the last entry per symbol",
		}, []string{"symbol"}),
		dailyPnL: f.NewGauge(prometheus.GaugeOpts{
			Name: "trading_daily_pnl",
			Help: "Realized P&L of the current UTC day",
		}),
		drawdownPct: f.NewGauge(prometheus.GaugeOpts{
			Name: "trading_drawdown_percent",
			Help: "Drawdown from peak equity",
		}),
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_api_requests_total",
			Help: "Control API requests by method and status code",
		}, []string{"method", "code"}),
		OrderLatency: NewLatencyHistogram(1000),
		BarLatency:   NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
	}
}

// Registry is served on /metrics.
func (m *SystemMetrics) Registry() *prometheus.Registry { return m.registry }

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
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99, recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
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

// TaskFinished implements order.Recorder.
func (m *SystemMetrics) TaskFinished(outcome order.Outcome, latency time.Duration) {
	atomic.AddUint64(&m.ordersProcessed, 1)
	m.ordersFinished.WithLabelValues(string(outcome)).Inc()
	m.orderLatency.Observe(latency.Seconds())
	m.OrderLatency.RecordDuration(latency)
	if outcome == order.OutcomeFailed {
		atomic.AddUint64(&m.errorsCount, 1)
	}
}

// TaskRetried implements order.Recorder.
func (m *SystemMetrics) TaskRetried() { m.orderRetries.Inc() }

// QueueDepth implements order.Recorder.
func (m *SystemMetrics) QueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// EngineState implements order.Recorder.
func (m *SystemMetrics) EngineState(s order.EngineState) {
	m.engineState.Set(float64(s))
	if s == order.StateKillSwitchActive {
		m.killSwitch.Set(1)
	} else {
		m.killSwitch.Set(0)
	}
}

// BarProcessed counts a bar and how long its decision took.
func (m *SystemMetrics) BarProcessed(symbol string, took time.Duration) {
	atomic.AddUint64(&m.barsCount, 1)
	m.barsProcessed.WithLabelValues(symbol).Inc()
	m.BarLatency.RecordDuration(took)
}

// Decision counts a lifecycle decision.
func (m *SystemMetrics) Decision(symbol, action string) {
	m.decisions.WithLabelValues(symbol, action).Inc()
}

// Leverage records the leverage chosen for an entry.
func (m *SystemMetrics) Leverage(symbol string, lev float64) {
	m.leverage.WithLabelValues(symbol).Set(lev)
}

// Risk records the daily P&L and drawdown.
func (m *SystemMetrics) Risk(dailyPnL, drawdownPct float64) {
	m.dailyPnL.Set(dailyPnL)
	m.drawdownPct.Set(drawdownPct)
}

// APIRequest records one served control API request.
func (m *SystemMetrics) APIRequest(method string, status int, took time.Duration) {
	m.apiRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.APILatency.RecordDuration(took)
}

// IncrementErrors counts an engine-level error.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// MetricsSnapshot is the in-process view served by the status API.
type MetricsSnapshot struct {
	OrderLatency    LatencyStats `json:"order_latency"`
	BarLatency      LatencyStats `json:"bar_latency"`
	APILatency      LatencyStats `json:"api_latency"`
	OrdersProcessed uint64       `json:"orders_processed"`
	BarsProcessed   uint64       `json:"bars_processed"`
	ErrorsCount     uint64       `json:"errors_count"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return MetricsSnapshot{
		OrderLatency:    m.OrderLatency.Stats(),
		BarLatency:      m.BarLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		OrdersProcessed: atomic.LoadUint64(&m.ordersProcessed),
		BarsProcessed:   atomic.LoadUint64(&m.barsCount),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       mem.HeapAlloc,
		Timestamp:       time.Now(),
	}
}
