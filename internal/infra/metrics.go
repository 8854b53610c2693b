package infra

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors, served at /metrics
var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyquery_cycles_total",
		Help: "Fetch cycles by outcome.",
	}, []string{"outcome"})

	ticksSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skyquery_ticks_skipped_total",
		Help: "Scheduler ticks skipped because a cycle was still running.",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skyquery_cycle_duration_seconds",
		Help:    "Duration of successful fetch cycles.",
		Buckets: []float64{1, 2.5, 5, 10, 15, 20, 30, 45, 60},
	})

	listingsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skyquery_listings",
		Help: "Listings in the committed snapshot.",
	})

	decodeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skyquery_decode_failures_total",
		Help: "Listings dropped because their metadata failed to decode.",
	})

	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyquery_queries_total",
		Help: "Query requests by endpoint.",
	}, []string{"endpoint"})
)

// Metrics tracks cycle and query counters with atomic operations.
// Every update is mirrored to the Prometheus collectors above.
type Metrics struct {
	// Counters
	cyclesSucceeded atomic.Uint64
	cyclesFailed    atomic.Uint64
	ticksSkipped    atomic.Uint64
	decodeFailures  atomic.Uint64
	queries         atomic.Uint64

	// Latency tracking
	cycleSumNs  atomic.Int64
	lastCycleNs atomic.Int64

	// Gauges
	listings atomic.Int64
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordCycle records a successful cycle
func (m *Metrics) RecordCycle(d time.Duration, listings, decodeFailures int) {
	m.cyclesSucceeded.Add(1)
	m.cycleSumNs.Add(int64(d))
	m.lastCycleNs.Store(int64(d))
	m.listings.Store(int64(listings))
	m.decodeFailures.Add(uint64(decodeFailures))

	cyclesTotal.WithLabelValues("success").Inc()
	cycleDuration.Observe(d.Seconds())
	listingsGauge.Set(float64(listings))
	decodeFailuresTotal.Add(float64(decodeFailures))
}

// RecordCycleFailure records an aborted cycle
func (m *Metrics) RecordCycleFailure() {
	m.cyclesFailed.Add(1)
	cyclesTotal.WithLabelValues("failure").Inc()
}

// RecordSkippedTick records a tick dropped by the single-flight guard
func (m *Metrics) RecordSkippedTick() {
	m.ticksSkipped.Add(1)
	ticksSkippedTotal.Inc()
}

// RecordQuery records one request to endpoint
func (m *Metrics) RecordQuery(endpoint string) {
	m.queries.Add(1)
	queriesTotal.WithLabelValues(endpoint).Inc()
}

// SetListings sets the committed listing count
func (m *Metrics) SetListings(n int) {
	m.listings.Store(int64(n))
	listingsGauge.Set(float64(n))
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	CyclesSucceeded uint64
	CyclesFailed    uint64
	TicksSkipped    uint64
	DecodeFailures  uint64
	Queries         uint64
	AvgCycle        time.Duration
	LastCycle       time.Duration
	Listings        int64
	Timestamp       time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avg time.Duration
	if n := m.cyclesSucceeded.Load(); n > 0 {
		avg = time.Duration(m.cycleSumNs.Load() / int64(n))
	}

	return MetricsSnapshot{
		CyclesSucceeded: m.cyclesSucceeded.Load(),
		CyclesFailed:    m.cyclesFailed.Load(),
		TicksSkipped:    m.ticksSkipped.Load(),
		DecodeFailures:  m.decodeFailures.Load(),
		Queries:         m.queries.Load(),
		AvgCycle:        avg,
		LastCycle:       time.Duration(m.lastCycleNs.Load()),
		Listings:        m.listings.Load(),
		Timestamp:       time.Now(),
	}
}

// Reset clears all metrics (for testing). Prometheus collectors are not reset.
func (m *Metrics) Reset() {
	m.cyclesSucceeded.Store(0)
	m.cyclesFailed.Store(0)
	m.ticksSkipped.Store(0)
	m.decodeFailures.Store(0)
	m.queries.Store(0)
	m.cycleSumNs.Store(0)
	m.lastCycleNs.Store(0)
	m.listings.Store(0)
}
