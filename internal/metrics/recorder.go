// Package metrics tracks pipeline health: throughput, ingest latency
// percentiles, buffer utilization and circuit breaker trips. The recorder
// feeds both Prometheus and the adaptive flow controller, and must never
// block or fail the ingestion path.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	latencyWindowSize    = 4096
	throughputWindowSize = 120
)

// Recorder aggregates pipeline performance figures. Every pipeline instance
// owns its own recorder and Prometheus registerer; nothing is process-global.
type Recorder struct {
	eventsIngested prometheus.Counter
	eventsDropped  *prometheus.CounterVec
	failures       prometheus.Counter
	flushes        prometheus.Counter
	flushSkips     *prometheus.CounterVec
	breakerTrips   prometheus.Counter
	deliveries     prometheus.Counter
	deliveryErrors prometheus.Counter
	ingestLatency  prometheus.Histogram
	utilization    prometheus.Gauge
	queueDepth     *prometheus.GaugeVec
	inFlight       prometheus.Gauge

	// Shadow counters kept readable for Snapshot; Prometheus counters are
	// write-only from here.
	totalIngested  atomic.Uint64
	totalDropped   atomic.Uint64
	totalFailures  atomic.Uint64
	totalTrips     atomic.Uint64
	totalDelivered atomic.Uint64

	mu          sync.Mutex
	latencies   []time.Duration // ring, most recent latencyWindowSize samples
	latencyPos  int
	latencyFull bool
	epsSamples  []float64 // completed one-second throughput buckets
	curSecond   int64
	curCount    float64
	peakEPS     float64
	lastUtil    float64
}

// Stats is a read-only snapshot of recorder state.
type Stats struct {
	EventsIngested    uint64
	EventsDropped     uint64
	Failures          uint64
	Deliveries        uint64
	BreakerTrips      uint64
	EventsPerSec      float64
	MeanEPS           float64
	PeakEPS           float64
	VarianceEPS       float64
	LatencyP95        time.Duration
	LatencyP99        time.Duration
	BufferUtilization float64
}

// NewRecorder builds a recorder registered against reg. A nil reg gets a
// private registry so tests and embedded pipelines never collide on the
// default one.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Recorder{
		eventsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "marketpipe_events_ingested_total",
			Help: "Total number of events accepted by the pipeline",
		}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpipe_events_dropped_total",
			Help: "Total number of events dropped, by reason",
		}, []string{"reason"}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Name: "marketpipe_processing_failures_total",
			Help: "Total number of internal processing failures",
		}),
		flushes: f.NewCounter(prometheus.CounterOpts{
			Name: "marketpipe_flushes_total",
			Help: "Total number of completed flush cycles",
		}),
		flushSkips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpipe_flushes_skipped_total",
			Help: "Total number of skipped flush attempts, by reason",
		}, []string{"reason"}),
		breakerTrips: f.NewCounter(prometheus.CounterOpts{
			Name: "marketpipe_breaker_trips_total",
			Help: "Total number of circuit breaker trips to the open state",
		}),
		deliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "marketpipe_deliveries_total",
			Help: "Total number of payloads handed to the delivery sink",
		}),
		deliveryErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "marketpipe_delivery_errors_total",
			Help: "Total number of failed sink deliveries",
		}),
		ingestLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketpipe_ingest_latency_seconds",
			Help:    "Per-event ingestion processing latency",
			Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1},
		}),
		utilization: f.NewGauge(prometheus.GaugeOpts{
			Name: "marketpipe_buffer_utilization",
			Help: "Occupied fraction of configured stream buffer capacity",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketpipe_queue_depth",
			Help: "Unflushed events per priority tier",
		}, []string{"tier"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "marketpipe_flushes_in_flight",
			Help: "Currently executing flush operations",
		}),
		latencies: make([]time.Duration, latencyWindowSize),
	}
}

// RecordIngest accounts one accepted event and its processing latency.
func (r *Recorder) RecordIngest(latency time.Duration) {
	r.eventsIngested.Inc()
	r.totalIngested.Add(1)
	r.ingestLatency.Observe(latency.Seconds())

	now := time.Now().Unix()
	r.mu.Lock()
	r.latencies[r.latencyPos] = latency
	r.latencyPos++
	if r.latencyPos == len(r.latencies) {
		r.latencyPos = 0
		r.latencyFull = true
	}
	r.rollSecondLocked(now)
	r.curCount++
	r.mu.Unlock()
}

// rollSecondLocked closes the current one-second throughput bucket when the
// wall clock has moved on. Callers hold r.mu.
func (r *Recorder) rollSecondLocked(now int64) {
	if r.curSecond == 0 {
		r.curSecond = now
		return
	}
	if now == r.curSecond {
		return
	}
	r.epsSamples = append(r.epsSamples, r.curCount)
	if r.curCount > r.peakEPS {
		r.peakEPS = r.curCount
	}
	// Seconds with no traffic at all still count as zero-throughput samples.
	for s := r.curSecond + 1; s < now && len(r.epsSamples) < throughputWindowSize; s++ {
		r.epsSamples = append(r.epsSamples, 0)
	}
	if n := len(r.epsSamples); n > throughputWindowSize {
		r.epsSamples = r.epsSamples[n-throughputWindowSize:]
	}
	r.curSecond = now
	r.curCount = 0
}

// RecordDrop accounts a dropped event. Reasons: unknown_type, breaker_open,
// evicted, shutdown, subscriber_queue_full.
func (r *Recorder) RecordDrop(reason string) {
	r.eventsDropped.WithLabelValues(reason).Inc()
	r.totalDropped.Add(1)
}

// RecordFailure accounts an internal processing failure.
func (r *Recorder) RecordFailure() {
	r.failures.Inc()
	r.totalFailures.Add(1)
}

// RecordFlush accounts one completed flush cycle of n events.
func (r *Recorder) RecordFlush(n int) {
	r.flushes.Inc()
}

// RecordFlushSkip accounts a skipped flush attempt (empty, concurrency,
// breaker_open).
func (r *Recorder) RecordFlushSkip(reason string) {
	r.flushSkips.WithLabelValues(reason).Inc()
}

// RecordTrip accounts a breaker transition into the open state.
func (r *Recorder) RecordTrip() {
	r.breakerTrips.Inc()
	r.totalTrips.Add(1)
}

// RecordDelivery accounts a sink delivery outcome.
func (r *Recorder) RecordDelivery(err error) {
	if err != nil {
		r.deliveryErrors.Inc()
		return
	}
	r.deliveries.Inc()
	r.totalDelivered.Add(1)
}

// SetUtilization publishes the current buffer utilization fraction.
func (r *Recorder) SetUtilization(frac float64) {
	r.utilization.Set(frac)
	r.mu.Lock()
	r.lastUtil = frac
	r.mu.Unlock()
}

// SetQueueDepth publishes the unflushed depth for one tier.
func (r *Recorder) SetQueueDepth(tier string, depth int) {
	r.queueDepth.WithLabelValues(tier).Set(float64(depth))
}

// FlushStarted and FlushFinished bracket an in-flight flush for the gauge.
func (r *Recorder) FlushStarted()  { r.inFlight.Inc() }
func (r *Recorder) FlushFinished() { r.inFlight.Dec() }

// Snapshot returns current aggregate figures. It copies bounded windows
// under a short lock and never blocks on anything else.
func (r *Recorder) Snapshot() Stats {
	st := Stats{
		EventsIngested: r.totalIngested.Load(),
		EventsDropped:  r.totalDropped.Load(),
		Failures:       r.totalFailures.Load(),
		Deliveries:     r.totalDelivered.Load(),
		BreakerTrips:   r.totalTrips.Load(),
	}

	r.mu.Lock()
	r.rollSecondLocked(time.Now().Unix())
	eps := append([]float64(nil), r.epsSamples...)
	peak := r.peakEPS
	lats := r.latencyWindowLocked()
	st.BufferUtilization = r.lastUtil
	r.mu.Unlock()

	st.PeakEPS = peak
	if n := len(eps); n > 0 {
		st.EventsPerSec = eps[n-1]
		var sum float64
		for _, v := range eps {
			sum += v
		}
		st.MeanEPS = sum / float64(n)
		var sq float64
		for _, v := range eps {
			d := v - st.MeanEPS
			sq += d * d
		}
		st.VarianceEPS = sq / float64(n)
	}

	if len(lats) > 0 {
		sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
		st.LatencyP95 = lats[percentileIndex(len(lats), 95)]
		st.LatencyP99 = lats[percentileIndex(len(lats), 99)]
	}
	return st
}

func (r *Recorder) latencyWindowLocked() []time.Duration {
	if r.latencyFull {
		return append([]time.Duration(nil), r.latencies...)
	}
	return append([]time.Duration(nil), r.latencies[:r.latencyPos]...)
}

func percentileIndex(n, pct int) int {
	idx := int(math.Ceil(float64(n)*float64(pct)/100.0)) - 1
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}
