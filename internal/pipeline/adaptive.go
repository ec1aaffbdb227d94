package pipeline

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantex/marketpipe/internal/config"
	"github.com/quantex/marketpipe/internal/metrics"
)

// flowController observes throughput, buffer utilization and throughput
// variance on a fixed cadence and tunes the flush interval and stream buffer
// capacity within configured bounds. It watches the pipeline; it is never on
// the per-event path.
type flowController struct {
	log   *zap.Logger
	cfg   config.Adaptive
	store *bufferStore
	rec   *metrics.Recorder

	interval   atomic.Int64 // current flush interval, nanos
	lastResize time.Time
}

func newFlowController(cfg config.Adaptive, initial time.Duration, store *bufferStore,
	rec *metrics.Recorder, log *zap.Logger) *flowController {
	f := &flowController{
		log:   log,
		cfg:   cfg,
		store: store,
		rec:   rec,
	}
	f.interval.Store(int64(clampDuration(initial, cfg.IntervalFloor, cfg.IntervalCeiling)))
	return f
}

// FlushInterval returns the current flush interval.
func (f *flowController) FlushInterval() time.Duration {
	return time.Duration(f.interval.Load())
}

// run applies the policy on the monitor cadence until ctx is done.
func (f *flowController) run(done <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			f.observe(time.Now())
		}
	}
}

// observe applies one policy step. Split out from run so tests can drive it
// directly.
func (f *flowController) observe(now time.Time) {
	stats := f.rec.Snapshot()
	_, utilization := f.store.Occupancy()
	f.rec.SetUtilization(utilization)

	f.tuneInterval(stats.MeanEPS)
	f.tuneCapacity(now, utilization, stats.VarianceEPS)
}

// tuneInterval flushes more often under high throughput and relaxes the
// cadence when traffic is light. Distinct thresholds give hysteresis.
func (f *flowController) tuneInterval(eps float64) {
	cur := time.Duration(f.interval.Load())
	next := cur
	switch {
	case eps > f.cfg.HighThroughput && cur > f.cfg.IntervalFloor:
		next = clampDuration(cur-f.cfg.IntervalStep, f.cfg.IntervalFloor, f.cfg.IntervalCeiling)
	case eps < f.cfg.LowThroughput && cur < f.cfg.IntervalCeiling:
		next = clampDuration(cur+f.cfg.IntervalStep, f.cfg.IntervalFloor, f.cfg.IntervalCeiling)
	}
	if next != cur {
		f.interval.Store(int64(next))
		f.log.Debug("flush interval tuned",
			zap.Duration("from", cur),
			zap.Duration("to", next),
			zap.Float64("eps", eps))
	}
}

// tuneCapacity grows buffers under pressure or bursty traffic and shrinks
// them when consistently idle. A cooldown between resizes avoids
// oscillation.
func (f *flowController) tuneCapacity(now time.Time, utilization, variance float64) {
	if !f.lastResize.IsZero() && now.Sub(f.lastResize) < f.cfg.ResizeCooldown {
		return
	}

	cur := f.store.StreamCapacity()
	next := cur
	switch {
	case utilization > f.cfg.UtilizationHigh:
		next = clampInt(int(float64(cur)*f.cfg.GrowthFactor), f.cfg.MinBufferSize, f.cfg.MaxBufferSize)
	case variance > f.cfg.VarianceHigh:
		// Bursty traffic: keep headroom even if current utilization is fine.
		next = clampInt(int(float64(cur)*f.cfg.GrowthFactor), f.cfg.MinBufferSize, f.cfg.MaxBufferSize)
	case utilization < f.cfg.UtilizationLow:
		next = clampInt(int(float64(cur)*f.cfg.ShrinkFactor), f.cfg.MinBufferSize, f.cfg.MaxBufferSize)
	}
	if next == cur {
		return
	}

	f.store.SetStreamCapacity(next)
	f.lastResize = now
	f.log.Info("stream buffer capacity tuned",
		zap.Int("from", cur),
		zap.Int("to", next),
		zap.Float64("utilization", utilization),
		zap.Float64("variance", variance))
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
