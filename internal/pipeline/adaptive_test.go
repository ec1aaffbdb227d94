package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/quantex/marketpipe/internal/config"
	"github.com/quantex/marketpipe/internal/metrics"
)

func newTestController(t *testing.T, adapt config.Adaptive, streamCap int) (*flowController, *bufferStore) {
	t.Helper()
	store := newBufferStore(streamCap)
	rec := metrics.NewRecorder(nil)
	f := newFlowController(adapt, 100*time.Millisecond, store, rec, zaptest.NewLogger(t))
	return f, store
}

func TestIntervalTightensUnderLoadAndClampsAtFloor(t *testing.T) {
	adapt := config.Default().Adaptive
	f, _ := newTestController(t, adapt, 1000)

	for i := 0; i < 100; i++ {
		f.tuneInterval(adapt.HighThroughput * 2)
	}
	assert.Equal(t, adapt.IntervalFloor, f.FlushInterval())
}

func TestIntervalRelaxesWhenIdleAndClampsAtCeiling(t *testing.T) {
	adapt := config.Default().Adaptive
	f, _ := newTestController(t, adapt, 1000)

	for i := 0; i < 100; i++ {
		f.tuneInterval(0)
	}
	assert.Equal(t, adapt.IntervalCeiling, f.FlushInterval())
}

func TestIntervalStableInDeadband(t *testing.T) {
	adapt := config.Default().Adaptive
	f, _ := newTestController(t, adapt, 1000)

	mid := (adapt.HighThroughput + adapt.LowThroughput) / 2
	before := f.FlushInterval()
	for i := 0; i < 20; i++ {
		f.tuneInterval(mid)
	}
	assert.Equal(t, before, f.FlushInterval())
}

func TestCapacityGrowsUnderPressure(t *testing.T) {
	adapt := config.Default().Adaptive
	adapt.ResizeCooldown = 0
	f, store := newTestController(t, adapt, 1000)

	now := time.Now()
	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		f.tuneCapacity(now, adapt.UtilizationHigh+0.1, 0)
	}
	assert.Equal(t, adapt.MaxBufferSize, store.StreamCapacity())
}

func TestCapacityShrinksWhenIdle(t *testing.T) {
	adapt := config.Default().Adaptive
	adapt.ResizeCooldown = 0
	f, store := newTestController(t, adapt, 8000)

	now := time.Now()
	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		f.tuneCapacity(now, adapt.UtilizationLow/2, 0)
	}
	assert.Equal(t, adapt.MinBufferSize, store.StreamCapacity())
}

func TestCapacityGrowsOnHighVariance(t *testing.T) {
	adapt := config.Default().Adaptive
	adapt.ResizeCooldown = 0
	f, store := newTestController(t, adapt, 1000)

	// Utilization is moderate, but the bursty signal alone forces headroom.
	mid := (adapt.UtilizationHigh + adapt.UtilizationLow) / 2
	f.tuneCapacity(time.Now(), mid, adapt.VarianceHigh*2)
	assert.Greater(t, store.StreamCapacity(), 1000)
}

func TestResizeCooldownSuppressesOscillation(t *testing.T) {
	adapt := config.Default().Adaptive
	adapt.ResizeCooldown = time.Minute
	f, store := newTestController(t, adapt, 1000)

	base := time.Now()
	f.tuneCapacity(base, adapt.UtilizationHigh+0.1, 0)
	grown := store.StreamCapacity()
	assert.Greater(t, grown, 1000)

	// Within the cooldown window nothing moves, regardless of the signal.
	f.tuneCapacity(base.Add(time.Second), adapt.UtilizationLow/2, 0)
	assert.Equal(t, grown, store.StreamCapacity())

	// After the cooldown the shrink applies.
	f.tuneCapacity(base.Add(2*time.Minute), adapt.UtilizationLow/2, 0)
	assert.Less(t, store.StreamCapacity(), grown)
}

func TestObserveStaysWithinBounds(t *testing.T) {
	adapt := config.Default().Adaptive
	adapt.ResizeCooldown = 0
	f, store := newTestController(t, adapt, 1000)

	now := time.Now()
	for i := 0; i < 10; i++ {
		now = now.Add(adapt.MonitorInterval)
		f.observe(now)
	}
	assert.GreaterOrEqual(t, f.FlushInterval(), adapt.IntervalFloor)
	assert.LessOrEqual(t, f.FlushInterval(), adapt.IntervalCeiling)
	assert.GreaterOrEqual(t, store.StreamCapacity(), adapt.MinBufferSize)
	assert.LessOrEqual(t, store.StreamCapacity(), adapt.MaxBufferSize)
}
