package pipeline

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantex/marketpipe/internal/config"
	"github.com/quantex/marketpipe/internal/distribution"
	"github.com/quantex/marketpipe/pkg/sink"
)

// wirePayload mirrors the delivery message shape for assertions.
type wirePayload struct {
	Seq       uint64                                       `json:"seq"`
	Snapshots map[string]map[string]map[string]interface{} `json:"snapshots"`
	Streams   map[string][]map[string]interface{}          `json:"streams"`
}

func testConfig() *config.Config {
	cfg := config.Default()
	// Keep the periodic timer out of the way; tests drive flushes directly
	// or through the critical-tier trigger.
	cfg.FlushInterval = time.Hour
	cfg.Adaptive.IntervalCeiling = time.Hour
	cfg.AdaptiveBuffering = false
	return cfg
}

func recvPayload(t *testing.T, snk *sink.ChanSink, within time.Duration) wirePayload {
	t.Helper()
	select {
	case d := <-snk.Messages():
		var msg wirePayload
		require.NoError(t, json.Unmarshal(d.Payload, &msg))
		return msg
	case <-time.After(within):
		t.Fatal("no delivery within deadline")
		return wirePayload{}
	}
}

func assertNoDelivery(t *testing.T, snk *sink.ChanSink, within time.Duration) {
	t.Helper()
	select {
	case d := <-snk.Messages():
		t.Fatalf("unexpected delivery for %s", d.SubscriptionID)
	case <-time.After(within):
	}
}

func TestIngestFlushDeliverConflated(t *testing.T) {
	cfg := testConfig()
	cfg.PriorityQueuing = false // no immediate flush; keep the cycle deterministic
	snk := sink.NewChanSink(16)

	p, err := New(cfg, snk, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Shutdown()

	_, err = p.AddSubscription("owner-1", []string{"AAPL"}, []string{"quote"}, distribution.Options{})
	require.NoError(t, err)

	p.Ingest("quote", map[string]interface{}{"symbol": "AAPL", "bid": 150.0})
	p.Ingest("quote", map[string]interface{}{"symbol": "AAPL", "bid": 151.0})
	p.flushOnce("test")

	msg := recvPayload(t, snk, 2*time.Second)
	assert.Equal(t, uint64(1), msg.Seq)
	require.Contains(t, msg.Snapshots, "quote")
	require.Contains(t, msg.Snapshots["quote"], "AAPL")
	assert.Equal(t, "151", msg.Snapshots["quote"]["AAPL"]["bid"])

	// Buffers were cleared; an empty flush delivers nothing.
	p.flushOnce("test")
	assertNoDelivery(t, snk, 200*time.Millisecond)
}

func TestCriticalIngestFlushesImmediately(t *testing.T) {
	cfg := testConfig()
	snk := sink.NewChanSink(16)

	p, err := New(cfg, snk, zaptest.NewLogger(t))
	require.NoError(t, err)
	p.Start()
	defer p.Shutdown()

	_, err = p.AddSubscription("owner-1", []string{"AAPL"}, []string{"quote"}, distribution.Options{})
	require.NoError(t, err)

	// The periodic interval is an hour; only the critical-tier trigger can
	// deliver this quickly.
	p.Ingest("quote", map[string]interface{}{"symbol": "AAPL", "bid": 150.0})
	msg := recvPayload(t, snk, 2*time.Second)
	assert.Contains(t, msg.Snapshots, "quote")
}

func TestFlushConcurrencyBound(t *testing.T) {
	cfg := testConfig()
	cfg.PriorityQueuing = false
	cfg.MaxConcurrentFlushes = 2
	snk := sink.NewChanSink(64)

	p, err := New(cfg, snk, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Shutdown()

	var cur, peak atomic.Int32
	p.beforeDistribute = func() {
		c := cur.Add(1)
		for {
			m := peak.Load()
			if c <= m || peak.CompareAndSwap(m, c) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		cur.Add(-1)
	}

	for i := 0; i < 20; i++ {
		p.Ingest("bar", map[string]interface{}{"symbol": "AAPL", "close": 1.0})
		p.tryFlush("test")
	}
	p.wg.Wait()

	assert.Greater(t, peak.Load(), int32(0))
	assert.LessOrEqual(t, peak.Load(), int32(cfg.MaxConcurrentFlushes))
}

func TestCrossFlushDeliveryOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.PriorityQueuing = false
	cfg.MaxConcurrentFlushes = 2
	snk := sink.NewChanSink(16)

	p, err := New(cfg, snk, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Shutdown()

	_, err = p.AddSubscription("owner-1", nil, []string{"quote"}, distribution.Options{})
	require.NoError(t, err)

	// Stall the first flush between its snapshot and distribution while a
	// second flush races it. Sequence numbers must still arrive in order.
	var once sync.Once
	entered := make(chan struct{})
	gate := make(chan struct{})
	p.beforeDistribute = func() {
		once.Do(func() {
			close(entered)
			<-gate
		})
	}

	p.Ingest("quote", map[string]interface{}{"symbol": "AAPL", "bid": 1.0})
	first := make(chan struct{})
	go func() {
		p.flushOnce("first")
		close(first)
	}()
	<-entered

	p.Ingest("quote", map[string]interface{}{"symbol": "AAPL", "bid": 2.0})
	second := make(chan struct{})
	go func() {
		p.flushOnce("second")
		close(second)
	}()

	// Give the racing flush every chance to overtake before releasing.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	<-first
	<-second

	msg1 := recvPayload(t, snk, 2*time.Second)
	msg2 := recvPayload(t, snk, 2*time.Second)
	assert.Equal(t, uint64(1), msg1.Seq)
	assert.Equal(t, uint64(2), msg2.Seq)
}

func TestShutdownFinalFlushAndRejection(t *testing.T) {
	cfg := testConfig()
	cfg.PriorityQueuing = false
	snk := sink.NewChanSink(16)

	p, err := New(cfg, snk, zaptest.NewLogger(t))
	require.NoError(t, err)
	p.Start()

	_, err = p.AddSubscription("owner-1", []string{"AAPL"}, []string{"bar"}, distribution.Options{})
	require.NoError(t, err)

	p.Ingest("bar", map[string]interface{}{"symbol": "AAPL", "close": 99.5})
	p.Shutdown()

	// The buffered bar goes out with the best-effort final flush.
	msg := recvPayload(t, snk, 2*time.Second)
	assert.Contains(t, msg.Snapshots, "bar")

	// Idempotent, and ingestion is rejected afterwards.
	p.Shutdown()
	before := p.Status().Metrics.EventsDropped
	p.Ingest("bar", map[string]interface{}{"symbol": "AAPL", "close": 100.0})
	assert.Equal(t, before+1, p.Status().Metrics.EventsDropped)

	// A late flush attempt after shutdown is a no-op.
	p.tryFlush("late")
	p.wg.Wait()
	assertNoDelivery(t, snk, 100*time.Millisecond)
}

func TestStatusSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.PriorityQueuing = true
	snk := sink.NewChanSink(16)

	p, err := New(cfg, snk, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Shutdown()

	id, err := p.AddSubscription("owner-1", nil, []string{"bar"}, distribution.Options{})
	require.NoError(t, err)

	// Non-critical tiers only, so nothing triggers an immediate flush under
	// the assertions.
	p.Ingest("bar", map[string]interface{}{"symbol": "AAPL", "close": 1.0})
	p.Ingest("news", map[string]interface{}{"headline": "x"})

	st := p.Status()
	assert.Equal(t, 1, st.SubscriptionCount)
	assert.Equal(t, "closed", st.CircuitBreaker)
	assert.Equal(t, cfg.BufferSize, st.StreamCapacity)
	assert.Equal(t, 1, st.BufferOccupancy["bar"])
	assert.Equal(t, 1, st.BufferOccupancy["news"])
	assert.Equal(t, 1, st.QueueDepths["high"])
	assert.Equal(t, 1, st.QueueDepths["normal"])
	assert.Equal(t, uint64(2), st.Metrics.EventsIngested)

	p.RemoveSubscription(id)
	assert.Equal(t, 0, p.Status().SubscriptionCount)
}

func TestRemoveOwner(t *testing.T) {
	cfg := testConfig()
	snk := sink.NewChanSink(16)

	p, err := New(cfg, snk, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Shutdown()

	_, err = p.AddSubscription("gateway-7", []string{"AAPL"}, []string{"quote"}, distribution.Options{})
	require.NoError(t, err)
	_, err = p.AddSubscription("gateway-7", []string{"MSFT"}, []string{"trade"}, distribution.Options{})
	require.NoError(t, err)
	_, err = p.AddSubscription("gateway-9", []string{"MSFT"}, []string{"trade"}, distribution.Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, p.RemoveOwner("gateway-7"))
	assert.Equal(t, 1, p.Status().SubscriptionCount)
}
