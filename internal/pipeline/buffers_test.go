package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantex/marketpipe/internal/feed"
)

func mustEvent(t *testing.T, dt feed.DataType, payload map[string]interface{}) *feed.Event {
	t.Helper()
	ev, err := feed.New(dt, payload)
	require.NoError(t, err)
	return ev
}

func TestConflationLastWriteWins(t *testing.T) {
	store := newBufferStore(100)

	store.Put(mustEvent(t, feed.TypeQuote, map[string]interface{}{"symbol": "AAPL", "bid": 150.0}))
	store.Put(mustEvent(t, feed.TypeQuote, map[string]interface{}{"symbol": "AAPL", "bid": 151.0}))
	store.Put(mustEvent(t, feed.TypeQuote, map[string]interface{}{"symbol": "MSFT", "bid": 410.0}))

	pkt := store.Snapshot()
	require.NotNil(t, pkt)

	quotes := pkt.Conflated[feed.TypeQuote]
	require.Len(t, quotes, 2)
	bid := quotes["AAPL"].Payload["bid"]
	assert.Equal(t, "151", fmt.Sprint(bid))
}

func TestStreamBufferBoundedEviction(t *testing.T) {
	const capacity = 2000
	store := newBufferStore(capacity)

	for i := 1; i <= 2500; i++ {
		store.Put(mustEvent(t, feed.TypeTrade, map[string]interface{}{
			"symbol": fmt.Sprintf("s%d", i),
		}))
	}
	assert.Equal(t, uint64(500), store.Evictions())

	pkt := store.Snapshot()
	require.NotNil(t, pkt)
	trades := pkt.Streams[feed.TypeTrade]
	require.Len(t, trades, capacity)
	assert.Equal(t, "s501", trades[0].Symbol)
	assert.Equal(t, "s2500", trades[capacity-1].Symbol)
}

func TestSnapshotClearsAndSequences(t *testing.T) {
	store := newBufferStore(10)

	store.Put(mustEvent(t, feed.TypeQuote, map[string]interface{}{"symbol": "AAPL", "bid": 1.0}))
	pkt1 := store.Snapshot()
	require.NotNil(t, pkt1)
	assert.Equal(t, uint64(1), pkt1.Seq)

	// Cleared: nothing left to snapshot, and the sequence is not consumed.
	assert.Nil(t, store.Snapshot())
	assert.Equal(t, uint64(1), store.Sequence())

	store.Put(mustEvent(t, feed.TypeTrade, map[string]interface{}{"symbol": "AAPL"}))
	pkt2 := store.Snapshot()
	require.NotNil(t, pkt2)
	assert.Equal(t, uint64(2), pkt2.Seq)
	assert.True(t, pkt2.FlushedAt.After(pkt1.FlushedAt) || pkt2.FlushedAt.Equal(pkt1.FlushedAt))
}

func TestStreamCapacityResize(t *testing.T) {
	store := newBufferStore(10)
	for i := 1; i <= 10; i++ {
		store.Put(mustEvent(t, feed.TypeTrade, map[string]interface{}{
			"symbol": fmt.Sprintf("s%d", i),
		}))
	}

	// Shrinking keeps the newest entries.
	store.SetStreamCapacity(4)
	assert.Equal(t, 4, store.StreamCapacity())
	pkt := store.Snapshot()
	require.NotNil(t, pkt)
	trades := pkt.Streams[feed.TypeTrade]
	require.Len(t, trades, 4)
	assert.Equal(t, "s7", trades[0].Symbol)
	assert.Equal(t, "s10", trades[3].Symbol)

	// Growing keeps everything and raises the bound.
	store.SetStreamCapacity(8)
	for i := 0; i < 8; i++ {
		store.Put(mustEvent(t, feed.TypeTrade, map[string]interface{}{"symbol": "x"}))
	}
	occ, util := store.Occupancy()
	assert.Equal(t, 8, occ[string(feed.TypeTrade)])
	assert.InDelta(t, 8.0/24.0, util, 1e-9) // three stream types share the capacity
}

func TestOccupancyUtilization(t *testing.T) {
	store := newBufferStore(10)
	for i := 0; i < 5; i++ {
		store.Put(mustEvent(t, feed.TypeTrade, map[string]interface{}{"symbol": "x"}))
	}
	store.Put(mustEvent(t, feed.TypeQuote, map[string]interface{}{"symbol": "AAPL"}))

	occ, util := store.Occupancy()
	assert.Equal(t, 5, occ[string(feed.TypeTrade)])
	assert.Equal(t, 1, occ[string(feed.TypeQuote)])
	// 5 occupied slots over 3 stream buffers of 10.
	assert.InDelta(t, 5.0/30.0, util, 1e-9)
}

func TestRingBufferDrainOrder(t *testing.T) {
	rb := newRingBuffer(3)
	for i := 1; i <= 5; i++ {
		rb.push(mustEvent(t, feed.TypeTrade, map[string]interface{}{
			"symbol": fmt.Sprintf("s%d", i),
		}))
	}
	out := rb.drain()
	require.Len(t, out, 3)
	assert.Equal(t, "s3", out[0].Symbol)
	assert.Equal(t, "s4", out[1].Symbol)
	assert.Equal(t, "s5", out[2].Symbol)
	assert.Equal(t, 0, rb.size)
}
