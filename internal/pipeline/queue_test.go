package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantex/marketpipe/internal/feed"
)

func TestTierQueuesOrderingAndDrain(t *testing.T) {
	q := newTierQueues()
	assert.False(t, q.HasCritical())

	q.Append(mustEvent(t, feed.TypeNews, map[string]interface{}{"headline": "x"}))
	q.Append(mustEvent(t, feed.TypeBar, map[string]interface{}{"symbol": "AAPL"}))
	assert.False(t, q.HasCritical())

	q.Append(mustEvent(t, feed.TypeQuote, map[string]interface{}{"symbol": "AAPL"}))
	assert.True(t, q.HasCritical())

	d := q.Depths()
	assert.Equal(t, 1, d[feed.TierCritical])
	assert.Equal(t, 1, d[feed.TierHigh])
	assert.Equal(t, 1, d[feed.TierNormal])
	assert.Equal(t, 0, d[feed.TierLow])

	drained := q.Drain()
	assert.Equal(t, d, drained)
	assert.False(t, q.HasCritical())
	assert.Equal(t, [4]int{}, q.Depths())
}
