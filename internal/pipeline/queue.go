package pipeline

import (
	"sync"

	"github.com/quantex/marketpipe/internal/feed"
)

// tierQueues orders unflushed events by urgency. Four tiers feed the flush
// decision: a non-empty critical tier makes the pipeline flush immediately
// instead of waiting for the periodic tick.
type tierQueues struct {
	mu      sync.Mutex
	pending [4][]*feed.Event
}

func newTierQueues() *tierQueues {
	return &tierQueues{}
}

// Append enqueues an event reference on its tier.
func (q *tierQueues) Append(ev *feed.Event) {
	q.mu.Lock()
	q.pending[ev.Tier] = append(q.pending[ev.Tier], ev)
	q.mu.Unlock()
}

// HasCritical reports whether any critical-tier event awaits flushing.
func (q *tierQueues) HasCritical() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[feed.TierCritical]) > 0
}

// Depths returns the per-tier queue depths.
func (q *tierQueues) Depths() [4]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var d [4]int
	for i := range q.pending {
		d[i] = len(q.pending[i])
	}
	return d
}

// Drain empties all tiers, returning the drained depths. Called by the flush
// after its buffer snapshot so queue depth always reflects unflushed data.
func (q *tierQueues) Drain() [4]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var d [4]int
	for i := range q.pending {
		d[i] = len(q.pending[i])
		q.pending[i] = q.pending[i][:0]
	}
	return d
}
