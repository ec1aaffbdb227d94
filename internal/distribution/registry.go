// Package distribution fans flushed packets out to subscribers: filtering,
// conflation, throttling, optional compression and delivery to the external
// sink. Each subscription is pumped independently so one slow or failing
// subscriber never blocks the others.
package distribution

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quantex/marketpipe/internal/feed"
)

// Options carries per-subscription delivery options.
type Options struct {
	// Compression names a codec scheme; empty means uncompressed. An
	// unregistered scheme also falls back to uncompressed delivery.
	Compression string

	// Throttle is the minimum gap between deliveries. Zero disables it.
	Throttle time.Duration

	// Conflate merges queued packets into one catch-up delivery when the
	// subscriber falls behind: latest-wins for snapshot types, concatenation
	// for streams.
	Conflate bool
}

// Stats is a snapshot of one subscription's delivery metrics.
type Stats struct {
	Delivered    uint64
	Dropped      uint64
	Errors       uint64
	Bytes        uint64
	LastDelivery time.Time
	AvgLatency   time.Duration
}

// Subscription is one consumer's declared interest plus its delivery state.
type Subscription struct {
	ID    string
	Owner string

	symbols map[string]struct{} // empty = all symbols
	types   map[feed.DataType]struct{}
	opts    Options
	limiter *rate.Limiter // nil when unthrottled

	queue chan *feed.Packet
	done  chan struct{}

	delivered  atomic.Uint64
	dropped    atomic.Uint64
	errors     atomic.Uint64
	bytes      atomic.Uint64
	lastSent   atomic.Int64 // unix nanos
	avgLatency atomic.Int64 // EWMA, nanos
}

// Stats returns the subscription's current delivery metrics.
func (s *Subscription) Stats() Stats {
	st := Stats{
		Delivered:  s.delivered.Load(),
		Dropped:    s.dropped.Load(),
		Errors:     s.errors.Load(),
		Bytes:      s.bytes.Load(),
		AvgLatency: time.Duration(s.avgLatency.Load()),
	}
	if ns := s.lastSent.Load(); ns > 0 {
		st.LastDelivery = time.Unix(0, ns)
	}
	return st
}

func (s *Subscription) wantsType(dt feed.DataType) bool {
	_, ok := s.types[dt]
	return ok
}

func (s *Subscription) wantsSymbol(sym string) bool {
	if len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[sym]
	return ok
}

// recordDelivery updates the EWMA latency with weight 1/8, matching how the
// registry smooths per-client latency elsewhere in the system.
func (s *Subscription) recordDelivery(n int, latency time.Duration) {
	s.delivered.Add(1)
	s.bytes.Add(uint64(n))
	s.lastSent.Store(time.Now().UnixNano())
	prev := s.avgLatency.Load()
	if prev == 0 {
		s.avgLatency.Store(int64(latency))
		return
	}
	s.avgLatency.Store(prev + (int64(latency)-prev)/8)
}

// Registry tracks active subscriptions. It is owned by a single pipeline
// instance; there is no process-wide registry.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// ErrNoDataTypes is returned when a subscription declares no data types.
var ErrNoDataTypes = fmt.Errorf("distribution: subscription declares no data types")

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Add registers a subscription and returns it. queueDepth bounds the packet
// backlog a slow subscriber may accumulate.
func (r *Registry) Add(owner string, symbols, dataTypes []string, opts Options, queueDepth int) (*Subscription, error) {
	if len(dataTypes) == 0 {
		return nil, ErrNoDataTypes
	}
	if opts.Throttle < 0 {
		return nil, fmt.Errorf("distribution: negative throttle interval")
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		Owner:   owner,
		symbols: make(map[string]struct{}, len(symbols)),
		types:   make(map[feed.DataType]struct{}, len(dataTypes)),
		opts:    opts,
		queue:   make(chan *feed.Packet, queueDepth),
		done:    make(chan struct{}),
	}
	for _, s := range symbols {
		sub.symbols[s] = struct{}{}
	}
	for _, dt := range dataTypes {
		sub.types[feed.DataType(dt)] = struct{}{}
	}
	if opts.Throttle > 0 {
		sub.limiter = rate.NewLimiter(rate.Every(opts.Throttle), 1)
	}

	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub, nil
}

// Remove deletes a subscription and returns it, or nil if unknown.
func (r *Registry) Remove(id string) *Subscription {
	r.mu.Lock()
	sub := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	return sub
}

// RemoveOwner deletes every subscription belonging to owner (subscriber
// disconnect) and returns them.
func (r *Registry) RemoveOwner(owner string) []*Subscription {
	r.mu.Lock()
	var removed []*Subscription
	for id, sub := range r.subs {
		if sub.Owner == owner {
			removed = append(removed, sub)
			delete(r.subs, id)
		}
	}
	r.mu.Unlock()
	return removed
}

// Get returns a subscription by ID.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	sub, ok := r.subs[id]
	r.mu.RUnlock()
	return sub, ok
}

// List returns a point-in-time slice of active subscriptions.
func (r *Registry) List() []*Subscription {
	r.mu.RLock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	r.mu.RUnlock()
	return out
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.subs)
	r.mu.RUnlock()
	return n
}
