package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/quantex/marketpipe/internal/config"
	"github.com/quantex/marketpipe/internal/distribution"
	"github.com/quantex/marketpipe/internal/feed"
	"github.com/quantex/marketpipe/internal/metrics"
	"github.com/quantex/marketpipe/pkg/codec"
	"github.com/quantex/marketpipe/pkg/sink"
)

// Pipeline is one self-contained market-data distribution instance. Multiple
// pipelines (for example per tenant) can coexist in a process; nothing here
// is global.
type Pipeline struct {
	log    *zap.Logger
	cfg    *config.Config
	store  *bufferStore
	queues *tierQueues
	brk    *breaker
	flow   *flowController
	engine *distribution.Engine
	rec    *metrics.Recorder
	sem    *semaphore.Weighted

	// flushMu serializes the snapshot-to-distribution hand-off so subscriber
	// queues always receive packets in sequence order. The expensive work
	// (encode, compress, deliver) happens in the pumps, outside this lock.
	flushMu  sync.Mutex
	done     chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
	stopOnce sync.Once

	// beforeDistribute, when set by tests, runs inside a flush between the
	// snapshot and distribution.
	beforeDistribute func()
}

// Option customizes pipeline construction.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	codecs     *codec.Registry
}

// WithRegisterer registers pipeline metrics against reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithCodecs replaces the default compression codec registry.
func WithCodecs(r *codec.Registry) Option {
	return func(o *options) { o.codecs = r }
}

// New constructs a pipeline delivering to snk. A nil logger is replaced with
// a nop logger.
func New(cfg *config.Config, snk sink.Sink, log *zap.Logger, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rec := metrics.NewRecorder(o.registerer)
	store := newBufferStore(cfg.BufferSize)

	p := &Pipeline{
		log:    log,
		cfg:    cfg,
		store:  store,
		queues: newTierQueues(),
		rec:    rec,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentFlushes)),
		done:   make(chan struct{}),
	}
	p.brk = newBreaker(cfg.Breaker, log.Named("breaker"), rec.RecordTrip)
	p.flow = newFlowController(cfg.Adaptive, cfg.FlushInterval, store, rec, log.Named("flow"))
	p.engine = distribution.NewEngine(
		distribution.NewRegistry(), snk, o.codecs, rec,
		cfg.BatchSize, cfg.SubscriberQueueDepth, cfg.DeliverTimeout,
		log.Named("distribution"),
	)
	return p, nil
}

// Start launches the periodic flush loop and, when enabled, the adaptive
// flow controller.
func (p *Pipeline) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.flushLoop()

	if p.cfg.AdaptiveBuffering {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.flow.run(p.done)
		}()
	}
	p.log.Info("pipeline started",
		zap.Duration("flush_interval", p.flow.FlushInterval()),
		zap.Int("buffer_size", p.cfg.BufferSize),
		zap.Int("max_concurrent_flushes", p.cfg.MaxConcurrentFlushes))
}

// Ingest accepts one upstream event. It never blocks and never returns an
// error: unknown types, breaker rejections and shutdown are converted into
// counted drops. Critical-tier events trigger an immediate asynchronous
// flush attempt.
func (p *Pipeline) Ingest(dataType string, payload map[string]interface{}) {
	if p.closed.Load() {
		p.rec.RecordDrop("shutdown")
		return
	}
	start := time.Now()

	var tier feed.Tier
	err := p.brk.Do(func() error {
		ev, err := feed.New(feed.DataType(dataType), payload)
		if err != nil {
			return err
		}
		tier = ev.Tier
		if p.store.Put(ev) {
			p.rec.RecordDrop("evicted")
		}
		if p.cfg.PriorityQueuing {
			p.queues.Append(ev)
		}
		return nil
	})

	switch {
	case err == nil:
		p.rec.RecordIngest(time.Since(start))
		if p.cfg.PriorityQueuing && tier == feed.TierCritical && p.queues.HasCritical() {
			p.tryFlush("critical")
		}
	case p.brk.Rejected(err):
		p.rec.RecordDrop("breaker_open")
	default:
		p.rec.RecordFailure()
		p.rec.RecordDrop("unknown_type")
		p.log.Debug("event rejected", zap.String("type", dataType), zap.Error(err))
	}
}

// AddSubscription registers a consumer's interest and returns its ID.
func (p *Pipeline) AddSubscription(ownerID string, symbols, dataTypes []string, opts distribution.Options) (string, error) {
	return p.engine.Subscribe(ownerID, symbols, dataTypes, opts)
}

// RemoveSubscription drops one subscription.
func (p *Pipeline) RemoveSubscription(id string) {
	p.engine.Unsubscribe(id)
}

// RemoveOwner drops every subscription of a disconnected owner.
func (p *Pipeline) RemoveOwner(ownerID string) int {
	return p.engine.UnsubscribeOwner(ownerID)
}

// SubscriptionStats exposes one subscription's delivery metrics.
func (p *Pipeline) SubscriptionStats(id string) (distribution.Stats, bool) {
	return p.engine.SubscriptionStats(id)
}

// Status is the read-only pipeline health snapshot.
type Status struct {
	Metrics           metrics.Stats
	BufferOccupancy   map[string]int
	StreamCapacity    int
	FlushInterval     time.Duration
	QueueDepths       map[string]int
	SubscriptionCount int
	CircuitBreaker    string
	Sequence          uint64
	Evictions         uint64
}

// Status assembles the current pipeline state. Reading it also performs the
// breaker's open-to-half-open check.
func (p *Pipeline) Status() Status {
	occ, util := p.store.Occupancy()
	p.rec.SetUtilization(util)

	depths := p.queues.Depths()
	byTier := make(map[string]int, len(depths))
	for i, tier := range feed.Tiers {
		byTier[tier.String()] = depths[i]
		p.rec.SetQueueDepth(tier.String(), depths[i])
	}

	return Status{
		Metrics:           p.rec.Snapshot(),
		BufferOccupancy:   occ,
		StreamCapacity:    p.store.StreamCapacity(),
		FlushInterval:     p.flow.FlushInterval(),
		QueueDepths:       byTier,
		SubscriptionCount: p.engine.Count(),
		CircuitBreaker:    p.brk.State(),
		Sequence:          p.store.Sequence(),
		Evictions:         p.store.Evictions(),
	}
}

// flushLoop drives periodic flushes at the adaptive interval.
func (p *Pipeline) flushLoop() {
	defer p.wg.Done()
	timer := time.NewTimer(p.flow.FlushInterval())
	defer timer.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-timer.C:
			p.tryFlush("periodic")
			timer.Reset(p.flow.FlushInterval())
		}
	}
}

// tryFlush starts an asynchronous flush unless the concurrency limit is
// already saturated. After shutdown begins it is a no-op; the final flush is
// Shutdown's own.
func (p *Pipeline) tryFlush(reason string) {
	if p.closed.Load() {
		return
	}
	if !p.sem.TryAcquire(1) {
		p.rec.RecordFlushSkip("concurrency")
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.flushOnce(reason)
	}()
}

// flushOnce runs one guarded flush cycle: snapshot, drain queues, distribute.
// Internal errors feed the breaker; buffer state stays consistent either way
// because the snapshot already detached it.
func (p *Pipeline) flushOnce(reason string) {
	p.rec.FlushStarted()
	defer p.rec.FlushFinished()

	err := p.brk.Do(func() error {
		p.flushMu.Lock()
		defer p.flushMu.Unlock()

		pkt := p.store.Snapshot()
		p.queues.Drain()
		if pkt == nil {
			p.rec.RecordFlushSkip("empty")
			return nil
		}
		if p.beforeDistribute != nil {
			p.beforeDistribute()
		}
		if err := p.engine.Distribute(context.Background(), pkt); err != nil {
			return err
		}
		p.rec.RecordFlush(pkt.Size())
		return nil
	})
	if err != nil {
		if p.brk.Rejected(err) {
			p.rec.RecordFlushSkip("breaker_open")
			return
		}
		p.rec.RecordFailure()
		p.log.Error("flush failed", zap.String("reason", reason), zap.Error(err))
	}
}

// Shutdown stops timers, attempts one final best-effort flush within the
// configured deadline and rejects all further ingestion. Idempotent.
func (p *Pipeline) Shutdown() {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		p.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
		defer cancel()
		if err := p.sem.Acquire(ctx, 1); err == nil {
			p.flushOnce("shutdown")
			p.sem.Release(1)
		} else {
			p.rec.RecordFlushSkip("shutdown_deadline")
		}

		p.engine.Close()
		p.log.Info("pipeline stopped", zap.Uint64("last_sequence", p.store.Sequence()))
	})
}
