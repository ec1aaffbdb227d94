package distribution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/quantex/marketpipe/internal/feed"
	"github.com/quantex/marketpipe/internal/metrics"
	"github.com/quantex/marketpipe/pkg/codec"
	"github.com/quantex/marketpipe/pkg/sink"
)

// Engine delivers flushed packets to subscribers. Distribute is non-blocking:
// it hands the packet to each subscription's bounded queue and returns; the
// per-subscription pump goroutines do the filtering, throttling, encoding,
// compression and sink delivery.
type Engine struct {
	log       *zap.Logger
	reg       *Registry
	sink      sink.Sink
	codecs    *codec.Registry
	rec       *metrics.Recorder
	batchSize int
	qdepth    int
	deliverTO time.Duration

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewEngine wires the distribution engine. A nil codecs registry gets the
// default schemes; a nil logger is replaced with a nop.
func NewEngine(reg *Registry, snk sink.Sink, codecs *codec.Registry, rec *metrics.Recorder,
	batchSize, queueDepth int, deliverTimeout time.Duration, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if codecs == nil {
		codecs = codec.Default()
	}
	return &Engine{
		log:       log,
		reg:       reg,
		sink:      snk,
		codecs:    codecs,
		rec:       rec,
		batchSize: batchSize,
		qdepth:    queueDepth,
		deliverTO: deliverTimeout,
	}
}

// Subscribe registers interest and starts the subscription's pump.
func (e *Engine) Subscribe(owner string, symbols, dataTypes []string, opts Options) (string, error) {
	sub, err := e.reg.Add(owner, symbols, dataTypes, opts, e.qdepth)
	if err != nil {
		return "", err
	}
	e.wg.Add(1)
	go e.pump(sub)
	e.log.Debug("subscription added",
		zap.String("id", sub.ID),
		zap.String("owner", owner),
		zap.Int("symbols", len(symbols)),
		zap.Strings("types", dataTypes))
	return sub.ID, nil
}

// Unsubscribe removes a subscription and stops its pump.
func (e *Engine) Unsubscribe(id string) {
	if sub := e.reg.Remove(id); sub != nil {
		close(sub.done)
	}
}

// UnsubscribeOwner removes all of an owner's subscriptions.
func (e *Engine) UnsubscribeOwner(owner string) int {
	removed := e.reg.RemoveOwner(owner)
	for _, sub := range removed {
		close(sub.done)
	}
	return len(removed)
}

// Count returns the number of active subscriptions.
func (e *Engine) Count() int { return e.reg.Count() }

// SubscriptionStats returns delivery metrics for one subscription.
func (e *Engine) SubscriptionStats(id string) (Stats, bool) {
	sub, ok := e.reg.Get(id)
	if !ok {
		return Stats{}, false
	}
	return sub.Stats(), true
}

// Distribute offers the packet to every active subscription. A subscriber
// whose queue is full loses this packet (counted on its stats) rather than
// delaying anyone else.
func (e *Engine) Distribute(ctx context.Context, pkt *feed.Packet) error {
	if e.closed.Load() || pkt == nil || pkt.Empty() {
		return nil
	}
	for _, sub := range e.reg.List() {
		select {
		case sub.queue <- pkt:
		default:
			sub.dropped.Add(1)
			e.rec.RecordDrop("subscriber_queue_full")
		}
	}
	return nil
}

// Close stops all pumps after their queues drain. Idempotent.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	for _, sub := range e.reg.List() {
		// Remove may race a concurrent Unsubscribe; only the winner of the
		// registry removal closes the done channel.
		if removed := e.reg.Remove(sub.ID); removed != nil {
			close(removed.done)
		}
	}
	e.wg.Wait()
}

func (e *Engine) pump(sub *Subscription) {
	defer e.wg.Done()
	for {
		select {
		case <-sub.done:
			// Drain what is already queued so a final flush still reaches
			// the subscriber before the pump exits.
			for {
				select {
				case pkt := <-sub.queue:
					e.dispatch(sub, pkt)
				default:
					return
				}
			}
		case pkt := <-sub.queue:
			if sub.opts.Conflate {
				pkt = e.mergeBacklog(sub, pkt)
			}
			e.dispatch(sub, pkt)
		}
	}
}

// mergeBacklog drains whatever packets already queued behind pkt and merges
// them into one catch-up packet: snapshots overwrite, streams concatenate.
func (e *Engine) mergeBacklog(sub *Subscription, pkt *feed.Packet) *feed.Packet {
	merged := pkt
	for {
		select {
		case next := <-sub.queue:
			if merged == pkt {
				merged = clonePacket(pkt)
			}
			mergeInto(merged, next)
		default:
			return merged
		}
	}
}

func clonePacket(pkt *feed.Packet) *feed.Packet {
	out := &feed.Packet{
		Seq:       pkt.Seq,
		FlushedAt: pkt.FlushedAt,
		Conflated: make(map[feed.DataType]map[string]*feed.Event, len(pkt.Conflated)),
		Streams:   make(map[feed.DataType][]*feed.Event, len(pkt.Streams)),
	}
	for dt, bySymbol := range pkt.Conflated {
		m := make(map[string]*feed.Event, len(bySymbol))
		for sym, ev := range bySymbol {
			m[sym] = ev
		}
		out.Conflated[dt] = m
	}
	for dt, evs := range pkt.Streams {
		out.Streams[dt] = append([]*feed.Event(nil), evs...)
	}
	return out
}

func mergeInto(dst, src *feed.Packet) {
	dst.Seq = src.Seq
	dst.FlushedAt = src.FlushedAt
	for dt, bySymbol := range src.Conflated {
		m := dst.Conflated[dt]
		if m == nil {
			m = make(map[string]*feed.Event, len(bySymbol))
			dst.Conflated[dt] = m
		}
		for sym, ev := range bySymbol {
			m[sym] = ev
		}
	}
	for dt, evs := range src.Streams {
		dst.Streams[dt] = append(dst.Streams[dt], evs...)
	}
}

// packetView is the post-filter slice of a packet for one subscription.
type packetView struct {
	snapshots map[feed.DataType]map[string]*feed.Event
	streams   map[feed.DataType][]*feed.Event
}

func (v *packetView) empty() bool {
	for _, m := range v.snapshots {
		if len(m) > 0 {
			return false
		}
	}
	for _, s := range v.streams {
		if len(s) > 0 {
			return false
		}
	}
	return true
}

// filterPacket keeps only the symbols and data types the subscription
// declared. Events without a symbol (news, alerts) pass the symbol filter;
// they are not symbol-specific.
func filterPacket(pkt *feed.Packet, sub *Subscription) *packetView {
	v := &packetView{
		snapshots: make(map[feed.DataType]map[string]*feed.Event),
		streams:   make(map[feed.DataType][]*feed.Event),
	}
	for dt, bySymbol := range pkt.Conflated {
		if !sub.wantsType(dt) {
			continue
		}
		for sym, ev := range bySymbol {
			if !sub.wantsSymbol(sym) {
				continue
			}
			m := v.snapshots[dt]
			if m == nil {
				m = make(map[string]*feed.Event)
				v.snapshots[dt] = m
			}
			m[sym] = ev
		}
	}
	for dt, evs := range pkt.Streams {
		if !sub.wantsType(dt) {
			continue
		}
		for _, ev := range evs {
			if ev.Symbol != "" && !sub.wantsSymbol(ev.Symbol) {
				continue
			}
			v.streams[dt] = append(v.streams[dt], ev)
		}
	}
	return v
}

// wireMessage is the delivery payload shape. Stream entries preserve
// insertion order; snapshot entries are latest-per-symbol.
type wireMessage struct {
	Seq       uint64                                       `json:"seq"`
	Timestamp int64                                        `json:"ts"`
	Snapshots map[feed.DataType]map[string]json.RawMessage `json:"snapshots,omitempty"`
	Streams   map[feed.DataType][]json.RawMessage          `json:"streams,omitempty"`
}

func (e *Engine) dispatch(sub *Subscription, pkt *feed.Packet) {
	view := filterPacket(pkt, sub)
	if view.empty() {
		return
	}
	// Throttled cycles are skipped entirely; conflation upstream guarantees
	// the next delivery carries the latest state.
	if sub.limiter != nil && !sub.limiter.Allow() {
		return
	}

	for _, msg := range e.buildMessages(sub, pkt, view) {
		data, err := json.Marshal(msg)
		if err != nil {
			sub.errors.Add(1)
			e.log.Error("encode delivery payload", zap.String("sub", sub.ID), zap.Error(err))
			continue
		}
		data = e.compress(sub, data)

		ctx, cancel := context.WithTimeout(context.Background(), e.deliverTO)
		start := time.Now()
		err = e.sink.Deliver(ctx, sub.ID, data)
		cancel()

		e.rec.RecordDelivery(err)
		if err != nil {
			sub.errors.Add(1)
			e.log.Warn("sink delivery failed",
				zap.String("sub", sub.ID),
				zap.Uint64("seq", pkt.Seq),
				zap.Error(err))
			continue
		}
		sub.recordDelivery(len(data), start.Sub(pkt.FlushedAt))
	}
}

// buildMessages splits the view into wire messages of at most batchSize
// stream entries per type. The first message carries the snapshots.
func (e *Engine) buildMessages(sub *Subscription, pkt *feed.Packet, view *packetView) []*wireMessage {
	chunks := 1
	for _, evs := range view.streams {
		if n := (len(evs) + e.batchSize - 1) / e.batchSize; n > chunks {
			chunks = n
		}
	}

	msgs := make([]*wireMessage, 0, chunks)
	for i := 0; i < chunks; i++ {
		msg := &wireMessage{
			Seq:       pkt.Seq,
			Timestamp: pkt.FlushedAt.UnixMilli(),
		}
		if i == 0 && len(view.snapshots) > 0 {
			msg.Snapshots = make(map[feed.DataType]map[string]json.RawMessage, len(view.snapshots))
			for dt, bySymbol := range view.snapshots {
				m := make(map[string]json.RawMessage, len(bySymbol))
				for sym, ev := range bySymbol {
					if raw, err := json.Marshal(wireEntry(ev)); err == nil {
						m[sym] = raw
					}
				}
				msg.Snapshots[dt] = m
			}
		}
		for dt, evs := range view.streams {
			lo := i * e.batchSize
			if lo >= len(evs) {
				continue
			}
			hi := lo + e.batchSize
			if hi > len(evs) {
				hi = len(evs)
			}
			if msg.Streams == nil {
				msg.Streams = make(map[feed.DataType][]json.RawMessage)
			}
			for _, ev := range evs[lo:hi] {
				if raw, err := json.Marshal(wireEntry(ev)); err == nil {
					msg.Streams[dt] = append(msg.Streams[dt], raw)
				}
			}
		}
		if msg.Snapshots != nil || msg.Streams != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func wireEntry(ev *feed.Event) map[string]interface{} {
	m := make(map[string]interface{}, len(ev.Payload)+2)
	for k, val := range ev.Payload {
		m[k] = val
	}
	if ev.Symbol != "" {
		m["symbol"] = ev.Symbol
	}
	m["received"] = ev.Received.UnixMilli()
	return m
}

// compress applies the subscription's codec scheme. Missing schemes and
// codec failures fall back to uncompressed delivery.
func (e *Engine) compress(sub *Subscription, data []byte) []byte {
	if sub.opts.Compression == "" {
		return data
	}
	c, ok := e.codecs.Get(sub.opts.Compression)
	if !ok {
		return data
	}
	out, err := c.Compress(data)
	if err != nil {
		e.log.Warn("compression failed, delivering raw",
			zap.String("sub", sub.ID),
			zap.String("scheme", sub.opts.Compression),
			zap.Error(err))
		return data
	}
	return out
}
