// Package pipeline implements the market-data distribution core: buffering
// with conflation, priority queues, circuit breaking, adaptive flow control
// and the flush scheduler feeding the distribution engine.
package pipeline

import (
	"sync"
	"time"

	"github.com/quantex/marketpipe/internal/feed"
)

// bufferStore holds unflushed data per data type. Conflating types keep the
// latest event per symbol; streaming types keep a bounded FIFO with
// oldest-first eviction. Mutation and snapshotting are mutually exclusive so
// a flush always captures a consistent view.
type bufferStore struct {
	mu        sync.Mutex
	conflated map[feed.DataType]map[string]*feed.Event
	streams   map[feed.DataType]*ringBuffer
	streamCap int
	seq       uint64
	evictions uint64
}

var streamTypes = []feed.DataType{feed.TypeTrade, feed.TypeNews, feed.TypeAlert}

func newBufferStore(streamCap int) *bufferStore {
	s := &bufferStore{
		conflated: make(map[feed.DataType]map[string]*feed.Event),
		streams:   make(map[feed.DataType]*ringBuffer, len(streamTypes)),
		streamCap: streamCap,
	}
	for _, dt := range streamTypes {
		s.streams[dt] = newRingBuffer(streamCap)
	}
	return s
}

// Put routes the event to its buffer. It reports whether an older entry was
// evicted to make room.
func (s *bufferStore) Put(ev *feed.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Type.Conflates() {
		bySymbol := s.conflated[ev.Type]
		if bySymbol == nil {
			bySymbol = make(map[string]*feed.Event)
			s.conflated[ev.Type] = bySymbol
		}
		bySymbol[ev.Symbol] = ev // last write wins
		return false
	}

	rb := s.streams[ev.Type]
	if rb == nil {
		rb = newRingBuffer(s.streamCap)
		s.streams[ev.Type] = rb
	}
	if rb.push(ev) {
		s.evictions++
		return true
	}
	return false
}

// Snapshot atomically captures and clears all buffers, assigning the next
// sequence number. It returns nil when nothing is buffered; the sequence is
// not consumed in that case.
func (s *bufferStore) Snapshot() *feed.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := true
	for _, bySymbol := range s.conflated {
		if len(bySymbol) > 0 {
			empty = false
			break
		}
	}
	if empty {
		for _, rb := range s.streams {
			if rb.size > 0 {
				empty = false
				break
			}
		}
	}
	if empty {
		return nil
	}

	s.seq++
	pkt := &feed.Packet{
		Seq:       s.seq,
		FlushedAt: time.Now(),
		Conflated: s.conflated,
		Streams:   make(map[feed.DataType][]*feed.Event, len(s.streams)),
	}
	s.conflated = make(map[feed.DataType]map[string]*feed.Event)
	for dt, rb := range s.streams {
		if rb.size > 0 {
			pkt.Streams[dt] = rb.drain()
		}
	}
	return pkt
}

// Occupancy returns per-buffer sizes plus the stream utilization fraction
// (occupied stream slots over configured stream capacity).
func (s *bufferStore) Occupancy() (map[string]int, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	occ := make(map[string]int, len(s.conflated)+len(s.streams))
	for dt, bySymbol := range s.conflated {
		occ[string(dt)] = len(bySymbol)
	}
	used, capTotal := 0, 0
	for dt, rb := range s.streams {
		occ[string(dt)] = rb.size
		used += rb.size
		capTotal += rb.cap()
	}
	if capTotal == 0 {
		return occ, 0
	}
	return occ, float64(used) / float64(capTotal)
}

// Sequence returns the last assigned packet sequence number.
func (s *bufferStore) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Evictions returns the cumulative number of evicted stream entries.
func (s *bufferStore) Evictions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

// StreamCapacity returns the current per-type stream capacity.
func (s *bufferStore) StreamCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCap
}

// SetStreamCapacity resizes every stream buffer, keeping the newest entries
// when shrinking. Called by the adaptive flow controller.
func (s *bufferStore) SetStreamCapacity(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == s.streamCap {
		return
	}
	s.streamCap = n
	for _, rb := range s.streams {
		s.evictions += uint64(rb.resize(n))
	}
}

// ringBuffer is a fixed-capacity FIFO of events with oldest-first eviction.
type ringBuffer struct {
	buf  []*feed.Event
	head int
	size int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]*feed.Event, capacity)}
}

func (rb *ringBuffer) cap() int { return len(rb.buf) }

// push appends ev, evicting the oldest entry when full. Reports eviction.
func (rb *ringBuffer) push(ev *feed.Event) bool {
	evicted := false
	if rb.size == len(rb.buf) {
		rb.buf[rb.head] = nil
		rb.head = (rb.head + 1) % len(rb.buf)
		rb.size--
		evicted = true
	}
	rb.buf[(rb.head+rb.size)%len(rb.buf)] = ev
	rb.size++
	return evicted
}

// drain returns the buffered events in insertion order and empties the ring.
func (rb *ringBuffer) drain() []*feed.Event {
	out := make([]*feed.Event, rb.size)
	for i := 0; i < rb.size; i++ {
		idx := (rb.head + i) % len(rb.buf)
		out[i] = rb.buf[idx]
		rb.buf[idx] = nil
	}
	rb.head = 0
	rb.size = 0
	return out
}

// resize changes capacity, keeping the newest entries. Returns the number of
// entries dropped by the shrink.
func (rb *ringBuffer) resize(n int) int {
	if n == len(rb.buf) {
		return 0
	}
	dropped := 0
	keep := rb.size
	if keep > n {
		dropped = keep - n
		keep = n
	}
	buf := make([]*feed.Event, n)
	// Copy the newest `keep` entries.
	start := rb.size - keep
	for i := 0; i < keep; i++ {
		buf[i] = rb.buf[(rb.head+start+i)%len(rb.buf)]
	}
	rb.buf = buf
	rb.head = 0
	rb.size = keep
	return dropped
}
