// Package sink defines the external delivery boundary of the pipeline and a
// few ready-made sinks. A sink failure is reflected only in the owning
// subscription's metrics; it never propagates back into ingestion.
package sink

import (
	"context"
	"fmt"
)

// Sink receives encoded (and optionally compressed) payloads for one
// subscription. Implementations must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, subscriptionID string, payload []byte) error
}

// Delivery is one payload captured by ChanSink.
type Delivery struct {
	SubscriptionID string
	Payload        []byte
}

// ErrSinkClosed is returned by sinks that have been shut down.
var ErrSinkClosed = fmt.Errorf("sink: closed")

// ChanSink hands deliveries to a channel. Used in tests and embedded setups
// where the consumer drains deliveries in-process.
type ChanSink struct {
	ch chan Delivery
}

// NewChanSink returns a ChanSink with the given buffer depth.
func NewChanSink(depth int) *ChanSink {
	return &ChanSink{ch: make(chan Delivery, depth)}
}

// Deliver blocks until the delivery is accepted or ctx is done.
func (s *ChanSink) Deliver(ctx context.Context, subscriptionID string, payload []byte) error {
	select {
	case s.ch <- Delivery{SubscriptionID: subscriptionID, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages exposes the delivery stream.
func (s *ChanSink) Messages() <-chan Delivery { return s.ch }
