package sink

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes payloads to a NATS subject per subscription:
// <prefix>.<subscriptionID>. Downstream gateways subscribe to the subjects
// of the clients they serve.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink connects to url and returns a sink publishing under prefix.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("marketpipe-sink"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("sink: nats connect: %w", err)
	}
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

// Deliver publishes the payload. NATS publishes are buffered and
// non-blocking; slow consumers are the server's problem, not ours.
func (s *NATSSink) Deliver(ctx context.Context, subscriptionID string, payload []byte) error {
	if s.nc.IsClosed() {
		return ErrSinkClosed
	}
	subject := s.prefix + "." + subscriptionID
	if err := s.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("sink: nats publish: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (s *NATSSink) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return fmt.Errorf("sink: nats drain: %w", err)
	}
	return nil
}
