package sink

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// WriterSink writes one line per delivery to an io.Writer. Intended for the
// stdout sink of the daemon and for local debugging.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Deliver(ctx context.Context, subscriptionID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "%s %s\n", subscriptionID, payload); err != nil {
		return fmt.Errorf("sink: write: %w", err)
	}
	return nil
}
