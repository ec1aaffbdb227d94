package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNoConnection is returned when a subscription has no attached socket.
var ErrNoConnection = fmt.Errorf("sink: no websocket connection for subscription")

// WebSocketSink writes payloads to per-subscription WebSocket connections.
// The transport layer attaches a connection after the subscribe handshake
// and detaches it on disconnect.
type WebSocketSink struct {
	mu           sync.RWMutex
	conns        map[string]*websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocketSink returns a sink enforcing writeTimeout on every send.
func NewWebSocketSink(writeTimeout time.Duration) *WebSocketSink {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketSink{
		conns:        make(map[string]*websocket.Conn),
		writeTimeout: writeTimeout,
	}
}

// Attach binds a connection to a subscription ID, replacing any prior one.
func (s *WebSocketSink) Attach(subscriptionID string, conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[subscriptionID] = conn
	s.mu.Unlock()
}

// Detach removes the connection for a subscription ID.
func (s *WebSocketSink) Detach(subscriptionID string) {
	s.mu.Lock()
	delete(s.conns, subscriptionID)
	s.mu.Unlock()
}

// Deliver writes the payload as a binary frame. Write errors surface to the
// caller's per-subscription metrics only.
func (s *WebSocketSink) Deliver(ctx context.Context, subscriptionID string, payload []byte) error {
	s.mu.RLock()
	conn, ok := s.conns[subscriptionID]
	s.mu.RUnlock()
	if !ok {
		return ErrNoConnection
	}

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("sink: set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("sink: websocket write: %w", err)
	}
	return nil
}
