package channel

import (
	"context"

	"perp-sync/internal/connection"
)

// Socket pairs one connection.Manager with the Multiplexer that routes its
// messages.
type Socket struct {
	*Multiplexer
	conn *connection.Manager
}

// NewSocket wires a manager and multiplexer together. The connection is not
// dialed until Start. A caller's OnFreshConnect runs after subscriptions are
// restored.
func NewSocket(cfg connection.Config, opts Options) *Socket {
	s := &Socket{}
	onFresh := cfg.OnFreshConnect
	cfg.OnMessage = func(data []byte) { s.Multiplexer.HandleMessage(data) }
	cfg.OnFreshConnect = func() {
		s.Multiplexer.HandleFreshConnect()
		if onFresh != nil {
			onFresh()
		}
	}
	s.conn = connection.NewManager(cfg)
	s.Multiplexer = NewMultiplexer(cfg.URL, s.conn, opts)
	return s
}

// Start dials the connection
func (s *Socket) Start(ctx context.Context) error {
	return s.conn.Start(ctx)
}

// Connection exposes the underlying manager
func (s *Socket) Connection() *connection.Manager {
	return s.conn
}

// IsOpen reports whether the underlying connection is open
func (s *Socket) IsOpen() bool {
	return s.conn.IsOpen()
}

// Restart drops the connection and dials again. Subscriptions are restored on
// the fresh connect.
func (s *Socket) Restart() {
	s.conn.Restart()
}

// Teardown forgets all subscriptions and closes the connection for good
func (s *Socket) Teardown() {
	s.Multiplexer.Clear()
	s.conn.Teardown()
}
