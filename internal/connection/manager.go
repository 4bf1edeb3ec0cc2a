package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"perp-sync/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotConnected is returned by Send unless the connection is open
	ErrNotConnected = errors.New("connection: not connected")
	// ErrTornDown is returned when starting a manager after Teardown
	ErrTornDown = errors.New("connection: torn down")
)

// State is the lifecycle state of a Manager
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateRetrying
	StateDead
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRetrying:
		return "retrying"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const writeTimeout = 10 * time.Second

// Config holds configuration for a Manager
type Config struct {
	URL              string
	Backoff          Backoff
	HandshakeTimeout time.Duration

	// OnMessage receives every inbound text frame, serialized per connection.
	OnMessage func(data []byte)
	// OnFreshConnect runs after every successful open, before any message of
	// that connection is delivered.
	OnFreshConnect func()
}

// Manager owns one physical WebSocket connection and reconnects it with
// backoff until Teardown.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	generation atomic.Uint64

	mu        sync.Mutex
	state     State
	started   bool
	conn      *websocket.Conn
	failCount int
	timer     *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc

	writeMu sync.Mutex
}

// NewManager creates a manager; no connection is made until Start
func NewManager(cfg Config) *Manager {
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: log.With().Str("component", "connection").Str("url", cfg.URL).Logger(),
		state:  StateConnecting,
	}
}

// URL returns the endpoint this manager dials
func (m *Manager) URL() string {
	return m.cfg.URL
}

// Start dials the first connection. Cancelling ctx tears the manager down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateDead {
		m.mu.Unlock()
		return ErrTornDown
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	gen := m.beginDialLocked()
	dialCtx := m.ctx
	m.mu.Unlock()

	go func() {
		<-dialCtx.Done()
		m.Teardown()
	}()
	go m.dial(dialCtx, gen)
	return nil
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOpen returns true if the connection is open
func (m *Manager) IsOpen() bool {
	return m.State() == StateOpen
}

// Generation returns the id of the current connection attempt
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// FailCount returns the number of consecutive failures since the last open
func (m *Manager) FailCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount
}

// Send writes a text frame. It fails with ErrNotConnected unless open.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	if m.state != StateOpen || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Restart drops the current connection and pending reconnect timer, then
// dials again immediately.
func (m *Manager) Restart() {
	m.mu.Lock()
	if m.state == StateDead || !m.started {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	old := m.conn
	m.conn = nil
	gen := m.beginDialLocked()
	ctx := m.ctx
	m.mu.Unlock()

	metrics.RecordConnectionStatus(m.cfg.URL, false)
	m.logger.Info().Uint64("generation", gen).Msg("Restarting connection")

	if old != nil {
		old.Close()
	}
	go m.dial(ctx, gen)
}

// Teardown permanently closes the manager. It never reconnects afterwards.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.state == StateDead {
		m.mu.Unlock()
		return
	}
	m.state = StateDead
	m.generation.Add(1)
	m.stopTimerLocked()
	conn := m.conn
	m.conn = nil
	cancel := m.cancel
	m.mu.Unlock()

	metrics.RecordConnectionStatus(m.cfg.URL, false)
	m.logger.Info().Msg("Connection torn down")

	if conn != nil {
		m.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		m.writeMu.Unlock()
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// beginDialLocked bumps the generation and marks the manager as connecting.
func (m *Manager) beginDialLocked() uint64 {
	m.state = StateConnecting
	return m.generation.Add(1)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) current(gen uint64) bool {
	return m.generation.Load() == gen
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	m.logger.Debug().Uint64("generation", gen).Msg("Dialing")

	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		m.handleClose(gen, fmt.Errorf("websocket dial failed: %w", err))
		return
	}

	m.mu.Lock()
	if !m.current(gen) || m.state == StateDead {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = StateOpen
	m.failCount = 0
	m.mu.Unlock()

	metrics.RecordConnectionStatus(m.cfg.URL, true)
	m.logger.Info().Uint64("generation", gen).Msg("Connection open")

	if m.cfg.OnFreshConnect != nil {
		m.cfg.OnFreshConnect()
	}

	m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		if !m.current(gen) {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(data)
		}
	}
}

// handleClose schedules a reconnect for the generation that failed, unless
// that generation is stale or the manager is dead.
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if !m.current(gen) || m.state == StateDead {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.failCount++
	failCount := m.failCount
	delay := m.cfg.Backoff.Delay(failCount)
	m.state = StateRetrying
	m.stopTimerLocked()
	m.timer = time.AfterFunc(delay, func() {
		m.reconnect(gen)
	})
	m.mu.Unlock()

	metrics.RecordConnectionStatus(m.cfg.URL, false)
	metrics.RecordReconnect(m.cfg.URL, delay)
	m.logClose(cause).
		Uint64("generation", gen).
		Int("fail_count", failCount).
		Dur("retry_in", delay).
		Msg("Connection closed, scheduling reconnect")
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if !m.current(gen) || m.state != StateRetrying {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	next := m.beginDialLocked()
	ctx := m.ctx
	m.mu.Unlock()

	go m.dial(ctx, next)
}

// logClose logs expected close codes at info level and everything else as an error.
func (m *Manager) logClose(cause error) *zerolog.Event {
	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived,
			websocket.CloseAbnormalClosure:
			return m.logger.Info().Int("code", closeErr.Code).Str("reason", closeErr.Text)
		}
		metrics.RecordConnectionError(m.cfg.URL, "close")
		return m.logger.Error().Int("code", closeErr.Code).Str("reason", closeErr.Text)
	}
	metrics.RecordConnectionError(m.cfg.URL, "transport")
	return m.logger.Error().Err(cause)
}
