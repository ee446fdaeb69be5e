package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/resilient-chat/internal/chat"
	"github.com/omochice/resilient-chat/internal/keyexchange"
	"github.com/omochice/resilient-chat/pkg/protocol"
)

// State is the lifecycle state of the single logical connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

// Handshaker runs the key exchange that precedes every transport open.
type Handshaker interface {
	Handshake(ctx context.Context, chatID, userID string) keyexchange.Result
}

// FrameHandler receives inbound frames in arrival order.
type FrameHandler interface {
	OnFrame(ctx context.Context, frame []byte)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(ctx context.Context, frame []byte)

func (f FrameHandlerFunc) OnFrame(ctx context.Context, frame []byte) { f(ctx, frame) }

// Config tunes a Manager.
type Config struct {
	// Endpoint is the WebSocket URL; chat_id and user_id are added to its query.
	Endpoint string
	// ReconnectDelay is the fixed wait after any transport failure.
	ReconnectDelay time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// MaxBuffered caps the outbound buffer; 0 means unbounded.
	MaxBuffered int
}

// Manager keeps one session's connection alive. It drives the
// disconnected/connecting/connected state machine, runs the key exchange
// before every open, buffers envelopes while offline and flushes them in
// order once connected. Retries are unbounded with a fixed delay.
//
// mu serializes the transport reference, the state and the flush, so a
// Send that arrives mid-flush is written after every envelope queued before it.
type Manager struct {
	session    chat.Session
	cfg        Config
	dialer     chat.Dialer
	handshaker Handshaker
	handler    FrameHandler
	buffer     *OutboundBuffer
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	status chan State

	mu     sync.Mutex
	state  State
	conn   chat.Conn
	keys   *keyexchange.KeyMaterial
	retry  *time.Timer
	closed bool
}

// NewManager creates a Manager in the disconnected state. Nothing is
// dialed until Connect or Send is called.
func NewManager(session chat.Session, dialer chat.Dialer, handshaker Handshaker, handler FrameHandler, cfg Config, log *zap.Logger) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		session:    session,
		cfg:        cfg,
		dialer:     dialer,
		handshaker: handshaker,
		handler:    handler,
		buffer:     NewOutboundBuffer(cfg.MaxBuffered),
		log:        log.With(session.Field()),
		ctx:        ctx,
		cancel:     cancel,
		status:     make(chan State, 16),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a channel of state transitions. Transitions are dropped
// when nobody keeps up with the channel.
func (m *Manager) Status() <-chan State {
	return m.status
}

// Keys returns the key material of the latest handshake, or nil before the
// first one completes.
func (m *Manager) Keys() *keyexchange.KeyMaterial {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys
}

// Buffered returns the number of envelopes waiting for a connection.
func (m *Manager) Buffered() int {
	return m.buffer.Len()
}

// Connect starts a connection attempt. It is a no-op unless the manager is
// disconnected, so concurrent calls result in a single attempt.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectLocked()
}

func (m *Manager) connectLocked() {
	if m.closed || m.state != StateDisconnected {
		return
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.setStateLocked(StateConnecting)
	m.wg.Add(1)
	go m.establish()
}

// establish runs one handshake plus transport open. The handshake result is
// accepted unconditionally.
func (m *Manager) establish() {
	defer m.wg.Done()

	res := m.handshaker.Handshake(m.ctx, m.session.ChatID, m.session.UserID)
	if res.Degraded() {
		m.log.Debug("handshake degraded", zap.Int("failures", len(res.Failures)))
	}

	m.mu.Lock()
	m.keys = res.Keys
	m.mu.Unlock()

	conn, err := m.dial()
	if err != nil {
		m.log.Warn("transport open failed", zap.Error(err))
		m.mu.Lock()
		m.disconnectedLocked()
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		conn.Close()
		return
	}
	m.conn = conn
	m.setStateLocked(StateConnected)
	m.log.Info("connected", zap.String("remote", conn.RemoteAddr()))
	m.flushLocked(conn)

	m.wg.Add(1)
	go m.readLoop(conn)
}

func (m *Manager) dial() (chat.Conn, error) {
	u, err := url.Parse(m.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: bad endpoint: %v", ErrTransport, err)
	}
	q := u.Query()
	q.Set("chat_id", m.session.ChatID)
	q.Set("user_id", m.session.UserID)
	u.RawQuery = q.Encode()

	conn, err := m.dialer.Dial(m.ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return conn, nil
}

// flushLocked drains the buffer snapshot completely. An envelope whose
// write fails is dropped, not requeued.
func (m *Manager) flushLocked(conn chat.Conn) {
	pending := m.buffer.Drain()
	if len(pending) == 0 {
		return
	}
	m.log.Info("sending buffered envelopes", zap.Int("count", len(pending)))
	for i, env := range pending {
		if err := m.write(m.ctx, conn, env); err != nil {
			m.log.Warn("dropped buffered envelope",
				zap.Int("index", i),
				zap.Stringer("kind", env.Kind),
				zap.Error(err))
		}
	}
}

func (m *Manager) readLoop(conn chat.Conn) {
	defer m.wg.Done()
	for {
		data, err := conn.Read(m.ctx)
		if err != nil {
			m.handleClosed(conn, err)
			return
		}
		m.handler.OnFrame(m.ctx, data)
	}
}

// handleClosed ignores connections that are no longer current, which covers
// a local Close and a connection already torn down by a failed Send.
func (m *Manager) handleClosed(conn chat.Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return
	}
	m.conn = nil
	conn.Close()
	m.log.Warn("transport closed", zap.Error(err))
	m.disconnectedLocked()
}

func (m *Manager) disconnectedLocked() {
	m.setStateLocked(StateDisconnected)
	if m.closed {
		return
	}
	if m.retry != nil {
		m.retry.Stop()
	}
	m.log.Info("reconnect scheduled", zap.Duration("delay", m.cfg.ReconnectDelay))
	m.retry = time.AfterFunc(m.cfg.ReconnectDelay, m.Connect)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	select {
	case m.status <- s:
	default:
	}
}

// Send transmits env when connected. Otherwise env is buffered and a
// connection attempt is started. A failed write while connected tears the
// connection down and buffers env for the next flush.
func (m *Manager) Send(ctx context.Context, env protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if m.state == StateConnected && m.conn != nil {
		err := m.write(ctx, m.conn, env)
		if err == nil {
			return nil
		}
		m.log.Warn("send failed, buffering envelope", zap.Stringer("kind", env.Kind), zap.Error(err))
		m.conn.Close()
		m.conn = nil
		m.setStateLocked(StateDisconnected)
	}

	if err := m.buffer.Push(env); err != nil {
		return err
	}
	m.log.Debug("envelope buffered", zap.Stringer("kind", env.Kind), zap.Int("buffered", m.buffer.Len()))
	m.connectLocked()
	return nil
}

func (m *Manager) write(ctx context.Context, conn chat.Conn, env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Close stops reconnecting, closes the transport and waits for background
// work to finish. Buffered envelopes are discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancel()
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.wg.Wait()
}
