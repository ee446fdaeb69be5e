package client_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omochice/resilient-chat/internal/chat"
	"github.com/omochice/resilient-chat/internal/keyexchange"
	"github.com/omochice/resilient-chat/pkg/protocol"
)

var errWrite = errors.New("write failed")

// fakeConn is an in-memory chat.Conn. Frames pushed with deliver are
// returned by Read; hangUp ends Read as a peer close would.
type fakeConn struct {
	id           int
	inbound      chan []byte
	done         chan struct{}
	once         sync.Once
	rejectWrites atomic.Bool
	// gate, when set, holds every Write until it is closed.
	gate    chan struct{}
	blocked atomic.Int32

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn(id int) *fakeConn {
	return &fakeConn{
		id:      id,
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	case data := <-c.inbound:
		return data, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	if c.rejectWrites.Load() {
		return errWrite
	}
	if c.gate != nil {
		c.blocked.Add(1)
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return fmt.Sprintf("fake-%d", c.id) }

func (c *fakeConn) deliver(frame string) { c.inbound <- []byte(frame) }

func (c *fakeConn) hangUp() { c.Close() }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// texts decodes every written frame as an envelope and returns the texts.
func (c *fakeConn) texts(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, raw := range c.written {
		env, err := protocol.DecodeEnvelope(raw)
		require.NoError(t, err)
		out = append(out, env.Text)
	}
	return out
}

func (c *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.written))
	for _, raw := range c.written {
		env, err := protocol.DecodeEnvelope(raw)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// events records the order of handshakes and dials across fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeDialer struct {
	events *events
	fail   atomic.Bool
	// failWrites makes every new connection reject writes.
	failWrites atomic.Bool

	mu        sync.Mutex
	conns     []*fakeConn
	endpoints []string
	attempts  int
	writeGate chan struct{}
}

var _ chat.Dialer = (*fakeDialer)(nil)

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (chat.Conn, error) {
	if d.events != nil {
		d.events.add("dial")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	d.endpoints = append(d.endpoints, endpoint)
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(len(d.conns) + 1)
	c.rejectWrites.Store(d.failWrites.Load())
	c.gate = d.writeGate
	d.conns = append(d.conns, c)
	return c, nil
}

// holdWrites makes connections dialed from now on block in Write until gate
// is closed.
func (d *fakeDialer) holdWrites(gate chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeGate = gate
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) lastEndpoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoints[len(d.endpoints)-1]
}

type fakeHandshaker struct {
	events *events
	calls  atomic.Int32
	// gate, when set, blocks each handshake until it receives a value.
	gate chan struct{}
}

func (h *fakeHandshaker) Handshake(ctx context.Context, chatID, userID string) keyexchange.Result {
	h.calls.Add(1)
	if h.events != nil {
		h.events.add("handshake")
	}
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
		}
	}
	return keyexchange.Result{}
}

// recorder is a FrameHandler that keeps every frame it sees.
type recorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *recorder) OnFrame(ctx context.Context, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(frame))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

// captureSender records envelopes handed to it by a FileChunker.
type captureSender struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	err  error
}

func (s *captureSender) Send(ctx context.Context, env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.envs = append(s.envs, env)
	return nil
}
