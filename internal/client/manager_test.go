package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/omochice/resilient-chat/internal/chat"
	"github.com/omochice/resilient-chat/internal/client"
	"github.com/omochice/resilient-chat/internal/keyexchange"
	"github.com/omochice/resilient-chat/pkg/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testSession(t *testing.T) chat.Session {
	t.Helper()
	s, err := chat.NewSession("chat-1", "alice")
	require.NoError(t, err)
	return s
}

func newTestManager(t *testing.T, d *fakeDialer, h client.Handshaker, handler client.FrameHandler, maxBuffered int) *client.Manager {
	t.Helper()
	if h == nil {
		h = &fakeHandshaker{}
	}
	if handler == nil {
		handler = &recorder{}
	}
	m := client.NewManager(testSession(t), d, h, handler, client.Config{
		Endpoint:       "ws://example.test/ws",
		ReconnectDelay: 10 * time.Millisecond,
		WriteTimeout:   time.Second,
		MaxBuffered:    maxBuffered,
	}, nil)
	t.Cleanup(m.Close)
	return m
}

func waitConnected(t *testing.T, m *client.Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == client.StateConnected
	}, waitFor, tick)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", client.StateDisconnected.String())
	assert.Equal(t, "connecting", client.StateConnecting.String())
	assert.Equal(t, "connected", client.StateConnected.String())
	assert.Equal(t, "unknown", client.State(9).String())
}

func TestManager_StartsDisconnected(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, nil, 0)

	assert.Equal(t, client.StateDisconnected, m.State())
	assert.Nil(t, m.Keys())
	assert.Zero(t, d.dialCount())
}

func TestManager_ConnectAddsSessionToEndpoint(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, nil, 0)

	m.Connect()
	waitConnected(t, m)

	assert.Equal(t, "ws://example.test/ws?chat_id=chat-1&user_id=alice", d.lastEndpoint())
}

func TestManager_BufferedEnvelopesFlushInOrder(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	m := newTestManager(t, d, nil, nil, 0)

	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, m.Send(ctx, protocol.NewText(text)))
	}
	assert.Equal(t, 3, m.Buffered())
	assert.NotEqual(t, client.StateConnected, m.State())

	d.fail.Store(false)
	waitConnected(t, m)

	require.Eventually(t, func() bool { return d.connCount() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"one", "two", "three"}, d.conn(0).texts(t))
	assert.Zero(t, m.Buffered())
}

func TestManager_SendDuringFlushGoesLast(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	m := newTestManager(t, d, nil, nil, 0)

	ctx := context.Background()
	for _, text := range []string{"1", "2", "3"} {
		require.NoError(t, m.Send(ctx, protocol.NewText(text)))
	}

	gate := make(chan struct{})
	d.holdWrites(gate)
	d.fail.Store(false)
	require.Eventually(t, func() bool {
		return d.connCount() == 1 && d.conn(0).blocked.Load() == 1
	}, waitFor, tick)

	started := make(chan struct{})
	sent := make(chan error, 1)
	go func() {
		close(started)
		sent <- m.Send(ctx, protocol.NewText("4"))
	}()
	<-started
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, <-sent)
	assert.Equal(t, []string{"1", "2", "3", "4"}, d.conn(0).texts(t))
	assert.Zero(t, m.Buffered())
}

func TestManager_SendWhileConnectedWritesDirectly(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, nil, 0)
	m.Connect()
	waitConnected(t, m)

	require.NoError(t, m.Send(context.Background(), protocol.NewText("hello")))

	assert.Equal(t, []string{"hello"}, d.conn(0).texts(t))
	assert.Zero(t, m.Buffered())
}

func TestManager_HandshakeBeforeEveryOpen(t *testing.T) {
	ev := &events{}
	d := &fakeDialer{events: ev}
	h := &fakeHandshaker{events: ev}
	m := newTestManager(t, d, h, nil, 0)

	m.Connect()
	waitConnected(t, m)
	d.conn(0).hangUp()

	require.Eventually(t, func() bool {
		return d.connCount() == 2 && m.State() == client.StateConnected
	}, waitFor, tick)

	assert.Equal(t, []string{"handshake", "dial", "handshake", "dial"}, ev.list())
}

func TestManager_ConcurrentConnectMakesOneAttempt(t *testing.T) {
	d := &fakeDialer{}
	h := &fakeHandshaker{gate: make(chan struct{})}
	m := newTestManager(t, d, h, nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Connect()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, waitFor, tick)
	assert.Equal(t, client.StateConnecting, m.State())

	// Sends during the attempt are buffered, not dialed separately.
	require.NoError(t, m.Send(context.Background(), protocol.NewText("queued")))
	m.Connect()

	close(h.gate)
	waitConnected(t, m)

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, []string{"queued"}, d.conn(0).texts(t))
}

func TestManager_RetriesUntilServerComesBack(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	m := newTestManager(t, d, nil, nil, 0)

	m.Connect()
	require.Eventually(t, func() bool { return d.dialCount() >= 3 }, waitFor, tick)

	d.fail.Store(false)
	waitConnected(t, m)
}

func TestManager_ReconnectsAfterPeerClose(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, nil, 0)
	m.Connect()
	waitConnected(t, m)

	first := d.conn(0)
	first.hangUp()

	require.Eventually(t, func() bool {
		return d.connCount() == 2 && m.State() == client.StateConnected
	}, waitFor, tick)

	require.NoError(t, m.Send(context.Background(), protocol.NewText("after")))
	assert.Empty(t, first.texts(t))
	assert.Equal(t, []string{"after"}, d.conn(1).texts(t))
}

func TestManager_FailedSendIsBufferedAndStaleCloseIgnored(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, nil, 0)
	m.Connect()
	waitConnected(t, m)

	first := d.conn(0)
	first.rejectWrites.Store(true)

	require.NoError(t, m.Send(context.Background(), protocol.NewText("retry me")))
	assert.True(t, first.isClosed())

	require.Eventually(t, func() bool {
		return d.connCount() == 2 && m.State() == client.StateConnected
	}, waitFor, tick)
	assert.Equal(t, []string{"retry me"}, d.conn(1).texts(t))

	// The old connection's read loop ends with an error; it must not tear
	// down the replacement.
	require.Never(t, func() bool {
		return d.dialCount() > 2 || m.State() != client.StateConnected
	}, 100*time.Millisecond, tick)
}

func TestManager_FlushDropsEnvelopeOnWriteFailure(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	d.failWrites.Store(true)
	m := newTestManager(t, d, nil, nil, 0)

	require.NoError(t, m.Send(context.Background(), protocol.NewText("lost")))
	d.fail.Store(false)
	waitConnected(t, m)

	assert.Zero(t, m.Buffered())
	assert.Empty(t, d.conn(0).texts(t))
}

func TestManager_BufferCap(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	m := newTestManager(t, d, nil, nil, 2)

	ctx := context.Background()
	require.NoError(t, m.Send(ctx, protocol.NewText("a")))
	require.NoError(t, m.Send(ctx, protocol.NewText("b")))
	err := m.Send(ctx, protocol.NewText("c"))
	assert.ErrorIs(t, err, client.ErrBufferFull)
	assert.Equal(t, 2, m.Buffered())
}

func TestManager_SendRejectsInvalidEnvelope(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, nil, 0)

	err := m.Send(context.Background(), protocol.NewFileChunk("", 0, 1, []byte{1}, ""))
	assert.ErrorIs(t, err, protocol.ErrInvalidEnvelope)
	assert.Zero(t, m.Buffered())
	assert.Equal(t, client.StateDisconnected, m.State())
}

func TestManager_InboundFramesReachHandler(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	m := newTestManager(t, d, nil, rec, 0)
	m.Connect()
	waitConnected(t, m)

	d.conn(0).deliver("one")
	d.conn(0).deliver("two")

	require.Eventually(t, func() bool { return len(rec.list()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"one", "two"}, rec.list())
}

func TestManager_StatusReportsTransitions(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, nil, 0)
	m.Connect()

	var seen []client.State
	timeout := time.After(waitFor)
	for len(seen) < 2 {
		select {
		case s := <-m.Status():
			seen = append(seen, s)
		case <-timeout:
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.Equal(t, []client.State{client.StateConnecting, client.StateConnected}, seen)
}

func TestManager_KeysFromHandshake(t *testing.T) {
	d := &fakeDialer{}
	coord := keyexchange.NewCoordinator(stubRegistry{publishErr: errRegistry, fetchErr: errRegistry})
	m := newTestManager(t, d, coord, nil, 0)

	m.Connect()
	waitConnected(t, m)

	keys := m.Keys()
	require.NotNil(t, keys)
	assert.False(t, keys.IsSentinel())
	assert.Empty(t, keys.Peers())
}

func TestManager_DegradedHandshakeStillConnects(t *testing.T) {
	tests := []struct {
		name     string
		opts     []keyexchange.Option
		registry stubRegistry
		sentinel bool
	}{
		{
			name: "key generation fails",
			opts: []keyexchange.Option{keyexchange.WithKeyGenerator(func() (*keyexchange.KeyPair, error) {
				return nil, errors.New("no entropy")
			})},
			sentinel: true,
		},
		{
			name:     "publish fails",
			registry: stubRegistry{publishErr: errRegistry},
		},
		{
			name:     "peer fetch fails",
			registry: stubRegistry{fetchErr: errRegistry},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialer{}
			coord := keyexchange.NewCoordinator(tt.registry, tt.opts...)
			m := newTestManager(t, d, coord, nil, 0)

			m.Connect()
			waitConnected(t, m)

			assert.Equal(t, 1, d.dialCount())
			assert.Equal(t, client.StateConnected, m.State())
			require.NotNil(t, m.Keys())
			assert.Equal(t, tt.sentinel, m.Keys().IsSentinel())

			require.NoError(t, m.Send(context.Background(), protocol.NewText("hi")))
			assert.Equal(t, []string{"hi"}, d.conn(0).texts(t))
		})
	}
}

func TestManager_DegradedHandshakeLoggedOnce(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	d := &fakeDialer{}
	coord := keyexchange.NewCoordinator(stubRegistry{publishErr: errRegistry, fetchErr: errRegistry}, keyexchange.WithLogger(log))
	m := client.NewManager(testSession(t), d, coord, &recorder{}, client.Config{
		Endpoint:       "ws://example.test/ws",
		ReconnectDelay: 10 * time.Millisecond,
	}, log)
	t.Cleanup(m.Close)

	m.Connect()
	waitConnected(t, m)

	assert.Equal(t, 2, logs.FilterMessage("key registry unavailable, continuing").Len())
	degraded := logs.FilterMessage("handshake degraded").All()
	require.Len(t, degraded, 1)
	assert.Equal(t, zapcore.DebugLevel, degraded[0].Level)
	assert.Equal(t, int64(2), degraded[0].ContextMap()["failures"])
}

func TestManager_Close(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil, nil, 0)
	m.Connect()
	waitConnected(t, m)

	m.Close()

	assert.Equal(t, client.StateDisconnected, m.State())
	assert.True(t, d.conn(0).isClosed())
	assert.ErrorIs(t, m.Send(context.Background(), protocol.NewText("late")), client.ErrClosed)

	m.Connect()
	require.Never(t, func() bool { return d.dialCount() > 1 }, 50*time.Millisecond, tick)

	// Closing twice is harmless.
	m.Close()
}

func TestManager_CloseStopsRetries(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	m := newTestManager(t, d, nil, nil, 0)
	m.Connect()
	require.Eventually(t, func() bool { return d.dialCount() >= 1 }, waitFor, tick)

	m.Close()
	n := d.dialCount()
	require.Never(t, func() bool { return d.dialCount() > n }, 50*time.Millisecond, tick)
}

var errRegistry = errors.New("registry down")

// stubRegistry accepts every key and has no peers unless an error is set.
type stubRegistry struct {
	publishErr error
	fetchErr   error
}

func (r stubRegistry) ExchangeKey(ctx context.Context, chatID, clientID, publicKey string) (bool, error) {
	return r.publishErr == nil, r.publishErr
}

func (r stubRegistry) PeerKeys(ctx context.Context, chatID string) ([]keyexchange.PeerKey, error) {
	return nil, r.fetchErr
}
