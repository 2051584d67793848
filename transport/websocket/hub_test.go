package websocket

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wricardo/mcp-training/chatrelay/chat/admission"
	"github.com/wricardo/mcp-training/chatrelay/chat/metrics"
	"github.com/wricardo/mcp-training/chatrelay/chat/protocol"
	"github.com/wricardo/mcp-training/chatrelay/chat/session"
)

// fakeSocket records whole frames and flags overlapping writes.
type fakeSocket struct {
	mu       sync.Mutex
	frames   [][]byte
	controls [][]byte
	closed   bool

	failWith error
	failPing error
	delay    time.Duration
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failWith != nil {
		return s.failWith
	}

	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageType == websocket.PingMessage {
		return s.failPing
	}
	if messageType == websocket.CloseMessage {
		s.controls = append(s.controls, append([]byte(nil), data...))
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(t time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) closeCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.controls) == 0 || len(s.controls[0]) < 2 {
		return 0
	}
	return int(binary.BigEndian.Uint16(s.controls[0]))
}

func (s *fakeSocket) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(s.frames))
	for _, f := range s.frames {
		env, err := protocol.Decode(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// systemTexts returns the text of every system message s received.
func (s *fakeSocket) systemTexts(t *testing.T) []string {
	t.Helper()
	var texts []string
	for _, env := range s.envelopes(t) {
		if env.Type != protocol.TypeSystemMessageReceive {
			continue
		}
		var p protocol.SystemMessageReceivePayload
		require.NoError(t, protocol.DecodePayload(env, &p))
		texts = append(texts, p.Message)
	}
	return texts
}

func newTestHub(t *testing.T, opts Options) (*Hub, *session.Registry, *metrics.Metrics) {
	t.Helper()
	reg := session.NewRegistry()
	m := metrics.New()
	if opts.Registry == nil {
		opts.Registry = reg
	}
	opts.Metrics = m
	opts.Logger = zerolog.Nop()
	return NewHub(opts), reg, m
}

func join(t *testing.T, reg *session.Registry, userID, nickname string, now time.Time) (*session.Connection, *fakeSocket) {
	t.Helper()
	conn := session.NewConnection(admission.User{UserID: userID, Nickname: nickname}, now)
	require.NoError(t, reg.Register(conn))
	sock := &fakeSocket{}
	require.NoError(t, conn.Attach(sock))
	return conn, sock
}

func chatMessage(t *testing.T, nickname, text string) protocol.Envelope {
	t.Helper()
	env, err := protocol.MessageReceive(time.Now(), nickname, text)
	require.NoError(t, err)
	return env
}

func TestNewHub_Defaults(t *testing.T) {
	hub := NewHub(Options{})

	if hub.registry == nil {
		t.Fatal("NewHub() left registry nil")
	}
	if hub.idleTimeout != DefaultIdleTimeout {
		t.Errorf("idleTimeout = %v, want %v", hub.idleTimeout, DefaultIdleTimeout)
	}
	if hub.sweepInterval != DefaultSweepInterval {
		t.Errorf("sweepInterval = %v, want %v", hub.sweepInterval, DefaultSweepInterval)
	}
	if hub.maxMessageSize != DefaultMaxMessageSize {
		t.Errorf("maxMessageSize = %d, want %d", hub.maxMessageSize, DefaultMaxMessageSize)
	}
	if hub.Count() != 0 {
		t.Errorf("Count() = %d, want 0", hub.Count())
	}
}

func TestBroadcast_DeliversToEveryone(t *testing.T) {
	hub, reg, m := newTestHub(t, Options{})
	now := time.Now()
	_, alice := join(t, reg, "u1", "alice", now)
	_, bob := join(t, reg, "u2", "bob", now)

	require.NoError(t, hub.Broadcast(context.Background(), chatMessage(t, "alice", "hi")))

	for name, sock := range map[string]*fakeSocket{"alice": alice, "bob": bob} {
		envs := sock.envelopes(t)
		if assert.Len(t, envs, 1, name) {
			assert.Equal(t, protocol.TypeMessageReceive, envs[0].Type, name)
		}
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesBroadcast))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesSent))
}

func TestBroadcast_PartialFailure(t *testing.T) {
	hub, reg, m := newTestHub(t, Options{})
	now := time.Now()
	_, alice := join(t, reg, "u1", "alice", now)
	_, carol := join(t, reg, "u3", "carol", now)
	bobConn, bob := join(t, reg, "u2", "bob", now)
	bob.failWith = errors.New("broken pipe")

	require.NoError(t, hub.Broadcast(context.Background(), chatMessage(t, "alice", "hello")))

	assert.False(t, reg.Contains("u2"), "failed recipient should be removed")
	assert.True(t, bob.isClosed())
	assert.Equal(t, websocket.CloseInternalServerErr, bob.closeCode())
	assert.Equal(t, 2, reg.Count())

	// Survivors get the original message and the departure notice, in either order.
	for name, sock := range map[string]*fakeSocket{"alice": alice, "carol": carol} {
		var types []string
		for _, env := range sock.envelopes(t) {
			types = append(types, env.Type)
		}
		assert.ElementsMatch(t, []string{protocol.TypeMessageReceive, protocol.TypeSystemMessageReceive}, types, name)
		assert.Equal(t, []string{"bob 님이 퇴장했습니다."}, sock.systemTexts(t), name)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Disconnections))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.MessagesSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesBroadcast))

	// A second teardown of the same connection is a no-op.
	assert.False(t, hub.closeConnection(bobConn, websocket.CloseNormalClosure, "again"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Disconnections))
}

func TestBroadcast_SkipsUnattached(t *testing.T) {
	hub, reg, m := newTestHub(t, Options{})
	_, alice := join(t, reg, "u1", "alice", time.Now())

	pending := session.NewConnection(admission.User{UserID: "u2", Nickname: "bob"}, time.Now())
	require.NoError(t, reg.Register(pending))

	require.NoError(t, hub.Broadcast(context.Background(), chatMessage(t, "alice", "hi")))

	assert.Len(t, alice.envelopes(t), 1)
	assert.True(t, reg.Contains("u2"), "pending connection must survive a broadcast")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent))
}

func TestBroadcast_CancelledContext(t *testing.T) {
	hub, reg, _ := newTestHub(t, Options{})
	_, alice := join(t, reg, "u1", "alice", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Broadcast(ctx, chatMessage(t, "alice", "hi"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, alice.envelopes(t))
}

func TestSendTo(t *testing.T) {
	hub, reg, m := newTestHub(t, Options{})
	now := time.Now()
	aliceConn, alice := join(t, reg, "u1", "alice", now)
	_, bob := join(t, reg, "u2", "bob", now)

	env, err := protocol.ServerStatusResponse(reg.Count())
	require.NoError(t, err)
	require.NoError(t, hub.SendTo(aliceConn, env))

	envs := alice.envelopes(t)
	require.Len(t, envs, 1)
	var p protocol.ServerStatusResponsePayload
	require.NoError(t, protocol.DecodePayload(envs[0], &p))
	assert.Equal(t, 2, p.ClientCount)
	assert.Empty(t, bob.envelopes(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent))
}

func TestSendTo_FailureTearsDown(t *testing.T) {
	hub, reg, _ := newTestHub(t, Options{})
	now := time.Now()
	aliceConn, alice := join(t, reg, "u1", "alice", now)
	_, bob := join(t, reg, "u2", "bob", now)
	alice.failWith = errors.New("reset by peer")

	env, err := protocol.ServerStatusResponse(2)
	require.NoError(t, err)
	assert.Error(t, hub.SendTo(aliceConn, env))

	assert.False(t, reg.Contains("u1"))
	assert.True(t, alice.isClosed())
	assert.Equal(t, []string{"alice 님이 퇴장했습니다."}, bob.systemTexts(t))

	// Later sends report the closed connection without another teardown.
	assert.ErrorIs(t, hub.SendTo(aliceConn, env), session.ErrClosed)
}

func TestWritesAreSerialized(t *testing.T) {
	hub, reg, _ := newTestHub(t, Options{})
	conn, sock := join(t, reg, "u1", "alice", time.Now())
	sock.delay = time.Millisecond

	status, err := protocol.ServerStatusResponse(1)
	require.NoError(t, err)
	chat := chatMessage(t, "alice", "x")

	const perWriter = 25
	var wg sync.WaitGroup
	for i := 0; i < perWriter; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.Broadcast(context.Background(), chat)
		}()
		go func() {
			defer wg.Done()
			hub.SendTo(conn, status)
		}()
	}
	wg.Wait()

	assert.False(t, sock.overlap.Load(), "frames from concurrent writers interleaved")
	assert.Len(t, sock.envelopes(t), 2*perWriter)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSweepIdle_Threshold(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: start}
	hub, reg, m := newTestHub(t, Options{IdleTimeout: 2 * time.Minute, Now: clk.Now})

	_, alice := join(t, reg, "u1", "alice", start)
	bobConn, bob := join(t, reg, "u2", "bob", start)

	clk.Advance(90 * time.Second)
	bobConn.Touch(clk.Now())
	assert.Equal(t, 0, hub.sweepIdle(), "nobody is idle yet")

	// Exactly at the threshold counts as idle.
	clk.Advance(30 * time.Second)
	assert.Equal(t, 1, hub.sweepIdle())

	assert.False(t, reg.Contains("u1"))
	assert.True(t, reg.Contains("u2"))
	assert.True(t, alice.isClosed())
	assert.Equal(t, websocket.CloseNormalClosure, alice.closeCode())
	assert.Equal(t, []string{"alice 님이 퇴장했습니다."}, bob.systemTexts(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdleDisconnects))

	clk.Advance(90 * time.Second)
	assert.Equal(t, 1, hub.sweepIdle())
	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IdleDisconnects))
}

type panickingRegistry struct {
	*session.Registry
}

func (panickingRegistry) Snapshot() []*session.Connection {
	panic("snapshot exploded")
}

func TestSweepIdle_RecoversPanic(t *testing.T) {
	hub, _, _ := newTestHub(t, Options{Registry: panickingRegistry{session.NewRegistry()}})

	assert.NotPanics(t, func() {
		assert.Equal(t, 0, hub.sweepIdle())
	})
}

func TestCloseConnection_StaleTeardownKeepsNewerSession(t *testing.T) {
	hub, reg, m := newTestHub(t, Options{})
	old, oldSock := join(t, reg, "u1", "alice", time.Now())

	// The old session was already replaced.
	require.True(t, reg.RemoveConnection(old))
	newer, _ := join(t, reg, "u1", "alice", time.Now())

	assert.False(t, hub.closeConnection(old, websocket.CloseNormalClosure, "stale"))
	assert.True(t, oldSock.isClosed())

	current, ok := reg.Get("u1")
	require.True(t, ok)
	assert.Same(t, newer, current)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Disconnections))
}

type countingPublisher struct {
	mu    sync.Mutex
	calls []int
	runs  atomic.Int32
}

func (p *countingPublisher) PublishCount(ctx context.Context, count func() int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, count())
	return ctx.Err()
}

func (p *countingPublisher) Run(ctx context.Context, interval time.Duration, count func() int) error {
	p.runs.Add(1)
	<-ctx.Done()
	return nil
}

func (p *countingPublisher) published() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.calls...)
}

func TestRun_ShutdownClosesSessions(t *testing.T) {
	pub := &countingPublisher{}
	hub, reg, m := newTestHub(t, Options{Publisher: pub, StatusRefreshInterval: time.Hour})
	now := time.Now()
	_, alice := join(t, reg, "u1", "alice", now)
	_, bob := join(t, reg, "u2", "bob", now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.published()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, 0, reg.Count())
	for name, sock := range map[string]*fakeSocket{"alice": alice, "bob": bob} {
		assert.True(t, sock.isClosed(), name)
		assert.Equal(t, websocket.CloseGoingAway, sock.closeCode(), name)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Disconnections))
	assert.Equal(t, int32(1), pub.runs.Load())

	calls := pub.published()
	assert.Equal(t, 2, calls[0], "initial publish reports live sessions")
	assert.Equal(t, 0, calls[len(calls)-1])
	assert.True(t, hub.closing.Load())
}

func TestCount_IgnoresPendingReservation(t *testing.T) {
	pub := &countingPublisher{}
	hub, reg, _ := newTestHub(t, Options{Publisher: pub})
	aliceConn, alice := join(t, reg, "u1", "alice", time.Now())

	pending := session.NewConnection(admission.User{UserID: "u2", Nickname: "bob"}, time.Now())
	require.NoError(t, reg.Register(pending))

	assert.Equal(t, 2, reg.Count())
	assert.Equal(t, 1, hub.Count())

	hub.handleFrame(context.Background(), aliceConn, []byte(`{"type":"SERVERSTATUS_REQUEST","payload":{}}`), zerolog.Nop())
	envs := alice.envelopes(t)
	require.Len(t, envs, 1)
	var p protocol.ServerStatusResponsePayload
	require.NoError(t, protocol.DecodePayload(envs[0], &p))
	assert.Equal(t, 1, p.ClientCount)

	hub.publish(context.Background())
	assert.Equal(t, []int{1}, pub.published())
}

func TestCloseConnection_PendingReservationIsSilent(t *testing.T) {
	pub := &countingPublisher{}
	hub, reg, m := newTestHub(t, Options{Publisher: pub})
	_, alice := join(t, reg, "u1", "alice", time.Now())

	pending := session.NewConnection(admission.User{UserID: "u2", Nickname: "bob"}, time.Now())
	require.NoError(t, reg.Register(pending))

	assert.False(t, hub.closeConnection(pending, websocket.CloseGoingAway, reasonShutdown))

	assert.False(t, reg.Contains("u2"))
	assert.Empty(t, alice.systemTexts(t), "bob never joined, so no departure is announced")
	assert.Empty(t, pub.published())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Disconnections))

	// The upgrade that was in flight can no longer attach.
	assert.ErrorIs(t, pending.Attach(&fakeSocket{}), session.ErrClosed)
}

func TestKeepalive_PingFailureGoesAway(t *testing.T) {
	hub, reg, m := newTestHub(t, Options{})
	aliceConn, alice := join(t, reg, "u1", "alice", time.Now())
	_, bob := join(t, reg, "u2", "bob", time.Now())
	alice.failPing = errors.New("broken pipe")

	stop := make(chan struct{})
	defer close(stop)
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.keepalive(aliceConn, alice, time.Millisecond, stop)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not stop after a failed ping")
	}

	assert.False(t, reg.Contains("u1"))
	assert.True(t, alice.isClosed())
	assert.Equal(t, websocket.CloseGoingAway, alice.closeCode())
	assert.Equal(t, []string{"alice 님이 퇴장했습니다."}, bob.systemTexts(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Disconnections))
}
