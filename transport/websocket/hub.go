package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wricardo/mcp-training/chatrelay/chat/admission"
	"github.com/wricardo/mcp-training/chatrelay/chat/protocol"
	"github.com/wricardo/mcp-training/chatrelay/chat/session"
	"golang.org/x/sync/errgroup"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	DefaultMaxMessageSize = 64 * 1024
	DefaultIdleTimeout    = 2 * time.Minute
	DefaultSweepInterval  = 15 * time.Second
)

// Teardown reasons sent in the close frame.
const (
	reasonClosed           = "Connection closed"
	reasonBinary           = "Binary messages are not supported"
	reasonInternal         = "Internal error"
	reasonBroadcastFailure = "Broadcast failure"
	reasonSendFailure      = "Send failure"
	reasonPingFailure      = "Ping failure"
	reasonIdle             = "Idle timeout"
	reasonShutdown         = "Server shutting down"
)

// Registry tracks the live session of each user. *session.Registry
// implements it.
type Registry interface {
	Register(conn *session.Connection) error
	RemoveConnection(conn *session.Connection) bool
	Snapshot() []*session.Connection
	Count() int
}

// Authenticator admits a connection by ticket and consumes the ticket once
// the session is live. *admission.Gateway implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, ticketID string) (admission.User, error)
	Consume(ctx context.Context, ticketID, userID string) error
}

// StatusPublisher mirrors the live user count to the status store.
// *status.Publisher implements it.
type StatusPublisher interface {
	PublishCount(ctx context.Context, count func() int) error
	Run(ctx context.Context, interval time.Duration, count func() int) error
}

// Recorder receives hub activity. *metrics.Metrics implements it.
type Recorder interface {
	RecordConnection()
	RecordDisconnection()
	RecordIdleDisconnect()
	RecordMessageReceived(size int)
	RecordMessageSent()
	RecordBroadcast(recipients int)
}

// Options configures a Hub. Registry and Gateway are required; zero
// durations select the defaults.
type Options struct {
	Registry              Registry
	Gateway               Authenticator
	Publisher             StatusPublisher
	Metrics               Recorder
	Logger                zerolog.Logger
	IdleTimeout           time.Duration
	SweepInterval         time.Duration
	StatusRefreshInterval time.Duration
	MaxMessageSize        int64
	Now                   func() time.Time
}

// Hub owns every chat session: admission, the per-connection receive loop,
// fan-out, idle eviction and teardown.
type Hub struct {
	registry        Registry
	gateway         Authenticator
	publisher       StatusPublisher
	metrics         Recorder
	logger          zerolog.Logger
	idleTimeout     time.Duration
	sweepInterval   time.Duration
	refreshInterval time.Duration
	maxMessageSize  int64
	now             func() time.Time
	upgrader        websocket.Upgrader
	closing         atomic.Bool
}

// NewHub creates a hub from opts.
func NewHub(opts Options) *Hub {
	h := &Hub{
		registry:        opts.Registry,
		gateway:         opts.Gateway,
		publisher:       opts.Publisher,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		idleTimeout:     opts.IdleTimeout,
		sweepInterval:   opts.SweepInterval,
		refreshInterval: opts.StatusRefreshInterval,
		maxMessageSize:  opts.MaxMessageSize,
		now:             opts.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Admission is by ticket, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if h.registry == nil {
		h.registry = session.NewRegistry()
	}
	if h.metrics == nil {
		h.metrics = nopRecorder{}
	}
	if h.idleTimeout <= 0 {
		h.idleTimeout = DefaultIdleTimeout
	}
	if h.sweepInterval <= 0 {
		h.sweepInterval = DefaultSweepInterval
	}
	if h.maxMessageSize <= 0 {
		h.maxMessageSize = DefaultMaxMessageSize
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Count returns the number of live sessions. A user reserved by admission
// but not yet upgraded is not counted.
func (h *Hub) Count() int {
	n := 0
	for _, conn := range h.registry.Snapshot() {
		if conn.Attached() {
			n++
		}
	}
	return n
}

// Run publishes the initial status, then runs the idle sweeper and the
// periodic status refresh until ctx is cancelled. On return every live
// session has been closed with 1001 going away.
func (h *Hub) Run(ctx context.Context) error {
	h.publish(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.sweepLoop(gctx)
	})
	if h.publisher != nil && h.refreshInterval > 0 {
		g.Go(func() error {
			return h.publisher.Run(gctx, h.refreshInterval, h.Count)
		})
	}
	err := g.Wait()

	h.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (h *Hub) shutdown() {
	h.closing.Store(true)
	conns := h.registry.Snapshot()
	for _, conn := range conns {
		h.closeConnection(conn, websocket.CloseGoingAway, reasonShutdown)
	}
	h.logger.Info().Int("closed", len(conns)).Msg("hub stopped")
}

// ServeWS admits a client by its ticketId query parameter and serves the
// session until it ends. Rejections are written as JSON before any upgrade.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, &admission.Error{
			Status:  http.StatusBadRequest,
			Code:    "NotWebSocketRequest",
			Message: "Expected a WebSocket upgrade request.",
		})
		return
	}
	if h.closing.Load() {
		writeError(w, &admission.Error{
			Status:  http.StatusServiceUnavailable,
			Code:    "ShuttingDown",
			Message: "Server is shutting down.",
		})
		return
	}

	ticketID := strings.TrimSpace(r.URL.Query().Get("ticketId"))
	user, err := h.gateway.Authenticate(r.Context(), ticketID)
	if err != nil {
		var rejection *admission.Error
		if errors.As(err, &rejection) {
			writeError(w, rejection)
			return
		}
		// Request cancelled; the client is gone.
		h.logger.Debug().Err(err).Msg("admission aborted")
		return
	}

	conn := session.NewConnection(user, h.now())
	log := h.logger.With().
		Str("user_id", user.UserID).
		Str("nickname", user.Nickname).
		Str("connection_id", conn.ID()).
		Logger()

	if err := h.registry.Register(conn); err != nil {
		if errors.Is(err, session.ErrDuplicateConnection) {
			log.Info().Msg("rejected duplicate connection")
			writeError(w, admission.ErrDuplicateConnection)
			return
		}
		log.Error().Err(err).Msg("failed to register connection")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered the request.
		h.registry.RemoveConnection(conn)
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(h.maxMessageSize)

	if err := conn.Attach(ws); err != nil {
		h.registry.RemoveConnection(conn)
		ws.Close()
		return
	}
	if h.closing.Load() {
		h.closeConnection(conn, websocket.CloseGoingAway, reasonShutdown)
		return
	}

	ctx := r.Context()
	if err := h.gateway.Consume(ctx, ticketID, user.UserID); err != nil {
		log.Debug().Err(err).Msg("ticket consumption aborted")
	}
	h.publish(ctx)
	h.broadcastSystem(ctx, fmt.Sprintf("%s 님이 입장했습니다.", user.Nickname))
	h.metrics.RecordConnection()
	log.Info().Int("current_users", h.Count()).Msg("client connected")

	h.serveSession(ctx, conn, ws, log)
}

// serveSession runs the receive loop alongside a keepalive goroutine and
// tears the session down when either ends.
func (h *Hub) serveSession(ctx context.Context, conn *session.Connection, ws *websocket.Conn, log zerolog.Logger) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.keepalive(conn, ws, pingPeriod, stop)
	}()

	reason := h.receive(ctx, conn, ws, log)

	close(stop)
	<-done
	if h.closeConnection(conn, websocket.CloseNormalClosure, reason) {
		log.Info().Str("reason", reason).Msg("client disconnected")
	}
}

// receive reads frames until the peer leaves, sends a binary frame or the
// socket fails. A panic while handling a frame ends the session.
func (h *Hub) receive(ctx context.Context, conn *session.Connection, ws *websocket.Conn, log zerolog.Logger) (reason string) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("session loop panicked")
			reason = reasonInternal
		}
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("websocket read failed")
			}
			return reasonClosed
		}
		if msgType != websocket.TextMessage {
			return reasonBinary
		}

		ws.SetReadDeadline(time.Now().Add(pongWait))
		conn.Touch(h.now())
		h.metrics.RecordMessageReceived(len(data))
		h.handleFrame(ctx, conn, data, log)
	}
}

func (h *Hub) handleFrame(ctx context.Context, conn *session.Connection, data []byte, log zerolog.Logger) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Msg("dropping undecodable frame")
		return
	}

	switch env.Type {
	case protocol.TypeMessageSend:
		var payload protocol.MessageSendPayload
		if err := protocol.DecodePayload(env, &payload); err != nil {
			log.Warn().Err(err).Msg("dropping malformed chat message")
			return
		}
		text := strings.TrimSpace(payload.Message)
		if text == "" {
			return
		}
		out, err := protocol.MessageReceive(h.now(), conn.Nickname(), text)
		if err != nil {
			log.Error().Err(err).Msg("failed to build chat message")
			return
		}
		h.Broadcast(ctx, out)

	case protocol.TypeServerStatusRequest:
		out, err := protocol.ServerStatusResponse(h.Count())
		if err != nil {
			log.Error().Err(err).Msg("failed to build status response")
			return
		}
		h.SendTo(conn, out)

	default:
		log.Warn().Str("type", env.Type).Msg("ignoring unknown message type")
	}
}

type pinger interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// keepalive pings every period. A failed ping means the peer is gone, so
// the session is torn down with 1001 going away.
func (h *Hub) keepalive(conn *session.Connection, ws pinger, period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.closeConnection(conn, websocket.CloseGoingAway, reasonPingFailure)
				return
			}
		}
	}
}

// Broadcast encodes env once and writes it to every attached session.
// Sessions whose write fails are torn down; the rest still receive it.
func (h *Hub) Broadcast(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	delivered := 0
	for _, conn := range h.registry.Snapshot() {
		err := conn.Send(data, writeWait)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, session.ErrNotAttached), errors.Is(err, session.ErrClosed):
		default:
			h.logger.Warn().Err(err).
				Str("user_id", conn.UserID()).
				Str("connection_id", conn.ID()).
				Msg("broadcast write failed")
			h.closeConnection(conn, websocket.CloseInternalServerErr, reasonBroadcastFailure)
		}
	}
	h.metrics.RecordBroadcast(delivered)
	return nil
}

// SendTo writes env to a single session.
func (h *Hub) SendTo(conn *session.Connection, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	err = conn.Send(data, writeWait)
	switch {
	case err == nil:
		h.metrics.RecordMessageSent()
		return nil
	case errors.Is(err, session.ErrNotAttached), errors.Is(err, session.ErrClosed):
		return err
	default:
		h.logger.Warn().Err(err).
			Str("user_id", conn.UserID()).
			Str("connection_id", conn.ID()).
			Msg("send failed")
		h.closeConnection(conn, websocket.CloseInternalServerErr, reasonSendFailure)
		return err
	}
}

func (h *Hub) broadcastSystem(ctx context.Context, message string) {
	env, err := protocol.SystemMessage(h.now(), message)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to build system message")
		return
	}
	if err := h.Broadcast(ctx, env); err != nil {
		h.logger.Debug().Err(err).Msg("system broadcast skipped")
	}
}

// closeConnection is the single teardown path. The socket is always closed;
// the disconnect is recorded, published and announced only by the caller
// that removed a live conn from the registry. It reports whether it did.
// Dropping a reservation that never attached is silent.
func (h *Hub) closeConnection(conn *session.Connection, code int, reason string) bool {
	wasLive := conn.Attached()
	removed := h.registry.RemoveConnection(conn)
	if err := conn.Close(code, reason); err != nil {
		h.logger.Debug().Err(err).Str("connection_id", conn.ID()).Msg("socket close failed")
	}
	if !removed || !wasLive {
		return false
	}

	h.metrics.RecordDisconnection()
	ctx := context.Background()
	h.publish(ctx)
	h.broadcastSystem(ctx, fmt.Sprintf("%s 님이 퇴장했습니다.", conn.Nickname()))
	return true
}

func (h *Hub) publish(ctx context.Context) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.PublishCount(ctx, h.Count); err != nil {
		h.logger.Debug().Err(err).Msg("status publish aborted")
	}
}

func (h *Hub) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.sweepIdle()
		}
	}
}

// sweepIdle closes every session silent for at least the idle timeout and
// returns how many it evicted.
func (h *Hub) sweepIdle() (evicted int) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error().Interface("panic", p).Msg("idle sweep panicked")
		}
	}()

	now := h.now()
	for _, conn := range h.registry.Snapshot() {
		idle := conn.IdleFor(now)
		if idle < h.idleTimeout {
			continue
		}
		if h.closeConnection(conn, websocket.CloseNormalClosure, reasonIdle) {
			h.metrics.RecordIdleDisconnect()
			evicted++
			h.logger.Info().
				Str("user_id", conn.UserID()).
				Str("connection_id", conn.ID()).
				Dur("idle", idle).
				Msg("evicted idle client")
		}
	}
	return evicted
}

func writeError(w http.ResponseWriter, e *admission.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(e)
}

type nopRecorder struct{}

func (nopRecorder) RecordConnection()         {}
func (nopRecorder) RecordDisconnection()      {}
func (nopRecorder) RecordIdleDisconnect()     {}
func (nopRecorder) RecordMessageReceived(int) {}
func (nopRecorder) RecordMessageSent()        {}
func (nopRecorder) RecordBroadcast(int)       {}
