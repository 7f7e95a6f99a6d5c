// Package wstransport carries envelope frames over WebSockets. Each socket is
// one session: it opens when the upgrade succeeds and closes with the socket.
// Text messages in either direction hold exactly one JSON envelope.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/internal/logctx"
	"github.com/ggoodman/duplex-go/messaging"
	"github.com/ggoodman/duplex-go/sessions"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// ReasonClientDisconnect is used when the peer closes without a reason.
	ReasonClientDisconnect = "client disconnect"

	defaultSendBuffer   = 32
	defaultPingInterval = 25 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
)

var ErrSendBufferFull = errors.New("wstransport: send buffer full")

// Lifecycle is the part of *messaging.Server the transport drives.
type Lifecycle interface {
	HandleOpen(ctx context.Context, sessionID string, conn sessions.Conn, req messaging.RequestInfo) error
	HandleFrame(ctx context.Context, sessionID string, env envelope.Envelope) error
	HandleClose(ctx context.Context, sessionID string, req messaging.RequestInfo, reason string) error
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithSendBuffer sets how many outbound frames may queue per socket before
// Send reports ErrSendBufferFull.
func WithSendBuffer(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithPingInterval sets the keep-alive ping period. A peer that does not
// answer within two periods is disconnected.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithCheckOrigin replaces the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// Handler upgrades requests to WebSockets and drives the lifecycle for each.
type Handler struct {
	srv          Lifecycle
	log          *slog.Logger
	upgrader     websocket.Upgrader
	sendBuffer   int
	pingInterval time.Duration
	writeTimeout time.Duration
	readLimit    int64
}

var _ http.Handler = (*Handler)(nil)

func New(srv Lifecycle, opts ...Option) *Handler {
	h := &Handler{
		srv:          srv,
		log:          slog.Default(),
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		sendBuffer:   defaultSendBuffer,
		pingInterval: defaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	req := messaging.RequestInfoFromHTTP(reqID, r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		h:    h,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	// The session outlives nothing but the socket; detach from the request.
	ctx = logctx.WithSessionData(context.WithoutCancel(ctx), &logctx.SessionData{SessionID: c.id, Transport: "websocket", State: sessions.StateOpen})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump(ctx)
	}()

	if err := h.srv.HandleOpen(ctx, c.id, c, req); err != nil {
		h.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		c.shutdown(websocket.CloseInternalServerErr, "open failed")
		<-pumpDone
		_ = h.srv.HandleClose(ctx, c.id, req, "open failed")
		return
	}
	h.log.InfoContext(ctx, "session.open.ok")

	reason := c.readLoop(ctx)
	if !c.closedByServer() {
		c.shutdown(websocket.CloseNormalClosure, "")
		if err := h.srv.HandleClose(ctx, c.id, req, reason); err != nil {
			h.log.ErrorContext(ctx, "session.close.fail", slog.String("err", err.Error()))
		}
	}
	<-pumpDone
	h.log.InfoContext(ctx, "session.close.ok", slog.String("reason", reason))
}

// conn is the sessions.Conn for one socket.
type conn struct {
	id   string
	ws   *websocket.Conn
	h    *Handler
	send chan []byte

	once        sync.Once
	done        chan struct{}
	mu          sync.Mutex
	byServer    bool
	closeCode   int
	closeReason string
}

var _ sessions.Conn = (*conn)(nil)

func (c *conn) Send(ctx context.Context, env envelope.Envelope) error {
	data, err := envelope.MarshalFrame(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return sessions.ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return sessions.ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close is called when the server ends the session. Queued frames are
// flushed before the close frame carrying reason.
func (c *conn) Close(ctx context.Context, reason string) error {
	c.mu.Lock()
	c.byServer = true
	c.mu.Unlock()
	c.shutdown(websocket.CloseNormalClosure, reason)
	return nil
}

func (c *conn) closedByServer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byServer
}

func (c *conn) shutdown(code int, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *conn) readLoop(ctx context.Context) string {
	pongWait := 2 * c.h.pingInterval
	c.ws.SetReadLimit(c.h.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return closeReason(err)
		}
		if typ != websocket.TextMessage {
			c.h.log.DebugContext(ctx, "ws.frame.ignored", slog.Int("type", typ))
			continue
		}
		env, err := envelope.ParseFrame(data)
		if err != nil {
			c.h.log.WarnContext(ctx, "frame.parse.fail", slog.String("err", err.Error()))
			continue
		}
		fctx := logctx.WithMessageData(ctx, &logctx.MessageData{Topic: env.Topic})
		if err := c.h.srv.HandleFrame(fctx, c.id, env); err != nil {
			c.h.log.ErrorContext(fctx, "frame.handle.fail", slog.String("err", err.Error()))
		}
	}
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return ReasonClientDisconnect
		}
	}
	return fmt.Sprintf("connection lost: %v", err)
}

func (c *conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	write := func(typ int, data []byte) error {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.writeTimeout))
		return c.ws.WriteMessage(typ, data)
	}

	for {
		select {
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				c.h.log.WarnContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
		drain:
			for {
				select {
				case data := <-c.send:
					if err := write(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					break drain
				}
			}
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			if code != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.h.writeTimeout))
			}
			return
		}
	}
}
