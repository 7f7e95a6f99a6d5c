package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/internal/logctx"
	"github.com/ggoodman/duplex-go/messaging"
	"github.com/ggoodman/duplex-go/sessions"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	ErrSessionHeaderMissing = errors.New("missing channel-session-id header")
	ErrUnknownSession       = errors.New("unknown channel session")
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader = "Last-Event-ID"
	SessionIDHeader   = "Channel-Session-Id"

	DefaultBasePath       = "/channel"
	DefaultKeepAlive      = 25 * time.Second
	DefaultSessionTimeout = 60 * time.Second
	DefaultMaxFrameSize   = 1 << 20

	// ReasonClientDisconnect is the close reason for a DELETE request.
	ReasonClientDisconnect = "client disconnect"
	// ReasonTimeout is the close reason for sessions reaped after being idle.
	ReasonTimeout = "timeout"
)

// Lifecycle is the part of *messaging.Server the transport drives.
type Lifecycle interface {
	HandleOpen(ctx context.Context, sessionID string, conn sessions.Conn, req messaging.RequestInfo) error
	HandleFrame(ctx context.Context, sessionID string, env envelope.Envelope) error
	HandleClose(ctx context.Context, sessionID string, req messaging.RequestInfo, reason string) error
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
// Safe to call after some headers set but before status written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	// Only set content-type if not already committed to SSE.
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = jsoniter.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	basePath       string
	keepAlive      time.Duration
	sessionTimeout time.Duration
	maxFrameSize   int64
	logger         *slog.Logger
}

// WithBasePath sets the path the channel endpoints are served on.
func WithBasePath(p string) Option {
	return func(c *newConfig) {
		if p != "" {
			c.basePath = "/" + strings.Trim(p, "/")
		}
	}
}

// WithKeepAlive sets how often an idle event stream receives a comment line.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.keepAlive = d
		}
	}
}

// WithSessionTimeout sets how long a session may go without any request
// before it is closed with reason "timeout".
func WithSessionTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.sessionTimeout = d
		}
	}
}

// WithMaxFrameSize bounds the body of a frame POST. Larger bodies are
// rejected with 413.
func WithMaxFrameSize(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Handler implements the streaming HTTP channel transport. A session is
// opened by POST, receives frames by POST, streams outbound frames by GET
// (Server-Sent Events) and is closed by DELETE.
type Handler struct {
	mux  *http.ServeMux
	log  *slog.Logger
	srv  Lifecycle
	host sessions.Host

	basePath       string
	keepAlive      time.Duration
	sessionTimeout time.Duration
	maxFrameSize   int64

	mu    sync.Mutex
	conns map[string]*conn
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler that drives srv and queues outbound frames in
// host. The idle reaper runs until ctx is canceled.
func New(ctx context.Context, srv Lifecycle, host sessions.Host, opts ...Option) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("lifecycle is required")
	}
	if host == nil {
		return nil, fmt.Errorf("session host is required")
	}

	cfg := &newConfig{
		basePath:       DefaultBasePath,
		keepAlive:      DefaultKeepAlive,
		sessionTimeout: DefaultSessionTimeout,
		maxFrameSize:   DefaultMaxFrameSize,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:            logctx.Wrap(cfg.logger),
		srv:            srv,
		host:           host,
		basePath:       cfg.basePath,
		keepAlive:      cfg.keepAlive,
		sessionTimeout: cfg.sessionTimeout,
		maxFrameSize:   cfg.maxFrameSize,
		conns:          make(map[string]*conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", h.basePath), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.basePath), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", h.basePath), h.handleDelete)
	h.mux = mux

	go h.reap(ctx)
	return h, nil
}

// BasePath returns the path the handler serves.
func (h *Handler) BasePath() string { return h.basePath }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func requestInfo(r *http.Request) messaging.RequestInfo {
	var id string
	if rd, ok := logctx.RequestDataFrom(r.Context()); ok {
		id = rd.RequestID
	}
	return messaging.RequestInfoFromHTTP(id, r)
}

// handlePost opens a session when no session header is present and
// otherwise delivers one envelope frame to the session.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		h.openSession(w, r, start)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: "http", State: sessions.StateOpen})
	c, ok := h.touch(sessID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, ErrUnknownSession.Error())
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxFrameSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("frame exceeds %d bytes", tooLarge.Limit))
			h.log.WarnContext(ctx, "http.post.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		return
	}
	env, err := envelope.ParseFrame(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "body must be a JSON envelope")
		h.log.WarnContext(ctx, "frame.parse.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Topic: env.Topic})
	if err := h.srv.HandleFrame(ctx, c.id, env); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to handle frame")
		h.log.ErrorContext(ctx, "frame.handle.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request, start time.Time) {
	c := newConn(uuid.NewString(), h)
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{SessionID: c.id, Transport: "http", State: sessions.StateOpening})

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	req := requestInfo(r)
	if err := h.srv.HandleOpen(ctx, c.id, c, req); err != nil {
		h.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		h.closeSession(ctx, c.id, req, "open failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to open session")
		return
	}

	w.Header().Set(SessionIDHeader, c.id)
	w.WriteHeader(http.StatusCreated)
	h.log.InfoContext(ctx, "session.open.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet streams the session's outbound frames as Server-Sent Events,
// resuming after Last-Event-ID when present.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, ErrSessionHeaderMissing.Error())
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: "http", State: sessions.StateOpen})

	c, ok := h.touch(sessID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, ErrUnknownSession.Error())
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	c.beginStream()
	defer c.endStream()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.keepAliveLoop(streamCtx, wf)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-streamCtx.Done():
		}
	}()

	deliver := func(cbCtx context.Context, msgID string, data []byte) error {
		if err := writeSSEEvent(wf, msgID, data); err != nil {
			h.log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("event_id", msgID))
		return nil
	}

	// A first stream replays whatever the session was sent before it began.
	lastEventID := r.Header.Get(lastEventIDHeader)
	if lastEventID == "" {
		lastEventID = sessions.StreamStart
	}
	err = h.host.SubscribeSession(streamCtx, c.id, lastEventID, deliver)
	if errors.Is(err, sessions.ErrEventNotFound) {
		// The cursor was trimmed or never existed; continue from the live tail.
		h.log.WarnContext(ctx, "sse.resume.miss", slog.String("last_event_id", lastEventID))
		err = h.host.SubscribeSession(streamCtx, c.id, "", deliver)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			h.log.InfoContext(ctx, "subscribe.session.done", slog.Bool("session_closed", c.closed.Load()))
		} else {
			h.log.ErrorContext(ctx, "subscribe.session.fail", slog.String("err", err.Error()))
		}
		return
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) keepAliveLoop(ctx context.Context, wf *lockedWriteFlusher) {
	t := time.NewTicker(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := wf.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			wf.Flush()
		}
	}
}

// handleDelete closes an existing session on behalf of the client.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: "http", State: sessions.StateClosed})

	if !h.closeSession(ctx, sessID, requestInfo(r), ReasonClientDisconnect) {
		h.log.InfoContext(ctx, "session.delete.miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// touch looks up a live session and records activity on it.
func (h *Handler) touch(id string) (*conn, bool) {
	h.mu.Lock()
	c, ok := h.conns[id]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	c.touch()
	return c, true
}

func (h *Handler) remove(id string) (*conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	return c, ok
}

// closeSession tears down a session the transport decided to end and
// reports the close to the lifecycle. It returns false for unknown sessions.
func (h *Handler) closeSession(ctx context.Context, id string, req messaging.RequestInfo, reason string) bool {
	c, ok := h.remove(id)
	if !ok {
		return false
	}
	c.markClosed()
	if err := h.srv.HandleClose(ctx, id, req, reason); err != nil {
		h.log.ErrorContext(ctx, "session.close.fail", slog.String("err", err.Error()))
	}
	if err := h.host.CleanupSession(ctx, id); err != nil {
		h.log.ErrorContext(ctx, "session.cleanup.fail", slog.String("err", err.Error()))
	}
	return true
}

// Sessions returns the number of sessions this handler currently owns.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every session without a reason.
func (h *Handler) Shutdown(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.closeSession(ctx, id, messaging.RequestInfo{}, "")
	}
}

func (h *Handler) reap(ctx context.Context) {
	interval := h.sessionTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, id := range h.idle(now) {
				sctx := logctx.WithSessionData(context.WithoutCancel(ctx), &logctx.SessionData{SessionID: id, Transport: "http", State: sessions.StateClosed})
				if h.closeSession(sctx, id, messaging.RequestInfo{}, ReasonTimeout) {
					h.log.InfoContext(sctx, "session.reap")
				}
			}
		}
	}
}

func (h *Handler) idle(now time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for id, c := range h.conns {
		if c.idleSince(now) > h.sessionTimeout {
			ids = append(ids, id)
		}
	}
	return ids
}

// writeSSEEvent writes one Server-Sent Event carrying payload as its data
// field and flushes the response.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
