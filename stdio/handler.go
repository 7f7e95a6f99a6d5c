package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/internal/logctx"
	"github.com/ggoodman/duplex-go/messaging"
	"github.com/ggoodman/duplex-go/sessions"
	"github.com/google/uuid"
)

const (
	// ReasonEOF is the close reason when the input stream ends.
	ReasonEOF = "client disconnect"
	// ReasonShutdown is the close reason when Serve's context is canceled.
	ReasonShutdown = "shutdown"

	defaultMaxLine = 1 << 20
)

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("stdio: handler already served")

// Lifecycle is the part of *messaging.Server the transport drives.
type Lifecycle interface {
	HandleOpen(ctx context.Context, sessionID string, conn sessions.Conn, req messaging.RequestInfo) error
	HandleFrame(ctx context.Context, sessionID string, env envelope.Envelope) error
	HandleClose(ctx context.Context, sessionID string, req messaging.RequestInfo, reason string) error
}

// Handler is a single-session transport over an io.Reader and io.Writer.
type Handler struct {
	srv          Lifecycle
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider
	maxLine      int

	served sync.Once
}

// NewHandler constructs a Handler reading os.Stdin and writing os.Stdout.
func NewHandler(srv Lifecycle, opts ...Option) *Handler {
	h := &Handler{
		srv:          srv,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
		maxLine:      defaultMaxLine,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = logctx.Wrap(h.l)
	return h
}

// Serve opens one session and pumps lines into it until the reader reaches
// EOF, the server closes the session or ctx is canceled. Serve may be called
// at most once.
//
// When Serve returns it closes the reader if it implements io.Closer, which
// unblocks the line reader goroutine. A reader without Close keeps that
// goroutine parked in Read until the next line or EOF arrives.
func (h *Handler) Serve(ctx context.Context) error {
	first := false
	h.served.Do(func() { first = true })
	if !first {
		return ErrAlreadyServed
	}

	principal, err := h.userProvider.CurrentUserID()
	if err != nil {
		return fmt.Errorf("stdio: resolve user: %w", err)
	}

	id := uuid.NewString()
	req := messaging.RequestInfo{ID: uuid.NewString(), Method: "STDIO", RemoteAddr: principal}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: "stdio", State: sessions.StateOpen})
	c := &conn{w: h.w, done: make(chan struct{})}

	if err := h.srv.HandleOpen(ctx, id, c, req); err != nil {
		c.shutdown("")
		_ = h.srv.HandleClose(context.WithoutCancel(ctx), id, req, "open failed")
		return fmt.Errorf("stdio: open session: %w", err)
	}
	h.l.InfoContext(ctx, "stdio.open", slog.String("user", principal))

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go h.readLines(lines, readErr, c.done)
	defer h.closeReader(ctx)

	reason := ""
	for reason == "" {
		select {
		case line := <-lines:
			env, err := envelope.ParseFrame(line)
			if err != nil {
				h.l.WarnContext(ctx, "frame.parse.fail", slog.String("err", err.Error()))
				continue
			}
			if err := h.srv.HandleFrame(ctx, id, env); err != nil {
				h.l.ErrorContext(ctx, "frame.handle.fail", slog.String("err", err.Error()))
			}
		case err := <-readErr:
			reason = ReasonEOF
			if err != nil {
				reason = fmt.Sprintf("connection lost: %v", err)
			}
		case <-c.done:
			// Closed by the server, which has already run its close pipeline.
			h.l.InfoContext(ctx, "stdio.close", slog.String("reason", c.reason()))
			return nil
		case <-ctx.Done():
			reason = ReasonShutdown
		}
	}

	if !c.shutdown(reason) {
		return nil
	}
	h.l.InfoContext(ctx, "stdio.close", slog.String("reason", reason))
	if err := h.srv.HandleClose(context.WithoutCancel(ctx), id, req, reason); err != nil {
		return err
	}
	if reason == ReasonShutdown {
		return ctx.Err()
	}
	return nil
}

func (h *Handler) closeReader(ctx context.Context) {
	rc, ok := h.r.(io.Closer)
	if !ok {
		return
	}
	if err := rc.Close(); err != nil {
		h.l.DebugContext(ctx, "stdio.reader.close.fail", slog.String("err", err.Error()))
	}
}

// readLines scans h.r until EOF or error. A nil error on readErr means EOF.
func (h *Handler) readLines(lines chan<- []byte, readErr chan<- error, done <-chan struct{}) {
	sc := bufio.NewScanner(h.r)
	sc.Buffer(make([]byte, 0, 64*1024), h.maxLine)
	for sc.Scan() {
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		line := make([]byte, len(b))
		copy(line, b)
		select {
		case lines <- line:
		case <-done:
			return
		}
	}
	readErr <- sc.Err()
}

// conn writes newline-terminated frames. Writes are serialized.
type conn struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
	why    string
	done   chan struct{}
}

func (c *conn) Send(ctx context.Context, env envelope.Envelope) error {
	b, err := envelope.MarshalFrame(env)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return sessions.ErrConnClosed
	}
	_, err = c.w.Write(b)
	return err
}

// Close ends the session from the server side. The line protocol has no
// close frame; the peer observes the process or pipe ending.
func (c *conn) Close(ctx context.Context, reason string) error {
	c.shutdown(reason)
	return nil
}

// shutdown reports whether this call performed the close.
func (c *conn) shutdown(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.why = reason
	close(c.done)
	return true
}

func (c *conn) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.why
}
