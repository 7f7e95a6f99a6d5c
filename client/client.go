package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/internal/logctx"
	"github.com/ggoodman/duplex-go/internal/sse"
	"github.com/ggoodman/duplex-go/sessions"
	"github.com/ggoodman/duplex-go/streaminghttp"
)

const (
	// ReasonRetriesExhausted closes the client when the back-channel cannot be
	// reopened within the retry budget.
	ReasonRetriesExhausted = "back-channel retries exhausted"
	// ReasonSessionEnded closes the client when the server no longer knows
	// the session.
	ReasonSessionEnded = "session ended by server"

	DefaultMaxRetries = 5
)

var (
	ErrDialFailed     = errors.New("client: dial failed")
	ErrSessionEnded   = errors.New("client: session ended")
	errStreamRejected = errors.New("client: stream rejected")
)

// Lifecycle is the part of *messaging.Client the transport drives.
type Lifecycle interface {
	HandleOpen(ctx context.Context, conn sessions.Conn) error
	HandleFrame(ctx context.Context, env envelope.Envelope) error
	HandleClose(ctx context.Context, reason string) error
}

type Option func(*config)

type config struct {
	httpClient     *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
	onConnect      func(sessionID string)
	onDisconnect   func(reason string)
}

// WithHTTPClient sets the client used for every request. It must not impose
// a whole-request timeout since the back-channel is long-lived.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMaxRetries sets how many consecutive failed back-channel attempts are
// tolerated before the client is closed.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between back-channel attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *config) {
		if initial > 0 {
			c.initialBackoff = initial
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOnConnect registers a callback run once the session is open.
func WithOnConnect(fn func(sessionID string)) Option {
	return func(c *config) { c.onConnect = fn }
}

// WithOnDisconnect registers a callback run once when the session closes.
func WithOnDisconnect(fn func(reason string)) Option {
	return func(c *config) { c.onDisconnect = fn }
}

// Conn is one streaming HTTP session seen from the client. It implements
// sessions.Conn for the messaging.Client it was dialed with.
type Conn struct {
	cfg       *config
	log       *slog.Logger
	endpoint  string
	sessionID string
	lc        Lifecycle

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once

	mu          sync.Mutex
	lastEventID string
}

var _ sessions.Conn = (*Conn)(nil)

// Dial opens a session at endpoint, hands the connection to lc and starts
// the back-channel. If the session cannot be opened lc is closed with the
// failure as its reason.
func Dial(ctx context.Context, endpoint string, lc Lifecycle, opts ...Option) (*Conn, error) {
	cfg := &config{
		httpClient:     http.DefaultClient,
		maxRetries:     DefaultMaxRetries,
		initialBackoff: 250 * time.Millisecond,
		maxBackoff:     10 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	log := logctx.Wrap(cfg.logger)

	sessionID, err := openSession(ctx, cfg.httpClient, endpoint)
	if err != nil {
		reason := err.Error()
		if cerr := lc.HandleClose(ctx, reason); cerr != nil {
			log.ErrorContext(ctx, "client.close.fail", slog.String("err", cerr.Error()))
		}
		if cfg.onDisconnect != nil {
			cfg.onDisconnect(reason)
		}
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Conn{
		cfg:       cfg,
		log:       log,
		endpoint:  endpoint,
		sessionID: sessionID,
		lc:        lc,
		ctx:       cctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	sctx := c.logContext(ctx)
	log.InfoContext(sctx, "client.session.open")

	if err := lc.HandleOpen(sctx, c); err != nil {
		_ = c.Close(ctx, "open failed")
		return nil, fmt.Errorf("open lifecycle: %w", err)
	}
	if cfg.onConnect != nil {
		cfg.onConnect(sessionID)
	}

	go c.backChannel()
	return c, nil
}

func openSession(ctx context.Context, hc *http.Client, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: unexpected status %d", ErrDialFailed, resp.StatusCode)
	}
	id := resp.Header.Get(streaminghttp.SessionIDHeader)
	if id == "" {
		return "", fmt.Errorf("%w: missing %s header", ErrDialFailed, streaminghttp.SessionIDHeader)
	}
	return id, nil
}

// SessionID returns the id the server assigned.
func (c *Conn) SessionID() string { return c.sessionID }

// Done is closed once the session has closed for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) logContext(ctx context.Context) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: c.sessionID, Transport: "http", State: sessions.StateOpen})
}

// Send POSTs one frame to the server.
func (c *Conn) Send(ctx context.Context, env envelope.Envelope) error {
	select {
	case <-c.done:
		return sessions.ErrConnClosed
	default:
	}
	data, err := envelope.MarshalFrame(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(streaminghttp.SessionIDHeader, c.sessionID)

	resp, err := c.cfg.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post frame: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		return ErrSessionEnded
	default:
		return fmt.Errorf("post frame: unexpected status %d", resp.StatusCode)
	}
}

// Close ends the session: the server is told with a DELETE, the back-channel
// stops and the lifecycle is closed with reason. Only the first call has an
// effect.
func (c *Conn) Close(ctx context.Context, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.deleteSession(ctx)
		c.finish(ctx, reason)
	})
	return err
}

func (c *Conn) deleteSession(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set(streaminghttp.SessionIDHeader, c.sessionID)
	resp, err := c.cfg.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete session: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Conn) finish(ctx context.Context, reason string) {
	ctx = c.logContext(ctx)
	close(c.done)
	if err := c.lc.HandleClose(ctx, reason); err != nil {
		c.log.ErrorContext(ctx, "client.close.fail", slog.String("err", err.Error()))
	}
	if c.cfg.onDisconnect != nil {
		c.cfg.onDisconnect(reason)
	}
	c.log.InfoContext(ctx, "client.session.close", slog.String("reason", reason))
}

// backChannel keeps an event stream open until the session ends.
func (c *Conn) backChannel() {
	ctx := c.logContext(c.ctx)

	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.initialBackoff),
		backoff.WithMaxInterval(c.cfg.maxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.maxRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		err := c.stream(ctx, b)
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if errors.Is(err, ErrSessionEnded) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		c.log.WarnContext(ctx, "client.backchannel.retry", slog.String("err", err.Error()), slog.Duration("in", next))
	})

	if c.ctx.Err() != nil {
		// Closed locally.
		return
	}

	reason := ReasonRetriesExhausted
	if errors.Is(err, ErrSessionEnded) {
		reason = ReasonSessionEnded
	}
	c.closeOnce.Do(func() {
		c.cancel()
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if reason == ReasonRetriesExhausted {
			if err := c.deleteSession(dctx); err != nil {
				c.log.WarnContext(ctx, "client.delete.fail", slog.String("err", err.Error()))
			}
		}
		c.finish(dctx, reason)
	})
}

// stream runs one back-channel request until it ends. Delivered events reset
// the retry budget.
func (c *Conn) stream(ctx context.Context, b backoff.BackOff) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(streaminghttp.SessionIDHeader, c.sessionID)
	c.mu.Lock()
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}
	c.mu.Unlock()

	resp, err := c.cfg.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open back-channel: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrSessionEnded
	default:
		return fmt.Errorf("%w: status %d", errStreamRejected, resp.StatusCode)
	}
	c.log.DebugContext(ctx, "client.backchannel.open")

	r := sse.NewReader(resp.Body)
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		b.Reset()
		if ev.ID != "" {
			c.mu.Lock()
			c.lastEventID = ev.ID
			c.mu.Unlock()
		}
		env, err := envelope.ParseFrame(ev.Data)
		if err != nil {
			c.log.WarnContext(ctx, "client.frame.parse.fail", slog.String("err", err.Error()))
			continue
		}
		fctx := logctx.WithMessageData(ctx, &logctx.MessageData{Topic: env.Topic, EventID: ev.ID})
		if err := c.lc.HandleFrame(fctx, env); err != nil {
			c.log.ErrorContext(fctx, "client.frame.handle.fail", slog.String("err", err.Error()))
		}
	}
}
