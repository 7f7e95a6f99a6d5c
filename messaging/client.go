package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/internal/logctx"
	"github.com/ggoodman/duplex-go/router"
	"github.com/ggoodman/duplex-go/sessions"
)

// ClientConfig configures a Client.
type ClientConfig[T any] struct {
	Middleware Middleware[T]
	Serializer envelope.Serializer[T]
	Logger     *slog.Logger
}

// Client is the client side of the lifecycle adapter. It has exactly one
// counterparty, so messages carry no session id and Send takes no target.
//
// Sends issued before the connection opens are queued and flushed in order
// when it does. Envelopes that could not be transmitted while open are kept
// and reported to the close pipeline together with anything still queued.
type Client[T any] struct {
	log    *slog.Logger
	codec  *envelope.Codec[T]
	router *router.Router[T]
	h      handlers[T]

	// txMu orders transmissions so a flush is never overtaken by a live send.
	txMu sync.Mutex

	mu          sync.Mutex
	state       sessions.State
	conn        sessions.Conn
	pending     []envelope.Envelope
	undelivered []envelope.Envelope
}

// NewClient builds a Client in the opening state.
func NewClient[T any](cfg ClientConfig[T]) *Client[T] {
	log := logctx.Wrap(cfg.Logger)
	c := &Client[T]{
		log:    log,
		codec:  envelope.NewCodec(cfg.Serializer),
		router: router.New[T](router.WithLogger(log)),
		state:  sessions.StateOpening,
	}
	c.h = compose(cfg.Middleware, handlers[T]{
		open:    func(context.Context, OpenEvent) error { return nil },
		close:   func(context.Context, CloseEvent) error { return nil },
		send:    c.terminalSend,
		receive: c.terminalReceive,
	})
	return c
}

func (c *Client[T]) terminalSend(ctx context.Context, _ string, msg envelope.Message[T]) bool {
	env, err := c.codec.Encode(msg)
	if err != nil {
		c.log.DebugContext(ctx, "msg.send.encode_failed", slog.String("topic", msg.Topic), slog.String("err", err.Error()))
		return false
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case sessions.StateOpening:
		c.pending = append(c.pending, env)
		c.mu.Unlock()
		return true
	case sessions.StateClosed:
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	if err := conn.Send(ctx, env); err != nil {
		c.log.DebugContext(ctx, "msg.send.transport_failed", slog.String("topic", env.Topic), slog.String("err", err.Error()))
		c.addUndelivered(env)
		return false
	}
	return true
}

func (c *Client[T]) terminalReceive(ctx context.Context, msg envelope.Message[T]) error {
	c.router.Publish(msg)
	return nil
}

func (c *Client[T]) addUndelivered(env envelope.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.undelivered = append(c.undelivered, env)
}

// State returns the current lifecycle state.
func (c *Client[T]) State() sessions.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleOpen moves the client to the open state with conn as its transport,
// flushes queued sends in order and runs the open pipeline.
func (c *Client[T]) HandleOpen(ctx context.Context, conn sessions.Conn) error {
	c.txMu.Lock()
	c.mu.Lock()
	switch c.state {
	case sessions.StateClosed:
		c.mu.Unlock()
		c.txMu.Unlock()
		return ErrClosed
	case sessions.StateOpen:
		c.mu.Unlock()
		c.txMu.Unlock()
		return ErrAlreadyOpen
	}
	c.state = sessions.StateOpen
	c.conn = conn
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, env := range queued {
		if err := conn.Send(ctx, env); err != nil {
			c.log.DebugContext(ctx, "msg.flush.transport_failed", slog.String("topic", env.Topic), slog.String("err", err.Error()))
			c.addUndelivered(env)
		}
	}
	c.txMu.Unlock()

	return c.h.open(ctx, OpenEvent{})
}

// HandleFrame decodes env and runs the receive pipeline. Frames that fail to
// decode, or arrive while the client is not open, are dropped.
func (c *Client[T]) HandleFrame(ctx context.Context, env envelope.Envelope) error {
	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Topic: env.Topic})
	if c.State() != sessions.StateOpen {
		c.log.DebugContext(ctx, "msg.receive.not_open")
		return nil
	}
	msg, err := c.codec.Decode(env)
	if err != nil {
		c.log.DebugContext(ctx, "msg.receive.decode_failed", slog.String("err", err.Error()))
		return nil
	}
	return c.h.receive(ctx, msg)
}

// HandleClose moves the client to the closed state and runs the close
// pipeline with the envelopes that were queued or undelivered. Later calls
// are no-ops.
func (c *Client[T]) HandleClose(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.state == sessions.StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = sessions.StateClosed
	ev := CloseEvent{Reason: reason, Pending: c.pending, Undelivered: c.undelivered}
	c.pending, c.undelivered, c.conn = nil, nil, nil
	c.mu.Unlock()

	c.log.DebugContext(ctx, "session.close", slog.String("reason", reason))
	return c.h.close(ctx, ev)
}

// Send runs the send pipeline for a message to the server.
func (c *Client[T]) Send(ctx context.Context, topic string, body T) bool {
	return c.h.send(ctx, "", envelope.Message[T]{Topic: topic, Body: body})
}

// Subscribe registers listener for messages received on topic.
func (c *Client[T]) Subscribe(topic string, listener router.Listener[T]) *router.Subscription[T] {
	return c.router.Subscribe(topic, listener)
}

// Close stops the client's router. It does not notify the transport.
func (c *Client[T]) Close() {
	c.router.Close()
}
