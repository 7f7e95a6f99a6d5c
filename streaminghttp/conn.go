package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/sessions"
)

// conn is the sessions.Conn for one streaming HTTP session. Outbound frames
// are published into the session host; whichever GET request is streaming
// the session picks them up.
type conn struct {
	id string
	h  *Handler

	lastSeen atomic.Int64
	streams  atomic.Int32
	closed   atomic.Bool
	once     sync.Once
	done     chan struct{}
}

var _ sessions.Conn = (*conn)(nil)

func newConn(id string, h *Handler) *conn {
	c := &conn{id: id, h: h, done: make(chan struct{})}
	c.touch()
	return c
}

func (c *conn) Send(ctx context.Context, env envelope.Envelope) error {
	if c.closed.Load() {
		return sessions.ErrConnClosed
	}
	data, err := envelope.MarshalFrame(env)
	if err != nil {
		return err
	}
	if _, err := c.h.host.PublishSession(ctx, c.id, data); err != nil {
		if errors.Is(err, sessions.ErrSessionClosed) {
			return sessions.ErrConnClosed
		}
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// Close is called when the server closes the session itself. Streams for
// the session end once the host stream is cleaned up.
func (c *conn) Close(ctx context.Context, reason string) error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.h.remove(c.id)
		err = c.h.host.CleanupSession(ctx, c.id)
	})
	return err
}

// markClosed is used when the transport ends the session; the handler
// performs the host cleanup itself.
func (c *conn) markClosed() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

func (c *conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *conn) beginStream() { c.streams.Add(1) }

func (c *conn) endStream() {
	c.streams.Add(-1)
	c.touch()
}

// idleSince reports how long the session has gone without a request. A
// session with an open event stream is never idle.
func (c *conn) idleSince(now time.Time) time.Duration {
	if c.streams.Load() > 0 {
		return 0
	}
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}
