package memoryhost

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/duplex-go/sessions"
)

// closedTTL is how long a cleaned-up session keeps rejecting publishes.
const closedTTL = time.Minute

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*stream
	closed   map[string]time.Time
	counter  atomic.Int64
	maxLen   int
	now      func() time.Time
}

type stream struct {
	mu       sync.Mutex
	messages []message
	// changed is closed and replaced on every publish to wake subscribers.
	changed chan struct{}
	gone    chan struct{}
}

type message struct {
	id   string
	data []byte
}

// Option configures a Host.
type Option func(*Host)

// WithMaxLen bounds the number of retained frames per session. Older frames
// are trimmed and can no longer be resumed from. Zero keeps everything.
func WithMaxLen(n int) Option {
	return func(h *Host) {
		if n >= 0 {
			h.maxLen = n
		}
	}
}

func New(opts ...Option) *Host {
	h := &Host{
		sessions: make(map[string]*stream),
		closed:   make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// --- Messaging ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	st, ok := h.ensureStream(sessionID)
	if !ok {
		return "", sessions.ErrSessionClosed
	}
	evID := strconv.FormatInt(h.counter.Add(1), 10)
	msg := message{id: evID, data: append([]byte(nil), data...)}

	st.mu.Lock()
	st.messages = append(st.messages, msg)
	if h.maxLen > 0 && len(st.messages) > h.maxLen {
		st.messages = append([]message(nil), st.messages[len(st.messages)-h.maxLen:]...)
	}
	close(st.changed)
	st.changed = make(chan struct{})
	st.mu.Unlock()

	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	st, ok := h.ensureStream(sessionID)
	if !ok {
		return nil
	}

	// cursor is the id of the last frame handed to handler.
	st.mu.Lock()
	cursor := lastEventID
	switch {
	case cursor == sessions.StreamStart:
		cursor = ""
	case cursor == "":
		if n := len(st.messages); n > 0 {
			cursor = st.messages[n-1].id
		}
	case indexAfter(st.messages, cursor) < 0:
		st.mu.Unlock()
		return sessions.ErrEventNotFound
	}
	st.mu.Unlock()

	for {
		st.mu.Lock()
		var batch []message
		if cursor == "" {
			batch = append(batch, st.messages...)
		} else if idx := indexAfter(st.messages, cursor); idx >= 0 {
			batch = append(batch, st.messages[idx:]...)
		} else {
			// Cursor was trimmed away while we were delivering.
			st.mu.Unlock()
			return sessions.ErrEventNotFound
		}
		changed := st.changed
		st.mu.Unlock()

		for _, m := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
			cursor = m.id
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-st.gone:
			return nil
		case <-changed:
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	now := h.now()
	for id, at := range h.closed {
		if now.Sub(at) > closedTTL {
			delete(h.closed, id)
		}
	}
	h.closed[sessionID] = now
	h.mu.Unlock()
	if ok {
		close(st.gone)
	}
	return nil
}

// ensureStream returns the session's stream, creating it on first use. It
// reports false for a session cleaned up within closedTTL.
func (h *Host) ensureStream(sessionID string) (*stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if at, ok := h.closed[sessionID]; ok {
		if h.now().Sub(at) <= closedTTL {
			return nil, false
		}
		delete(h.closed, sessionID)
	}
	st, ok := h.sessions[sessionID]
	if !ok {
		st = &stream{changed: make(chan struct{}), gone: make(chan struct{})}
		h.sessions[sessionID] = st
	}
	return st, true
}

// indexAfter returns the index of the frame following id, len(msgs) when id
// is the newest frame, or -1 when id is not retained.
func indexAfter(msgs []message, id string) int {
	for i := range msgs {
		if msgs[i].id == id {
			return i + 1
		}
	}
	return -1
}

// Ensure interface compliance
var _ sessions.Host = (*Host)(nil)
