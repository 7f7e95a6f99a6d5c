package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/internal/logctx"
	"github.com/ggoodman/duplex-go/router"
	"github.com/ggoodman/duplex-go/sessions"
)

// ServerConfig configures a Server.
type ServerConfig[T any] struct {
	// Middleware entries per lifecycle event.
	Middleware Middleware[T]
	// Serializer for message bodies. Defaults to envelope.JSON.
	Serializer envelope.Serializer[T]
	// Registry of live sessions. Defaults to a new, private registry.
	Registry *sessions.Registry
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the server side of the lifecycle adapter. It multiplexes many
// sessions, each identified by the id its transport assigned.
type Server[T any] struct {
	log      *slog.Logger
	codec    *envelope.Codec[T]
	registry *sessions.Registry
	router   *router.Router[T]
	h        handlers[T]

	mu       sync.Mutex
	sessions map[string]RequestInfo
	closed   bool
}

// NewServer builds a Server from cfg.
func NewServer[T any](cfg ServerConfig[T]) (*Server[T], error) {
	log := logctx.Wrap(cfg.Logger)
	reg := cfg.Registry
	if reg == nil {
		reg = sessions.NewRegistry()
	}
	s := &Server[T]{
		log:      log,
		codec:    envelope.NewCodec(cfg.Serializer),
		registry: reg,
		router:   router.New[T](router.WithLogger(log)),
		sessions: make(map[string]RequestInfo),
	}
	s.h = compose(cfg.Middleware, handlers[T]{
		open:    s.terminalOpen,
		close:   s.terminalClose,
		send:    s.terminalSend,
		receive: s.terminalReceive,
	})
	return s, nil
}

func (s *Server[T]) terminalOpen(ctx context.Context, ev OpenEvent) error { return nil }

func (s *Server[T]) terminalClose(ctx context.Context, ev CloseEvent) error { return nil }

func (s *Server[T]) terminalSend(ctx context.Context, target string, msg envelope.Message[T]) bool {
	env, err := s.codec.Encode(msg)
	if err != nil {
		s.log.DebugContext(ctx, "msg.send.encode_failed", slog.String("target", target), slog.String("err", err.Error()))
		return false
	}
	conn, ok := s.registry.Lookup(target)
	if !ok {
		s.log.DebugContext(ctx, "msg.send.unknown_session", slog.String("target", target))
		return false
	}
	if err := conn.Send(ctx, env); err != nil {
		s.log.DebugContext(ctx, "msg.send.transport_failed", slog.String("target", target), slog.String("err", err.Error()))
		return false
	}
	return true
}

func (s *Server[T]) terminalReceive(ctx context.Context, msg envelope.Message[T]) error {
	s.router.Publish(msg)
	return nil
}

// HandleOpen registers a new session and runs the open pipeline. If the
// pipeline fails the session stays registered; the transport is expected to
// follow up with HandleClose.
func (s *Server[T]) HandleOpen(ctx context.Context, sessionID string, conn sessions.Conn, req RequestInfo) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.registry.Register(sessionID, conn); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("register session: %w", err)
	}
	s.sessions[sessionID] = req
	s.mu.Unlock()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, State: sessions.StateOpen})
	s.log.DebugContext(ctx, "session.open")
	return s.h.open(ctx, OpenEvent{SessionID: sessionID, Request: req})
}

// HandleFrame decodes env, attaches sessionID and runs the receive pipeline.
// Frames for unknown sessions and frames that fail to decode are dropped.
func (s *Server[T]) HandleFrame(ctx context.Context, sessionID string, env envelope.Envelope) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, State: sessions.StateOpen})
	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Topic: env.Topic})
	if !s.registry.Exists(sessionID) {
		s.log.DebugContext(ctx, "msg.receive.unknown_session")
		return nil
	}
	msg, err := s.codec.Decode(env)
	if err != nil {
		s.log.DebugContext(ctx, "msg.receive.decode_failed", slog.String("err", err.Error()))
		return nil
	}
	msg.SessionID = sessionID
	return s.h.receive(ctx, msg)
}

// HandleClose unregisters the session and runs the close pipeline. Only the
// first close of a session has any effect.
func (s *Server[T]) HandleClose(ctx context.Context, sessionID string, req RequestInfo, reason string) error {
	if !s.take(sessionID) {
		return nil
	}
	s.registry.Unregister(sessionID)
	return s.runClose(ctx, sessionID, req, reason)
}

func (s *Server[T]) take(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

func (s *Server[T]) runClose(ctx context.Context, sessionID string, req RequestInfo, reason string) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, State: sessions.StateClosed})
	s.log.DebugContext(ctx, "session.close", slog.String("reason", reason))
	return s.h.close(ctx, CloseEvent{SessionID: sessionID, Request: req, Reason: reason})
}

// Send runs the send pipeline for a message to target and reports whether it
// was handed to the target's transport.
func (s *Server[T]) Send(ctx context.Context, target string, topic string, body T) bool {
	return s.h.send(ctx, target, envelope.Message[T]{Topic: topic, Body: body})
}

// Subscribe registers listener for messages received on topic.
func (s *Server[T]) Subscribe(topic string, listener router.Listener[T]) *router.Subscription[T] {
	return s.router.Subscribe(topic, listener)
}

// IsConnected reports whether sessionID is registered.
func (s *Server[T]) IsConnected(sessionID string) bool {
	return s.registry.Exists(sessionID)
}

// Sessions returns the ids of all registered sessions.
func (s *Server[T]) Sessions() []string {
	return s.registry.IDs()
}

// Stats returns a snapshot of router counters.
func (s *Server[T]) Stats() router.Stats {
	return s.router.Stats()
}

// ForceClose closes a session from the server side: the session is
// unregistered, its connection is closed with reason and the close pipeline
// runs. Unknown sessions are ignored.
func (s *Server[T]) ForceClose(ctx context.Context, sessionID string, reason string) error {
	if !s.take(sessionID) {
		return nil
	}
	var errs []error
	if err := s.registry.ForceClose(ctx, sessionID, reason); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	s.registry.Unregister(sessionID)
	if err := s.runClose(ctx, sessionID, RequestInfo{}, reason); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close force-closes every session without a reason and stops the router.
// Entry points called afterwards return ErrClosed or do nothing.
func (s *Server[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.ForceClose(ctx, id, ""); err != nil {
			errs = append(errs, err)
		}
	}
	s.router.Close()
	return errors.Join(errs...)
}
