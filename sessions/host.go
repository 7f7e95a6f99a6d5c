package sessions

import (
	"context"
	"errors"
)

// ErrEventNotFound is returned when resuming from an event id the host no
// longer (or never) had.
var ErrEventNotFound = errors.New("last event id not found")

// ErrSessionClosed is returned by PublishSession for a session that was
// recently cleaned up.
var ErrSessionClosed = errors.New("session stream closed")

// StreamStart is a SubscribeSession cursor that replays every frame the host
// still retains for the session before following new ones.
const StreamStart = "0"

// MessageHandlerFunction handles ordered frames for a session stream.
// If the handler returns an error, the subscription terminates with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// Host is the per-session ordered outbound log used by streaming transports.
// It works across in-memory and distributed implementations.
type Host interface {
	// PublishSession appends data to the session stream and returns its event
	// id. Publishing to a session shortly after its cleanup fails with
	// ErrSessionClosed instead of recreating the stream.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeSession delivers frames published after lastEventID (after
	// the call when empty, from the oldest retained frame for StreamStart)
	// until ctx ends, the session is cleaned up (returns nil) or handler fails.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error
	// CleanupSession drops the stream and stops its subscribers. Later
	// subscribers of the same session return nil at once.
	CleanupSession(ctx context.Context, sessionID string) error
}
