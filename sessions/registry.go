package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ggoodman/duplex-go/envelope"
)

var (
	// ErrSessionExists is returned when registering an id that is already live.
	ErrSessionExists = errors.New("session already registered")
	// ErrSessionNotFound indicates the session is unknown or already closed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConnClosed is returned by Conn implementations after Close.
	ErrConnClosed = errors.New("connection closed")
)

// State is the lifecycle state of a session.
type State string

const (
	StateOpening State = "opening"
	StateOpen    State = "open"
	StateClosed  State = "closed"
)

// Conn is the transport's handle on one live session.
type Conn interface {
	// Send delivers a single envelope to the remote peer.
	Send(ctx context.Context, env envelope.Envelope) error
	// Close terminates the underlying session with a human-readable reason.
	Close(ctx context.Context, reason string) error
}

// Registry maps live session ids to their connection handles.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register records conn under id.
func (r *Registry) Register(id string, conn Conn) error {
	if id == "" || conn == nil {
		return errors.New("session id and conn are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return ErrSessionExists
	}
	r.conns[id] = conn
	return nil
}

// Unregister removes id and reports whether it was present. Calling it again
// for the same id is a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Lookup returns the connection handle for id.
func (r *Registry) Lookup(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Exists reports whether id is live.
func (r *Registry) Exists(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// ForceClose asks the transport to terminate id. Unknown ids are ignored.
// The entry itself is removed when the transport reports the close.
func (r *Registry) ForceClose(ctx context.Context, id string, reason string) error {
	conn, ok := r.Lookup(id)
	if !ok {
		return nil
	}
	return conn.Close(ctx, reason)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns the live session ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
