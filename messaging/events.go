package messaging

import (
	"context"
	"errors"
	"net/http"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/pipeline"
)

var (
	// ErrClosed is returned by entry points called after Close.
	ErrClosed = errors.New("messaging: closed")
	// ErrAlreadyOpen is returned when a client is opened twice.
	ErrAlreadyOpen = errors.New("messaging: already open")
)

// RequestInfo describes the transport request associated with a lifecycle
// event. It is zero when the server initiates the event itself.
type RequestInfo struct {
	ID         string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
	Header     http.Header
}

// RequestInfoFromHTTP captures the parts of r exposed to middleware.
func RequestInfoFromHTTP(id string, r *http.Request) RequestInfo {
	return RequestInfo{
		ID:         id,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Header:     r.Header.Clone(),
	}
}

// OpenEvent is passed to the open pipeline. SessionID is empty on the client.
type OpenEvent struct {
	SessionID string
	Request   RequestInfo
}

// CloseEvent is passed to the close pipeline. Reason is empty when no reason
// was given. Pending and Undelivered are only populated on the client.
type CloseEvent struct {
	SessionID   string
	Request     RequestInfo
	Reason      string
	Pending     []envelope.Envelope
	Undelivered []envelope.Envelope
}

type (
	OpenFunc           func(ctx context.Context, ev OpenEvent) error
	CloseFunc          func(ctx context.Context, ev CloseEvent) error
	SendFunc[T any]    func(ctx context.Context, target string, msg envelope.Message[T]) bool
	ReceiveFunc[T any] func(ctx context.Context, msg envelope.Message[T]) error
)

// Middleware holds the ordered middleware entries for each lifecycle event.
// Within a list the last entry runs first.
type Middleware[T any] struct {
	OnOpen    []pipeline.Middleware[OpenFunc]
	OnClose   []pipeline.Middleware[CloseFunc]
	OnSend    []pipeline.Middleware[SendFunc[T]]
	OnReceive []pipeline.Middleware[ReceiveFunc[T]]
}

// Merge returns m followed by the entries of others, event by event.
func (m Middleware[T]) Merge(others ...Middleware[T]) Middleware[T] {
	out := Middleware[T]{
		OnOpen:    append([]pipeline.Middleware[OpenFunc](nil), m.OnOpen...),
		OnClose:   append([]pipeline.Middleware[CloseFunc](nil), m.OnClose...),
		OnSend:    append([]pipeline.Middleware[SendFunc[T]](nil), m.OnSend...),
		OnReceive: append([]pipeline.Middleware[ReceiveFunc[T]](nil), m.OnReceive...),
	}
	for _, o := range others {
		out.OnOpen = append(out.OnOpen, o.OnOpen...)
		out.OnClose = append(out.OnClose, o.OnClose...)
		out.OnSend = append(out.OnSend, o.OnSend...)
		out.OnReceive = append(out.OnReceive, o.OnReceive...)
	}
	return out
}

// OpenMiddleware adapts fn to an open pipeline entry.
func OpenMiddleware(fn func(next OpenFunc) OpenFunc) pipeline.Middleware[OpenFunc] {
	return pipeline.Func[OpenFunc](fn)
}

// CloseMiddleware adapts fn to a close pipeline entry.
func CloseMiddleware(fn func(next CloseFunc) CloseFunc) pipeline.Middleware[CloseFunc] {
	return pipeline.Func[CloseFunc](fn)
}

// SendMiddleware adapts fn to a send pipeline entry.
func SendMiddleware[T any](fn func(next SendFunc[T]) SendFunc[T]) pipeline.Middleware[SendFunc[T]] {
	return pipeline.Func[SendFunc[T]](fn)
}

// ReceiveMiddleware adapts fn to a receive pipeline entry.
func ReceiveMiddleware[T any](fn func(next ReceiveFunc[T]) ReceiveFunc[T]) pipeline.Middleware[ReceiveFunc[T]] {
	return pipeline.Func[ReceiveFunc[T]](fn)
}

// handlers are the composed pipelines for one Server or Client.
type handlers[T any] struct {
	open    OpenFunc
	close   CloseFunc
	send    SendFunc[T]
	receive ReceiveFunc[T]
}

func compose[T any](mw Middleware[T], terminal handlers[T]) handlers[T] {
	return handlers[T]{
		open:    pipeline.Compose(terminal.open, mw.OnOpen...),
		close:   pipeline.Compose(terminal.close, mw.OnClose...),
		send:    pipeline.Compose(terminal.send, mw.OnSend...),
		receive: pipeline.Compose(terminal.receive, mw.OnReceive...),
	}
}
