package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/duplex-go/client"
	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/messaging"
	"github.com/ggoodman/duplex-go/middleware"
	"github.com/ggoodman/duplex-go/pipeline"
	"github.com/ggoodman/duplex-go/sessions/memoryhost"
	"github.com/ggoodman/duplex-go/streaminghttp"
)

type closeRecorder struct {
	mu     sync.Mutex
	events []messaging.CloseEvent
	ch     chan messaging.CloseEvent
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{ch: make(chan messaging.CloseEvent, 8)}
}

func (r *closeRecorder) middleware() messaging.Middleware[any] {
	return messaging.Middleware[any]{
		OnClose: []pipeline.Middleware[messaging.CloseFunc]{messaging.CloseMiddleware(func(next messaging.CloseFunc) messaging.CloseFunc {
			return func(ctx context.Context, ev messaging.CloseEvent) error {
				r.mu.Lock()
				r.events = append(r.events, ev)
				r.mu.Unlock()
				r.ch <- ev
				return next(ctx, ev)
			}
		})},
	}
}

func (r *closeRecorder) wait(t *testing.T) messaging.CloseEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("close not observed")
		return messaging.CloseEvent{}
	}
}

type harness struct {
	url         string
	srv         *messaging.Server[any]
	serverClose *closeRecorder
}

func newHarness(t *testing.T, extra ...messaging.Middleware[any]) *harness {
	t.Helper()
	rec := newCloseRecorder()
	srv, err := messaging.NewServer(messaging.ServerConfig[any]{Middleware: rec.middleware().Merge(extra...)})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h, err := streaminghttp.New(ctx, srv, memoryhost.New(), streaminghttp.WithKeepAlive(50*time.Millisecond))
	if err != nil {
		cancel()
		t.Fatalf("streaminghttp.New: %v", err)
	}
	hs := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		hs.CloseClientConnections()
		hs.Close()
		_ = srv.Close(context.Background())
	})
	return &harness{url: hs.URL + h.BasePath(), srv: srv, serverClose: rec}
}

func TestRoundTrip(t *testing.T) {
	hs := newHarness(t)

	fromClient := make(chan envelope.Message[any], 1)
	hs.srv.Subscribe("up", func(ctx context.Context, msg envelope.Message[any]) {
		fromClient <- msg
		hs.srv.Send(ctx, msg.SessionID, "down", msg.Body)
	})

	c := messaging.NewClient(messaging.ClientConfig[any]{})
	t.Cleanup(c.Close)
	fromServer := make(chan envelope.Message[any], 1)
	c.Subscribe("down", func(ctx context.Context, msg envelope.Message[any]) { fromServer <- msg })

	var connected string
	conn, err := client.Dial(context.Background(), hs.url, c, client.WithOnConnect(func(id string) { connected = id }))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(context.Background(), "test done") })
	if connected == "" || connected != conn.SessionID() {
		t.Fatalf("on-connect saw %q, session is %q", connected, conn.SessionID())
	}

	if !c.Send(context.Background(), "up", map[string]any{"n": 1.0}) {
		t.Fatalf("expected send to succeed")
	}

	select {
	case msg := <-fromClient:
		if msg.SessionID != conn.SessionID() {
			t.Fatalf("unexpected session id %q", msg.SessionID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server listener not invoked")
	}

	select {
	case msg := <-fromServer:
		body, ok := msg.Body.(map[string]any)
		if !ok || body["n"] != 1.0 || msg.SessionID != "" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client listener not invoked")
	}
}

func TestPendingSendsFlushedOnConnect(t *testing.T) {
	hs := newHarness(t)
	got := make(chan envelope.Message[any], 4)
	hs.srv.Subscribe("early", func(ctx context.Context, msg envelope.Message[any]) { got <- msg })

	c := messaging.NewClient(messaging.ClientConfig[any]{})
	t.Cleanup(c.Close)
	c.Send(context.Background(), "early", "one")
	c.Send(context.Background(), "early", "two")

	conn, err := client.Dial(context.Background(), hs.url, c)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(context.Background(), "test done") })

	for _, want := range []string{"one", "two"} {
		select {
		case msg := <-got:
			if msg.Body != want {
				t.Fatalf("expected %q, got %v", want, msg.Body)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("did not receive %q", want)
		}
	}
}

func TestServerFilteredSendIsStillSent(t *testing.T) {
	hs := newHarness(t, middleware.TopicFilter[any](nil, "chat"))
	got := make(chan envelope.Message[any], 2)
	hs.srv.Subscribe("chat", func(ctx context.Context, msg envelope.Message[any]) { got <- msg })
	hs.srv.Subscribe("admin", func(ctx context.Context, msg envelope.Message[any]) { got <- msg })

	clientClose := newCloseRecorder()
	c := messaging.NewClient(messaging.ClientConfig[any]{Middleware: clientClose.middleware()})
	t.Cleanup(c.Close)

	conn, err := client.Dial(context.Background(), hs.url, c)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// The server accepted the frame and chose to drop it; that is not a
	// transport failure.
	if !c.Send(context.Background(), "admin", "x") {
		t.Fatalf("filtered send reported as not sent")
	}
	if !c.Send(context.Background(), "chat", "y") {
		t.Fatalf("allowed send reported as not sent")
	}
	select {
	case msg := <-got:
		if msg.Topic != "chat" {
			t.Fatalf("filtered message delivered: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("allowed message not delivered")
	}

	if err := conn.Close(context.Background(), "done"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ev := clientClose.wait(t); len(ev.Undelivered) != 0 {
		t.Fatalf("unexpected undelivered %+v", ev.Undelivered)
	}
}

func TestCloseNotifiesBothSides(t *testing.T) {
	hs := newHarness(t)
	clientClose := newCloseRecorder()
	c := messaging.NewClient(messaging.ClientConfig[any]{Middleware: clientClose.middleware()})
	t.Cleanup(c.Close)

	var disconnected string
	conn, err := client.Dial(context.Background(), hs.url, c, client.WithOnDisconnect(func(reason string) { disconnected = reason }))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := conn.Close(context.Background(), "bye"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ev := clientClose.wait(t); ev.Reason != "bye" {
		t.Fatalf("unexpected client close reason %q", ev.Reason)
	}
	if ev := hs.serverClose.wait(t); ev.Reason != streaminghttp.ReasonClientDisconnect || ev.SessionID != conn.SessionID() {
		t.Fatalf("unexpected server close %+v", ev)
	}
	if disconnected != "bye" {
		t.Fatalf("on-disconnect saw %q", disconnected)
	}
	if c.Send(context.Background(), "x", 1) {
		t.Fatalf("send after close must not be sent")
	}
	if err := conn.Close(context.Background(), "again"); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case ev := <-clientClose.ch:
		t.Fatalf("unexpected second close %+v", ev)
	default:
	}
}

func TestServerForceCloseEndsClient(t *testing.T) {
	hs := newHarness(t)
	clientClose := newCloseRecorder()
	c := messaging.NewClient(messaging.ClientConfig[any]{Middleware: clientClose.middleware()})
	t.Cleanup(c.Close)

	conn, err := client.Dial(context.Background(), hs.url, c, client.WithBackoff(5*time.Millisecond, 20*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// Give the back-channel a moment to attach before the session goes away.
	time.Sleep(50 * time.Millisecond)
	if err := hs.srv.ForceClose(context.Background(), conn.SessionID(), "admin kick"); err != nil {
		t.Fatalf("ForceClose: %v", err)
	}

	if ev := clientClose.wait(t); ev.Reason != client.ReasonSessionEnded {
		t.Fatalf("unexpected client close reason %q", ev.Reason)
	}
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("conn not done")
	}
}

func TestRetriesExhausted(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Header().Set(streaminghttp.SessionIDHeader, "s-1")
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			mu.Lock()
			attempts++
			mu.Unlock()
			w.WriteHeader(http.StatusServiceUnavailable)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(ts.Close)

	clientClose := newCloseRecorder()
	c := messaging.NewClient(messaging.ClientConfig[any]{Middleware: clientClose.middleware()})
	t.Cleanup(c.Close)

	_, err := client.Dial(context.Background(), ts.URL, c,
		client.WithMaxRetries(2),
		client.WithBackoff(time.Millisecond, 5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if ev := clientClose.wait(t); ev.Reason != client.ReasonRetriesExhausted {
		t.Fatalf("unexpected close reason %q", ev.Reason)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 1 attempt + 2 retries, got %d", attempts)
	}
}

func TestDialFailureClosesLifecycle(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	clientClose := newCloseRecorder()
	c := messaging.NewClient(messaging.ClientConfig[any]{Middleware: clientClose.middleware()})
	t.Cleanup(c.Close)
	c.Send(context.Background(), "queued", 1)

	_, err := client.Dial(context.Background(), ts.URL, c)
	if !errors.Is(err, client.ErrDialFailed) {
		t.Fatalf("expected ErrDialFailed, got %v", err)
	}
	ev := clientClose.wait(t)
	if len(ev.Pending) != 1 || ev.Pending[0].Topic != "queued" {
		t.Fatalf("expected queued send reported as pending, got %+v", ev)
	}
}
