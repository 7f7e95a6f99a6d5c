package middleware_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/messaging"
	"github.com/ggoodman/duplex-go/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

type nopConn struct {
	mu   sync.Mutex
	sent []envelope.Envelope
}

func (c *nopConn) Send(ctx context.Context, env envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *nopConn) Close(ctx context.Context, reason string) error { return nil }

func newServer(t *testing.T, mw messaging.Middleware[any]) *messaging.Server[any] {
	t.Helper()
	srv, err := messaging.NewServer(messaging.ServerConfig[any]{Middleware: mw})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return srv
}

func TestTopicFilter(t *testing.T) {
	srv := newServer(t, middleware.TopicFilter[any](nil, "chat"))
	got := make(chan envelope.Message[any], 2)
	srv.Subscribe("chat", func(ctx context.Context, msg envelope.Message[any]) { got <- msg })
	srv.Subscribe("admin", func(ctx context.Context, msg envelope.Message[any]) { got <- msg })

	ctx := context.Background()
	if err := srv.HandleOpen(ctx, "s1", &nopConn{}, messaging.RequestInfo{}); err != nil {
		t.Fatalf("HandleOpen: %v", err)
	}

	// A filtered message is dropped quietly, not reported as a failure.
	if err := srv.HandleFrame(ctx, "s1", envelope.Envelope{Topic: "admin", Body: `"drop"`}); err != nil {
		t.Fatalf("filtered frame returned error: %v", err)
	}
	if err := srv.HandleFrame(ctx, "s1", envelope.Envelope{Topic: "chat", Body: `"keep"`}); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Topic != "chat" || msg.Body != "keep" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("allowed message not delivered")
	}
	select {
	case msg := <-got:
		t.Fatalf("filtered message delivered: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv := newServer(t, middleware.Logging[any](logger))

	ctx := context.Background()
	_ = srv.HandleOpen(ctx, "s1", &nopConn{}, messaging.RequestInfo{})
	srv.Send(ctx, "s1", "ping", 1)
	srv.Send(ctx, "nobody", "ping", 1)
	_ = srv.HandleFrame(ctx, "s1", envelope.Envelope{Topic: "chat", Body: `"hi"`})
	_ = srv.HandleClose(ctx, "s1", messaging.RequestInfo{}, "bye")

	out := buf.String()
	for _, want := range []string{
		"msg=session.open",
		"msg=msg.send",
		"target=s1 sent=true",
		"target=nobody sent=false",
		"msg=msg.receive",
		"msg.topic=chat",
		"msg=session.close",
		"reason=bye",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := newServer(t, middleware.Metrics[any](reg, middleware.WithTopics("ping", "chat")))

	ctx := context.Background()
	_ = srv.HandleOpen(ctx, "s1", &nopConn{}, messaging.RequestInfo{})
	_ = srv.HandleOpen(ctx, "s2", &nopConn{}, messaging.RequestInfo{})
	srv.Send(ctx, "s1", "ping", 1)
	srv.Send(ctx, "s1", "ping", 2)
	srv.Send(ctx, "gone", "ping", 3)
	_ = srv.HandleFrame(ctx, "s2", envelope.Envelope{Topic: "chat", Body: `"hi"`})
	_ = srv.HandleClose(ctx, "s2", messaging.RequestInfo{}, "")

	cases := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"duplex_sessions_opened_total", nil, 2},
		{"duplex_sessions_closed_total", nil, 1},
		{"duplex_sessions_live", nil, 1},
		{"duplex_messages_sent_total", map[string]string{"topic": "ping", "sent": "true"}, 2},
		{"duplex_messages_sent_total", map[string]string{"topic": "ping", "sent": "false"}, 1},
		{"duplex_messages_received_total", map[string]string{"topic": "chat", "result": "ok"}, 1},
	}
	for _, tc := range cases {
		if got := counterValue(t, reg, tc.name, tc.labels); got != tc.want {
			t.Errorf("%s%v = %v, want %v", tc.name, tc.labels, got, tc.want)
		}
	}
}

func TestMetricsUnknownTopicsShareOneSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := newServer(t, middleware.Metrics[any](reg, middleware.WithTopics("chat")))

	ctx := context.Background()
	_ = srv.HandleOpen(ctx, "s1", &nopConn{}, messaging.RequestInfo{})
	for i := 0; i < 200; i++ {
		topic := fmt.Sprintf("random-%d", i)
		_ = srv.HandleFrame(ctx, "s1", envelope.Envelope{Topic: topic, Body: "1"})
		srv.Send(ctx, "s1", topic, i)
	}
	_ = srv.HandleFrame(ctx, "s1", envelope.Envelope{Topic: "chat", Body: "1"})

	if n := seriesCount(t, reg, "duplex_messages_received_total"); n != 2 {
		t.Fatalf("expected 2 received series (chat, other), got %d", n)
	}
	if n := seriesCount(t, reg, "duplex_messages_sent_total"); n != 1 {
		t.Fatalf("expected 1 sent series, got %d", n)
	}
	if got := counterValue(t, reg, "duplex_messages_received_total", map[string]string{"topic": middleware.OtherTopic, "result": "ok"}); got != 200 {
		t.Fatalf("other topic count = %v, want 200", got)
	}
}

func seriesCount(t *testing.T, reg *prometheus.Registry, name string) int {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return len(mf.GetMetric())
		}
	}
	return 0
}

func TestFilteredMessagesAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	// Metrics is registered last, so it runs outermost and sees the veto.
	mw := middleware.TopicFilter[any](nil, "chat").Merge(middleware.Metrics[any](reg, middleware.WithTopics("chat", "secret")))
	srv := newServer(t, mw)
	got := make(chan envelope.Message[any], 1)
	srv.Subscribe("secret", func(ctx context.Context, msg envelope.Message[any]) { got <- msg })

	ctx := context.Background()
	_ = srv.HandleOpen(ctx, "s1", &nopConn{}, messaging.RequestInfo{})
	if err := srv.HandleFrame(ctx, "s1", envelope.Envelope{Topic: "secret", Body: "1"}); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	_ = srv.HandleFrame(ctx, "s1", envelope.Envelope{Topic: "chat", Body: "1"})

	if got := counterValue(t, reg, "duplex_messages_received_total", map[string]string{"topic": "secret", "result": "filtered"}); got != 1 {
		t.Fatalf("filtered count = %v, want 1", got)
	}
	if got := counterValue(t, reg, "duplex_messages_received_total", map[string]string{"topic": "chat", "result": "ok"}); got != 1 {
		t.Fatalf("ok count = %v, want 1", got)
	}
	select {
	case msg := <-got:
		t.Fatalf("filtered message delivered: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
