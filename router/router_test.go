package router_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/router"
)

func msg(topic string, body int) envelope.Message[int] {
	return envelope.Message[int]{Topic: topic, Body: body}
}

// collector records delivered messages and signals once want have arrived.
type collector struct {
	mu   sync.Mutex
	got  []envelope.Message[int]
	want int
	done chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, done: make(chan struct{})}
}

func (c *collector) listen(_ context.Context, m envelope.Message[int]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, m)
	if len(c.got) == c.want {
		close(c.done)
	}
}

func (c *collector) wait(t *testing.T) []envelope.Message[int] {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		c.mu.Lock()
		defer c.mu.Unlock()
		t.Fatalf("timeout waiting for %d messages, got %d", c.want, len(c.got))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]envelope.Message[int](nil), c.got...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestRouter_TopicIsolation(t *testing.T) {
	r := router.New[int]()
	defer r.Close()

	a := newCollector(1)
	r.Subscribe("a", a.listen)

	r.Publish(msg("b", 1))
	r.Publish(msg("a", 2))

	got := a.wait(t)
	if got[0].Topic != "a" || got[0].Body != 2 {
		t.Fatalf("unexpected delivery %#v", got[0])
	}
	time.Sleep(50 * time.Millisecond)
	if n := a.count(); n != 1 {
		t.Fatalf("listener for a received %d messages", n)
	}
}

func TestRouter_PerListenerOrdering(t *testing.T) {
	r := router.New[int]()
	defer r.Close()

	const n = 500
	c := newCollector(n)
	r.Subscribe("seq", c.listen)

	for i := 0; i < n; i++ {
		r.Publish(msg("seq", i))
	}

	got := c.wait(t)
	for i, m := range got {
		if m.Body != i {
			t.Fatalf("out of order at %d: got %d", i, m.Body)
		}
	}
}

func TestRouter_FanOutToEveryListener(t *testing.T) {
	r := router.New[int]()
	defer r.Close()

	c1, c2 := newCollector(1), newCollector(1)
	r.Subscribe("x", c1.listen)
	r.Subscribe("x", c2.listen)

	r.Publish(msg("x", 7))

	c1.wait(t)
	c2.wait(t)
	time.Sleep(50 * time.Millisecond)
	if c1.count() != 1 || c2.count() != 1 {
		t.Fatalf("expected exactly one delivery each, got %d and %d", c1.count(), c2.count())
	}
}

func TestRouter_SameListenerTwiceGetsTwoPaths(t *testing.T) {
	r := router.New[int]()
	defer r.Close()

	c := newCollector(2)
	r.Subscribe("x", c.listen)
	r.Subscribe("x", c.listen)
	r.Publish(msg("x", 1))
	c.wait(t)
}

func TestRouter_PublishDoesNotWaitForListeners(t *testing.T) {
	r := router.New[int]()
	defer r.Close()

	release := make(chan struct{})
	r.Subscribe("slow", func(ctx context.Context, _ envelope.Message[int]) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Publish(msg("slow", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow listener")
	}
	close(release)
}

func TestRouter_SlowListenerDoesNotBlockOthers(t *testing.T) {
	r := router.New[int]()
	defer r.Close()

	block := make(chan struct{})
	defer close(block)
	r.Subscribe("x", func(ctx context.Context, _ envelope.Message[int]) {
		select {
		case <-block:
		case <-ctx.Done():
		}
	})
	fast := newCollector(3)
	r.Subscribe("x", fast.listen)

	for i := 0; i < 3; i++ {
		r.Publish(msg("x", i))
	}
	fast.wait(t)
}

func TestRouter_ListenerPanicIsContained(t *testing.T) {
	r := router.New[int]()
	defer r.Close()

	var calls atomic.Int32
	c := newCollector(2)
	r.Subscribe("p", func(ctx context.Context, m envelope.Message[int]) {
		calls.Add(1)
		if m.Body == 0 {
			panic("listener bug")
		}
	})
	r.Subscribe("p", c.listen)

	r.Publish(msg("p", 0))
	r.Publish(msg("p", 1))
	c.wait(t)

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() != 2 {
		t.Fatalf("panicking listener should keep receiving, got %d calls", calls.Load())
	}
}

func TestRouter_Unsubscribe(t *testing.T) {
	r := router.New[int]()
	defer r.Close()

	gone := newCollector(1)
	stay := newCollector(2)
	sub := r.Subscribe("u", gone.listen)
	r.Subscribe("u", stay.listen)

	r.Publish(msg("u", 1))
	gone.wait(t)

	sub.Unsubscribe()
	sub.Unsubscribe()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}

	r.Publish(msg("u", 2))
	stay.wait(t)
	if n := gone.count(); n != 1 {
		t.Fatalf("unsubscribed listener received %d messages", n)
	}
	if s := r.Stats(); s.Subscriptions != 1 {
		t.Fatalf("expected 1 subscription, got %d", s.Subscriptions)
	}
}

func TestRouter_DropsEmptyTopic(t *testing.T) {
	r := router.New[int]()
	defer r.Close()

	c := newCollector(1)
	r.Subscribe("", c.listen)
	r.Publish(msg("", 1))
	time.Sleep(50 * time.Millisecond)
	if c.count() != 0 {
		t.Fatal("message without topic was routed")
	}
	if s := r.Stats(); s.Published != 0 {
		t.Fatalf("expected no published messages, got %d", s.Published)
	}
}

func TestRouter_CloseStopsSubscriptions(t *testing.T) {
	r := router.New[int]()
	c := newCollector(1)
	sub := r.Subscribe("c", c.listen)

	r.Close()
	r.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription still running after Close")
	}

	r.Publish(msg("c", 1))
	late := r.Subscribe("c", c.listen)
	<-late.Done()
	if c.count() != 0 {
		t.Fatal("delivery after Close")
	}
}
