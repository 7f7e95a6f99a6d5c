package sessions_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ggoodman/duplex-go/envelope"
	"github.com/ggoodman/duplex-go/sessions"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []envelope.Envelope
	reasons []string
}

func (c *fakeConn) Send(ctx context.Context, env envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
	return nil
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := sessions.NewRegistry()
	conn := &fakeConn{}

	if err := r.Register("s1", conn); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("s1", conn); !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if !r.Exists("s1") {
		t.Fatal("expected s1 to exist")
	}
	got, ok := r.Lookup("s1")
	if !ok || got != conn {
		t.Fatalf("lookup returned %v %v", got, ok)
	}

	if !r.Unregister("s1") {
		t.Fatal("expected first unregister to report removal")
	}
	if r.Unregister("s1") {
		t.Fatal("second unregister should be a no-op")
	}
	if r.Exists("s1") {
		t.Fatal("s1 should be gone")
	}
	if _, ok := r.Lookup("s1"); ok {
		t.Fatal("lookup after unregister should miss")
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := sessions.NewRegistry()
	if err := r.Register("", &fakeConn{}); err == nil {
		t.Fatal("expected error for empty id")
	}
	if err := r.Register("x", nil); err == nil {
		t.Fatal("expected error for nil conn")
	}
}

func TestRegistry_ForceClose(t *testing.T) {
	r := sessions.NewRegistry()
	conn := &fakeConn{}
	_ = r.Register("s1", conn)

	if err := r.ForceClose(context.Background(), "missing", "bye"); err != nil {
		t.Fatalf("force close of unknown session: %v", err)
	}
	if err := r.ForceClose(context.Background(), "s1", "admin kick"); err != nil {
		t.Fatalf("force close: %v", err)
	}
	if len(conn.reasons) != 1 || conn.reasons[0] != "admin kick" {
		t.Fatalf("unexpected close reasons %v", conn.reasons)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := sessions.NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i)
			if err := r.Register(id, &fakeConn{}); err != nil {
				t.Errorf("register %s: %v", id, err)
				return
			}
			_ = r.Exists(id)
			_, _ = r.Lookup(id)
			if i%2 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()
	if n := r.Len(); n != 32 {
		t.Fatalf("expected 32 live sessions, got %d", n)
	}
	ids := r.IDs()
	if len(ids) != 32 {
		t.Fatalf("expected 32 ids, got %d", len(ids))
	}
}
