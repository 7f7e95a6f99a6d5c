package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReader(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"id: 1-0\ndata: {\"topic\":\"a\",\"body\":\"1\"}\n\n" +
		"event: note\ndata: line one\ndata: line two\n\n" +
		": keep-alive\n\n"
	r := NewReader(strings.NewReader(stream))

	ev, err := r.Next()
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if ev.ID != "1-0" || string(ev.Data) != `{"topic":"a","body":"1"}` {
		t.Fatalf("unexpected first event %+v", ev)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if ev.Event != "note" || ev.ID != "" || string(ev.Data) != "line one\nline two" {
		t.Fatalf("unexpected second event %+v", ev)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReaderTruncated(t *testing.T) {
	r := NewReader(strings.NewReader("id: 7\ndata: half"))
	if _, err := r.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}
