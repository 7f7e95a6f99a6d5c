// Package sse reads Server-Sent Event streams.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Event is one dispatched Server-Sent Event.
type Event struct {
	ID    string
	Event string
	Data  []byte
}

// Reader yields events from an event stream. Comment lines (keep-alives)
// are skipped.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next event carrying data. It returns io.EOF when the
// stream ends between events and io.ErrUnexpectedEOF when it ends inside one.
func (r *Reader) Next() (Event, error) {
	var (
		event   Event
		dataBuf bytes.Buffer
		partial bool
	)
	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if partial || line != "" {
					return Event{}, io.ErrUnexpectedEOF
				}
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end of event
			if dataBuf.Len() == 0 {
				event, partial = Event{}, false
				continue
			}
			event.Data = append([]byte(nil), dataBuf.Bytes()...)
			return event, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		partial = true
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event.Event = value
		case "id":
			event.ID = value
		case "data":
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(value)
		}
	}
}
