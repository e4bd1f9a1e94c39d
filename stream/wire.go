package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DoneSentinel is written after the done event.
const DoneSentinel = "[DONE]"

type flusher interface{ Flush() }

// Writer encodes events in the text/event-stream format:
//
//	id: <seq>
//	event: <type>
//	data: <json>
//
// Heartbeats have no id line. The done event is followed by a
// "data: [DONE]" record.
type Writer struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewWriter returns a Writer. If w has a Flush method it is called after
// every event.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}

	w.buf.Reset()
	if ev.Type != TypeHeartbeat {
		fmt.Fprintf(&w.buf, "id: %d\n", ev.Seq)
	}
	fmt.Fprintf(&w.buf, "event: %s\ndata: %s\n\n", ev.Type, data)
	if ev.Type == TypeDone {
		fmt.Fprintf(&w.buf, "data: %s\n\n", DoneSentinel)
	}
	if _, err := w.w.Write(w.buf.Bytes()); err != nil {
		return err
	}
	if f, ok := w.w.(flusher); ok {
		f.Flush()
	}
	return nil
}

// Decoder reads events written by Writer. The done event and the [DONE]
// sentinel are the same end of stream: whichever arrives first is returned
// as a done event and Next returns io.EOF afterwards.
type Decoder struct {
	sc   *bufio.Scanner
	done bool
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	return &Decoder{sc: sc}
}

// Next returns the next event.
func (d *Decoder) Next() (Event, error) {
	if d.done {
		return Event{}, io.EOF
	}
	var (
		ev      Event
		data    []string
		hasData bool
	)
	for d.sc.Scan() {
		line := d.sc.Text()
		if line == "" {
			if !hasData && ev.Type == "" {
				continue
			}
			return d.finish(ev, data)
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			seq, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Event{}, fmt.Errorf("invalid id %q: %w", value, err)
			}
			ev.Seq = seq
		case "event":
			ev.Type = Type(value)
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := d.sc.Err(); err != nil {
		return Event{}, err
	}
	if hasData || ev.Type != "" {
		return d.finish(ev, data)
	}
	return Event{}, io.EOF
}

func (d *Decoder) finish(ev Event, data []string) (Event, error) {
	raw := strings.Join(data, "\n")
	if raw == DoneSentinel {
		d.done = true
		return Event{Type: TypeDone, Payload: map[string]any{}}, nil
	}
	if ev.Type == "" {
		ev.Type = "message"
	}
	ev.Payload = map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", ev.Type, err)
		}
	}
	if ev.Type == TypeDone {
		d.done = true
	}
	return ev, nil
}

// ReadAll decodes events until end of stream.
func ReadAll(r io.Reader) ([]Event, error) {
	dec := NewDecoder(r)
	var events []Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
