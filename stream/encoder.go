package stream

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/martinemde/vizagent/pipeline"
)

// Encoder implements pipeline.Observer. Events are queued without bound so
// the run never blocks on a slow consumer, and drained by a single reader.
//
// The encoder guarantees at most one terminal event followed by exactly one
// done event. After Cancel nothing but that done event is delivered.
type Encoder struct {
	mu        sync.Mutex
	queue     []Event
	seq       uint64
	terminal  bool
	finished  bool
	drained   bool
	cancelled bool
	notify    chan struct{}
	onCancel  context.CancelFunc
}

// NewEncoder returns an Encoder. cancel, if non-nil, is called when the
// consumer goes away so the run stops at its next stage boundary.
func NewEncoder(cancel context.CancelFunc) *Encoder {
	return &Encoder{
		notify:   make(chan struct{}, 1),
		onCancel: cancel,
	}
}

func (e *Encoder) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// enqueue must be called with mu held.
func (e *Encoder) enqueue(t Type, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := Event{Type: t, Payload: payload}
	if t != TypeHeartbeat {
		e.seq++
		ev.Seq = e.seq
	}
	e.queue = append(e.queue, ev)
	e.signal()
}

// Observe records a pipeline event.
func (e *Encoder) Observe(pe pipeline.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := Type(pe.Kind)
	if e.cancelled || e.finished || e.terminal {
		return
	}
	if t.Terminal() {
		e.terminal = true
	}
	e.enqueue(t, maps.Clone(pe.Data))
}

// Fail emits an error event unless a terminal event was already emitted.
func (e *Encoder) Fail(kind pipeline.ErrorKind, correlationID string) {
	e.Observe(pipeline.Event{Kind: pipeline.EventError, Data: map[string]any{
		"error":          kind.Message(),
		"type":           string(kind),
		"correlation_id": correlationID,
	}})
}

// Heartbeat queues a heartbeat unless the stream is over.
func (e *Encoder) Heartbeat() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled || e.finished {
		return
	}
	e.enqueue(TypeHeartbeat, nil)
}

// Finish queues the done event. It is idempotent.
func (e *Encoder) Finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.finished = true
	e.enqueue(TypeDone, nil)
}

// Cancel drops everything still queued, refuses further events except done,
// and signals cancellation to the run.
func (e *Encoder) Cancel() {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	var keep []Event
	for _, ev := range e.queue {
		if ev.Type == TypeDone {
			keep = append(keep, ev)
		}
	}
	e.queue = keep
	cancel := e.onCancel
	e.signal()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether Cancel was called.
func (e *Encoder) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Next blocks until an event is available. It returns false once done has
// been delivered or when ctx ends.
func (e *Encoder) Next(ctx context.Context) (Event, bool) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			ev := e.queue[0]
			e.queue = e.queue[1:]
			if ev.Type == TypeDone {
				e.drained = true
			}
			e.mu.Unlock()
			return ev, true
		}
		if e.drained {
			e.mu.Unlock()
			return Event{}, false
		}
		e.mu.Unlock()

		select {
		case <-e.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Drain writes events to w until done has been written. A write failure
// means the consumer is gone: the encoder is cancelled and the error
// returned.
func (e *Encoder) Drain(ctx context.Context, w *Writer) error {
	for {
		ev, ok := e.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := w.Write(ev); err != nil {
			e.Cancel()
			return err
		}
		if ev.Type == TypeDone {
			return nil
		}
	}
}

// Heartbeats queues a heartbeat every interval until ctx ends or the stream
// is finished.
func (e *Encoder) Heartbeats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.mu.Lock()
			over := e.finished || e.cancelled
			e.mu.Unlock()
			if over {
				return
			}
			e.Heartbeat()
		}
	}
}
