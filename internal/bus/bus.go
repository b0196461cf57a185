// Package bus implements the append-only event channel shared by a single
// search: tools, the iteration driver, and the streaming logger all emit onto
// it; the SSE gateway and the JSONL writer both drain from it independently.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the shape of an Event's payload. The terminal kinds latch
// the bus's done flag: once one is emitted, no further event is meaningful.
type Kind string

const (
	KindMetadata     Kind = "metadata"
	KindIteration    Kind = "iteration"
	KindSubIteration Kind = "sub_iteration"
	KindToolStart    Kind = "tool_start"
	KindToolEnd      Kind = "tool_end"
	KindToolError    Kind = "tool_error"
	KindProgress     Kind = "progress"
	KindDone         Kind = "done"
	KindError        Kind = "error"
	KindCancelled    Kind = "cancelled"
)

// IsTerminal reports whether emitting an event of this kind ends the bus.
func (k Kind) IsTerminal() bool {
	return k == KindDone || k == KindError || k == KindCancelled
}

// Event is a single record appended to a Bus.
type Event struct {
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Cancelled is returned by RaiseIfCancelled once a bus's cancel flag is set.
type Cancelled struct{}

func (Cancelled) Error() string { return "search cancelled" }

// Bus is a single append-only, multi-producer, multi-consumer event log.
// Event order is strictly emission order (FIFO); once Done latches it stays
// latched for the lifetime of the Bus.
type Bus struct {
	mu       sync.Mutex
	log      []Event
	pending  []Event
	done     atomic.Bool
	cancelld atomic.Bool
}

// New returns an empty, not-done Bus.
func New() *Bus {
	return &Bus{}
}

// Emit appends an event, stamping the current wall-clock time. If kind is
// terminal, it latches Done. Safe for concurrent callers.
func (b *Bus) Emit(kind Kind, payload any) {
	ev := Event{Kind: kind, Payload: payload, Timestamp: time.Now()}
	b.mu.Lock()
	b.log = append(b.log, ev)
	b.pending = append(b.pending, ev)
	b.mu.Unlock()
	if kind.IsTerminal() {
		b.done.Store(true)
	}
}

// Drain returns and clears the pending queue, in emission order.
func (b *Bus) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// Replay returns the full log since creation without clearing anything.
func (b *Bus) Replay() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.log))
	copy(out, b.log)
	return out
}

// IsDone reports whether a terminal event has ever been emitted.
func (b *Bus) IsDone() bool {
	return b.done.Load()
}

// Cancel sets a latched cancellation flag. It does not itself emit an event;
// callers typically follow up with Emit(KindCancelled, ...) once the driver
// observes the flag at its next check point.
func (b *Bus) Cancel() {
	b.cancelld.Store(true)
}

// IsCancelled reports the latched cancellation flag.
func (b *Bus) IsCancelled() bool {
	return b.cancelld.Load()
}

// RaiseIfCancelled returns Cancelled{} once Cancel has been called. Callers
// check this at iteration boundaries and between tool calls.
func (b *Bus) RaiseIfCancelled() error {
	if b.cancelld.Load() {
		return Cancelled{}
	}
	return nil
}
