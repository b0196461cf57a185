package bus

import "testing"

// TestEmitDrain verifies that Drain returns exactly the events emitted since
// the last Drain, in emission order, and clears the pending queue.
func TestEmitDrain(t *testing.T) {
	b := New()
	b.Emit(KindIteration, 1)
	b.Emit(KindIteration, 2)

	got := b.Drain()
	if len(got) != 2 || got[0].Payload != 1 || got[1].Payload != 2 {
		t.Fatalf("unexpected drain result: %+v", got)
	}
	if more := b.Drain(); len(more) != 0 {
		t.Fatalf("expected empty drain after previous drain, got %+v", more)
	}
}

// TestReplaySupersetsDrain verifies Replay always returns the full history,
// independent of how many times Drain has cleared the pending queue.
func TestReplaySupersetsDrain(t *testing.T) {
	b := New()
	b.Emit(KindMetadata, "m")
	b.Drain()
	b.Emit(KindIteration, "i1")
	b.Drain()
	b.Emit(KindIteration, "i2")

	replay := b.Replay()
	if len(replay) != 3 {
		t.Fatalf("expected 3 events in replay, got %d: %+v", len(replay), replay)
	}
}

// TestTerminalLatchesDone verifies that emitting a terminal kind flips IsDone
// permanently.
func TestTerminalLatchesDone(t *testing.T) {
	b := New()
	if b.IsDone() {
		t.Fatal("new bus should not be done")
	}
	b.Emit(KindDone, nil)
	if !b.IsDone() {
		t.Fatal("expected IsDone after a terminal event")
	}
	b.Emit(KindIteration, "late")
	if !b.IsDone() {
		t.Fatal("done flag should remain latched")
	}
}

// TestCancelRaisesError verifies RaiseIfCancelled only errors after Cancel.
func TestCancelRaisesError(t *testing.T) {
	b := New()
	if err := b.RaiseIfCancelled(); err != nil {
		t.Fatalf("expected nil before cancel, got %v", err)
	}
	b.Cancel()
	if err := b.RaiseIfCancelled(); err == nil {
		t.Fatal("expected Cancelled error after Cancel")
	}
}
