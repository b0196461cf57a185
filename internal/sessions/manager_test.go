package sessions

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/rlmsearch/internal/bus"
	"github.com/nextlevelbuilder/rlmsearch/internal/sandbox"
)

func newTestState(t *testing.T) (*Manager, string) {
	t.Helper()
	m := NewManager(30 * time.Minute)
	sb, err := sandbox.New("")
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	sid := m.CreateSession(nil, sb, bus.New(), "")
	return m, sid
}

// TestPrepareFollowUpRejectsWhenBusy verifies the single-active-search
// invariant: a session already marked active refuses a second follow-up.
func TestPrepareFollowUpRejectsWhenBusy(t *testing.T) {
	m, sid := newTestState(t)

	if _, _, err := m.PrepareFollowUp(sid, bus.New(), "search-1"); err != nil {
		t.Fatalf("unexpected error on first follow-up: %v", err)
	}
	if !m.IsBusy(sid) {
		t.Fatal("expected session to be busy after PrepareFollowUp")
	}

	_, _, err := m.PrepareFollowUp(sid, bus.New(), "search-2")
	if err == nil {
		t.Fatal("expected an error preparing a follow-up on a busy session")
	}
	busyErr, ok := err.(*ErrBusy)
	if !ok {
		t.Fatalf("expected *ErrBusy, got %T: %v", err, err)
	}
	if busyErr.ActiveSearchID != "search-1" {
		t.Fatalf("expected ActiveSearchID search-1, got %q", busyErr.ActiveSearchID)
	}
}

// TestClearActiveAllowsNextFollowUp verifies that clearing the active search
// unblocks a subsequent PrepareFollowUp call.
func TestClearActiveAllowsNextFollowUp(t *testing.T) {
	m, sid := newTestState(t)

	if _, _, err := m.PrepareFollowUp(sid, bus.New(), "search-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.ClearActive(sid)
	if m.IsBusy(sid) {
		t.Fatal("expected session to no longer be busy after ClearActive")
	}

	if _, _, err := m.PrepareFollowUp(sid, bus.New(), "search-2"); err != nil {
		t.Fatalf("unexpected error on second follow-up after clearing: %v", err)
	}

	s := m.Get(sid)
	if s.SearchCount() != 2 {
		t.Fatalf("expected search_count == 2, got %d", s.SearchCount())
	}
}

// TestPrepareFollowUpUnknownSessionReturnsNotFound verifies a lookup miss
// surfaces a typed error rather than a nil-pointer panic.
func TestPrepareFollowUpUnknownSessionReturnsNotFound(t *testing.T) {
	m := NewManager(30 * time.Minute)
	_, _, err := m.PrepareFollowUp("never-created", bus.New(), "search-1")
	if err == nil {
		t.Fatal("expected an error for an unknown session")
	}
	if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("expected *ErrNotFound, got %T: %v", err, err)
	}
}

// TestCleanupExpiredSkipsBusySessions verifies the idle reaper never removes
// a session with an active search, regardless of how stale last_active is.
func TestCleanupExpiredSkipsBusySessions(t *testing.T) {
	m := NewManager(0)
	sb, err := sandbox.New("")
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	sid := m.CreateSession(nil, sb, bus.New(), "")
	if _, _, err := m.PrepareFollowUp(sid, bus.New(), "search-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	removed := m.CleanupExpired()
	for _, r := range removed {
		if r == sid {
			t.Fatal("expected the busy session to survive cleanup")
		}
	}
	if m.Get(sid) == nil {
		t.Fatal("expected the busy session to still be present")
	}
}

// TestCleanupExpiredRemovesIdleSessions verifies a non-busy session past its
// timeout is removed and its sandbox closed.
func TestCleanupExpiredRemovesIdleSessions(t *testing.T) {
	m, sid := newTestState(t)
	m.sessionTimeout = 0
	// Force last_active into the past by waiting past a zero timeout.
	time.Sleep(time.Millisecond)

	removed := m.CleanupExpired()
	found := false
	for _, r := range removed {
		if r == sid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected session %s to be reaped, removed=%v", sid, removed)
	}
	if m.Get(sid) != nil {
		t.Fatal("expected the reaped session to be gone from the map")
	}
}
