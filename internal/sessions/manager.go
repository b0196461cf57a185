// Package sessions implements the Session Manager: persistent multi-turn
// search sessions with a single-active-search invariant, modeled on the
// teacher's map/lock/atomic-save session store generalized to this domain's
// follow-up-search contract.
package sessions

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/rlmsearch/internal/agent"
	"github.com/nextlevelbuilder/rlmsearch/internal/bus"
	"github.com/nextlevelbuilder/rlmsearch/internal/sandbox"
)

// ErrBusy is returned by PrepareFollowUp when the session already has an
// active search running.
type ErrBusy struct {
	SessionID      string
	ActiveSearchID string
}

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("session %s is busy with search %s", e.SessionID, e.ActiveSearchID)
}

// ErrNotFound is returned when a session ID has no corresponding State.
type ErrNotFound struct {
	SessionID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// State is one persistent search session: the driver and sandbox carried
// across follow-up questions, plus the single-active-search lock. Each
// session owns its own lock; the Manager's lock only guards the top-level
// map.
type State struct {
	SessionID string
	Driver    *agent.Driver
	Sandbox   *sandbox.Sandbox
	Bus       *bus.Bus

	mu             sync.Mutex
	searchCount    int
	lastActive     time.Time
	activeSearchID string
}

// SearchCount returns the number of searches run in this session so far.
func (s *State) SearchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchCount
}

// IsBusy reports whether a search is currently active on this session.
func (s *State) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSearchID != ""
}

// Manager maintains session_id -> State, enforcing the single-active-search
// invariant per session and reaping idle sessions.
type Manager struct {
	mu             sync.Mutex
	sessions       map[string]*State
	sessionTimeout time.Duration
}

// NewManager constructs a Manager with the given idle-session timeout.
func NewManager(sessionTimeout time.Duration) *Manager {
	return &Manager{
		sessions:       make(map[string]*State),
		sessionTimeout: sessionTimeout,
	}
}

// CreateSession registers a new session, generating a session ID if one
// isn't supplied.
func (m *Manager) CreateSession(driver *agent.Driver, sb *sandbox.Sandbox, b *bus.Bus, sessionID string) string {
	if sessionID == "" {
		sessionID = newSessionID()
	}
	state := &State{
		SessionID:  sessionID,
		Driver:     driver,
		Sandbox:    sb,
		Bus:        b,
		lastActive: time.Now(),
	}
	m.mu.Lock()
	m.sessions[sessionID] = state
	m.mu.Unlock()
	return sessionID
}

// Get returns the session State for an ID, or nil if unknown.
func (m *Manager) Get(sessionID string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// IsBusy reports whether a session has an active search. Returns false for
// an unknown session.
func (m *Manager) IsBusy(sessionID string) bool {
	s := m.Get(sessionID)
	if s == nil {
		return false
	}
	return s.IsBusy()
}

// Delete removes a session entirely, closing its Sandbox. Safe to call on
// an unknown session ID.
func (m *Manager) Delete(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok && s.Sandbox != nil {
		s.Sandbox.Close()
	}
}

// PrepareFollowUp atomically rejects a session already busy with another
// search, then marks it active under the given searchID, bumps search_count,
// refreshes last_active, and swaps in the new bus for this search's
// lifetime. Returns the session's persistent Driver/Sandbox so the caller
// can continue the same multi-turn conversation. Mirrors the 4-mutation
// swap this replaces (search_count, last_active, active_search_id, bus),
// now atomic under the session's own lock.
func (m *Manager) PrepareFollowUp(sessionID string, newBus *bus.Bus, searchID string) (*agent.Driver, *sandbox.Sandbox, error) {
	s := m.Get(sessionID)
	if s == nil {
		return nil, nil, &ErrNotFound{SessionID: sessionID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSearchID != "" {
		return nil, nil, &ErrBusy{SessionID: sessionID, ActiveSearchID: s.activeSearchID}
	}
	s.searchCount++
	s.lastActive = time.Now()
	s.activeSearchID = searchID
	s.Bus = newBus

	return s.Driver, s.Sandbox, nil
}

// ClearActive marks a session's active search as complete. Called from the
// worker's finally-equivalent (a deferred cleanup) regardless of how the
// search ended. Safe to call on an unknown session ID.
func (m *Manager) ClearActive(sessionID string) {
	s := m.Get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.activeSearchID = ""
	s.mu.Unlock()
}

// CleanupExpired deletes non-busy sessions whose idle interval exceeds the
// configured timeout, closing each held Sandbox. Returns the removed
// session IDs.
func (m *Manager) CleanupExpired() []string {
	now := time.Now()

	m.mu.Lock()
	var expired []*State
	var removedIDs []string
	for sid, s := range m.sessions {
		s.mu.Lock()
		busy := s.activeSearchID != ""
		idleFor := now.Sub(s.lastActive)
		s.mu.Unlock()
		if busy || idleFor <= m.sessionTimeout {
			continue
		}
		expired = append(expired, s)
		removedIDs = append(removedIDs, sid)
		delete(m.sessions, sid)
	}
	m.mu.Unlock()

	for _, s := range expired {
		if s.Sandbox != nil {
			s.Sandbox.Close()
		}
	}
	return removedIDs
}

func newSessionID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
