// Package session provides the per-user lock, cooperative cancel flag, and
// daily session-key derivation (component L). Grounded on
// original_source/drbot/bot/session.py's SessionManager; the map+mutex shape
// follows spec.md §5's shared-resource policy.
package session

import (
	"sync"
	"time"

	"github.com/local/remy/internal/conversation"
)

type userState struct {
	lock      chan struct{} // 1-slot semaphore; context-aware unlike sync.Mutex
	cancelled bool
}

// Manager holds per-user serialisation and cancellation state.
type Manager struct {
	mu    sync.Mutex
	users map[int64]*userState
}

// NewManager builds an empty session manager.
func NewManager() *Manager {
	return &Manager{users: map[int64]*userState{}}
}

func (m *Manager) state(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	if !ok {
		st = &userState{lock: make(chan struct{}, 1)}
		m.users[userID] = st
	}
	return st
}

// Lock acquires the user's session lock, serialising concurrent messages
// from the same user. Returns an unlock func.
func (m *Manager) Lock(userID int64) func() {
	st := m.state(userID)
	st.lock <- struct{}{}
	return func() { <-st.lock }
}

// TryLock acquires the lock only if it is free, for callers that prefer to
// refuse rather than queue.
func (m *Manager) TryLock(userID int64) (func(), bool) {
	st := m.state(userID)
	select {
	case st.lock <- struct{}{}:
		return func() { <-st.lock }, true
	default:
		return nil, false
	}
}

// RequestCancel sets the user's cancel flag. Long-running operations check
// it between external calls and halt cooperatively.
func (m *Manager) RequestCancel(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.users[userID]; ok {
		st.cancelled = true
	} else {
		m.users[userID] = &userState{lock: make(chan struct{}, 1), cancelled: true}
	}
}

// ClearCancel resets the flag, called at the start of each new task.
func (m *Manager) ClearCancel(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.users[userID]; ok {
		st.cancelled = false
	}
}

// IsCancelled reports whether the user has requested cancellation.
func (m *Manager) IsCancelled(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	return ok && st.cancelled
}

// SessionKey returns today's session key for a user (UTC day boundary).
func (m *Manager) SessionKey(userID int64) string {
	return conversation.SessionKeyForUserDay(userID, time.Now())
}
