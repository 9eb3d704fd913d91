package session

import (
	"sync"

	"github.com/google/uuid"
)

// Store is a concurrent mapping from opaque session id to retained session
// state. A retained session is referenced under exactly one id until
// released; unretained sessions never appear here.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*State)}
}

// Retain installs s under its id, generating a fresh UUID if it has never
// been retained, and returns the id. Retaining an already-retained session
// returns the same id.
func (st *Store) Retain(s *State) string {
	id := s.setID(uuid.NewString())
	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()
	return id
}

// Release removes s from the store and reports whether it was retained.
// The session keeps its id, so a later Retain reinstalls it unchanged.
func (st *Store) Release(s *State) bool {
	id := s.ID()
	if id == "" {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	return true
}

// ReleaseID removes the session retained under id and reports whether one
// was present.
func (st *Store) ReleaseID(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	return true
}

// Lookup returns the session retained under id.
func (st *Store) Lookup(id string) (*State, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Len returns the number of retained sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
