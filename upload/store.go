package upload

import (
	"sync"
)

// Store is the session registry. It replaces ambient global state with an
// injected object so multiple independent uploaders can coexist in one
// process.
type Store interface {
	// Create registers a session under its ID.
	Create(session *Session)

	// Get returns the session with the given ID, if registered.
	Get(sessionID string) (*Session, bool)

	// Evict removes the session from the registry. Server-side state is
	// not touched; eviction is a local cleanup.
	Evict(sessionID string)
}

type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an in-memory session store. Sessions do not
// survive a process restart; Resume reconstructs them from server truth.
func NewMemoryStore() Store {
	return &memoryStore{
		sessions: make(map[string]*Session),
	}
}

func (s *memoryStore) Create(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

func (s *memoryStore) Get(sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	return session, ok
}

func (s *memoryStore) Evict(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
