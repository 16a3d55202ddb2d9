package agent

import (
	"context"
	"sync"
)

// ArchivedSession is an entry of MemoryStore's archive.
type ArchivedSession struct {
	Session
	Reason string
}

// MemoryStore is an in-process SessionStore.
type MemoryStore struct {
	mu       sync.Mutex
	live     map[string]Session
	archived []ArchivedSession
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{live: make(map[string]Session)}
}

func (m *MemoryStore) GetSession(_ context.Context, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[s.Key] = *s
	return nil
}

func (m *MemoryStore) ArchiveSession(_ context.Context, s *Session, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = append(m.archived, ArchivedSession{Session: *s, Reason: reason})
	delete(m.live, s.Key)
	return nil
}

// Archived returns a copy of the archive, oldest first.
func (m *MemoryStore) Archived() []ArchivedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ArchivedSession(nil), m.archived...)
}
