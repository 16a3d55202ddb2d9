package breaker

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. State is lost on restart, so it is meant
// for tests and for running several isolated orchestrators in one process.
type MemoryStore struct {
	mu    sync.Mutex
	state map[Kind]map[string]State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: make(map[Kind]map[string]State)}
}

func (m *MemoryStore) LoadCircuit(_ context.Context, kind Kind, key string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[kind][key]
	if !ok {
		return State{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) SaveCircuit(_ context.Context, kind Kind, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state[kind] == nil {
		m.state[kind] = make(map[string]State)
	}
	m.state[kind][state.Key] = state
	return nil
}

func (m *MemoryStore) DeleteCircuit(_ context.Context, kind Kind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state[kind], key)
	return nil
}

func (m *MemoryStore) ListCircuits(_ context.Context, kind Kind) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.state[kind]))
	for _, s := range m.state[kind] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
