package lanes

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu    sync.Mutex
	lanes map[laneKey]Snapshot
}

type laneKey struct {
	group, task string
	role        Role
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lanes: make(map[laneKey]Snapshot)}
}

func (s *MemoryStore) GetLane(_ context.Context, group, taskID string, role Role) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[laneKey{group, taskID, role}]
	if !ok {
		return Snapshot{}, ErrLaneNotFound
	}
	return l, nil
}

func (s *MemoryStore) ListLanes(_ context.Context, group string) ([]Snapshot, error) {
	return s.list(func(k laneKey) bool { return k.group == group }), nil
}

func (s *MemoryStore) ListTaskLanes(_ context.Context, group, taskID string) ([]Snapshot, error) {
	return s.list(func(k laneKey) bool { return k.group == group && k.task == taskID }), nil
}

func (s *MemoryStore) SaveLane(_ context.Context, lane Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lanes[laneKey{lane.GroupFolder, lane.TaskID, lane.Role}] = lane
	return nil
}

func (s *MemoryStore) InsertLane(_ context.Context, lane Snapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := laneKey{lane.GroupFolder, lane.TaskID, lane.Role}
	if _, ok := s.lanes[k]; ok {
		return false, nil
	}
	s.lanes[k] = lane
	return true, nil
}

func (s *MemoryStore) DeleteLane(_ context.Context, group, taskID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lanes, laneKey{group, taskID, role})
	return nil
}

func (s *MemoryStore) list(match func(laneKey) bool) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Snapshot
	for k, l := range s.lanes {
		if match(k) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return roleIndex(out[i].Role) < roleIndex(out[j].Role)
	})
	return out
}

func roleIndex(r Role) int {
	for i, known := range Roles {
		if known == r {
			return i
		}
	}
	return len(Roles)
}
