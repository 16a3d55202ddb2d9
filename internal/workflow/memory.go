package workflow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by callers that do not
// need durability.
type MemoryStore struct {
	mu          sync.Mutex
	tasks       map[string]*Task
	transitions map[string][]Transition
	order       []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*Task),
		transitions: make(map[string][]Transition),
	}
}

func memKey(group, taskID string) string { return group + "\x00" + taskID }

func (s *MemoryStore) GetWorkflowTask(_ context.Context, group, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[memKey(group, taskID)]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) ListWorkflowTasks(_ context.Context, group string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, k := range s.order {
		if t, ok := s.tasks[k]; ok && t.GroupFolder == group {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertWorkflowTask(_ context.Context, task *Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(task.GroupFolder, task.TaskID)
	if _, ok := s.tasks[k]; ok {
		return false, nil
	}
	s.put(k, task)
	return true, nil
}

func (s *MemoryStore) SaveWorkflowTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(memKey(task.GroupFolder, task.TaskID), task)
	return nil
}

func (s *MemoryStore) SaveTransition(_ context.Context, task *Task, tr Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(task.GroupFolder, task.TaskID)
	s.transitions[k] = append(s.transitions[k], tr)
	s.put(k, task)
	return nil
}

func (s *MemoryStore) ListTransitions(_ context.Context, group, taskID string) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Transition(nil), s.transitions[memKey(group, taskID)]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *MemoryStore) DeleteWorkflowTask(_ context.Context, group, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(group, taskID)
	delete(s.tasks, k)
	for i, o := range s.order {
		if o == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) put(k string, task *Task) {
	if _, ok := s.tasks[k]; !ok {
		s.order = append(s.order, k)
	}
	s.tasks[k] = cloneTask(task)
}

func cloneTask(t *Task) *Task {
	cp := *t
	cp.PendingQuestions = append([]string(nil), t.PendingQuestions...)
	cp.Decisions = append([]string(nil), t.Decisions...)
	return &cp
}
