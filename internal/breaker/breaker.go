// Package breaker implements the keyed trip-counter circuit breaker shared by
// the model-level and task+role-level quarantines.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind distinguishes the two breaker families in the shared store.
type Kind string

const (
	KindModel    Kind = "model"     // Keyed by model name
	KindTaskRole Kind = "task_role" // Keyed by "<taskId>:<role>"
)

// State is the persisted record for one key.
type State struct {
	Key           string
	Failures      int       // Trip counter; reset to 0 when the breaker opens
	OpenUntil     time.Time // Zero when never opened
	LastError     string
	LastFailureAt time.Time
}

// Open reports whether the state refuses use at now.
func (s State) Open(now time.Time) bool {
	return !s.OpenUntil.IsZero() && s.OpenUntil.After(now)
}

// ErrNotFound is returned by Store.LoadCircuit when no row exists.
var ErrNotFound = errors.New("circuit state not found")

// Store persists breaker state. Implementations must be safe for concurrent use.
type Store interface {
	LoadCircuit(ctx context.Context, kind Kind, key string) (State, error)
	SaveCircuit(ctx context.Context, kind Kind, state State) error
	DeleteCircuit(ctx context.Context, kind Kind, key string) error
	ListCircuits(ctx context.Context, kind Kind) ([]State, error)
}

// Settings parameterizes a Breaker.
type Settings struct {
	Threshold int           // Failures needed to open
	OpenFor   time.Duration // Open duration
}

// Breaker is one keyed breaker family backed by a Store.
type Breaker struct {
	kind     Kind
	settings Settings
	store    Store
	mu       sync.Mutex // Serializes read-modify-write on the store
	now      func() time.Time
}

// New creates a breaker. A threshold below 1 is treated as 1.
func New(kind Kind, settings Settings, store Store) *Breaker {
	if settings.Threshold < 1 {
		settings.Threshold = 1
	}
	return &Breaker{
		kind:     kind,
		settings: settings,
		store:    store,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Kind returns the breaker family.
func (b *Breaker) Kind() Kind { return b.kind }

// Settings returns the breaker parameters.
func (b *Breaker) Settings() Settings { return b.settings }

// RecordFailure increments the trip counter for key. When the counter reaches
// the threshold the breaker opens for OpenFor and the counter resets to zero.
// opened reports whether this call tripped the breaker.
func (b *Breaker) RecordFailure(ctx context.Context, key, errText string) (opened bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.load(ctx, key)
	if err != nil {
		return false, err
	}

	now := b.now()
	state.Failures++
	state.LastError = errText
	state.LastFailureAt = now

	if state.Failures >= b.settings.Threshold {
		state.OpenUntil = now.Add(b.settings.OpenFor)
		state.Failures = 0
		opened = true
	}

	if err := b.store.SaveCircuit(ctx, b.kind, state); err != nil {
		return false, fmt.Errorf("saving %s breaker %s: %w", b.kind, key, err)
	}
	return opened, nil
}

// RecordSuccess clears all state for key.
func (b *Breaker) RecordSuccess(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.DeleteCircuit(ctx, b.kind, key); err != nil {
		return fmt.Errorf("clearing %s breaker %s: %w", b.kind, key, err)
	}
	return nil
}

// IsOpen reports whether key is currently quarantined. An entry whose open
// period has elapsed is deleted on the way out.
func (b *Breaker) IsOpen(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.load(ctx, key)
	if err != nil {
		return false, err
	}
	if state.OpenUntil.IsZero() {
		return false, nil
	}
	if !state.OpenUntil.After(b.now()) {
		if err := b.store.DeleteCircuit(ctx, b.kind, key); err != nil {
			return false, fmt.Errorf("expiring %s breaker %s: %w", b.kind, key, err)
		}
		return false, nil
	}
	return true, nil
}

// Get returns the stored state for key. ok is false when nothing is stored.
func (b *Breaker) Get(ctx context.Context, key string) (state State, ok bool, err error) {
	state, err = b.store.LoadCircuit(ctx, b.kind, key)
	if errors.Is(err, ErrNotFound) {
		return State{Key: key}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("loading %s breaker %s: %w", b.kind, key, err)
	}
	return state, true, nil
}

// List returns every stored state of this kind.
func (b *Breaker) List(ctx context.Context) ([]State, error) {
	states, err := b.store.ListCircuits(ctx, b.kind)
	if err != nil {
		return nil, fmt.Errorf("listing %s breakers: %w", b.kind, err)
	}
	return states, nil
}

func (b *Breaker) load(ctx context.Context, key string) (State, error) {
	state, err := b.store.LoadCircuit(ctx, b.kind, key)
	if errors.Is(err, ErrNotFound) {
		return State{Key: key}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("loading %s breaker %s: %w", b.kind, key, err)
	}
	return state, nil
}

// TaskRoleKey builds the task+role breaker key.
func TaskRoleKey(taskID, role string) string {
	return strings.ToUpper(taskID) + ":" + strings.ToUpper(role)
}

// ModelAttemptPlan returns the ordered models to try: primary first, then
// fallbacks (deduplicated, primary excluded), minus any model whose breaker is
// open. If every model is open the plan degrades to [primary] so at least one
// attempt is always made. degraded reports that case.
func ModelAttemptPlan(ctx context.Context, models *Breaker, primary string, fallbacks []string) (plan []string, degraded bool) {
	candidates := []string{primary}
	seen := map[string]bool{primary: true}
	for _, m := range fallbacks {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		candidates = append(candidates, m)
	}

	for _, m := range candidates {
		open, err := models.IsOpen(ctx, m)
		if err != nil {
			// Store trouble must not silence the system; keep the model.
			open = false
		}
		if !open {
			plan = append(plan, m)
		}
	}

	if len(plan) == 0 {
		return []string{primary}, true
	}
	return plan, false
}
