package scheduler

import (
	"context"
	"sync"
)

// Mutex is a FIFO lock. Concurrent acquirers are granted the lock strictly in
// the order they called Acquire; sync.Mutex makes no such promise.
type Mutex struct {
	mu      sync.Mutex      // Guards held and waiters
	held    bool            // True while some caller owns the lock
	waiters []chan struct{} // Queued acquirers, oldest first
}

// Acquire blocks until the lock is granted and returns its release function.
// The release function is idempotent, so `defer release()` is always safe.
func (m *Mutex) Acquire() func() {
	release, _ := m.AcquireContext(context.Background())
	return release
}

// AcquireContext is Acquire with a bounded wait. A cancelled waiter leaves the
// queue without disturbing the order of the remaining waiters.
func (m *Mutex) AcquireContext(ctx context.Context) (func(), error) {
	m.mu.Lock()
	if !m.held && len(m.waiters) == 0 {
		m.held = true
		m.mu.Unlock()
		return m.releaser(), nil
	}

	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return m.releaser(), nil
	case <-ctx.Done():
		m.mu.Lock()
		defer m.mu.Unlock()

		// Grants happen under m.mu, so this check cannot race with unlock.
		select {
		case <-ch:
			// Ownership was handed to us while we were giving up; pass it on.
			m.unlockLocked()
		default:
			m.removeWaiterLocked(ch)
		}
		return nil, ctx.Err()
	}
}

// releaser wraps unlock in a sync.Once.
func (m *Mutex) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.unlockLocked()
		})
	}
}

// unlockLocked hands the lock to the oldest waiter, or marks it free.
// Caller must hold m.mu.
func (m *Mutex) unlockLocked() {
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		close(next) // held stays true: ownership moves directly to next
		return
	}
	m.held = false
}

func (m *Mutex) removeWaiterLocked(ch chan struct{}) {
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// idle reports whether nobody holds or waits for the lock.
func (m *Mutex) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.held && len(m.waiters) == 0
}

// KeyedMutex provides one FIFO lock per arbitrary key (typically a group
// folder). Acquirers on different keys never block each other. Entries are
// dropped once nobody references them, so the map does not grow without bound.
type KeyedMutex struct {
	mu    sync.Mutex           // Guards the locks map itself
	locks map[string]*keyEntry // Per-key lock plus reference count
}

type keyEntry struct {
	lock Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*keyEntry),
	}
}

// Acquire blocks until the lock for key is granted and returns an idempotent
// release function.
func (k *KeyedMutex) Acquire(key string) func() {
	release, _ := k.AcquireContext(context.Background(), key)
	return release
}

// AcquireContext is Acquire with a bounded wait.
func (k *KeyedMutex) AcquireContext(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	entry, exists := k.locks[key]
	if !exists {
		entry = &keyEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	// Wait outside the map lock so other keys stay unblocked.
	release, err := entry.lock.AcquireContext(ctx)
	if err != nil {
		k.drop(key, entry)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			k.drop(key, entry)
		})
	}, nil
}

// WithLock runs fn while holding the lock for key. The lock is released even
// if fn panics.
func (k *KeyedMutex) WithLock(key string, fn func() error) error {
	release := k.Acquire(key)
	defer release()
	return fn()
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyedMutex) drop(key string, entry *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs <= 0 && entry.lock.idle() {
		delete(k.locks, key)
	}
}
