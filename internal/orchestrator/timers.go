package orchestrator

import (
	"sync"
	"time"
)

// cycleTimers are the per-cycle idle, idle-grace and heartbeat timers. A
// zero duration disables the corresponding timer. Callbacks run on their own
// goroutines; none starts after Stop and Stop waits for those in flight.
type cycleTimers struct {
	mu        sync.Mutex
	idle      *time.Timer
	grace     *time.Timer
	idleAfter time.Duration
	graceFor  time.Duration
	onGrace   func()
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	stopped   bool
	quiet     bool // grace fired with no output since; heartbeats pause
}

func startTimers(idleAfter, heartbeat, grace time.Duration, onIdle, onGrace, onBeat func()) *cycleTimers {
	t := &cycleTimers{
		idleAfter: idleAfter,
		graceFor:  grace,
		stop:      make(chan struct{}),
	}
	t.onGrace = t.guard(func() {
		t.mu.Lock()
		t.quiet = true
		t.mu.Unlock()
		onGrace()
	})
	if idleAfter > 0 {
		t.idle = time.AfterFunc(idleAfter, t.guard(onIdle))
	}
	if heartbeat > 0 {
		beat := t.guard(func() {
			t.mu.Lock()
			quiet := t.quiet
			t.mu.Unlock()
			if !quiet {
				onBeat()
			}
		})
		ticker := time.NewTicker(heartbeat)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-t.stop:
					return
				case <-ticker.C:
					beat()
				}
			}
		}()
	}
	return t
}

// guard wraps fn so it is skipped once the timers are stopped and tracked
// by Stop while it runs.
func (t *cycleTimers) guard(fn func()) func() {
	return func() {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		t.wg.Add(1)
		t.mu.Unlock()
		defer t.wg.Done()
		fn()
	}
}

// Touch records worker output: the idle timer restarts, the grace timer
// is armed and heartbeats resume.
func (t *cycleTimers) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.quiet = false
	if t.idle != nil {
		t.idle.Reset(t.idleAfter)
	}
	if t.graceFor > 0 {
		if t.grace == nil {
			t.grace = time.AfterFunc(t.graceFor, t.onGrace)
		} else {
			t.grace.Reset(t.graceFor)
		}
	}
}

// Stop disarms every timer and waits for the heartbeat goroutine and any
// callback already running.
func (t *cycleTimers) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		if t.idle != nil {
			t.idle.Stop()
		}
		if t.grace != nil {
			t.grace.Stop()
		}
		t.mu.Unlock()
		close(t.stop)
		t.wg.Wait()
	})
}
