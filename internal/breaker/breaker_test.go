package breaker

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, openFor time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New(KindTaskRole, Settings{Threshold: threshold, OpenFor: openFor}, NewMemoryStore())
	b.SetClock(clock.now)
	return b, clock
}

func TestBreaker_OpensAtThresholdAndResetsCounter(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(3, time.Minute)

	for i := 1; i <= 2; i++ {
		opened, err := b.RecordFailure(ctx, "k", "boom")
		if err != nil {
			t.Fatal(err)
		}
		if opened {
			t.Fatalf("breaker opened after %d failures", i)
		}
		state, _, _ := b.Get(ctx, "k")
		if state.Failures != i {
			t.Errorf("expected failures=%d, got %d", i, state.Failures)
		}
	}

	opened, err := b.RecordFailure(ctx, "k", "boom 3")
	if err != nil {
		t.Fatal(err)
	}
	if !opened {
		t.Fatal("expected third failure to open the breaker")
	}

	state, ok, _ := b.Get(ctx, "k")
	if !ok {
		t.Fatal("expected stored state")
	}
	if state.Failures != 0 {
		t.Errorf("trip counter should reset on open, got %d", state.Failures)
	}
	if state.LastError != "boom 3" {
		t.Errorf("unexpected last error %q", state.LastError)
	}

	open, _ := b.IsOpen(ctx, "k")
	if !open {
		t.Error("expected breaker to be open")
	}
}

func TestBreaker_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(1, time.Minute)

	if _, err := b.RecordFailure(ctx, "k", "x"); err != nil {
		t.Fatal(err)
	}
	clock.advance(59 * time.Second)
	if open, _ := b.IsOpen(ctx, "k"); !open {
		t.Fatal("expected open before expiry")
	}

	clock.advance(time.Second)
	if open, _ := b.IsOpen(ctx, "k"); open {
		t.Fatal("expected closed at expiry")
	}
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Error("expired entry should be deleted")
	}
}

func TestBreaker_SuccessClearsEverything(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure(ctx, "k", "x")
	b.RecordFailure(ctx, "k", "x")
	if open, _ := b.IsOpen(ctx, "k"); !open {
		t.Fatal("expected open")
	}

	if err := b.RecordSuccess(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if open, _ := b.IsOpen(ctx, "k"); open {
		t.Error("expected closed after success")
	}
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Error("expected no state after success")
	}
}

func TestBreaker_PendingFailuresDoNotReportOpen(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure(ctx, "k", "x")
	if open, _ := b.IsOpen(ctx, "k"); open {
		t.Error("one failure below threshold must not open")
	}
	// IsOpen must not have dropped the pending counter
	state, ok, _ := b.Get(ctx, "k")
	if !ok || state.Failures != 1 {
		t.Errorf("pending failure count lost: %+v ok=%v", state, ok)
	}
}

// TestBreaker_OpenIffConsecutiveRun checks random failure/success sequences
// against a reference model: open iff a run of >= T failures has happened
// since the last success or open event, with time frozen.
func TestBreaker_OpenIffConsecutiveRun(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		threshold := 1 + rng.Intn(4)
		b, _ := newTestBreaker(threshold, time.Hour)

		run := 0
		expectOpen := false
		for step := 0; step < 20; step++ {
			if rng.Intn(3) == 0 {
				if err := b.RecordSuccess(ctx, "k"); err != nil {
					t.Fatal(err)
				}
				run = 0
				expectOpen = false
			} else {
				if _, err := b.RecordFailure(ctx, "k", "e"); err != nil {
					t.Fatal(err)
				}
				run++
				if run >= threshold {
					expectOpen = true
					run = 0
				}
			}

			open, err := b.IsOpen(ctx, "k")
			if err != nil {
				t.Fatal(err)
			}
			if open != expectOpen {
				t.Fatalf("trial %d step %d threshold %d: open=%v want %v", trial, step, threshold, open, expectOpen)
			}
		}
	}
}

func TestBreaker_KindsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	models := New(KindModel, Settings{Threshold: 1, OpenFor: time.Minute}, store)
	tasks := New(KindTaskRole, Settings{Threshold: 1, OpenFor: time.Minute}, store)

	models.RecordFailure(ctx, "same", "x")

	if open, _ := tasks.IsOpen(ctx, "same"); open {
		t.Error("task_role breaker saw model breaker state")
	}
	list, _ := tasks.List(ctx)
	if len(list) != 0 {
		t.Errorf("expected no task_role states, got %v", list)
	}
}

func TestTaskRoleKey(t *testing.T) {
	if got := TaskRoleKey("mkt-001", "dev"); got != "MKT-001:DEV" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestModelAttemptPlan(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		open         []string
		primary      string
		fallbacks    []string
		want         []string
		wantDegraded bool
	}{
		{
			name:      "dedupes and excludes primary from fallbacks",
			primary:   "sonnet",
			fallbacks: []string{"haiku", "sonnet", "haiku", " ", "opus"},
			want:      []string{"sonnet", "haiku", "opus"},
		},
		{
			name:      "filters open models",
			open:      []string{"sonnet"},
			primary:   "sonnet",
			fallbacks: []string{"haiku"},
			want:      []string{"haiku"},
		},
		{
			name:         "all open degrades to primary",
			open:         []string{"sonnet", "haiku"},
			primary:      "sonnet",
			fallbacks:    []string{"haiku"},
			want:         []string{"sonnet"},
			wantDegraded: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			models := New(KindModel, Settings{Threshold: 1, OpenFor: time.Hour}, NewMemoryStore())
			for _, m := range tt.open {
				models.RecordFailure(ctx, m, "down")
			}

			got, degraded := ModelAttemptPlan(ctx, models, tt.primary, tt.fallbacks)
			if degraded != tt.wantDegraded {
				t.Errorf("degraded = %v, want %v", degraded, tt.wantDegraded)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("plan = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("plan = %v, want %v", got, tt.want)
				}
			}
		})
	}
}
