package orchestrator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aristath/teamlead/internal/config"
	"github.com/aristath/teamlead/internal/trace"
)

func newTestRecovery(cfg config.RecoveryConfig) (*Recovery, *recordingChannel, *time.Time) {
	ch := &recordingChannel{}
	r := NewRecovery(cfg, ch, nil)
	now := base
	r.SetClock(func() time.Time { return now })
	return r, ch, &now
}

func TestRecovery_HealsAtThreshold(t *testing.T) {
	r, _, _ := newTestRecovery(config.RecoveryConfig{StreakWindow: time.Hour, StreakThreshold: 3})
	tr := trace.New("shop")
	cause := errors.New("exit status 1")

	want := []bool{false, false, true, false, false, true}
	for i, w := range want {
		if got := r.HandleFailure(noCtx, tr, "chat-1", cause); got != w {
			t.Errorf("failure %d: heal = %v, want %v", i+1, got, w)
		}
	}
}

func TestRecovery_StreakWindowExpires(t *testing.T) {
	r, _, now := newTestRecovery(config.RecoveryConfig{StreakWindow: 10 * time.Minute, StreakThreshold: 3})
	tr := trace.New("shop")
	cause := errors.New("boom")

	r.HandleFailure(noCtx, tr, "chat-1", cause)
	r.HandleFailure(noCtx, tr, "chat-1", cause)
	*now = now.Add(11 * time.Minute)
	if r.HandleFailure(noCtx, tr, "chat-1", cause) {
		t.Error("stale streak triggered auto-heal")
	}
	if got := r.Streak("chat-1"); got != 1 {
		t.Errorf("streak = %d, want 1 after the window expired", got)
	}
}

func TestRecovery_ClearAndPerChat(t *testing.T) {
	r, _, _ := newTestRecovery(config.RecoveryConfig{StreakThreshold: 3})
	tr := trace.New("shop")
	cause := errors.New("boom")

	r.HandleFailure(noCtx, tr, "chat-1", cause)
	r.HandleFailure(noCtx, tr, "chat-1", cause)
	r.HandleFailure(noCtx, tr, "chat-2", cause)
	r.Clear("chat-1")

	if got := r.Streak("chat-1"); got != 0 {
		t.Errorf("chat-1 streak = %d after Clear", got)
	}
	if got := r.Streak("chat-2"); got != 1 {
		t.Errorf("chat-2 streak = %d, want 1", got)
	}
}

func TestRecovery_NoticeCooldown(t *testing.T) {
	r, ch, now := newTestRecovery(config.RecoveryConfig{NoticeCooldown: 2 * time.Minute})
	tr := trace.New("shop")

	r.HandleFailure(noCtx, tr, "chat-1", errors.New("first"))
	*now = now.Add(time.Minute)
	r.HandleFailure(noCtx, tr, "chat-1", errors.New("second"))
	r.HandleFailure(noCtx, tr, "chat-2", errors.New("other chat"))
	*now = now.Add(90 * time.Second)
	r.HandleFailure(noCtx, tr, "chat-1", errors.New("third"))

	sent := ch.messages()
	if len(sent) != 3 {
		t.Fatalf("notices = %d, want 3: %q", len(sent), sent)
	}
	for i, want := range []string{"first", "other chat", "third"} {
		if !strings.Contains(sent[i], want) {
			t.Errorf("notice %d = %q, want it to mention %q", i, sent[i], want)
		}
	}
	if !strings.HasPrefix(sent[0], "⚠️ No pude completar la solicitud: first.") {
		t.Errorf("notice format = %q", sent[0])
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncated", 5, "trunc…"},
		{"añoñoño", 3, "año…"},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
