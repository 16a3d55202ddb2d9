package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/teamlead/internal/config"
	"github.com/aristath/teamlead/internal/trace"
)

// streakEntry counts recent consecutive cycle failures for one chat. It is
// volatile; a restart only delays auto-heal.
type streakEntry struct {
	count      int
	lastAt     time.Time
	lastReason string
}

// Recovery decides how a failed cycle is reported: a cooldown-gated notice
// per chat and a rolling error streak that requests auto-heal once it
// reaches the threshold.
type Recovery struct {
	cfg     config.RecoveryConfig
	channel Channel
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	streaks    map[string]*streakEntry
	lastNotice map[string]time.Time
}

// NewRecovery creates a Recovery that notifies through ch.
func NewRecovery(cfg config.RecoveryConfig, ch Channel, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		cfg:        cfg,
		channel:    ch,
		logger:     logger,
		now:        time.Now,
		streaks:    make(map[string]*streakEntry),
		lastNotice: make(map[string]time.Time),
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Recovery) SetClock(now func() time.Time) { r.now = now }

// HandleFailure records a failed cycle for chatID, sends the notice if the
// cooldown allows it, and reports whether the streak reached the auto-heal
// threshold. The streak restarts after a heal.
func (r *Recovery) HandleFailure(ctx context.Context, tr trace.Trace, chatID string, cause error) (heal bool) {
	now := r.now()
	reason := cause.Error()
	log := tr.Logger(r.logger)

	r.mu.Lock()
	entry := r.streaks[chatID]
	if entry == nil || (r.cfg.StreakWindow > 0 && now.Sub(entry.lastAt) > r.cfg.StreakWindow) {
		entry = &streakEntry{}
		r.streaks[chatID] = entry
	}
	entry.count++
	entry.lastAt = now
	entry.lastReason = reason
	count := entry.count

	if r.cfg.StreakThreshold > 0 && count >= r.cfg.StreakThreshold {
		heal = true
		delete(r.streaks, chatID)
	}

	last, seen := r.lastNotice[chatID]
	notify := !seen || now.Sub(last) >= r.cfg.NoticeCooldown
	if notify {
		r.lastNotice[chatID] = now
	}
	r.mu.Unlock()

	log.Warn("cycle failed", "chat_id", chatID, "streak", count, "error", reason)

	if notify {
		msg := fmt.Sprintf("⚠️ No pude completar la solicitud: %s. Reintentaré en el próximo ciclo.", truncate(reason, 300))
		if err := r.channel.SendMessage(ctx, chatID, msg); err != nil {
			log.Warn("error notice failed", "chat_id", chatID, "error", err)
		}
	}
	return heal
}

// Clear resets the chat's streak after a successful cycle.
func (r *Recovery) Clear(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streaks, chatID)
}

// Streak returns the chat's current error count.
func (r *Recovery) Streak(chatID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.streaks[chatID]; e != nil {
		return e.count
	}
	return 0
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
