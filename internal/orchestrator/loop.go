package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/teamlead/internal/config"
	"github.com/aristath/teamlead/internal/lanes"
)

// ChatProcessor runs one cycle for a group. *Pipeline satisfies it.
type ChatProcessor interface {
	ProcessChat(ctx context.Context, group config.GroupConfig) error
}

// Loop polls every registered group and runs at most one cycle per group at
// a time. Groups run concurrently up to MaxConcurrentGroups.
type Loop struct {
	cfg       *config.Config
	processor ChatProcessor
	lanes     *lanes.Manager
	channel   Channel
	logger    *slog.Logger
	now       func() time.Time

	busy sync.Map // folder -> *sync.Mutex

	mu      sync.Mutex
	retries map[string]*chatRetry // chat -> failure backoff
}

type chatRetry struct {
	policy *backoff.ExponentialBackOff
	next   time.Time
}

// NewLoop creates a Loop.
func NewLoop(cfg *config.Config, processor ChatProcessor, lm *lanes.Manager, ch Channel, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg,
		processor: processor,
		lanes:     lm,
		channel:   ch,
		logger:    logger,
		now:       time.Now,
		retries:   make(map[string]*chatRetry),
	}
}

// Reconcile runs boot lane reconciliation for every group and tells each
// affected chat which tasks were recovered.
func (l *Loop) Reconcile(ctx context.Context) error {
	var errs []error
	for _, g := range l.cfg.Groups {
		report, err := l.lanes.ReconcileLaneStateOnBoot(ctx, g.Folder, l.cfg.Lanes.StaleAfter)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconciling %s: %w", g.Folder, err))
			continue
		}
		if report.Failed == 0 {
			continue
		}
		msg := fmt.Sprintf("♻️ Reinicio: %s quedaron interrumpidas y se marcaron como failed.", strings.Join(report.TaskIDs, ", "))
		if err := l.channel.SendMessage(ctx, g.ChatID, msg); err != nil {
			l.logger.Warn("reconcile notice failed", "group", g.Folder, "error", err)
		}
	}
	return errors.Join(errs...)
}

// Run reconciles lanes, then processes groups until ctx is cancelled. File
// events under the data and group directories wake the loop early; the poll
// interval is the fallback.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Reconcile(ctx); err != nil {
		l.logger.Error("boot reconciliation failed", "error", err)
	}

	wake := make(chan struct{}, 1)
	watcher, err := l.watch(wake)
	if err != nil {
		l.logger.Warn("file watching unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
	}

	interval := l.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var g errgroup.Group
	limit := l.cfg.MaxConcurrentGroups
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	l.logger.Info("loop started", "groups", len(l.cfg.Groups), "poll_interval", interval, "max_concurrent_groups", limit)

	for {
		l.tick(ctx, &g)
		select {
		case <-ctx.Done():
			l.logger.Info("loop stopping, waiting for running cycles")
			g.Wait()
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// tick starts a cycle for every idle group that is not backing off. Groups
// that do not fit under the concurrency limit wait for the next tick.
func (l *Loop) tick(ctx context.Context, g *errgroup.Group) {
	for _, group := range l.cfg.Groups {
		if ctx.Err() != nil {
			return
		}
		if !l.due(group.ChatID) {
			continue
		}
		mu := l.groupMutex(group.Folder)
		if !mu.TryLock() {
			continue
		}
		started := g.TryGo(func() error {
			defer mu.Unlock()
			l.runGroup(ctx, group)
			return nil
		})
		if !started {
			mu.Unlock()
		}
	}
}

func (l *Loop) runGroup(ctx context.Context, group config.GroupConfig) {
	err := l.processor.ProcessChat(ctx, group)
	if err == nil {
		l.succeeded(group.ChatID)
		return
	}
	if ctx.Err() != nil {
		return
	}
	wait := l.failed(group.ChatID)
	l.logger.Error("cycle failed", "group", group.Folder, "chat_id", group.ChatID, "retry_in", wait, "error", err)
}

func (l *Loop) groupMutex(folder string) *sync.Mutex {
	v, _ := l.busy.LoadOrStore(folder, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (l *Loop) due(chatID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.retries[chatID]
	return !ok || !l.now().Before(r.next)
}

func (l *Loop) succeeded(chatID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.retries, chatID)
}

// failed schedules the chat's next attempt with exponential backoff so a
// persistently failing chat does not spin on every tick.
func (l *Loop) failed(chatID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.retries[chatID]
	if !ok {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = l.cfg.PollInterval
		if policy.InitialInterval <= 0 {
			policy.InitialInterval = 2 * time.Second
		}
		policy.MaxInterval = 5 * time.Minute
		policy.MaxElapsedTime = 0
		policy.Reset()
		r = &chatRetry{policy: policy}
		l.retries[chatID] = r
	}
	wait := r.policy.NextBackOff()
	r.next = l.now().Add(wait)
	return wait
}

// watch registers the data directory and every group folder. Only message
// database and backlog changes wake the loop; status and mirror writes are
// ignored.
func (l *Loop) watch(wake chan<- struct{}) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dbBase := filepath.Base(l.cfg.DBPath)
	dirs := []string{filepath.Dir(l.cfg.DBPath)}
	for _, g := range l.cfg.Groups {
		dirs = append(dirs, l.lanes.GroupDir(g.Folder))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				name := filepath.Base(ev.Name)
				if name != "BACKLOG.md" && !strings.HasPrefix(name, dbBase) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("file watcher error", "error", err)
			}
		}
	}()
	return watcher, nil
}
