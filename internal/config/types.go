package config

import "time"

// Config is the top-level teamlead configuration.
type Config struct {
	DataDir             string        `yaml:"data_dir"`              // Root for the database and group folders
	DBPath              string        `yaml:"db_path"`               // SQLite file; defaults to <data_dir>/teamlead.db
	GroupsDir           string        `yaml:"groups_dir"`            // Defaults to <data_dir>/groups
	PollInterval        time.Duration `yaml:"poll_interval"`         // Fallback tick when no file event arrives
	MaxConcurrentGroups int           `yaml:"max_concurrent_groups"` // Groups processed in parallel
	MicroBatchMax       int           `yaml:"micro_batch_max"`       // Task IDs handled per cycle

	Models     ModelsConfig     `yaml:"models"`
	Breakers   BreakersConfig   `yaml:"breakers"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Timers     TimersConfig     `yaml:"timers"`
	Freeze     FreezeConfig     `yaml:"freeze"`
	Session    SessionConfig    `yaml:"session"`
	Budget     BudgetConfig     `yaml:"budget"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Lanes      LanesConfig      `yaml:"lanes"`
	Validation ValidationConfig `yaml:"validation"`
	Worker     WorkerConfig     `yaml:"worker"`
	Groups     []GroupConfig    `yaml:"groups"`
}

// ModelsConfig lists the model attempt order.
type ModelsConfig struct {
	Primary   string   `yaml:"primary"`
	Fallbacks []string `yaml:"fallbacks,omitempty"`
}

// BreakerConfig parameterizes one circuit breaker.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"` // Consecutive failures before opening
	OpenFor   time.Duration `yaml:"open_for"`  // How long the breaker stays open
}

// BreakersConfig holds both breaker kinds.
type BreakersConfig struct {
	Model    BreakerConfig `yaml:"model"`
	TaskRole BreakerConfig `yaml:"task_role"`
}

// TimeoutsConfig bounds a single worker invocation.
type TimeoutsConfig struct {
	Default time.Duration            `yaml:"default"`
	Roles   map[string]time.Duration `yaml:"roles,omitempty"` // Keyed by role name, e.g. "DEV"
}

// TimersConfig controls the per-cycle timers.
type TimersConfig struct {
	Idle      time.Duration `yaml:"idle"`       // Silence before the worker's input is closed
	Heartbeat time.Duration `yaml:"heartbeat"`  // Status refresh while working
	IdleGrace time.Duration `yaml:"idle_grace"` // Delay before status shows idle after output
}

// FreezeConfig filters a task prefix down to one active task.
type FreezeConfig struct {
	Prefix     string `yaml:"prefix,omitempty"`
	ActiveTask string `yaml:"active_task,omitempty"`
}

// SessionConfig sets the proactive rotation ceilings.
type SessionConfig struct {
	MaxCycles int           `yaml:"max_cycles"`
	MaxAge    time.Duration `yaml:"max_age"`
}

// BudgetConfig limits token spend per task. Zero disables the check.
type BudgetConfig struct {
	TokensPerTask int `yaml:"tokens_per_task"`
}

// RecoveryConfig tunes error notices and auto-heal.
type RecoveryConfig struct {
	NoticeCooldown  time.Duration `yaml:"notice_cooldown"`
	StreakWindow    time.Duration `yaml:"streak_window"`
	StreakThreshold int           `yaml:"streak_threshold"`
}

// LanesConfig tunes boot reconciliation.
type LanesConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// ValidationConfig describes the deployment environment claims are checked against.
type ValidationConfig struct {
	DatabaseConfigured bool `yaml:"database_configured"`
	DurableTunnel      bool `yaml:"durable_tunnel"`
}

// WorkerConfig selects the CLI used for role invocations.
type WorkerConfig struct {
	Type    string   `yaml:"type"`              // "claude", "codex", or "exec"
	Command string   `yaml:"command,omitempty"` // Binary; defaults to the type name
	Args    []string `yaml:"args,omitempty"`    // Extra args appended to every invocation
	WorkDir string   `yaml:"work_dir,omitempty"`
}

// GroupConfig registers one chat with the orchestrator.
type GroupConfig struct {
	ChatID          string `yaml:"chat_id"`
	Folder          string `yaml:"folder"`
	Name            string `yaml:"name,omitempty"`
	Trigger         string `yaml:"trigger,omitempty"`          // e.g. "@teamlead"
	RequiresTrigger bool   `yaml:"requires_trigger,omitempty"` // Ignored for the main group
	Main            bool   `yaml:"main,omitempty"`
}

// RoleTimeout returns the dispatch timeout for role.
func (c *Config) RoleTimeout(role string) time.Duration {
	if d, ok := c.Timeouts.Roles[role]; ok && d > 0 {
		return d
	}
	return c.Timeouts.Default
}

// Group looks up a registered group by chat ID.
func (c *Config) Group(chatID string) (GroupConfig, bool) {
	for _, g := range c.Groups {
		if g.ChatID == chatID {
			return g, true
		}
	}
	return GroupConfig{}, false
}
