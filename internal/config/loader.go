// Package config loads teamlead settings.
//
// Precedence (lowest to highest):
//  1. Built-in defaults
//  2. Global config (~/.teamlead/config.yaml)
//  3. Project config (.teamlead/config.yaml in cwd, or TEAMLEAD_CONFIG)
//  4. Environment variables (TEAMLEAD_*)
//  5. Command-line flags (applied by the caller)
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths, then
// applies environment overrides. Missing files are not errors; malformed YAML
// returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := Default()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	cfg.resolvePaths()
	return cfg, nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	return Load(GlobalPath(), projectConfigPath())
}

// GlobalPath returns ~/.teamlead/config.yaml, or "" when the home
// directory is unknown.
func GlobalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".teamlead", "config.yaml")
}

func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("TEAMLEAD_CONFIG")); override != "" {
		return override
	}
	return filepath.Join(".teamlead", "config.yaml")
}

// mergeConfigFile decodes a YAML file on top of base. Keys absent from the
// file keep their current value; map keys are merged, lists are replaced.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// resolvePaths fills derived paths from DataDir.
func (c *Config) resolvePaths() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "teamlead.db")
	}
	if c.GroupsDir == "" {
		c.GroupsDir = filepath.Join(c.DataDir, "groups")
	}
}

// applyEnv overlays TEAMLEAD_* variables. Every malformed value is reported.
func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	flag := func(key string, dst *bool) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	str("TEAMLEAD_DATA_DIR", &cfg.DataDir)
	str("TEAMLEAD_DB_PATH", &cfg.DBPath)
	str("TEAMLEAD_GROUPS_DIR", &cfg.GroupsDir)
	dur("TEAMLEAD_POLL_INTERVAL", &cfg.PollInterval)
	num("TEAMLEAD_MAX_CONCURRENT_GROUPS", &cfg.MaxConcurrentGroups)
	num("TEAMLEAD_MICRO_BATCH_MAX", &cfg.MicroBatchMax)

	str("TEAMLEAD_MODEL", &cfg.Models.Primary)
	if v := strings.TrimSpace(getenv("TEAMLEAD_MODEL_FALLBACKS")); v != "" {
		cfg.Models.Fallbacks = splitList(v)
	}

	num("TEAMLEAD_MODEL_BREAKER_THRESHOLD", &cfg.Breakers.Model.Threshold)
	dur("TEAMLEAD_MODEL_BREAKER_OPEN_FOR", &cfg.Breakers.Model.OpenFor)
	num("TEAMLEAD_TASK_BREAKER_THRESHOLD", &cfg.Breakers.TaskRole.Threshold)
	dur("TEAMLEAD_TASK_BREAKER_OPEN_FOR", &cfg.Breakers.TaskRole.OpenFor)

	dur("TEAMLEAD_TIMEOUT", &cfg.Timeouts.Default)
	for _, role := range knownRoles {
		v := strings.TrimSpace(getenv("TEAMLEAD_TIMEOUT_" + role))
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TEAMLEAD_TIMEOUT_%s: %w", role, err))
			continue
		}
		if cfg.Timeouts.Roles == nil {
			cfg.Timeouts.Roles = make(map[string]time.Duration)
		}
		cfg.Timeouts.Roles[role] = d
	}

	dur("TEAMLEAD_IDLE_TIMEOUT", &cfg.Timers.Idle)
	dur("TEAMLEAD_HEARTBEAT_INTERVAL", &cfg.Timers.Heartbeat)
	dur("TEAMLEAD_IDLE_GRACE", &cfg.Timers.IdleGrace)

	str("TEAMLEAD_FREEZE_PREFIX", &cfg.Freeze.Prefix)
	str("TEAMLEAD_FREEZE_ACTIVE_TASK", &cfg.Freeze.ActiveTask)

	num("TEAMLEAD_SESSION_MAX_CYCLES", &cfg.Session.MaxCycles)
	dur("TEAMLEAD_SESSION_MAX_AGE", &cfg.Session.MaxAge)
	num("TEAMLEAD_TOKEN_BUDGET", &cfg.Budget.TokensPerTask)

	dur("TEAMLEAD_NOTICE_COOLDOWN", &cfg.Recovery.NoticeCooldown)
	dur("TEAMLEAD_STREAK_WINDOW", &cfg.Recovery.StreakWindow)
	num("TEAMLEAD_STREAK_THRESHOLD", &cfg.Recovery.StreakThreshold)
	dur("TEAMLEAD_LANE_STALE_AFTER", &cfg.Lanes.StaleAfter)

	flag("TEAMLEAD_DATABASE_CONFIGURED", &cfg.Validation.DatabaseConfigured)
	flag("TEAMLEAD_DURABLE_TUNNEL", &cfg.Validation.DurableTunnel)

	str("TEAMLEAD_WORKER", &cfg.Worker.Type)
	str("TEAMLEAD_WORKER_COMMAND", &cfg.Worker.Command)

	return errors.Join(errs...)
}

// knownRoles mirrors the lane roles; config cannot import lanes.
var knownRoles = []string{"PM", "SPEC", "ARQ", "UX", "DEV", "DEV2", "DEVOPS", "QA"}

// parseDuration accepts Go durations ("90s", "5m") or bare milliseconds.
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Models.Primary == "" {
		errs = append(errs, errors.New("models.primary is required"))
	}
	if c.MaxConcurrentGroups < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_groups must be >= 1, got %d", c.MaxConcurrentGroups))
	}
	if c.MicroBatchMax < 1 {
		errs = append(errs, fmt.Errorf("micro_batch_max must be >= 1, got %d", c.MicroBatchMax))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	for name, b := range map[string]BreakerConfig{"model": c.Breakers.Model, "task_role": c.Breakers.TaskRole} {
		if b.Threshold < 1 {
			errs = append(errs, fmt.Errorf("breakers.%s.threshold must be >= 1", name))
		}
		if b.OpenFor <= 0 {
			errs = append(errs, fmt.Errorf("breakers.%s.open_for must be positive", name))
		}
	}
	switch c.Worker.Type {
	case "claude", "codex", "exec":
	default:
		errs = append(errs, fmt.Errorf("unknown worker type: %s", c.Worker.Type))
	}
	if c.Worker.Type == "exec" && c.Worker.Command == "" {
		errs = append(errs, errors.New("worker.command is required for exec workers"))
	}

	seenChat := make(map[string]bool)
	seenFolder := make(map[string]bool)
	mains := 0
	for i, g := range c.Groups {
		if g.ChatID == "" || g.Folder == "" {
			errs = append(errs, fmt.Errorf("groups[%d]: chat_id and folder are required", i))
			continue
		}
		if seenChat[g.ChatID] {
			errs = append(errs, fmt.Errorf("groups[%d]: duplicate chat_id %s", i, g.ChatID))
		}
		if seenFolder[g.Folder] {
			errs = append(errs, fmt.Errorf("groups[%d]: duplicate folder %s", i, g.Folder))
		}
		if strings.ContainsAny(g.Folder, `/\`) || g.Folder == "." || g.Folder == ".." {
			errs = append(errs, fmt.Errorf("groups[%d]: folder must be a plain name", i))
		}
		if g.RequiresTrigger && !g.Main && g.Trigger == "" {
			errs = append(errs, fmt.Errorf("groups[%d]: requires_trigger set without a trigger", i))
		}
		if g.Main {
			mains++
		}
		seenChat[g.ChatID] = true
		seenFolder[g.Folder] = true
	}
	if mains > 1 {
		errs = append(errs, fmt.Errorf("at most one main group allowed, got %d", mains))
	}

	return errors.Join(errs...)
}
