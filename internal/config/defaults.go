package config

import "time"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:             ".teamlead",
		PollInterval:        2 * time.Second,
		MaxConcurrentGroups: 4,
		MicroBatchMax:       3,
		Models: ModelsConfig{
			Primary: "sonnet",
		},
		Breakers: BreakersConfig{
			Model:    BreakerConfig{Threshold: 3, OpenFor: 5 * time.Minute},
			TaskRole: BreakerConfig{Threshold: 3, OpenFor: 30 * time.Minute},
		},
		Timeouts: TimeoutsConfig{
			Default: 15 * time.Minute,
			Roles: map[string]time.Duration{
				"DEV":    30 * time.Minute,
				"DEV2":   30 * time.Minute,
				"DEVOPS": 20 * time.Minute,
			},
		},
		Timers: TimersConfig{
			Idle:      5 * time.Minute,
			Heartbeat: 15 * time.Second,
			IdleGrace: 3 * time.Second,
		},
		Session: SessionConfig{
			MaxCycles: 40,
			MaxAge:    12 * time.Hour,
		},
		Recovery: RecoveryConfig{
			NoticeCooldown:  2 * time.Minute,
			StreakWindow:    10 * time.Minute,
			StreakThreshold: 3,
		},
		Lanes: LanesConfig{
			StaleAfter: 20 * time.Minute,
		},
		Worker: WorkerConfig{
			Type: "claude",
		},
	}
}
