package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/teamlead/internal/config"
)

var version = "dev"

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	dataDir    string
	logLevel   string
	logFormat  string
}

// newRootCmd creates the root teamlead command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "teamlead",
		Short:         "Multi-role task orchestrator",
		Long:          "teamlead polls chat groups, routes each batch of messages to a role agent\nand tracks every task through its workflow stages and role lanes.",
		Version:       fmt.Sprintf("teamlead %s", version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "project config file (default .teamlead/config.yaml or $TEAMLEAD_CONFIG)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "override data_dir and the paths derived from it")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	cmd.AddCommand(
		newRunCmd(opts),
		newReconcileCmd(opts),
		newDagCmd(opts),
		newResolveCmd(opts),
		newSendCmd(opts),
	)

	return cmd
}

// loadConfig loads and validates the configuration, then applies flag
// overrides.
func (o *options) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(config.GlobalPath(), o.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
		cfg.DBPath = filepath.Join(o.dataDir, "teamlead.db")
		cfg.GroupsDir = filepath.Join(o.dataDir, "groups")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger writing to w.
func (o *options) newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", o.logLevel)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(o.logFormat) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", o.logFormat)
	}
}

var errUnknownGroup = errors.New("unknown group")

// findGroup resolves a group by folder or chat ID.
func findGroup(cfg *config.Config, name string) (config.GroupConfig, error) {
	for _, g := range cfg.Groups {
		if g.Folder == name || g.ChatID == name {
			return g, nil
		}
	}
	return config.GroupConfig{}, fmt.Errorf("%w: %s", errUnknownGroup, name)
}
