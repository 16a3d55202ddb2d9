package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// CLIWorker runs one subprocess per invocation.
type CLIWorker struct {
	proto   protocol
	extra   []string
	workDir string
	pm      *ProcessManager
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd // SessionKey -> live process
}

// New creates a CLI worker for cfg. The ProcessManager is optional; if nil,
// subprocesses won't be tracked.
func New(cfg Config, pm *ProcessManager, logger *slog.Logger) (*CLIWorker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var proto protocol
	var extra []string
	switch cfg.Type {
	case "claude", "":
		proto = claudeProtocol{bin: orDefault(cfg.Command, "claude")}
		extra = cfg.Args
	case "codex":
		proto = codexProtocol{bin: orDefault(cfg.Command, "codex")}
		extra = cfg.Args
	case "exec":
		if cfg.Command == "" {
			return nil, errors.New("exec worker requires a command")
		}
		proto = execProtocol{bin: cfg.Command, base: cfg.Args}
	default:
		return nil, fmt.Errorf("unknown worker type: %s", cfg.Type)
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	return &CLIWorker{
		proto:   proto,
		extra:   extra,
		workDir: workDir,
		pm:      pm,
		logger:  logger,
		running: make(map[string]*exec.Cmd),
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Invoke runs inv to completion. A failed run returns an Outcome with
// StatusError and a non-nil error carrying the process diagnostics.
func (w *CLIWorker) Invoke(ctx context.Context, inv Invocation, onOutput func(Output)) (Outcome, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := newCommand(ctx, w.proto.command(), w.proto.args(inv, w.extra)...)
	cmd.Dir = w.workDir
	cmd.Env = append(os.Environ(),
		"TEAMLEAD_GROUP="+inv.Group,
		"TEAMLEAD_ROLE="+inv.Role,
		"TEAMLEAD_TASKS="+strings.Join(inv.TaskIDs, ","),
		"TEAMLEAD_MODEL="+inv.Model,
		"TEAMLEAD_SESSION_ID="+inv.SessionID,
	)
	if in := w.proto.stdin(inv); in != "" {
		cmd.Stdin = strings.NewReader(in)
	}

	if inv.SessionKey != "" {
		w.mu.Lock()
		w.running[inv.SessionKey] = cmd
		w.mu.Unlock()
		defer func() {
			w.mu.Lock()
			if w.running[inv.SessionKey] == cmd {
				delete(w.running, inv.SessionKey)
			}
			w.mu.Unlock()
		}()
	}

	p := w.proto.newParser(inv)
	_, err := streamCommand(cmd, w.pm, func(line string) error {
		text, err := p.feed(line)
		if err != nil {
			return err
		}
		if text != "" && onOutput != nil {
			_, session, _ := p.result()
			onOutput(Output{Text: text, SessionID: session})
		}
		return nil
	})

	result, session, tokens := p.result()
	out := Outcome{
		Status:       StatusSuccess,
		Result:       result,
		NewSessionID: session,
		TokensUsed:   tokens,
	}

	if err == nil && strings.TrimSpace(result) == "" {
		err = ErrNoOutput
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("worker timed out after %s: %w", inv.Timeout, err)
		}
		out.Status = StatusError
		out.Error = err.Error()
		return out, err
	}
	return out, nil
}

// CloseInput asks the running invocation for key to stop by sending SIGTERM
// to its process group.
func (w *CLIWorker) CloseInput(key string) bool {
	w.mu.Lock()
	cmd, ok := w.running[key]
	w.mu.Unlock()
	if !ok {
		return false
	}
	if err := signalProcessGroup(cmd, syscall.SIGTERM); err != nil {
		w.logger.Warn("close input failed", "session_key", key, "error", err)
		return false
	}
	w.logger.Info("worker input closed", "session_key", key)
	return true
}
