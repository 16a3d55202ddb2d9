package backend

import (
	"errors"
	"time"
)

// Message is one inbound chat message.
type Message struct {
	ID        string
	ChatID    string
	Sender    string
	Content   string
	Timestamp time.Time
}

// Invocation is a single role dispatch handed to a worker.
type Invocation struct {
	Group      string
	Role       string
	TaskIDs    []string
	Prompt     string
	SessionID  string // Empty starts a fresh session
	Model      string
	SessionKey string // Stable key used by CloseInput
	Timeout    time.Duration
}

// Output is one streamed chunk of user-visible worker text.
type Output struct {
	Text      string
	SessionID string
}

// Outcome statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Outcome is the final result of an invocation.
type Outcome struct {
	Status       string
	Result       string
	NewSessionID string
	Error        string
	TokensUsed   int
}

// Config selects and configures the CLI worker.
type Config struct {
	Type    string // "claude", "codex" or "exec"
	Command string // Binary to run; defaults to Type for claude and codex
	Args    []string
	WorkDir string
}

// ErrNoOutput is returned when a worker exits cleanly without producing a
// result.
var ErrNoOutput = errors.New("worker produced no output")
