package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/aristath/teamlead/internal/backend"
)

// Channel delivers text to a chat.
type Channel interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SetTyping(ctx context.Context, chatID string, on bool) error
}

// MessageSource returns inbound messages newer than a cursor.
type MessageSource interface {
	MessagesSince(ctx context.Context, chatID string, since time.Time) ([]backend.Message, error)
}

// CursorStore persists the per-chat processing cursor.
type CursorStore interface {
	GetCursor(ctx context.Context, chatID string) (time.Time, error)
	SetCursor(ctx context.Context, chatID string, at time.Time) error
}

// LogChannel is a Channel that writes outbound messages to a logger. It is
// used when no chat adapter is attached.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a LogChannel. A nil logger uses slog.Default().
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) SendMessage(_ context.Context, chatID, text string) error {
	c.logger.Info("outbound message", "chat_id", chatID, "text", text)
	return nil
}

func (c *LogChannel) SetTyping(_ context.Context, chatID string, on bool) error {
	c.logger.Debug("typing", "chat_id", chatID, "on", on)
	return nil
}
