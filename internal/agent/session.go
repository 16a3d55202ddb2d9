package agent

import (
	"context"
	"time"
)

// Session is the worker conversation retained for a session key.
type Session struct {
	Key       string
	SessionID string
	Model     string
	CallCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionStore persists sessions. GetSession returns nil, nil for an unknown
// key. ArchiveSession appends s to the archive and removes the live row.
type SessionStore interface {
	GetSession(ctx context.Context, key string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	ArchiveSession(ctx context.Context, s *Session, reason string) error
}

// Archive reasons.
const (
	ReasonRotation    = "rotation"
	ReasonHardFailure = "hard_failure"
	ReasonAutoHeal    = "auto_heal"
)
