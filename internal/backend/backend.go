// Package backend is the session registry collaborator: it creates sessions,
// resolves join codes, tracks participants and serves message history.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/parla/internal/wire"
)

// ErrNotFound is returned when a session code or id does not resolve.
var ErrNotFound = errors.New("session not found")

// Session is the backend record of a conversation session.
type Session struct {
	ID           string    `json:"session_id"`
	Code         string    `json:"code"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Participants []string  `json:"participants"`
}

// Expired reports whether the session is past its lifetime at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Backend is implemented by Local (in-process sqlite) and Client (relay HTTP API).
type Backend interface {
	// CreateSession allocates a new session with a fresh 4-digit code.
	CreateSession(ctx context.Context) (*Session, error)
	// JoinSession looks a session up by code. Expired sessions that have not
	// been swept yet are returned as-is; callers check Expired.
	JoinSession(ctx context.Context, code string) (*Session, error)
	// ValidateSession reports whether code resolves to a live session.
	ValidateSession(ctx context.Context, code string) (bool, error)
	AddParticipant(ctx context.Context, sessionID, userID string) error
	// History returns archived messages for a session, oldest first.
	History(ctx context.Context, sessionID string) ([]wire.Message, error)
}
