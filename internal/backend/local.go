package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/store"
	"github.com/matheus3301/parla/internal/wire"
)

const maxCodeAttempts = 32

// Local implements Backend directly on a store.DB. The relay serves it over
// HTTP; tests use it in-process.
type Local struct {
	db       *store.DB
	lifetime time.Duration
	log      *zap.Logger

	now     func() time.Time
	newCode func() string
}

// LocalOption customizes a Local backend.
type LocalOption func(*Local)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

// WithCodeGenerator overrides the random 4-digit code source.
func WithCodeGenerator(gen func() string) LocalOption {
	return func(l *Local) { l.newCode = gen }
}

// NewLocal creates a Local backend whose sessions live for lifetime.
func NewLocal(db *store.DB, lifetime time.Duration, log *zap.Logger, opts ...LocalOption) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Local{
		db:       db,
		lifetime: lifetime,
		log:      log,
		now:      time.Now,
		newCode:  randomCode,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func randomCode() string {
	return fmt.Sprintf("%04d", rand.IntN(10000))
}

// CreateSession sweeps expired sessions so their codes become reusable, then
// inserts a new session, retrying on code collisions.
func (l *Local) CreateSession(ctx context.Context) (*Session, error) {
	now := l.now()
	if _, err := l.Sweep(ctx); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := &store.SessionRecord{
			ID:        uuid.NewString(),
			Code:      l.newCode(),
			CreatedAt: now.UnixMilli(),
			ExpiresAt: now.Add(l.lifetime).UnixMilli(),
		}
		err := l.db.InsertSession(rec)
		if errors.Is(err, store.ErrCodeTaken) {
			l.log.Debug("session code collision", zap.String("code", rec.Code), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert session: %w", err)
		}
		l.log.Info("session created", zap.String("session_id", rec.ID), zap.String("code", rec.Code))
		return fromRecord(rec, nil), nil
	}
	return nil, fmt.Errorf("no free session code after %d attempts", maxCodeAttempts)
}

func (l *Local) JoinSession(_ context.Context, code string) (*Session, error) {
	rec, err := l.db.GetSessionByCode(code)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return l.withParticipants(rec)
}

func (l *Local) ValidateSession(ctx context.Context, code string) (bool, error) {
	s, err := l.JoinSession(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !s.Expired(l.now()), nil
}

// SessionByID returns a session with its participants.
func (l *Local) SessionByID(_ context.Context, sessionID string) (*Session, error) {
	rec, err := l.db.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return l.withParticipants(rec)
}

func (l *Local) AddParticipant(_ context.Context, sessionID, userID string) error {
	rec, err := l.db.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if rec == nil {
		return ErrNotFound
	}
	return l.db.AddParticipant(&store.Participant{
		SessionID: sessionID,
		UserID:    userID,
		JoinedAt:  l.now().UnixMilli(),
	})
}

func (l *Local) History(_ context.Context, sessionID string) ([]wire.Message, error) {
	rows, err := l.db.ListMessages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]wire.Message, 0, len(rows))
	for _, m := range rows {
		out = append(out, wire.Message{
			ID:               m.ID,
			SessionID:        m.SessionID,
			SenderID:         m.SenderID,
			OriginalText:     m.OriginalText,
			TranslatedText:   m.TranslatedText,
			OriginalLanguage: m.OriginalLanguage,
			Timestamp:        m.Timestamp,
		})
	}
	return out, nil
}

// Archive stores a published message for later history reconciliation.
// Messages for unknown sessions are dropped.
func (l *Local) Archive(m *wire.Message) error {
	rec, err := l.db.GetSession(m.SessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	return l.db.UpsertMessage(&store.Message{
		SessionID:        m.SessionID,
		ID:               m.ID,
		SenderID:         m.SenderID,
		OriginalText:     m.OriginalText,
		TranslatedText:   m.TranslatedText,
		OriginalLanguage: m.OriginalLanguage,
		Timestamp:        m.Timestamp,
	})
}

// Sweep deletes expired sessions along with their participants and messages.
func (l *Local) Sweep(_ context.Context) (int64, error) {
	n, err := l.db.DeleteExpiredSessions(l.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.log.Info("expired sessions swept", zap.Int64("count", n))
	}
	return n, nil
}

func (l *Local) withParticipants(rec *store.SessionRecord) (*Session, error) {
	parts, err := l.db.ListParticipants(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return fromRecord(rec, parts), nil
}

func fromRecord(rec *store.SessionRecord, parts []store.Participant) *Session {
	s := &Session{
		ID:           rec.ID,
		Code:         rec.Code,
		CreatedAt:    time.UnixMilli(rec.CreatedAt),
		ExpiresAt:    time.UnixMilli(rec.ExpiresAt),
		Participants: make([]string, 0, len(parts)),
	}
	for _, p := range parts {
		s.Participants = append(s.Participants, p.UserID)
	}
	return s
}
