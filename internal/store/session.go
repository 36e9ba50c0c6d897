package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// InsertSession creates a session row. Returns ErrCodeTaken if the code is in use.
func (db *DB) InsertSession(s *SessionRecord) error {
	_, err := db.Exec(`
		INSERT INTO sessions (id, code, created_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		s.ID, s.Code, s.CreatedAt, s.ExpiresAt)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrCodeTaken
	}
	return err
}

// GetSession returns a session by id, or nil if it does not exist.
func (db *DB) GetSession(id string) (*SessionRecord, error) {
	return db.scanSession(db.QueryRow(`
		SELECT id, code, created_at, expires_at FROM sessions WHERE id = ?`, id))
}

// GetSessionByCode returns the session holding code, or nil.
func (db *DB) GetSessionByCode(code string) (*SessionRecord, error) {
	return db.scanSession(db.QueryRow(`
		SELECT id, code, created_at, expires_at FROM sessions WHERE code = ?`, code))
}

func (db *DB) scanSession(row *sql.Row) (*SessionRecord, error) {
	var s SessionRecord
	err := row.Scan(&s.ID, &s.Code, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteExpiredSessions removes sessions whose expires_at is at or before now,
// cascading to participants and messages. Returns the number of sessions removed.
func (db *DB) DeleteExpiredSessions(now int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// AddParticipant registers userID in a session (idempotent).
func (db *DB) AddParticipant(p *Participant) error {
	_, err := db.Exec(`
		INSERT INTO participants (session_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, user_id) DO NOTHING`,
		p.SessionID, p.UserID, p.JoinedAt)
	return err
}

// ListParticipants returns a session's participants in join order.
func (db *DB) ListParticipants(sessionID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT session_id, user_id, joined_at
		FROM participants
		WHERE session_id = ?
		ORDER BY joined_at ASC, user_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
