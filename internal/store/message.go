package store

import "time"

// UpsertMessage inserts or updates an archived message (idempotent on
// session_id + id). Non-empty incoming text fields win; empty ones keep the
// stored value so a late partial replay cannot erase a translation.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (session_id, id, sender_id, original_text, translated_text, original_language, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			original_text = COALESCE(NULLIF(excluded.original_text, ''), messages.original_text),
			translated_text = COALESCE(NULLIF(excluded.translated_text, ''), messages.translated_text),
			original_language = COALESCE(NULLIF(excluded.original_language, ''), messages.original_language)`,
		m.SessionID, m.ID, m.SenderID, m.OriginalText, m.TranslatedText, m.OriginalLanguage, m.Timestamp, now)
	return err
}

// ListMessages returns a session's archived messages oldest first.
func (db *DB) ListMessages(sessionID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT session_id, id, sender_id, original_text, translated_text, original_language, timestamp
		FROM messages
		WHERE session_id = ?
		ORDER BY timestamp ASC, created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.SessionID, &m.ID, &m.SenderID, &m.OriginalText, &m.TranslatedText, &m.OriginalLanguage, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of archived messages for a session.
func (db *DB) MessageCount(sessionID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}
