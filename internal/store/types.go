package store

import "errors"

// ErrCodeTaken is returned when a session code is already held by another row.
var ErrCodeTaken = errors.New("session code already taken")

// SessionRecord is the relay's view of a conversation session.
// Times are unix milliseconds.
type SessionRecord struct {
	ID        string
	Code      string
	CreatedAt int64
	ExpiresAt int64
}

// Participant is a user registered in a session.
type Participant struct {
	SessionID string
	UserID    string
	JoinedAt  int64
}

// Message is an archived conversational turn.
type Message struct {
	SessionID        string
	ID               string
	SenderID         string
	OriginalText     string
	TranslatedText   string
	OriginalLanguage string
	Timestamp        int64
}
