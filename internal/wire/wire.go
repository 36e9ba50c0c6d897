// Package wire holds the JSON shapes exchanged over realtime channels and
// the relay's websocket control protocol.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message is a conversational turn as published on a session's message channel.
// The receiving side derives the target language by convention.
type Message struct {
	ID               string `json:"id"`
	SessionID        string `json:"session_id"`
	SenderID         string `json:"sender_id"`
	OriginalText     string `json:"original_text"`
	TranslatedText   string `json:"translated_text"`
	OriginalLanguage string `json:"original_language"`
	Timestamp        int64  `json:"timestamp"`
}

// Validate checks the fields every receiver relies on.
func (m *Message) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return errors.New("message id is required")
	case strings.TrimSpace(m.SessionID) == "":
		return errors.New("message session_id is required")
	case strings.TrimSpace(m.SenderID) == "":
		return errors.New("message sender_id is required")
	}
	return nil
}

// DecodeMessage parses and validates a message payload.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Presence is the payload broadcast on a session's presence channel.
type Presence struct {
	UserID    string `json:"userId"`
	Activity  string `json:"activity"`
	Timestamp int64  `json:"timestamp"`
}

// FrameType distinguishes broadcasts from transport membership events.
type FrameType string

const (
	FrameBroadcast FrameType = "broadcast"
	FrameJoin      FrameType = "join"
	FrameLeave     FrameType = "leave"
	// FrameSync carries the full member list; sent to a subscriber right
	// after it subscribes with membership tracking.
	FrameSync FrameType = "sync"
)

// Frame is delivered to channel subscribers.
type Frame struct {
	Channel string          `json:"channel"`
	Type    FrameType       `json:"type"`
	From    string          `json:"from,omitempty"`
	Members []string        `json:"members,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  int64           `json:"sent_at,omitempty"`
}

// Op is a websocket control operation.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
	OpAck         Op = "ack"
	OpError       Op = "error"
	OpFrame       Op = "frame"
)

// Control is the envelope for every websocket message in both directions.
// Client requests carry a Ref that the relay echoes in its ack or error.
type Control struct {
	Op      Op              `json:"op"`
	Ref     string          `json:"ref,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Member  string          `json:"member,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Frame   *Frame          `json:"frame,omitempty"`
	Error   string          `json:"error,omitempty"`
}
