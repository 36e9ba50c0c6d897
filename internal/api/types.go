package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/parla/internal/presence"
	"github.com/matheus3301/parla/internal/queue"
	"github.com/matheus3301/parla/internal/session"
	"github.com/matheus3301/parla/internal/status"
)

type SessionInfo struct {
	SessionID   string `json:"session_id"`
	Code        string `json:"code"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	PartnerID   string `json:"partner_id,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms,omitempty"`
	ExpiresAtMs int64  `json:"expires_at_ms,omitempty"`
}

type PartnerInfo struct {
	UserID     string `json:"user_id"`
	Online     bool   `json:"online"`
	Activity   string `json:"activity"`
	LastSeenMs int64  `json:"last_seen_ms,omitempty"`
}

type MessageInfo struct {
	ID           string              `json:"id"`
	LocalID      string              `json:"local_id,omitempty"`
	Original     string              `json:"original"`
	Translation  string              `json:"translation,omitempty"`
	OriginalLang string              `json:"original_lang,omitempty"`
	TargetLang   string              `json:"target_lang,omitempty"`
	Status       string              `json:"status"`
	SenderID     string              `json:"sender_id,omitempty"`
	DisplayOrder int64               `json:"display_order"`
	QueuedAtMs   int64               `json:"queued_at_ms,omitempty"`
	Reactions    map[string][]string `json:"reactions,omitempty"`
	RetryCount   int                 `json:"retry_count,omitempty"`
}

type (
	CreateSessionRequest struct{}
	JoinSessionRequest   struct {
		Code string `json:"code"`
	}
	SessionResponse struct {
		Session SessionInfo `json:"session"`
	}
	LeaveSessionRequest  struct{}
	LeaveSessionResponse struct{}
	GetStatusRequest     struct{}
	StatusResponse       struct {
		Profile       string       `json:"profile"`
		UptimeMs      int64        `json:"uptime_ms"`
		Connection    string       `json:"connection"`
		Session       *SessionInfo `json:"session,omitempty"`
		Partner       *PartnerInfo `json:"partner,omitempty"`
		LocalActivity string       `json:"local_activity"`
		MessageCount  int          `json:"message_count"`
	}
	ReconnectRequest  struct{}
	ReconnectResponse struct {
		Connection string `json:"connection"`
	}
	WatchEventsRequest struct {
		// Namespaces filters events by kind prefix; empty means all.
		Namespaces []string `json:"namespaces,omitempty"`
	}
	Event struct {
		ID           string          `json:"id"`
		Kind         string          `json:"kind"`
		OccurredAtMs int64           `json:"occurred_at_ms"`
		Payload      json.RawMessage `json:"payload,omitempty"`
	}
)

type (
	SendTextRequest struct {
		Text string `json:"text"`
	}
	MessageResponse struct {
		Message MessageInfo `json:"message"`
	}
	ListMessagesRequest  struct{}
	ListMessagesResponse struct {
		Messages []MessageInfo `json:"messages"`
	}
	ToggleReactionRequest struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	}
	ToggleReactionResponse struct {
		Active bool `json:"active"`
	}
	SetActivityRequest struct {
		Activity string `json:"activity"`
	}
	SetActivityResponse struct{}
	RetryMessageRequest struct {
		MessageID string `json:"message_id"`
	}
	RetryMessageResponse struct{}
)

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func sessionInfo(s session.State) SessionInfo {
	return SessionInfo{
		SessionID:   s.SessionID,
		Code:        s.SessionCode,
		UserID:      s.UserID,
		Role:        string(s.Role),
		PartnerID:   s.PartnerID,
		CreatedAtMs: ms(s.CreatedAt),
		ExpiresAtMs: ms(s.ExpiresAt),
	}
}

func partnerInfo(r presence.Record) PartnerInfo {
	return PartnerInfo{UserID: r.UserID, Online: r.Online, Activity: string(r.Activity), LastSeenMs: ms(r.LastSeen)}
}

func messageInfo(m queue.Message) MessageInfo {
	return MessageInfo{
		ID:           m.ID,
		LocalID:      m.LocalID,
		Original:     m.Original,
		Translation:  m.Translation,
		OriginalLang: m.OriginalLang,
		TargetLang:   m.TargetLang,
		Status:       string(m.Status),
		SenderID:     m.SenderID,
		DisplayOrder: m.DisplayOrder,
		QueuedAtMs:   ms(m.QueuedAt),
		Reactions:    m.Reactions,
		RetryCount:   m.RetryCount,
	}
}

// eventPayload converts bus payloads into their API shapes.
func eventPayload(p any) (json.RawMessage, error) {
	var v any
	switch p := p.(type) {
	case nil:
		return nil, nil
	case session.State:
		v = sessionInfo(p)
	case queue.Message:
		v = messageInfo(p)
	case presence.Record:
		v = partnerInfo(p)
	case status.Change:
		v = map[string]any{"from": p.From, "to": p.To, "at_ms": ms(p.At)}
	case error:
		v = map[string]string{"error": p.Error()}
	default:
		v = p
	}
	return json.Marshal(v)
}
