// Package session manages the lifecycle of the device's single active
// conversation session: create, join, validation, local persistence and
// expiry.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Role is the participant's side of a session.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

var codePattern = regexp.MustCompile(`^\d{4}$`)

// ValidCode reports whether code is a well-formed 4-digit session code.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// State identifies the device's participation in one session.
type State struct {
	SessionID   string
	SessionCode string
	UserID      string
	Role        Role
	PartnerID   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// IsExpired reports whether s is strictly older than lifetime, or whether
// now has reached the backend's expiresAt. A session is still live at
// exactly lifetime of age. A state without a creation time never expires by age.
func IsExpired(s State, now time.Time, lifetime time.Duration) bool {
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return true
	}
	if s.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(s.CreatedAt) > lifetime
}

// record is the persisted JSON form. Times are unix milliseconds; zero means unset.
type record struct {
	SessionID   string `json:"sessionId"`
	SessionCode string `json:"sessionCode"`
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	PartnerID   string `json:"partnerId,omitempty"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func timeMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func encodeState(s State) (string, error) {
	data, err := json.Marshal(record{
		SessionID:   s.SessionID,
		SessionCode: s.SessionCode,
		UserID:      s.UserID,
		Role:        s.Role,
		PartnerID:   s.PartnerID,
		CreatedAt:   timeMs(s.CreatedAt),
		ExpiresAt:   timeMs(s.ExpiresAt),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeState accepts a record only if every required field is valid.
func decodeState(raw string) (State, error) {
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return State{}, fmt.Errorf("decode session record: %w", err)
	}
	switch {
	case r.SessionID == "":
		return State{}, errors.New("session record has no session id")
	case r.UserID == "":
		return State{}, errors.New("session record has no user id")
	case !ValidCode(r.SessionCode):
		return State{}, fmt.Errorf("session record has invalid code %q", r.SessionCode)
	case r.Role != RoleHost && r.Role != RoleGuest:
		return State{}, fmt.Errorf("session record has invalid role %q", r.Role)
	}
	return State{
		SessionID:   r.SessionID,
		SessionCode: r.SessionCode,
		UserID:      r.UserID,
		Role:        r.Role,
		PartnerID:   r.PartnerID,
		CreatedAt:   msTime(r.CreatedAt),
		ExpiresAt:   msTime(r.ExpiresAt),
	}, nil
}
