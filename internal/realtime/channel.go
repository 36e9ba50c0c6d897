package realtime

import (
	"fmt"
	"strings"
	"unicode"
)

// ChannelKind names one of the per-session channels.
type ChannelKind string

const (
	Messages ChannelKind = "messages"
	Presence ChannelKind = "presence"
)

const channelPrefix = "session."

// ChannelName returns the channel for kind in sessionID. It depends on
// nothing but its arguments, so every participant of a session converges
// on the same channel regardless of join order.
func ChannelName(kind ChannelKind, sessionID string) string {
	return channelPrefix + sessionID + "." + string(kind)
}

// ParseChannel is the inverse of ChannelName.
func ParseChannel(name string) (string, ChannelKind, error) {
	rest, ok := strings.CutPrefix(name, channelPrefix)
	if !ok {
		return "", "", fmt.Errorf("channel %q: missing %q prefix", name, channelPrefix)
	}
	i := strings.LastIndexByte(rest, '.')
	if i < 0 {
		return "", "", fmt.Errorf("channel %q: missing kind", name)
	}
	sessionID, kind := rest[:i], ChannelKind(rest[i+1:])
	if err := ValidateSessionID(sessionID); err != nil {
		return "", "", err
	}
	switch kind {
	case Messages, Presence:
	default:
		return "", "", fmt.Errorf("channel %q: unknown kind %q", name, kind)
	}
	return sessionID, kind, nil
}

// ValidateSessionID rejects ids that cannot form a single channel token.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id is empty")
	}
	if strings.ContainsAny(id, ".*>") || strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("session id %q contains whitespace or one of . * >", id)
	}
	return nil
}
