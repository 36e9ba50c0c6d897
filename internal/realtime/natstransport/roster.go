package natstransport

import (
	"slices"
	"time"

	"github.com/matheus3301/parla/internal/wire"
)

// roster tracks channel membership from join announcements. NATS has no
// membership of its own, so members announce themselves on subscribe and on
// every heartbeat, and are expired when they stop.
type roster struct {
	channel string
	self    string
	seen    map[string]time.Time
}

func newRoster(channel, self string) *roster {
	return &roster{channel: channel, self: self, seen: make(map[string]time.Time)}
}

func (r *roster) members() []string {
	out := make([]string, 0, len(r.seen)+1)
	out = append(out, r.self)
	for m := range r.seen {
		if m != r.self {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out
}

// apply folds an announcement into the roster. It returns the frame to hand
// to the subscriber (nil when nothing changed) and whether to answer with our
// own join so a newcomer learns about us.
func (r *roster) apply(f wire.Frame, now time.Time) (*wire.Frame, bool) {
	if f.From == "" || f.From == r.self {
		return nil, false
	}
	switch f.Type {
	case wire.FrameJoin:
		_, known := r.seen[f.From]
		r.seen[f.From] = now
		if known {
			return nil, false
		}
		return r.frame(wire.FrameJoin, f.From, now), true
	case wire.FrameLeave:
		if _, known := r.seen[f.From]; !known {
			return nil, false
		}
		delete(r.seen, f.From)
		return r.frame(wire.FrameLeave, f.From, now), false
	}
	return nil, false
}

// expire removes members silent for longer than ttl and returns their leave frames.
func (r *roster) expire(now time.Time, ttl time.Duration) []wire.Frame {
	var gone []string
	for m, at := range r.seen {
		if now.Sub(at) > ttl {
			gone = append(gone, m)
		}
	}
	slices.Sort(gone)
	out := make([]wire.Frame, 0, len(gone))
	for _, m := range gone {
		delete(r.seen, m)
		out = append(out, *r.frame(wire.FrameLeave, m, now))
	}
	return out
}

func (r *roster) sync(now time.Time) wire.Frame {
	return wire.Frame{Channel: r.channel, Type: wire.FrameSync, Members: r.members(), SentAt: now.UnixMilli()}
}

func (r *roster) frame(t wire.FrameType, from string, now time.Time) *wire.Frame {
	return &wire.Frame{Channel: r.channel, Type: t, From: from, Members: r.members(), SentAt: now.UnixMilli()}
}
