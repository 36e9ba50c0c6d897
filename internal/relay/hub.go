// Package relay is the managed channel service: an in-process pub/sub hub
// with membership tracking, a websocket front end, and the HTTP session API
// backed by sqlite.
package relay

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/wire"
)

// Subscriber receives frames from the hub. Deliver is called with the hub
// lock held and must not block or call back into the hub; it returns false
// when the frame was dropped.
type Subscriber interface {
	Deliver(f wire.Frame) bool
}

// Archiver is invoked for every publish before fan-out.
type Archiver interface {
	Archive(channel string, payload []byte) error
}

// Hub fans published payloads out to channel subscribers. Delivery order per
// channel matches publish order.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[Subscriber]string
	archiver Archiver
	log      *zap.Logger
	now      func() time.Time
}

// NewHub creates an empty hub. archiver may be nil.
func NewHub(archiver Archiver, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		channels: make(map[string]map[Subscriber]string),
		archiver: archiver,
		log:      log,
		now:      time.Now,
	}
}

// Subscribe adds sub to channel. A non-empty member joins the channel's
// membership set: sub receives a sync frame with the current members and,
// if member was not present yet, every other subscriber receives a join.
// Subscribing again replaces the member.
func (h *Hub) Subscribe(channel string, sub Subscriber, member string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.channels[channel]
	if subs == nil {
		subs = make(map[Subscriber]string)
		h.channels[channel] = subs
	}
	prev, existed := subs[sub]
	if existed && prev != member {
		delete(subs, sub)
		h.leftLocked(channel, prev)
	}
	wasPresent := member != "" && h.hasMemberLocked(channel, member)
	subs[sub] = member

	if member == "" {
		return
	}
	members := h.membersLocked(channel)
	sentAt := h.now().UnixMilli()
	if !wasPresent {
		join := wire.Frame{Channel: channel, Type: wire.FrameJoin, From: member, Members: members, SentAt: sentAt}
		for other := range subs {
			if other != sub {
				h.deliverLocked(other, join)
			}
		}
	}
	h.deliverLocked(sub, wire.Frame{Channel: channel, Type: wire.FrameSync, Members: members, SentAt: sentAt})
}

// Unsubscribe removes sub from channel, announcing a leave when its member
// has no other subscription there.
func (h *Hub) Unsubscribe(channel string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(channel, sub)
}

// UnsubscribeAll removes sub from every channel.
func (h *Hub) UnsubscribeAll(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel, subs := range h.channels {
		if _, ok := subs[sub]; ok {
			h.unsubscribeLocked(channel, sub)
		}
	}
}

func (h *Hub) unsubscribeLocked(channel string, sub Subscriber) {
	subs := h.channels[channel]
	member, ok := subs[sub]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.channels, channel)
		return
	}
	h.leftLocked(channel, member)
}

func (h *Hub) leftLocked(channel, member string) {
	if member == "" || h.hasMemberLocked(channel, member) {
		return
	}
	leave := wire.Frame{
		Channel: channel,
		Type:    wire.FrameLeave,
		From:    member,
		Members: h.membersLocked(channel),
		SentAt:  h.now().UnixMilli(),
	}
	for other := range h.channels[channel] {
		h.deliverLocked(other, leave)
	}
}

// Publish archives payload and delivers it to every subscriber of channel
// except from. fromMember is reported as the frame's sender.
func (h *Hub) Publish(channel string, from Subscriber, fromMember string, payload []byte) error {
	if h.archiver != nil {
		if err := h.archiver.Archive(channel, payload); err != nil {
			h.log.Warn("archive failed", zap.String("channel", channel), zap.Error(err))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	f := wire.Frame{
		Channel: channel,
		Type:    wire.FrameBroadcast,
		From:    fromMember,
		Payload: payload,
		SentAt:  h.now().UnixMilli(),
	}
	for sub := range h.channels[channel] {
		if sub != from {
			h.deliverLocked(sub, f)
		}
	}
	return nil
}

// Members returns the sorted member ids present in channel.
func (h *Hub) Members(channel string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.membersLocked(channel)
}

// Channels returns the number of channels with at least one subscriber.
func (h *Hub) Channels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *Hub) hasMemberLocked(channel, member string) bool {
	for _, m := range h.channels[channel] {
		if m == member {
			return true
		}
	}
	return false
}

func (h *Hub) membersLocked(channel string) []string {
	var out []string
	for _, m := range h.channels[channel] {
		if m != "" && !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out
}

func (h *Hub) deliverLocked(sub Subscriber, f wire.Frame) {
	if !sub.Deliver(f) {
		h.log.Warn("frame dropped for slow subscriber", zap.String("channel", f.Channel), zap.String("type", string(f.Type)))
	}
}
