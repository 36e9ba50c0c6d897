// Package natstransport is the realtime transport over a NATS server.
// Channels map one-to-one onto subjects. Presence membership is derived
// from join announcements and heartbeats.
package natstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/realtime"
	"github.com/matheus3301/parla/internal/wire"
)

var (
	// ErrSlowConsumer is the link error when inbound frames overflow the buffer.
	ErrSlowConsumer = errors.New("inbound frame buffer full")
	errClosed       = errors.New("link closed")
)

const (
	frameBuffer  = 256
	flushTimeout = 5 * time.Second
)

// Transport connects to a NATS server. The connection never reconnects on
// its own; realtime.Connection owns reconnection.
type Transport struct {
	url       string
	heartbeat time.Duration
	log       *zap.Logger
}

// New creates a transport. Members are expired after three missed heartbeats.
func New(url string, heartbeat time.Duration, log *zap.Logger) *Transport {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{url: url, heartbeat: heartbeat, log: log}
}

func (t *Transport) Dial(ctx context.Context, userID string) (realtime.Link, error) {
	timeout := flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	l := &link{
		userID:    userID,
		heartbeat: t.heartbeat,
		log:       t.log.With(zap.String("user_id", userID)),
		entries:   make(map[string]*entry),
		frames:    make(chan wire.Frame, frameBuffer),
		done:      make(chan struct{}),
	}
	nc, err := nats.Connect(t.url,
		nats.Name("parla-"+userID),
		nats.NoEcho(),
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.ClosedHandler(func(nc *nats.Conn) {
			err := nc.LastError()
			if err == nil {
				err = errors.New("nats connection closed")
			}
			l.closeWith(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	l.nc = nc
	go l.run()
	return l, nil
}

type entry struct {
	sub     *nats.Subscription
	member  string
	handler func(wire.Frame)
	roster  *roster
}

type link struct {
	nc        *nats.Conn
	userID    string
	heartbeat time.Duration
	log       *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	err     error

	frames    chan wire.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func flush(ctx context.Context, nc *nats.Conn) error {
	if _, ok := ctx.Deadline(); ok {
		return nc.FlushWithContext(ctx)
	}
	return nc.FlushTimeout(flushTimeout)
}

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *link) Subscribe(ctx context.Context, channel, member string, handler func(wire.Frame)) error {
	if l.closed() {
		return errClosed
	}
	_ = l.Unsubscribe(ctx, channel)

	sub, err := l.nc.Subscribe(channel, l.onMsg)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	// The server has processed SUB once the flush round trip returns.
	if err := flush(ctx, l.nc); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("confirm subscribe %s: %w", channel, err)
	}

	e := &entry{sub: sub, member: member, handler: handler}
	if member != "" {
		e.roster = newRoster(channel, member)
	}
	l.mu.Lock()
	l.entries[channel] = e
	l.mu.Unlock()

	if e.roster != nil {
		l.enqueue(e.roster.sync(time.Now()))
		l.announce(channel, member, wire.FrameJoin)
	}
	return nil
}

func (l *link) Unsubscribe(_ context.Context, channel string) error {
	l.mu.Lock()
	e := l.entries[channel]
	delete(l.entries, channel)
	l.mu.Unlock()
	if e == nil {
		return nil
	}
	if e.member != "" {
		l.announce(channel, e.member, wire.FrameLeave)
	}
	return e.sub.Unsubscribe()
}

func (l *link) Publish(ctx context.Context, channel string, payload []byte) error {
	if l.closed() {
		return errClosed
	}
	data, err := json.Marshal(wire.Frame{
		Channel: channel,
		Type:    wire.FrameBroadcast,
		From:    l.userID,
		Payload: payload,
		SentAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := l.nc.Publish(channel, data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return flush(ctx, l.nc)
}

func (l *link) announce(channel, member string, t wire.FrameType) {
	data, _ := json.Marshal(wire.Frame{Channel: channel, Type: t, From: member, SentAt: time.Now().UnixMilli()})
	if err := l.nc.Publish(channel, data); err != nil {
		l.log.Debug("announce failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (l *link) onMsg(m *nats.Msg) {
	var f wire.Frame
	if err := json.Unmarshal(m.Data, &f); err != nil {
		l.log.Warn("dropping malformed frame", zap.String("channel", m.Subject), zap.Error(err))
		return
	}
	f.Channel = m.Subject
	l.enqueue(f)
}

func (l *link) enqueue(f wire.Frame) {
	select {
	case l.frames <- f:
	case <-l.done:
	default:
		l.closeWith(ErrSlowConsumer)
	}
}

// run dispatches frames and drives heartbeats and member expiry.
func (l *link) run() {
	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case f := <-l.frames:
			l.handle(f)
		case now := <-ticker.C:
			l.beat(now)
		}
	}
}

func (l *link) handle(f wire.Frame) {
	l.mu.Lock()
	e := l.entries[f.Channel]
	l.mu.Unlock()
	if e == nil {
		return
	}

	switch f.Type {
	case wire.FrameBroadcast, wire.FrameSync:
		e.handler(f)
	case wire.FrameJoin, wire.FrameLeave:
		if e.roster == nil {
			return
		}
		l.mu.Lock()
		out, reply := e.roster.apply(f, time.Now())
		l.mu.Unlock()
		if reply {
			l.announce(f.Channel, e.member, wire.FrameJoin)
		}
		if out != nil {
			e.handler(*out)
		}
	}
}

func (l *link) beat(now time.Time) {
	type expired struct {
		handler func(wire.Frame)
		frames  []wire.Frame
	}
	var gone []expired

	l.mu.Lock()
	tracked := make(map[string]*entry, len(l.entries))
	for ch, e := range l.entries {
		if e.roster == nil {
			continue
		}
		tracked[ch] = e
		if frames := e.roster.expire(now, 3*l.heartbeat); len(frames) > 0 {
			gone = append(gone, expired{handler: e.handler, frames: frames})
		}
	}
	l.mu.Unlock()

	for ch, e := range tracked {
		l.announce(ch, e.member, wire.FrameJoin)
	}
	for _, g := range gone {
		for _, f := range g.frames {
			g.handler(f)
		}
	}
}

func (l *link) Subscribed(channel string) bool {
	if l.closed() {
		return false
	}
	l.mu.Lock()
	e := l.entries[channel]
	l.mu.Unlock()
	return e != nil && e.sub.IsValid()
}

func (l *link) Done() <-chan struct{} { return l.done }

func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close announces leave on every tracked channel and closes the connection.
func (l *link) Close() error {
	if l.closed() {
		return nil
	}
	l.mu.Lock()
	for ch, e := range l.entries {
		if e.member != "" {
			l.announce(ch, e.member, wire.FrameLeave)
		}
	}
	l.mu.Unlock()
	_ = l.nc.FlushTimeout(500 * time.Millisecond)
	l.closeWith(nil)
	return nil
}

func (l *link) closeWith(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.entries = make(map[string]*entry)
		l.mu.Unlock()
		close(l.done)
		if l.nc != nil {
			l.nc.Close()
		}
	})
}
