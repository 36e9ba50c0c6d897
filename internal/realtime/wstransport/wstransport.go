// Package wstransport is the realtime transport that talks to parla-relay
// over a websocket. Every subscribe and publish is acknowledged by the relay
// before the call returns.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
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
	writeWait   = 5 * time.Second
	frameBuffer = 256
)

// Transport dials the relay's /v1/realtime endpoint.
type Transport struct {
	endpoint     string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	log          *zap.Logger
}

// New creates a transport for the relay at relayURL. http(s) URLs are
// rewritten to ws(s).
func New(relayURL string, pingInterval time.Duration, log *zap.Logger) (*Transport, error) {
	u, err := url.Parse(strings.TrimRight(relayURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("relay url %q: unsupported scheme %q", relayURL, u.Scheme)
	}
	u.Path += "/v1/realtime"
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		endpoint:     u.String(),
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingInterval: pingInterval,
		log:          log,
	}, nil
}

func (t *Transport) Dial(ctx context.Context, userID string) (realtime.Link, error) {
	endpoint := t.endpoint + "?user=" + url.QueryEscape(userID)
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	l := &link{
		conn:       conn,
		log:        t.log.With(zap.String("user_id", userID)),
		pending:    make(map[string]chan wire.Control),
		handlers:   make(map[string]func(wire.Frame)),
		subscribed: make(map[string]bool),
		frames:     make(chan wire.Frame, frameBuffer),
		done:       make(chan struct{}),
	}
	pongWait := 2 * t.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go l.readLoop(pongWait)
	go l.dispatch()
	go l.pingLoop(t.pingInterval)
	return l, nil
}

type link struct {
	conn    *websocket.Conn
	log     *zap.Logger
	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[string]chan wire.Control
	handlers   map[string]func(wire.Frame)
	subscribed map[string]bool
	err        error

	frames    chan wire.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) request(ctx context.Context, req wire.Control) error {
	req.Ref = uuid.NewString()
	reply := make(chan wire.Control, 1)

	l.mu.Lock()
	l.pending[req.Ref] = reply
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, req.Ref)
		l.mu.Unlock()
	}()

	if err := l.write(req); err != nil {
		return err
	}

	select {
	case resp := <-reply:
		if resp.Op == wire.OpError {
			return fmt.Errorf("relay rejected %s %s: %s", req.Op, req.Channel, resp.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return l.closedErr()
	}
}

func (l *link) write(c wire.Control) error {
	select {
	case <-l.done:
		return l.closedErr()
	default:
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := l.conn.WriteJSON(c); err != nil {
		l.closeWith(err)
		return fmt.Errorf("write %s: %w", c.Op, err)
	}
	return nil
}

func (l *link) closedErr() error {
	if err := l.Err(); err != nil {
		return err
	}
	return errClosed
}

func (l *link) readLoop(pongWait time.Duration) {
	for {
		var c wire.Control
		if err := l.conn.ReadJSON(&c); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.closeWith(errors.New("relay closed the connection"))
			} else {
				l.closeWith(err)
			}
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch c.Op {
		case wire.OpAck, wire.OpError:
			l.mu.Lock()
			reply := l.pending[c.Ref]
			l.mu.Unlock()
			if reply != nil {
				reply <- c
			} else if c.Op == wire.OpError {
				l.log.Warn("relay error", zap.String("error", c.Error))
			}
		case wire.OpFrame:
			if c.Frame == nil {
				continue
			}
			select {
			case l.frames <- *c.Frame:
			default:
				l.closeWith(ErrSlowConsumer)
				return
			}
		}
	}
}

func (l *link) dispatch() {
	for {
		select {
		case <-l.done:
			return
		case f := <-l.frames:
			l.mu.Lock()
			h := l.handlers[f.Channel]
			l.mu.Unlock()
			if h != nil {
				h(f)
			}
		}
	}
}

func (l *link) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				l.closeWith(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (l *link) Subscribe(ctx context.Context, channel, member string, handler func(wire.Frame)) error {
	l.mu.Lock()
	l.handlers[channel] = handler
	l.mu.Unlock()

	if err := l.request(ctx, wire.Control{Op: wire.OpSubscribe, Channel: channel, Member: member}); err != nil {
		l.mu.Lock()
		delete(l.handlers, channel)
		l.mu.Unlock()
		return err
	}
	l.mu.Lock()
	l.subscribed[channel] = true
	l.mu.Unlock()
	return nil
}

func (l *link) Unsubscribe(ctx context.Context, channel string) error {
	l.mu.Lock()
	delete(l.handlers, channel)
	delete(l.subscribed, channel)
	l.mu.Unlock()

	err := l.request(ctx, wire.Control{Op: wire.OpUnsubscribe, Channel: channel})
	if errors.Is(err, errClosed) {
		return nil
	}
	return err
}

func (l *link) Publish(ctx context.Context, channel string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("publish %s: payload is not valid JSON", channel)
	}
	return l.request(ctx, wire.Control{Op: wire.OpPublish, Channel: channel, Payload: payload})
}

func (l *link) Subscribed(channel string) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribed[channel]
}

func (l *link) Done() <-chan struct{} { return l.done }

func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *link) Close() error {
	l.closeWith(nil)
	return nil
}

func (l *link) closeWith(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.subscribed = make(map[string]bool)
		l.mu.Unlock()
		close(l.done)
		if err == nil {
			_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		}
		_ = l.conn.Close()
	})
}
