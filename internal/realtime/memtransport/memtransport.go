// Package memtransport is an in-process realtime transport over a
// relay.Hub. It backs multi-device tests and single-process demos, and can
// simulate outages.
package memtransport

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/parla/internal/realtime"
	"github.com/matheus3301/parla/internal/relay"
	"github.com/matheus3301/parla/internal/wire"
)

var (
	// ErrOffline is returned when dialing as a user marked offline.
	ErrOffline = errors.New("network unreachable")
	// ErrDropped is the link error after DropAll or SetOffline.
	ErrDropped = errors.New("link dropped")
	// ErrSlowConsumer is the link error when its frame buffer overflows.
	ErrSlowConsumer = errors.New("slow consumer")
	errClosed       = errors.New("link closed")
)

const defaultBuffer = 256

// Network is a shared in-memory pub/sub service.
type Network struct {
	hub *relay.Hub

	mu      sync.Mutex
	offline map[string]bool
	links   map[*link]struct{}
	buffer  int
}

// NewNetwork creates a network over hub, or over a fresh hub when nil.
func NewNetwork(hub *relay.Hub) *Network {
	if hub == nil {
		hub = relay.NewHub(nil, nil)
	}
	return &Network{
		hub:     hub,
		offline: make(map[string]bool),
		links:   make(map[*link]struct{}),
		buffer:  defaultBuffer,
	}
}

// Hub returns the underlying hub.
func (n *Network) Hub() *relay.Hub { return n.hub }

// SetOffline cuts userID off (dropping its links) or restores it.
func (n *Network) SetOffline(userID string, offline bool) {
	n.mu.Lock()
	n.offline[userID] = offline
	var drop []*link
	if offline {
		for l := range n.links {
			if l.userID == userID {
				drop = append(drop, l)
			}
		}
	}
	n.mu.Unlock()

	for _, l := range drop {
		l.closeWith(ErrDropped)
	}
}

// DropAll drops every live link, as a transient outage would.
func (n *Network) DropAll() {
	n.mu.Lock()
	drop := make([]*link, 0, len(n.links))
	for l := range n.links {
		drop = append(drop, l)
	}
	n.mu.Unlock()

	for _, l := range drop {
		l.closeWith(ErrDropped)
	}
}

// DropSubscription silently removes channel from userID's live links, as a
// service that lost a subscription would.
func (n *Network) DropSubscription(userID, channel string) {
	n.mu.Lock()
	var targets []*link
	for l := range n.links {
		if l.userID == userID {
			targets = append(targets, l)
		}
	}
	n.mu.Unlock()

	for _, l := range targets {
		_ = l.Unsubscribe(context.Background(), channel)
	}
}

// Links returns the number of live links.
func (n *Network) Links() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.links)
}

// Transport returns a realtime.Transport dialing into this network.
func (n *Network) Transport() realtime.Transport { return n }

func (n *Network) Dial(ctx context.Context, userID string) (realtime.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline[userID] {
		return nil, ErrOffline
	}
	l := &link{
		net:      n,
		userID:   userID,
		frames:   make(chan wire.Frame, n.buffer),
		handlers: make(map[string]func(wire.Frame)),
		done:     make(chan struct{}),
	}
	n.links[l] = struct{}{}
	go l.dispatch()
	return l, nil
}

type link struct {
	net    *Network
	userID string
	frames chan wire.Frame

	mu       sync.Mutex
	handlers map[string]func(wire.Frame)
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) Deliver(f wire.Frame) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.frames <- f:
		return true
	default:
		// Called under the hub lock; closing unsubscribes from the hub.
		go l.closeWith(ErrSlowConsumer)
		return false
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

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *link) Subscribe(ctx context.Context, channel, member string, handler func(wire.Frame)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.closed() {
		return errClosed
	}
	l.mu.Lock()
	l.handlers[channel] = handler
	l.mu.Unlock()
	l.net.hub.Subscribe(channel, l, member)
	if l.closed() {
		l.net.hub.Unsubscribe(channel, l)
		return errClosed
	}
	return nil
}

func (l *link) Unsubscribe(_ context.Context, channel string) error {
	l.mu.Lock()
	delete(l.handlers, channel)
	l.mu.Unlock()
	l.net.hub.Unsubscribe(channel, l)
	return nil
}

func (l *link) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.closed() {
		return errClosed
	}
	return l.net.hub.Publish(channel, l, l.userID, payload)
}

func (l *link) Subscribed(channel string) bool {
	if l.closed() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handlers[channel]
	return ok
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
		l.handlers = make(map[string]func(wire.Frame))
		l.mu.Unlock()
		close(l.done)

		l.net.hub.UnsubscribeAll(l)
		l.net.mu.Lock()
		delete(l.net.links, l)
		l.net.mu.Unlock()
	})
}
