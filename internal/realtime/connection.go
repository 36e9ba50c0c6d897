// Package realtime owns the single connection-state machine and channel
// handles for one conversation session. Message sync and presence register
// handlers through a Connection and never open channels themselves.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/apperr"
	"github.com/matheus3301/parla/internal/bus"
	"github.com/matheus3301/parla/internal/retry"
	"github.com/matheus3301/parla/internal/status"
	"github.com/matheus3301/parla/internal/wire"
)

// ErrNotOpen is returned by operations that need an open session.
var ErrNotOpen = errors.New("realtime connection is not open")

// Options configures a Connection.
type Options struct {
	// Policy bounds reconnection. MaxAttempts == 0 makes a transport drop
	// terminal (connected -> disconnected).
	Policy      retry.Policy
	DialTimeout time.Duration
	Bus         *bus.Bus
	Logger      *zap.Logger
}

type registration struct {
	kind    ChannelKind
	channel string
	member  string
	handler func(wire.Frame)
}

// Connection is the authoritative connection for one session.
type Connection struct {
	transport   Transport
	policy      retry.Policy
	dialTimeout time.Duration
	log         *zap.Logger
	machine     *status.Machine

	mu        sync.Mutex
	open      bool
	sessionID string
	userID    string
	link      Link
	regs      map[string]*registration
	// loopCancel is non-nil while the reconnect loop runs.
	loopCancel context.CancelFunc
	wake       chan struct{}
}

// NewConnection creates an idle (disconnected) connection over t.
func NewConnection(t Transport, opts Options) *Connection {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Connection{
		transport:   t,
		policy:      opts.Policy,
		dialTimeout: opts.DialTimeout,
		log:         log,
		machine:     status.NewMachine(opts.Bus),
		regs:        make(map[string]*registration),
		wake:        make(chan struct{}, 1),
	}
}

// Open attaches the connection to a session and dials once. A failed dial
// is not returned: it moves the connection into reconnecting (or
// disconnected when retries are disabled). Opening the session that is
// already open is a no-op.
func (c *Connection) Open(ctx context.Context, sessionID, userID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid session id", err)
	}
	if userID == "" {
		return apperr.New(apperr.CodeValidation, "user id is required")
	}

	c.mu.Lock()
	if c.open {
		current := c.sessionID
		same := current == sessionID && c.userID == userID
		c.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("connection already open for session %s", current)
	}
	if err := c.machine.Transition(status.Connecting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.open = true
	c.sessionID = sessionID
	c.userID = userID
	c.mu.Unlock()

	log := c.log.With(zap.String("session_id", sessionID), zap.String("user_id", userID))
	link, err := c.dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.sessionID != sessionID {
		if link != nil {
			_ = link.Close()
		}
		return nil
	}
	if err != nil {
		log.Warn("initial dial failed", zap.Error(err))
		c.startReconnectLocked()
		return nil
	}
	c.installLocked(link)
	_ = c.machine.Transition(status.Connected)
	log.Info("realtime connected")
	return nil
}

func (c *Connection) dial(ctx context.Context) (Link, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	return c.transport.Dial(ctx, userID)
}

// Register attaches handler to the session channel of kind, replacing any
// previous handler for it. The registration is kept across reconnects and
// re-subscribed on every new link. An error means the channel is not
// subscribed right now; the registration itself is kept either way.
func (c *Connection) Register(ctx context.Context, kind ChannelKind, member string, handler func(wire.Frame)) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrNotOpen
	}
	channel := ChannelName(kind, c.sessionID)
	c.regs[channel] = &registration{kind: kind, channel: channel, member: member, handler: handler}
	link := c.link
	c.mu.Unlock()

	if link == nil {
		return apperr.Newf(apperr.CodeSubscriptionNotReady, "%s: not connected, will subscribe on reconnect", channel)
	}
	if err := link.Subscribe(ctx, channel, member, c.dispatcher(channel)); err != nil {
		c.log.Warn("subscribe failed", zap.String("channel", channel), zap.Error(err))
		c.dropLink(link)
		return apperr.Wrap(apperr.CodeTransport, "subscribe "+channel, err)
	}
	c.log.Debug("channel subscribed", zap.String("channel", channel))
	return nil
}

// Unregister removes the handler for kind and unsubscribes its channel.
func (c *Connection) Unregister(ctx context.Context, kind ChannelKind) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	channel := ChannelName(kind, c.sessionID)
	delete(c.regs, channel)
	link := c.link
	c.mu.Unlock()

	if link == nil {
		return nil
	}
	return link.Unsubscribe(ctx, channel)
}

// dispatcher looks the handler up on every frame so a re-registration
// takes effect without re-subscribing.
func (c *Connection) dispatcher(channel string) func(wire.Frame) {
	return func(f wire.Frame) {
		c.mu.Lock()
		reg := c.regs[channel]
		c.mu.Unlock()
		if reg != nil {
			reg.handler(f)
		}
	}
}

// Publish sends payload on the session channel of kind. A failure is
// returned as a TRANSPORT_ERROR and starts the reconnection path.
func (c *Connection) Publish(ctx context.Context, kind ChannelKind, payload []byte) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrNotOpen
	}
	channel := ChannelName(kind, c.sessionID)
	link := c.link
	c.mu.Unlock()

	if link == nil {
		return apperr.Newf(apperr.CodeTransport, "%s: not connected", channel)
	}
	if err := link.Publish(ctx, channel, payload); err != nil {
		if ctx.Err() == nil {
			c.dropLink(link)
		}
		return apperr.Wrap(apperr.CodeTransport, "publish "+channel, err)
	}
	return nil
}

// Subscribed reports whether the current link confirms the channel of kind.
func (c *Connection) Subscribed(kind ChannelKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.link == nil {
		return false
	}
	return c.link.Subscribed(ChannelName(kind, c.sessionID))
}

// Resubscribe drops and re-creates the subscription for kind on the
// current link.
func (c *Connection) Resubscribe(ctx context.Context, kind ChannelKind) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrNotOpen
	}
	channel := ChannelName(kind, c.sessionID)
	reg := c.regs[channel]
	link := c.link
	c.mu.Unlock()

	if reg == nil {
		return fmt.Errorf("%s: no handler registered", channel)
	}
	if link == nil {
		return apperr.Newf(apperr.CodeSubscriptionNotReady, "%s: not connected", channel)
	}
	_ = link.Unsubscribe(ctx, channel)
	if err := link.Subscribe(ctx, channel, reg.member, c.dispatcher(channel)); err != nil {
		c.dropLink(link)
		return apperr.Wrap(apperr.CodeTransport, "resubscribe "+channel, err)
	}
	return nil
}

// Status returns the current connection state.
func (c *Connection) Status() status.State {
	return c.machine.Current()
}

// OnStatusChange registers fn for every state transition. Observers run in
// transition order on a goroutine owned by the state machine.
func (c *Connection) OnStatusChange(fn func(status.Change)) func() {
	return c.machine.Observe(fn)
}

// SessionID returns the open session, or "".
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID returns the local participant id, or "".
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Reconnect asks for a connection now. From disconnected it starts a new
// bounded reconnect cycle; while reconnecting it skips the current backoff
// wait; while connected it does nothing.
func (c *Connection) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrNotOpen
	}
	switch {
	case c.loopCancel != nil:
		select {
		case c.wake <- struct{}{}:
		default:
		}
	case c.link != nil:
	default:
		c.startReconnectLocked()
	}
	return nil
}

// NetworkOnline is the connectivity-restored signal.
func (c *Connection) NetworkOnline() {
	_ = c.Reconnect()
}

// Close tears down the link, stops reconnecting and forgets every
// registration. The connection may be opened again afterwards.
func (c *Connection) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	link := c.link
	c.link = nil
	c.regs = make(map[string]*registration)
	sessionID := c.sessionID
	c.sessionID = ""
	c.userID = ""
	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
	c.mu.Unlock()

	c.log.Info("realtime connection closed", zap.String("session_id", sessionID))
	if link != nil {
		return link.Close()
	}
	return nil
}

func (c *Connection) installLocked(link Link) {
	c.link = link
	go c.watch(link)
}

func (c *Connection) watch(link Link) {
	<-link.Done()
	c.mu.Lock()
	current := c.link == link
	c.mu.Unlock()
	if current {
		c.log.Warn("realtime link dropped", zap.Error(link.Err()))
		c.dropLink(link)
	}
}

// dropLink discards link if it is still current and starts reconnecting.
func (c *Connection) dropLink(link Link) {
	c.mu.Lock()
	if c.link != link {
		c.mu.Unlock()
		return
	}
	c.link = nil
	if c.open {
		c.startReconnectLocked()
	}
	c.mu.Unlock()
	_ = link.Close()
}

func (c *Connection) startReconnectLocked() {
	if c.loopCancel != nil {
		return
	}
	if c.policy.MaxAttempts == 0 {
		if c.machine.Current() != status.Disconnected {
			_ = c.machine.Transition(status.Disconnected)
		}
		return
	}
	if err := c.machine.Transition(status.Reconnecting); err != nil {
		c.log.Error("cannot enter reconnecting", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	select {
	case <-c.wake:
	default:
	}
	go c.reconnectLoop(ctx, c.sessionID)
}

func (c *Connection) reconnectLoop(ctx context.Context, sessionID string) {
	log := c.log.With(zap.String("session_id", sessionID))
	b := c.policy.NewBackOff()
	attempts := c.policy.Attempts()

	for attempt := 1; attempt <= attempts; attempt++ {
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}

		link, err := c.dial(ctx)
		if err == nil {
			err = c.subscribeAll(ctx, link)
		}
		if err != nil {
			if link != nil {
				_ = link.Close()
			}
			log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil || !c.open {
			c.mu.Unlock()
			_ = link.Close()
			return
		}
		c.loopCancel = nil
		c.installLocked(link)
		_ = c.machine.Transition(status.Connected)
		c.mu.Unlock()
		log.Info("realtime reconnected", zap.Int("attempt", attempt))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	c.loopCancel = nil
	_ = c.machine.Transition(status.Disconnected)
	log.Error("reconnect retries exhausted", zap.Int("attempts", attempts))
}

// subscribeAll subscribes link to every registration, including ones added
// while it ran.
func (c *Connection) subscribeAll(ctx context.Context, link Link) error {
	for pass := 0; ; pass++ {
		c.mu.Lock()
		var todo []registration
		for _, r := range c.regs {
			if !link.Subscribed(r.channel) {
				todo = append(todo, *r)
			}
		}
		c.mu.Unlock()
		if len(todo) == 0 {
			return nil
		}
		if pass == 3 {
			return apperr.Newf(apperr.CodeSubscriptionNotReady, "%d channels not confirmed", len(todo))
		}
		for _, r := range todo {
			if err := link.Subscribe(ctx, r.channel, r.member, c.dispatcher(r.channel)); err != nil {
				return fmt.Errorf("resubscribe %s: %w", r.channel, err)
			}
		}
	}
}
