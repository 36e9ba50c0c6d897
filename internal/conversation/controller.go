// Package conversation is the top-level controller for one device: it owns
// the session manager, realtime connection, message queue, sync service and
// translation pipeline, and keeps them consistent across session changes.
package conversation

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/apperr"
	"github.com/matheus3301/parla/internal/bus"
	"github.com/matheus3301/parla/internal/outbox"
	"github.com/matheus3301/parla/internal/presence"
	"github.com/matheus3301/parla/internal/queue"
	"github.com/matheus3301/parla/internal/realtime"
	"github.com/matheus3301/parla/internal/session"
	"github.com/matheus3301/parla/internal/status"
	intsync "github.com/matheus3301/parla/internal/sync"
)

// ErrNoSession is returned by operations that need an active session.
var ErrNoSession = apperr.New(apperr.CodeValidation, "no active session")

// Options configures a Controller.
type Options struct {
	LocalLanguage   string
	PartnerLanguage string
	Bus             *bus.Bus
	Logger          *zap.Logger
}

// Controller coordinates the conversation components.
type Controller struct {
	sessions *session.Manager
	conn     *realtime.Connection
	queue    *queue.Queue
	sync     *intsync.Service
	pipeline *outbox.Pipeline
	opts     Options
	bus      *bus.Bus
	log      *zap.Logger

	mu       sync.Mutex
	attached string
}

// New wires the components together. Nothing runs until Start.
func New(sessions *session.Manager, conn *realtime.Connection, q *queue.Queue, s *intsync.Service, p *outbox.Pipeline, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		sessions: sessions,
		conn:     conn,
		queue:    q,
		sync:     s,
		pipeline: p,
		opts:     opts,
		bus:      opts.Bus,
		log:      log,
	}
	sessions.SetHandlers(session.Handlers{
		OnSessionExpired: func(string) { c.detach(context.Background()) },
		OnSessionError: func(err error) {
			if apperr.Is(err, apperr.CodeNotFound) {
				c.detach(context.Background())
			}
		},
	})
	q.Subscribe(func(ev queue.Event) {
		if ev.Kind == queue.EventUpdated {
			c.bus.Emit(bus.MessageUpdated, ev.Message)
		}
	})
	return c
}

// Start runs the pipeline and resumes a persisted session, if any.
func (c *Controller) Start(ctx context.Context) error {
	c.pipeline.Start(context.WithoutCancel(ctx))

	s, ok, err := c.sessions.RestoreSession()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.sessions.Revalidate(ctx); err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return nil
		}
		c.log.Warn("could not revalidate restored session", zap.Error(err))
	}
	return c.attach(ctx, s)
}

// Stop halts background work. The persisted session survives for the next Start.
func (c *Controller) Stop(ctx context.Context) {
	c.pipeline.Stop()
	c.detach(ctx)
	c.sessions.Cleanup()
}

// CreateSession hosts a new session.
func (c *Controller) CreateSession(ctx context.Context) (session.State, error) {
	s, err := c.sessions.CreateSession(ctx)
	if err != nil {
		return session.State{}, err
	}
	return s, c.attach(ctx, s)
}

// JoinSession joins the session behind code.
func (c *Controller) JoinSession(ctx context.Context, code string) (session.State, error) {
	s, err := c.sessions.JoinSession(ctx, code)
	if err != nil {
		return session.State{}, err
	}
	return s, c.attach(ctx, s)
}

// LeaveSession ends the active session on this device.
func (c *Controller) LeaveSession(ctx context.Context) error {
	if _, ok := c.sessions.Current(); !ok {
		return ErrNoSession
	}
	c.detach(ctx)
	c.sessions.LeaveSession()
	return nil
}

func (c *Controller) attach(ctx context.Context, s session.State) error {
	c.mu.Lock()
	if c.attached == s.SessionID {
		c.mu.Unlock()
		return nil
	}
	c.attached = s.SessionID
	c.mu.Unlock()

	c.sync.SetEventHandlers(intsync.Handlers{
		OnConnectionStatusChanged: c.onStatus,
		OnPartnerPresenceChanged: func(userID string, online bool) {
			if online {
				c.sessions.PartnerJoined(userID)
			} else {
				c.sessions.PartnerLeft(userID)
			}
		},
	})
	if err := c.sync.InitializeSession(ctx, s.SessionID, s.UserID); err != nil {
		c.mu.Lock()
		c.attached = ""
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Controller) detach(ctx context.Context) {
	c.mu.Lock()
	attached := c.attached
	c.attached = ""
	c.mu.Unlock()
	if attached == "" {
		return
	}
	c.sync.Cleanup(ctx)
	if err := c.conn.Close(); err != nil {
		c.log.Warn("close realtime connection", zap.Error(err))
	}
	c.queue.Clear()
	c.log.Info("conversation detached", zap.String("session_id", attached))
}

// onStatus re-checks the session with the backend after every recovery,
// since it may have been swept while the device was away.
func (c *Controller) onStatus(ch status.Change) {
	if ch.From != status.Reconnecting || ch.To != status.Connected {
		return
	}
	go func() {
		if err := c.sessions.Revalidate(context.Background()); err != nil && !apperr.Is(err, apperr.CodeNotFound) {
			c.log.Warn("revalidate after reconnect failed", zap.Error(err))
		}
	}()
}

func (c *Controller) requireSession() (session.State, error) {
	s, ok := c.sessions.Current()
	if !ok {
		return session.State{}, ErrNoSession
	}
	return s, nil
}

// SendText composes a message in the local language for the partner.
func (c *Controller) SendText(text string) (queue.Message, error) {
	if _, err := c.requireSession(); err != nil {
		return queue.Message{}, err
	}
	return c.pipeline.Compose(text, c.opts.LocalLanguage, c.opts.PartnerLanguage)
}

// SendAudio composes a captured utterance in the local language.
func (c *Controller) SendAudio(audio []byte) (queue.Message, error) {
	if _, err := c.requireSession(); err != nil {
		return queue.Message{}, err
	}
	return c.pipeline.ComposeAudio(audio, c.opts.LocalLanguage, c.opts.PartnerLanguage)
}

// RetryMessage re-queues a failed message.
func (c *Controller) RetryMessage(id string) error {
	if _, err := c.requireSession(); err != nil {
		return err
	}
	return c.pipeline.Retry(id)
}

// Messages returns the conversation in display order.
func (c *Controller) Messages() []queue.Message {
	return c.queue.DisplayMessages()
}

// ToggleReaction flips the local user's emoji reaction on a message.
func (c *Controller) ToggleReaction(id, emoji string) (bool, error) {
	s, err := c.requireSession()
	if err != nil {
		return false, err
	}
	if emoji == "" {
		return false, apperr.New(apperr.CodeValidation, "emoji is required")
	}
	return c.queue.ToggleReaction(id, emoji, s.UserID)
}

// SetActivity broadcasts the local activity to the partner.
func (c *Controller) SetActivity(ctx context.Context, a presence.Activity) error {
	if _, err := c.requireSession(); err != nil {
		return err
	}
	return c.sync.Presence().SetActivity(ctx, a)
}

// Reconnect asks the realtime connection to recover now.
func (c *Controller) Reconnect() error {
	if _, err := c.requireSession(); err != nil {
		return err
	}
	err := c.conn.Reconnect()
	if errors.Is(err, realtime.ErrNotOpen) {
		return ErrNoSession
	}
	return err
}

// Snapshot is the controller's current view.
type Snapshot struct {
	Session       *session.State
	Connection    status.State
	Partner       *presence.Record
	LocalActivity presence.Activity
	Messages      int
}

// Status returns a snapshot of the conversation.
func (c *Controller) Status() Snapshot {
	snap := Snapshot{
		Connection:    c.conn.Status(),
		LocalActivity: c.sync.Presence().Activity(),
		Messages:      c.queue.Len(),
	}
	if s, ok := c.sessions.Current(); ok {
		snap.Session = &s
	}
	if p, ok := c.sync.Presence().Partner(); ok {
		snap.Partner = &p
	}
	return snap
}

// Bus returns the event bus the components publish on.
func (c *Controller) Bus() *bus.Bus { return c.bus }
