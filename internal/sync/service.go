// Package sync bridges the local message queue and the session's realtime
// message channel: outbound queue entries become wire messages, inbound wire
// messages become queue entries, and history is reconciled on (re)join.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/apperr"
	"github.com/matheus3301/parla/internal/bus"
	"github.com/matheus3301/parla/internal/presence"
	"github.com/matheus3301/parla/internal/queue"
	"github.com/matheus3301/parla/internal/realtime"
	"github.com/matheus3301/parla/internal/retry"
	"github.com/matheus3301/parla/internal/status"
	"github.com/matheus3301/parla/internal/wire"
)

// ErrNotInitialized is returned before InitializeSession or after Cleanup.
var ErrNotInitialized = errors.New("sync service not initialized")

// HistorySource returns the persisted messages of a session.
type HistorySource interface {
	History(ctx context.Context, sessionID string) ([]wire.Message, error)
}

// Handlers are the service's event callbacks. Nil fields are ignored.
type Handlers struct {
	OnMessageReceived         func(queue.Message)
	OnMessageDelivered        func(queue.Message)
	OnMessageFailed           func(id string, err error)
	OnConnectionStatusChanged func(status.Change)
	OnPartnerPresenceChanged  func(userID string, online bool)
	OnPartnerActivityChanged  func(userID string, activity presence.Activity)
}

func (h *Handlers) merge(in Handlers) {
	if in.OnMessageReceived != nil {
		h.OnMessageReceived = in.OnMessageReceived
	}
	if in.OnMessageDelivered != nil {
		h.OnMessageDelivered = in.OnMessageDelivered
	}
	if in.OnMessageFailed != nil {
		h.OnMessageFailed = in.OnMessageFailed
	}
	if in.OnConnectionStatusChanged != nil {
		h.OnConnectionStatusChanged = in.OnConnectionStatusChanged
	}
	if in.OnPartnerPresenceChanged != nil {
		h.OnPartnerPresenceChanged = in.OnPartnerPresenceChanged
	}
	if in.OnPartnerActivityChanged != nil {
		h.OnPartnerActivityChanged = in.OnPartnerActivityChanged
	}
}

// Options configures a Service.
type Options struct {
	// ReadinessDelay is how long after initialization the subscriptions are
	// re-checked. Zero disables the check.
	ReadinessDelay time.Duration
	HistoryTimeout time.Duration
	SendPolicy     retry.Policy
	// LocalLanguage is the target language of messages sent by others.
	LocalLanguage string
	Bus           *bus.Bus
	Logger        *zap.Logger
}

// Service syncs one session's messages.
type Service struct {
	conn     *realtime.Connection
	queue    *queue.Queue
	history  HistorySource
	presence *presence.Service
	opts     Options
	bus      *bus.Bus
	log      *zap.Logger

	mu          gosync.Mutex
	initialized bool
	sessionID   string
	userID      string
	handlers    Handlers
	stopWatch   func()
	readyCheck  *time.Timer
	// epoch invalidates background work started before a Cleanup.
	epoch int
}

// New creates a sync service. It owns a presence service on the same connection.
func New(conn *realtime.Connection, q *queue.Queue, history HistorySource, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = 10 * time.Second
	}
	return &Service{
		conn:     conn,
		queue:    q,
		history:  history,
		presence: presence.New(conn, opts.Bus, log.Named("presence")),
		opts:     opts,
		bus:      opts.Bus,
		log:      log,
	}
}

// Presence returns the presence service registered by InitializeSession.
func (s *Service) Presence() *presence.Service { return s.presence }

// SetEventHandlers merges h into the active handler set.
func (s *Service) SetEventHandlers(h Handlers) {
	s.mu.Lock()
	s.handlers.merge(h)
	s.mu.Unlock()
	s.presence.SetHandlers(presence.Handlers{
		OnPartnerPresenceChanged: h.OnPartnerPresenceChanged,
		OnPartnerActivityChanged: h.OnPartnerActivityChanged,
	})
}

func (s *Service) currentHandlers() Handlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers
}

// InitializeSession opens the connection for the session, subscribes the
// message channel, starts presence and reconciles history once the channel
// is confirmed. Transport trouble does not fail initialization: the
// connection recovers in the background and reconciliation runs again on
// every return to connected.
func (s *Service) InitializeSession(ctx context.Context, sessionID, userID string) error {
	s.mu.Lock()
	if s.initialized {
		same := s.sessionID == sessionID && s.userID == userID
		s.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("sync already initialized for session %s", s.sessionID)
	}
	s.mu.Unlock()

	if err := s.conn.Open(ctx, sessionID, userID); err != nil {
		return err
	}

	s.mu.Lock()
	s.initialized = true
	s.sessionID = sessionID
	s.userID = userID
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	log := s.log.With(zap.String("session_id", sessionID), zap.String("user_id", userID))
	stop := s.conn.OnStatusChange(func(c status.Change) { s.onStatus(epoch, c) })
	s.mu.Lock()
	s.stopWatch = stop
	s.mu.Unlock()

	err := s.conn.Register(ctx, realtime.Messages, "", s.onFrame)
	confirmed := err == nil
	if err != nil {
		if !apperr.Retryable(err) {
			s.Cleanup(ctx)
			return fmt.Errorf("register messages: %w", err)
		}
		log.Warn("message channel not ready", zap.Error(err))
	}

	if err := s.presence.Start(ctx); err != nil {
		log.Warn("presence start failed", zap.Error(err))
	}

	if confirmed {
		s.reconcile(ctx, epoch)
	}

	if s.opts.ReadinessDelay > 0 {
		s.mu.Lock()
		if s.epoch == epoch {
			s.readyCheck = time.AfterFunc(s.opts.ReadinessDelay, func() {
				if err := s.ValidateSessionReady(context.Background()); err != nil {
					log.Warn("readiness check failed", zap.Error(err))
				}
			})
		}
		s.mu.Unlock()
	}
	log.Info("sync initialized", zap.Bool("confirmed", confirmed))
	return nil
}

func (s *Service) onStatus(epoch int, c status.Change) {
	if !s.current(epoch) {
		return
	}
	if h := s.currentHandlers(); h.OnConnectionStatusChanged != nil {
		h.OnConnectionStatusChanged(c)
	}
	if c.From == status.Reconnecting && c.To == status.Connected {
		s.reconcile(context.Background(), epoch)
	}
}

func (s *Service) current(epoch int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized && s.epoch == epoch
}

// reconcile merges the session's persisted history into the queue through
// the same path as live messages. Failure falls back to live-only sync.
func (s *Service) reconcile(ctx context.Context, epoch int) {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if s.history == nil || !s.current(epoch) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.HistoryTimeout)
	defer cancel()
	msgs, err := s.history.History(ctx, sessionID)
	if err != nil {
		s.log.Warn("history reconciliation failed, continuing live-only",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if !s.current(epoch) {
		return
	}
	added := 0
	for i := range msgs {
		if s.ingest(&msgs[i]) {
			added++
		}
	}
	s.log.Info("history reconciled", zap.String("session_id", sessionID),
		zap.Int("messages", len(msgs)), zap.Int("new", added))
	s.bus.Emit(bus.HistoryReconciled, added)
}

func (s *Service) onFrame(f wire.Frame) {
	if f.Type != wire.FrameBroadcast {
		return
	}
	m, err := wire.DecodeMessage(f.Payload)
	if err != nil {
		s.log.Warn("dropping malformed message", zap.String("channel", f.Channel), zap.Error(err))
		return
	}
	s.ingest(m)
}

// ingest folds a wire message into the queue and reports whether it was new.
func (s *Service) ingest(m *wire.Message) bool {
	s.mu.Lock()
	if !s.initialized || m.SessionID != s.sessionID {
		s.mu.Unlock()
		return false
	}
	self := s.userID
	h := s.handlers
	s.mu.Unlock()

	qm := queue.Message{
		ID:           m.ID,
		Original:     m.OriginalText,
		Translation:  m.TranslatedText,
		OriginalLang: m.OriginalLanguage,
		Status:       queue.StatusDisplayed,
		SenderID:     m.SenderID,
		SessionID:    m.SessionID,
	}
	if m.SenderID != self {
		qm.TargetLang = s.opts.LocalLanguage
	}
	if m.Timestamp > 0 {
		qm.QueuedAt = time.UnixMilli(m.Timestamp)
	}
	now := time.Now()
	qm.ProcessedAt, qm.DisplayedAt = now, now

	stored, added := s.queue.Add(qm)
	if !added || m.SenderID == self {
		return added
	}
	s.bus.Emit(bus.MessageReceived, stored)
	if h.OnMessageReceived != nil {
		h.OnMessageReceived(stored)
	}
	return true
}

// SendMessage publishes a translated message. Messages still waiting for
// translation are rejected. Transport failures are retried under the send
// policy and then reported through OnMessageFailed rather than returned.
func (s *Service) SendMessage(ctx context.Context, m queue.Message) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	sessionID, userID := s.sessionID, s.userID
	s.mu.Unlock()

	if m.ID == "" {
		return apperr.New(apperr.CodeValidation, "message id is required")
	}
	if m.Translation == "" {
		return apperr.Newf(apperr.CodeValidation, "message %s has not finished processing", m.ID)
	}

	m.SessionID, m.SenderID = sessionID, userID
	if _, ok := s.queue.Get(m.ID); !ok {
		m.Status = queue.StatusProcessing
		s.queue.Add(m)
	}

	ts := m.QueuedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	data, err := json.Marshal(wire.Message{
		ID:               m.ID,
		SessionID:        sessionID,
		SenderID:         userID,
		OriginalText:     m.Original,
		TranslatedText:   m.Translation,
		OriginalLanguage: m.OriginalLang,
		Timestamp:        ts.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	log := s.log.With(zap.String("msg_id", m.ID), zap.String("session_id", sessionID))
	attempt := 0
	err = retry.Do(ctx, s.opts.SendPolicy, func(ctx context.Context) error {
		attempt++
		err := s.conn.Publish(ctx, realtime.Messages, data)
		if errors.Is(err, realtime.ErrNotOpen) {
			return retry.Permanent(err)
		}
		if err != nil {
			log.Warn("publish failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	if err != nil {
		log.Error("message send failed", zap.Int("attempt", attempt), zap.Error(err))
		s.ReportFailure(m.ID, apperr.Wrap(apperr.CodeTransport, "send message", err))
		return nil
	}

	stored, err := s.queue.UpdateStatus(m.ID, queue.StatusDisplayed)
	if err != nil {
		// Cleared while publishing.
		return nil
	}
	s.bus.Emit(bus.MessageDelivered, stored)
	if h := s.currentHandlers(); h.OnMessageDelivered != nil {
		h.OnMessageDelivered(stored)
	}
	return nil
}

// ReportFailure marks a message failed, bumps its retry count and raises
// OnMessageFailed.
func (s *Service) ReportFailure(id string, cause error) {
	if m, ok := s.queue.Get(id); ok {
		failed := queue.StatusFailed
		retries := m.RetryCount + 1
		if stored, err := s.queue.UpdateMessage(id, queue.Patch{Status: &failed, RetryCount: &retries}); err == nil {
			s.bus.Emit(bus.MessageFailed, stored)
		}
	}
	if h := s.currentHandlers(); h.OnMessageFailed != nil {
		h.OnMessageFailed(id, cause)
	}
}

// ValidateSessionReady re-subscribes any registered channel the current
// link does not report as subscribed. It does nothing while the connection
// is not connected; the reconnect path re-subscribes everything anyway.
func (s *Service) ValidateSessionReady(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	epoch := s.epoch
	s.mu.Unlock()

	if s.conn.Status() != status.Connected {
		return nil
	}
	var errs []error
	for _, kind := range []realtime.ChannelKind{realtime.Messages, realtime.Presence} {
		if s.conn.Subscribed(kind) {
			continue
		}
		s.log.Warn("channel not ready, re-subscribing", zap.String("channel", string(kind)))
		if err := s.conn.Resubscribe(ctx, kind); err != nil {
			errs = append(errs, apperr.Wrap(apperr.CodeSubscriptionNotReady, string(kind), err))
			continue
		}
		if kind == realtime.Messages {
			s.reconcile(ctx, epoch)
		}
	}
	return errors.Join(errs...)
}

// Cleanup unsubscribes the session channels, stops presence and discards
// the handlers. The connection itself stays with its owner. Calling it
// again is a no-op.
func (s *Service) Cleanup(ctx context.Context) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return
	}
	s.initialized = false
	s.epoch++
	stop := s.stopWatch
	s.stopWatch = nil
	if s.readyCheck != nil {
		s.readyCheck.Stop()
		s.readyCheck = nil
	}
	s.handlers = Handlers{}
	sessionID := s.sessionID
	s.sessionID, s.userID = "", ""
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.presence.Stop(ctx)
	if err := s.conn.Unregister(ctx, realtime.Messages); err != nil {
		s.log.Debug("message unsubscribe failed", zap.Error(err))
	}
	s.log.Info("sync cleaned up", zap.String("session_id", sessionID))
}
