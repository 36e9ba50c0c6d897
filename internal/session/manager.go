package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/apperr"
	"github.com/matheus3301/parla/internal/backend"
	"github.com/matheus3301/parla/internal/bus"
)

// recordKey is the single persisted session entry. It does not depend on
// the session because a device holds at most one.
const recordKey = "session.current"

// KV is the local durable store the session record lives in.
type KV interface {
	GetValue(key string) (string, bool, error)
	PutValue(key, value string) error
	DeleteValue(key string) error
}

// Handlers are the session callbacks. SetHandlers merges non-nil fields.
type Handlers struct {
	OnSessionCreated func(State)
	OnSessionJoined  func(State)
	OnSessionExpired func(sessionID string)
	OnSessionError   func(err error)
	OnPartnerJoined  func(userID string)
	OnPartnerLeft    func(userID string)
}

func (h *Handlers) merge(in Handlers) {
	if in.OnSessionCreated != nil {
		h.OnSessionCreated = in.OnSessionCreated
	}
	if in.OnSessionJoined != nil {
		h.OnSessionJoined = in.OnSessionJoined
	}
	if in.OnSessionExpired != nil {
		h.OnSessionExpired = in.OnSessionExpired
	}
	if in.OnSessionError != nil {
		h.OnSessionError = in.OnSessionError
	}
	if in.OnPartnerJoined != nil {
		h.OnPartnerJoined = in.OnPartnerJoined
	}
	if in.OnPartnerLeft != nil {
		h.OnPartnerLeft = in.OnPartnerLeft
	}
}

// Options configures a Manager.
type Options struct {
	Lifetime            time.Duration
	ExpiryCheckInterval time.Duration
	ValidateTimeout     time.Duration
	Bus                 *bus.Bus
	Logger              *zap.Logger
	// Now overrides the clock.
	Now func() time.Time
}

// Manager owns the device's session state. It is the only writer of the
// persisted record.
type Manager struct {
	backend backend.Backend
	kv      KV
	opts    Options
	bus     *bus.Bus
	log     *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	current     *State
	handlers    Handlers
	stopMonitor chan struct{}
}

// NewManager creates a manager with no active session.
func NewManager(b backend.Backend, kv KV, opts Options) *Manager {
	if opts.Lifetime <= 0 {
		opts.Lifetime = 12 * time.Hour
	}
	if opts.ExpiryCheckInterval <= 0 {
		opts.ExpiryCheckInterval = 5 * time.Minute
	}
	if opts.ValidateTimeout <= 0 {
		opts.ValidateTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{backend: b, kv: kv, opts: opts, bus: opts.Bus, log: log, now: now}
}

// SetHandlers merges h into the active handler set.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers.merge(h)
}

func (m *Manager) hooks() Handlers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers
}

// Current returns a copy of the active session.
func (m *Manager) Current() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return State{}, false
	}
	return *m.current, true
}

// IsExpired applies the manager's lifetime to s.
func (m *Manager) IsExpired(s State) bool {
	return IsExpired(s, m.now(), m.opts.Lifetime)
}

func (m *Manager) ensureIdle() error {
	if s, ok := m.Current(); ok {
		return apperr.Newf(apperr.CodeValidation, "already in session %s; leave it first", s.SessionCode)
	}
	return nil
}

// CreateSession allocates a session on the backend and becomes its host.
func (m *Manager) CreateSession(ctx context.Context) (State, error) {
	if err := m.ensureIdle(); err != nil {
		return State{}, err
	}
	sess, err := m.backend.CreateSession(ctx)
	if err != nil {
		return State{}, m.fail(apperr.Wrap(apperr.CodeBackendUnavailable, "create session", err))
	}
	userID := uuid.NewString()
	if err := m.backend.AddParticipant(ctx, sess.ID, userID); err != nil {
		return State{}, m.fail(apperr.Wrap(apperr.CodeBackendUnavailable, "register host", err))
	}

	s := State{
		SessionID:   sess.ID,
		SessionCode: sess.Code,
		UserID:      userID,
		Role:        RoleHost,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
	}
	if err := m.activate(s); err != nil {
		return State{}, err
	}
	m.log.Info("session created", zap.String("session_id", s.SessionID), zap.String("user_id", userID))
	m.bus.Emit(bus.SessionCreated, s)
	if h := m.hooks(); h.OnSessionCreated != nil {
		h.OnSessionCreated(s)
	}
	return s, nil
}

// JoinSession joins the session behind code as guest. The partner is the
// earliest participant already registered.
func (m *Manager) JoinSession(ctx context.Context, code string) (State, error) {
	if !ValidCode(code) {
		return State{}, apperr.Newf(apperr.CodeValidation, "session code must be 4 digits, got %q", code)
	}
	if err := m.ensureIdle(); err != nil {
		return State{}, err
	}

	sess, err := m.backend.JoinSession(ctx, code)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return State{}, m.fail(apperr.Newf(apperr.CodeNotFound, "no session with code %s", code))
	case err != nil:
		return State{}, m.fail(apperr.Wrap(apperr.CodeBackendUnavailable, "join session", err))
	case sess.Expired(m.now()):
		return State{}, m.fail(apperr.Newf(apperr.CodeExpired, "session %s has expired", code))
	}

	userID := uuid.NewString()
	if err := m.backend.AddParticipant(ctx, sess.ID, userID); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return State{}, m.fail(apperr.Newf(apperr.CodeNotFound, "session %s disappeared while joining", code))
		}
		return State{}, m.fail(apperr.Wrap(apperr.CodeBackendUnavailable, "register guest", err))
	}

	s := State{
		SessionID:   sess.ID,
		SessionCode: sess.Code,
		UserID:      userID,
		Role:        RoleGuest,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
	}
	for _, p := range sess.Participants {
		if p != userID {
			s.PartnerID = p
			break
		}
	}
	if err := m.activate(s); err != nil {
		return State{}, err
	}
	m.log.Info("session joined", zap.String("session_id", s.SessionID), zap.String("user_id", userID),
		zap.String("partner_id", s.PartnerID))
	m.bus.Emit(bus.SessionJoined, s)
	if h := m.hooks(); h.OnSessionJoined != nil {
		h.OnSessionJoined(s)
	}
	return s, nil
}

// ValidateSession reports whether code resolves to a live session. Any
// failure, including a timeout, reads as false.
func (m *Manager) ValidateSession(ctx context.Context, code string) bool {
	if !ValidCode(code) {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ValidateTimeout)
	defer cancel()
	ok, err := m.backend.ValidateSession(ctx, code)
	if err != nil {
		m.log.Warn("session validation failed", zap.String("code", code), zap.Error(err))
		return false
	}
	return ok
}

// Revalidate checks the active session against the backend. When the
// backend no longer knows it, the session is destroyed and OnSessionError
// is raised with NOT_FOUND. Backend trouble leaves the session alone.
func (m *Manager) Revalidate(ctx context.Context) error {
	s, ok := m.Current()
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ValidateTimeout)
	defer cancel()
	valid, err := m.backend.ValidateSession(ctx, s.SessionCode)
	if err != nil {
		return apperr.Wrap(apperr.CodeBackendUnavailable, "revalidate session", err)
	}
	if valid {
		return nil
	}
	m.destroy(s.SessionID)
	err = apperr.Newf(apperr.CodeNotFound, "session %s no longer exists", s.SessionCode)
	m.log.Warn("session gone server-side", zap.String("session_id", s.SessionID))
	return m.fail(err)
}

// PersistSession writes s as the device's session record.
func (m *Manager) PersistSession(s State) error {
	raw, err := encodeState(s)
	if err != nil {
		return err
	}
	return m.kv.PutValue(recordKey, raw)
}

// RestoreSession loads the persisted record and makes it active. A corrupt
// or expired record is deleted and (State{}, false) returned.
func (m *Manager) RestoreSession() (State, bool, error) {
	raw, ok, err := m.kv.GetValue(recordKey)
	if err != nil {
		return State{}, false, err
	}
	if !ok {
		return State{}, false, nil
	}
	s, err := decodeState(raw)
	if err == nil && m.IsExpired(s) {
		err = errors.New("session record has expired")
	}
	if err != nil {
		m.log.Info("discarding persisted session", zap.Error(err))
		return State{}, false, m.kv.DeleteValue(recordKey)
	}

	m.mu.Lock()
	m.current = &s
	m.startMonitorLocked()
	m.mu.Unlock()
	m.log.Info("session restored", zap.String("session_id", s.SessionID), zap.String("role", string(s.Role)))
	return s, true, nil
}

// PartnerJoined records userID as the partner.
func (m *Manager) PartnerJoined(userID string) {
	m.mu.Lock()
	if m.current == nil || userID == "" || userID == m.current.UserID {
		m.mu.Unlock()
		return
	}
	changed := m.current.PartnerID != userID
	m.current.PartnerID = userID
	s := *m.current
	h := m.handlers
	m.mu.Unlock()

	if changed {
		if err := m.PersistSession(s); err != nil {
			m.log.Error("persist partner failed", zap.Error(err))
		}
	}
	m.bus.Emit(bus.PartnerJoined, userID)
	if h.OnPartnerJoined != nil {
		h.OnPartnerJoined(userID)
	}
}

// PartnerLeft raises OnPartnerLeft. The partner id is kept so a returning
// partner is recognised.
func (m *Manager) PartnerLeft(userID string) {
	m.mu.Lock()
	if m.current == nil || userID == "" || userID == m.current.UserID {
		m.mu.Unlock()
		return
	}
	h := m.handlers
	m.mu.Unlock()

	m.bus.Emit(bus.PartnerLeft, userID)
	if h.OnPartnerLeft != nil {
		h.OnPartnerLeft(userID)
	}
}

// LeaveSession ends the active session locally, removing the persisted record.
func (m *Manager) LeaveSession() (State, bool) {
	s, ok := m.Current()
	if !ok {
		return State{}, false
	}
	m.destroy(s.SessionID)
	m.log.Info("session left", zap.String("session_id", s.SessionID))
	m.bus.Emit(bus.SessionLeft, s)
	return s, true
}

// CheckExpiry expires the active session if its lifetime is over.
func (m *Manager) CheckExpiry() bool {
	s, ok := m.Current()
	if !ok || !m.IsExpired(s) {
		return false
	}
	if !m.destroy(s.SessionID) {
		return false
	}
	m.log.Info("session expired", zap.String("session_id", s.SessionID))
	m.bus.Emit(bus.SessionExpired, s.SessionID)
	if h := m.hooks(); h.OnSessionExpired != nil {
		h.OnSessionExpired(s.SessionID)
	}
	return true
}

// Cleanup stops expiry monitoring and forgets the in-memory session. The
// persisted record stays, so RestoreSession can pick it up again.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopMonitorLocked()
	m.current = nil
}

func (m *Manager) activate(s State) error {
	if err := m.PersistSession(s); err != nil {
		return apperr.Wrap(apperr.CodeBackendUnavailable, "persist session", err)
	}
	m.mu.Lock()
	m.current = &s
	m.startMonitorLocked()
	m.mu.Unlock()
	return nil
}

// destroy drops the session if it is still sessionID. It reports whether
// it did.
func (m *Manager) destroy(sessionID string) bool {
	m.mu.Lock()
	if m.current == nil || m.current.SessionID != sessionID {
		m.mu.Unlock()
		return false
	}
	m.current = nil
	m.stopMonitorLocked()
	m.mu.Unlock()

	if err := m.kv.DeleteValue(recordKey); err != nil {
		m.log.Error("clear persisted session failed", zap.Error(err))
	}
	return true
}

func (m *Manager) fail(err error) error {
	m.bus.Emit(bus.SessionError, err)
	if h := m.hooks(); h.OnSessionError != nil {
		h.OnSessionError(err)
	}
	return err
}

func (m *Manager) startMonitorLocked() {
	m.stopMonitorLocked()
	stop := make(chan struct{})
	m.stopMonitor = stop
	interval := m.opts.ExpiryCheckInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckExpiry()
			case <-stop:
				return
			}
		}
	}()
}

func (m *Manager) stopMonitorLocked() {
	if m.stopMonitor != nil {
		close(m.stopMonitor)
		m.stopMonitor = nil
	}
}
