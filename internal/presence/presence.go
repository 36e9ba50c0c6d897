// Package presence tracks which participants are attached to a session and
// what they are doing, over the session's presence channel.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/apperr"
	"github.com/matheus3301/parla/internal/bus"
	"github.com/matheus3301/parla/internal/realtime"
	"github.com/matheus3301/parla/internal/status"
	"github.com/matheus3301/parla/internal/wire"
)

// Activity is what a participant is currently doing.
type Activity string

const (
	Idle       Activity = "idle"
	Recording  Activity = "recording"
	Processing Activity = "processing"
	Typing     Activity = "typing"
)

// ParseActivity validates s.
func ParseActivity(s string) (Activity, error) {
	switch a := Activity(s); a {
	case Idle, Recording, Processing, Typing:
		return a, nil
	}
	return "", apperr.Newf(apperr.CodeValidation, "unknown activity %q", s)
}

// Record is the ephemeral view of one remote participant.
type Record struct {
	UserID   string
	Online   bool
	Activity Activity
	LastSeen time.Time
}

// Handlers receive partner changes. Nil fields are ignored.
type Handlers struct {
	OnPartnerPresenceChanged func(userID string, online bool)
	OnPartnerActivityChanged func(userID string, activity Activity)
}

// Service is the presence tracker for one connection.
type Service struct {
	conn *realtime.Connection
	bus  *bus.Bus
	log  *zap.Logger

	mu        sync.Mutex
	started   bool
	userID    string
	activity  Activity
	records   map[string]*Record
	handlers  Handlers
	stopWatch func()
}

// New creates a presence service on conn.
func New(conn *realtime.Connection, b *bus.Bus, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		conn:     conn,
		bus:      b,
		log:      log,
		activity: Idle,
		records:  make(map[string]*Record),
	}
}

// SetHandlers merges h into the current handler set.
func (s *Service) SetHandlers(h Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.OnPartnerPresenceChanged != nil {
		s.handlers.OnPartnerPresenceChanged = h.OnPartnerPresenceChanged
	}
	if h.OnPartnerActivityChanged != nil {
		s.handlers.OnPartnerActivityChanged = h.OnPartnerActivityChanged
	}
}

// Start joins the presence channel as the connection's user and announces
// the current activity. It re-announces every time the connection returns
// to connected. A channel that is not ready yet is not an error: the
// connection subscribes it on reconnect.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.userID = s.conn.UserID()
	s.mu.Unlock()

	stop := s.conn.OnStatusChange(func(c status.Change) {
		if c.To == status.Connected {
			s.announce(context.Background())
		}
	})
	s.mu.Lock()
	s.stopWatch = stop
	s.mu.Unlock()

	err := s.conn.Register(ctx, realtime.Presence, s.userID, s.onFrame)
	switch {
	case err == nil:
		s.announce(ctx)
	case apperr.Is(err, apperr.CodeSubscriptionNotReady), apperr.Is(err, apperr.CodeTransport):
		s.log.Warn("presence channel not ready", zap.Error(err))
	default:
		return fmt.Errorf("register presence: %w", err)
	}
	return nil
}

// SetActivity records and broadcasts the local activity.
func (s *Service) SetActivity(ctx context.Context, a Activity) error {
	if _, err := ParseActivity(string(a)); err != nil {
		return err
	}
	s.mu.Lock()
	s.activity = a
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	return s.publish(ctx)
}

// Activity returns the local activity.
func (s *Service) Activity() Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// Records returns the known remote participants sorted by user id.
func (s *Service) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Record) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}

// Partner returns the first online remote participant.
func (s *Service) Partner() (Record, bool) {
	for _, r := range s.Records() {
		if r.Online {
			return r, true
		}
	}
	return Record{}, false
}

// Stop leaves the presence channel and forgets every record.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop := s.stopWatch
	s.stopWatch = nil
	s.records = make(map[string]*Record)
	s.handlers = Handlers{}
	s.activity = Idle
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err := s.conn.Unregister(ctx, realtime.Presence); err != nil {
		s.log.Debug("presence unsubscribe failed", zap.Error(err))
	}
}

func (s *Service) announce(ctx context.Context) {
	if err := s.publish(ctx); err != nil {
		s.log.Warn("presence announce failed", zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context) error {
	s.mu.Lock()
	p := wire.Presence{UserID: s.userID, Activity: string(s.activity), Timestamp: time.Now().UnixMilli()}
	s.mu.Unlock()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.conn.Publish(ctx, realtime.Presence, data)
}

// change is a snapshot of a record plus which aspects moved.
type change struct {
	rec      Record
	presence bool
	activity bool
}

func (s *Service) onFrame(f wire.Frame) {
	now := time.Now()
	var changes []change
	add := func(c change, ok bool) {
		if ok {
			changes = append(changes, c)
		}
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	switch f.Type {
	case wire.FrameSync:
		present := make(map[string]bool, len(f.Members))
		for _, m := range f.Members {
			if m == s.userID {
				continue
			}
			present[m] = true
			add(s.setOnlineLocked(m, true, now))
		}
		for id := range s.records {
			if !present[id] {
				add(s.setOnlineLocked(id, false, now))
			}
		}
	case wire.FrameJoin:
		add(s.setOnlineLocked(f.From, true, now))
	case wire.FrameLeave:
		add(s.setOnlineLocked(f.From, false, now))
	case wire.FrameBroadcast:
		var p wire.Presence
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.Warn("dropping malformed presence payload", zap.Error(err))
			break
		}
		a, err := ParseActivity(p.Activity)
		if err != nil || p.UserID == "" || p.UserID == s.userID {
			break
		}
		r := s.recordLocked(p.UserID)
		r.LastSeen = now
		c := change{presence: !r.Online, activity: r.Activity != a}
		r.Online = true
		r.Activity = a
		c.rec = *r
		add(c, c.presence || c.activity)
	}
	h := s.handlers
	s.mu.Unlock()

	for _, c := range changes {
		s.raise(h, c)
	}
}

func (s *Service) recordLocked(userID string) *Record {
	r := s.records[userID]
	if r == nil {
		r = &Record{UserID: userID, Activity: Idle}
		s.records[userID] = r
	}
	return r
}

func (s *Service) setOnlineLocked(userID string, online bool, now time.Time) (change, bool) {
	if userID == "" || userID == s.userID {
		return change{}, false
	}
	r := s.recordLocked(userID)
	r.LastSeen = now
	if r.Online == online {
		return change{}, false
	}
	r.Online = online
	c := change{presence: true}
	if !online && r.Activity != Idle {
		// A departed participant cannot still be recording or typing.
		r.Activity = Idle
		c.activity = true
	}
	c.rec = *r
	return c, true
}

func (s *Service) raise(h Handlers, c change) {
	if c.presence {
		s.log.Info("partner presence changed", zap.String("user_id", c.rec.UserID), zap.Bool("online", c.rec.Online))
		s.bus.Emit(bus.PresenceChanged, c.rec)
		if h.OnPartnerPresenceChanged != nil {
			h.OnPartnerPresenceChanged(c.rec.UserID, c.rec.Online)
		}
	}
	if c.activity {
		s.bus.Emit(bus.ActivityChanged, c.rec)
		if h.OnPartnerActivityChanged != nil {
			h.OnPartnerActivityChanged(c.rec.UserID, c.rec.Activity)
		}
	}
}
