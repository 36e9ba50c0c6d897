package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/conversation"
)

// DefaultNamespaces are streamed by WatchEvents when the request names none.
var DefaultNamespaces = []string{"session.", "message.", "presence.", "connection.", "sync."}

// SessionService implements SessionServer on a conversation controller.
type SessionService struct {
	profile   string
	startedAt time.Time
	ctrl      *conversation.Controller
	log       *zap.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(profile string, ctrl *conversation.Controller, log *zap.Logger) *SessionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		ctrl:      ctrl,
		log:       log,
	}
}

func (s *SessionService) CreateSession(ctx context.Context, _ *CreateSessionRequest) (*SessionResponse, error) {
	st, err := s.ctrl.CreateSession(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SessionResponse{Session: sessionInfo(st)}, nil
}

func (s *SessionService) JoinSession(ctx context.Context, req *JoinSessionRequest) (*SessionResponse, error) {
	st, err := s.ctrl.JoinSession(ctx, req.Code)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SessionResponse{Session: sessionInfo(st)}, nil
}

func (s *SessionService) LeaveSession(ctx context.Context, _ *LeaveSessionRequest) (*LeaveSessionResponse, error) {
	if err := s.ctrl.LeaveSession(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &LeaveSessionResponse{}, nil
}

func (s *SessionService) GetStatus(_ context.Context, _ *GetStatusRequest) (*StatusResponse, error) {
	snap := s.ctrl.Status()
	resp := &StatusResponse{
		Profile:       s.profile,
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
		Connection:    string(snap.Connection),
		LocalActivity: string(snap.LocalActivity),
		MessageCount:  snap.Messages,
	}
	if snap.Session != nil {
		info := sessionInfo(*snap.Session)
		resp.Session = &info
	}
	if snap.Partner != nil {
		info := partnerInfo(*snap.Partner)
		resp.Partner = &info
	}
	return resp, nil
}

func (s *SessionService) Reconnect(_ context.Context, _ *ReconnectRequest) (*ReconnectResponse, error) {
	if err := s.ctrl.Reconnect(); err != nil {
		return nil, toStatus(err)
	}
	return &ReconnectResponse{Connection: string(s.ctrl.Status().Connection)}, nil
}

func (s *SessionService) WatchEvents(req *WatchEventsRequest, stream EventStream) error {
	namespaces := req.Namespaces
	if len(namespaces) == 0 {
		namespaces = DefaultNamespaces
	}
	ch, unsub := s.ctrl.Bus().SubscribeMany(256, namespaces...)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := eventPayload(evt.Payload)
			if err != nil {
				s.log.Warn("drop unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(&Event{
				ID:           uuid.NewString(),
				Kind:         evt.Kind,
				OccurredAtMs: evt.Timestamp.UnixMilli(),
				Payload:      payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
