package api

import (
	"context"

	"github.com/matheus3301/parla/internal/conversation"
	"github.com/matheus3301/parla/internal/presence"
)

// MessageService implements MessageServer on a conversation controller.
type MessageService struct {
	ctrl *conversation.Controller
}

// NewMessageService creates a new message service.
func NewMessageService(ctrl *conversation.Controller) *MessageService {
	return &MessageService{ctrl: ctrl}
}

func (s *MessageService) SendText(_ context.Context, req *SendTextRequest) (*MessageResponse, error) {
	m, err := s.ctrl.SendText(req.Text)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MessageResponse{Message: messageInfo(m)}, nil
}

func (s *MessageService) ListMessages(_ context.Context, _ *ListMessagesRequest) (*ListMessagesResponse, error) {
	msgs := s.ctrl.Messages()
	out := make([]MessageInfo, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageInfo(m))
	}
	return &ListMessagesResponse{Messages: out}, nil
}

func (s *MessageService) ToggleReaction(_ context.Context, req *ToggleReactionRequest) (*ToggleReactionResponse, error) {
	active, err := s.ctrl.ToggleReaction(req.MessageID, req.Emoji)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ToggleReactionResponse{Active: active}, nil
}

func (s *MessageService) SetActivity(ctx context.Context, req *SetActivityRequest) (*SetActivityResponse, error) {
	a, err := presence.ParseActivity(req.Activity)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.ctrl.SetActivity(ctx, a); err != nil {
		return nil, toStatus(err)
	}
	return &SetActivityResponse{}, nil
}

func (s *MessageService) RetryMessage(_ context.Context, req *RetryMessageRequest) (*RetryMessageResponse, error) {
	if err := s.ctrl.RetryMessage(req.MessageID); err != nil {
		return nil, toStatus(err)
	}
	return &RetryMessageResponse{}, nil
}
