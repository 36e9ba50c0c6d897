package api

import (
	"context"
	"io"

	"google.golang.org/grpc"
)

const (
	SessionServiceName = "parla.v1.SessionService"
	MessageServiceName = "parla.v1.MessageService"
)

// SessionServer is the session half of the local control API.
type SessionServer interface {
	CreateSession(context.Context, *CreateSessionRequest) (*SessionResponse, error)
	JoinSession(context.Context, *JoinSessionRequest) (*SessionResponse, error)
	LeaveSession(context.Context, *LeaveSessionRequest) (*LeaveSessionResponse, error)
	GetStatus(context.Context, *GetStatusRequest) (*StatusResponse, error)
	Reconnect(context.Context, *ReconnectRequest) (*ReconnectResponse, error)
	WatchEvents(*WatchEventsRequest, EventStream) error
}

// MessageServer is the conversation half of the local control API.
type MessageServer interface {
	SendText(context.Context, *SendTextRequest) (*MessageResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	ToggleReaction(context.Context, *ToggleReactionRequest) (*ToggleReactionResponse, error)
	SetActivity(context.Context, *SetActivityRequest) (*SetActivityResponse, error)
	RetryMessage(context.Context, *RetryMessageRequest) (*RetryMessageResponse, error)
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*Event) error
	Context() context.Context
}

type eventStream struct{ grpc.ServerStream }

func (s eventStream) Send(e *Event) error { return s.SendMsg(e) }

// unary builds a method descriptor around a typed handler.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(srv.(S), ctx, r.(*Req))
			})
		},
	}
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "CreateSession", SessionServer.CreateSession),
		unary(SessionServiceName, "JoinSession", SessionServer.JoinSession),
		unary(SessionServiceName, "LeaveSession", SessionServer.LeaveSession),
		unary(SessionServiceName, "GetStatus", SessionServer.GetStatus),
		unary(SessionServiceName, "Reconnect", SessionServer.Reconnect),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			req := new(WatchEventsRequest)
			if err := stream.RecvMsg(req); err != nil {
				return err
			}
			return srv.(SessionServer).WatchEvents(req, eventStream{stream})
		},
	}},
	Metadata: "parla/v1/session.json",
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "SendText", MessageServer.SendText),
		unary(MessageServiceName, "ListMessages", MessageServer.ListMessages),
		unary(MessageServiceName, "ToggleReaction", MessageServer.ToggleReaction),
		unary(MessageServiceName, "SetActivity", MessageServer.SetActivity),
		unary(MessageServiceName, "RetryMessage", MessageServer.RetryMessage),
	},
	Metadata: "parla/v1/message.json",
}

// RegisterSessionServer registers srv on s.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&sessionServiceDesc, srv)
}

// RegisterMessageServer registers srv on s.
func RegisterMessageServer(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&messageServiceDesc, srv)
}

// SessionClient calls SessionService.
type SessionClient struct{ cc grpc.ClientConnInterface }

func NewSessionClient(cc grpc.ClientConnInterface) *SessionClient { return &SessionClient{cc: cc} }

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, req any) (*Resp, error) {
	resp := new(Resp)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, req, resp, CallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *SessionClient) CreateSession(ctx context.Context, req *CreateSessionRequest) (*SessionResponse, error) {
	return invoke[SessionResponse](ctx, c.cc, SessionServiceName, "CreateSession", req)
}

func (c *SessionClient) JoinSession(ctx context.Context, req *JoinSessionRequest) (*SessionResponse, error) {
	return invoke[SessionResponse](ctx, c.cc, SessionServiceName, "JoinSession", req)
}

func (c *SessionClient) LeaveSession(ctx context.Context, req *LeaveSessionRequest) (*LeaveSessionResponse, error) {
	return invoke[LeaveSessionResponse](ctx, c.cc, SessionServiceName, "LeaveSession", req)
}

func (c *SessionClient) GetStatus(ctx context.Context, req *GetStatusRequest) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, SessionServiceName, "GetStatus", req)
}

func (c *SessionClient) Reconnect(ctx context.Context, req *ReconnectRequest) (*ReconnectResponse, error) {
	return invoke[ReconnectResponse](ctx, c.cc, SessionServiceName, "Reconnect", req)
}

// EventReceiver is the client side of WatchEvents.
type EventReceiver struct{ stream grpc.ClientStream }

// Recv blocks for the next event. It returns io.EOF when the server ends the stream.
func (r *EventReceiver) Recv() (*Event, error) {
	e := new(Event)
	if err := r.stream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (c *SessionClient) WatchEvents(ctx context.Context, req *WatchEventsRequest) (*EventReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &sessionServiceDesc.Streams[0], "/"+SessionServiceName+"/WatchEvents", CallOption())
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil && err != io.EOF {
		return nil, err
	}
	return &EventReceiver{stream: stream}, nil
}

// MessageClient calls MessageService.
type MessageClient struct{ cc grpc.ClientConnInterface }

func NewMessageClient(cc grpc.ClientConnInterface) *MessageClient { return &MessageClient{cc: cc} }

func (c *MessageClient) SendText(ctx context.Context, req *SendTextRequest) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c.cc, MessageServiceName, "SendText", req)
}

func (c *MessageClient) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c.cc, MessageServiceName, "ListMessages", req)
}

func (c *MessageClient) ToggleReaction(ctx context.Context, req *ToggleReactionRequest) (*ToggleReactionResponse, error) {
	return invoke[ToggleReactionResponse](ctx, c.cc, MessageServiceName, "ToggleReaction", req)
}

func (c *MessageClient) SetActivity(ctx context.Context, req *SetActivityRequest) (*SetActivityResponse, error) {
	return invoke[SetActivityResponse](ctx, c.cc, MessageServiceName, "SetActivity", req)
}

func (c *MessageClient) RetryMessage(ctx context.Context, req *RetryMessageRequest) (*RetryMessageResponse, error) {
	return invoke[RetryMessageResponse](ctx, c.cc, MessageServiceName, "RetryMessage", req)
}
