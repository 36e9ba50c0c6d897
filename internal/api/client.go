package api

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps a gRPC connection to the daemon.
type Client struct {
	conn    *grpc.ClientConn
	Session *SessionClient
	Message *MessageClient
}

// Dial connects to the daemon's Unix domain socket and returns typed service clients.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{
		conn:    conn,
		Session: NewSessionClient(conn),
		Message: NewMessageClient(conn),
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
