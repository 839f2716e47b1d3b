// Package client dials a running meshd over its control socket.
package client

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matheus3301/meshlink/internal/api"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn       *grpc.ClientConn
	Connection *api.ConnectionServiceClient
	Sync       *api.SyncServiceClient
	Message    *api.MessageServiceClient
}

// New dials the daemon's Unix domain socket and returns typed service clients.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	return &Client{
		conn:       conn,
		Connection: api.NewConnectionServiceClient(conn),
		Sync:       api.NewSyncServiceClient(conn),
		Message:    api.NewMessageServiceClient(conn),
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
