package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DialTimeout is the connect timeout Dial uses when the caller passes none.
// Call applies no default round-trip timeout; it sets a connection
// deadline only when its context carries one.
const DialTimeout = 5 * time.Second

// Client is a single connection to the daemon. Safe for concurrent Call
// invocations; requests are serialized over the one connection since the
// protocol has no built-in multiplexing.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex
}

// Dial connects to the daemon's socket.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DialTimeout
	}
	conn, err := dialRPC(socketPath, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Call sends cmd with args marshaled to JSON and waits for the matching
// response.
func (c *Client) Call(ctx context.Context, cmd string, args any) (Response, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Response{}, fmt.Errorf("marshaling args: %w", err)
	}
	req := Request{ID: uuid.NewString(), Cmd: cmd, Args: raw}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := writeFrame(c.conn, req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := readFrame(c.r, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
