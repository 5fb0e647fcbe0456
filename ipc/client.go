package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/ocvpn/common"
)

// Client is one connection to the session host. Calls are serialized so
// that each response pairs with the request before it.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	path string
}

// Dial connects to the host listening on path.
func Dial(ctx context.Context, path string) (*Client, error) {
	dialer := net.Dialer{Timeout: common.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		if isNoDaemon(err) {
			return nil, fmt.Errorf("%w at %s", common.ErrNoDaemon, path)
		}
		return nil, fmt.Errorf("%w: connect to %s: %w", common.ErrIPC, path, err)
	}
	return &Client{conn: conn, path: path}, nil
}

func isNoDaemon(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Path returns the endpoint the client is connected to.
func (c *Client) Path() string {
	return c.path
}

// Do sends req and waits for its response. Cancelling ctx aborts the
// exchange; the connection is unusable afterwards.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %w", common.ErrIPC, err)
	}

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := WriteFrame(c.conn, req); err != nil {
		return nil, err
	}
	var resp Response
	if err := ReadFrame(c.conn, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrIPC, ctx.Err())
		}
		return nil, err
	}
	if resp.Kind != req.Command {
		return nil, fmt.Errorf("%w: expected %s response, got %q", common.ErrIPC, req.Command, resp.Kind)
	}
	return &resp, nil
}

// Start asks the host to connect.
func (c *Client) Start(ctx context.Context, name, server string, allowInsecure bool, cookie string) (*StartResult, error) {
	resp, err := c.Do(ctx, StartRequest(name, server, allowInsecure, cookie))
	if err != nil {
		return nil, err
	}
	if resp.Start == nil {
		return nil, fmt.Errorf("%w: empty start result", common.ErrIPC)
	}
	return resp.Start, nil
}

// Stop asks the host to disconnect. The result names the session that was
// stopped, or is empty when there was none.
func (c *Client) Stop(ctx context.Context) (*StopResult, error) {
	resp, err := c.Do(ctx, Request{Command: CmdStop})
	if err != nil {
		return nil, err
	}
	if resp.Stop == nil {
		return nil, fmt.Errorf("%w: empty stop result", common.ErrIPC)
	}
	return resp.Stop, nil
}

// Info returns the host's session snapshot.
func (c *Client) Info(ctx context.Context) (*InfoResult, error) {
	resp, err := c.Do(ctx, Request{Command: CmdInfo})
	if err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return nil, fmt.Errorf("%w: empty info result", common.ErrIPC)
	}
	return resp.Info, nil
}
