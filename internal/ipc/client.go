package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// ErrDaemonNotRunning indicates no daemon is listening on the
// socket.
var ErrDaemonNotRunning = errors.New("daemon is not running")

const defaultClientTimeout = 5 * time.Second

// ClientConfig configures a client connection.
type ClientConfig struct {
	SocketPath string
	Timeout    time.Duration
}

// Client is a synchronous IPC client. Each call sends one request
// and waits for its response. A Client is not safe for concurrent
// use.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	nextID  uint32
}

// Connect dials the daemon socket.
func Connect(cfg ClientConfig) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}

	conn, err := net.DialTimeout("unix", cfg.SocketPath, timeout)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, ErrDaemonNotRunning
		}
		return nil, fmt.Errorf("connect to %s: %w", cfg.SocketPath, err)
	}

	return &Client{conn: conn, timeout: timeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// request sends one message and reads its response. Error responses
// from the daemon are surfaced as Go errors.
func (c *Client) request(msgType MessageType, payload any) (*Message, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	c.nextID++
	msg := NewMessage(msgType, c.nextID, data)

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := msg.Write(c.conn); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	resp, err := ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.Header.RequestID != msg.Header.RequestID {
		return nil, fmt.Errorf("response id mismatch: sent %d, got %d",
			msg.Header.RequestID, resp.Header.RequestID)
	}

	if resp.Header.Type == MsgError {
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode error response: %w", err)
		}
		return nil, fmt.Errorf("daemon error: %s", e.Message)
	}

	return resp, nil
}

// call sends a request and decodes the expected response type into
// out. Pass nil to discard the payload.
func (c *Client) call(reqType MessageType, reqPayload any, respType MessageType, out any) error {
	resp, err := c.request(reqType, reqPayload)
	if err != nil {
		return err
	}
	if resp.Header.Type != respType {
		return fmt.Errorf("unexpected response type %#04x", uint16(resp.Header.Type))
	}
	if out != nil {
		if err := Decode(resp.Payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Ping checks that the daemon is responsive.
func (c *Client) Ping() error {
	return c.call(MsgPing, nil, MsgPong, nil)
}

// Status fetches the daemon's current state.
func (c *Client) Status() (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(MsgStatusRequest, nil, MsgStatusResponse, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Suspend releases the keyboard grab so the physical device talks to
// the system directly again.
func (c *Client) Suspend() (*SuspendResponse, error) {
	var resp SuspendResponse
	if err := c.call(MsgSuspend, nil, MsgSuspendResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resume retakes the keyboard grab.
func (c *Client) Resume() (*ResumeResponse, error) {
	var resp ResumeResponse
	if err := c.call(MsgResume, nil, MsgResumeResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReloadCalibration re-reads the calibration map from disk.
func (c *Client) ReloadCalibration() (*ReloadCalibrationResponse, error) {
	var resp ReloadCalibrationResponse
	if err := c.call(MsgReloadCalibration, nil, MsgReloadCalibrationResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats fetches the live normalizer counters.
func (c *Client) Stats() (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.call(MsgStatsRequest, nil, MsgStatsResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sessions lists recent journal sessions, newest first.
func (c *Client) Sessions(limit int) (*SessionsResponse, error) {
	var resp SessionsResponse
	req := SessionsRequest{Limit: limit}
	if err := c.call(MsgSessionsRequest, &req, MsgSessionsResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown() error {
	var resp ShutdownResponse
	return c.call(MsgShutdown, nil, MsgShutdownResp, &resp)
}
