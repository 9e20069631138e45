package ipc

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T, handler Handler) *Server {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(ServerConfig{
		SocketPath:  socketPath,
		IdleTimeout: 2 * time.Second,
	}, handler, discardLogger())

	if err := srv.Start(); err != nil {
		t.Fatalf("start server failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func connectTestClient(t *testing.T, srv *Server) *Client {
	t.Helper()

	client, err := Connect(ClientConfig{
		SocketPath: srv.SocketPath(),
		Timeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func echoErrorHandler(msg *Message) *Message {
	return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "unexpected request")
}

func TestServerPing(t *testing.T) {
	srv := startTestServer(t, HandlerFunc(echoErrorHandler))
	client := connectTestClient(t, srv)

	if err := client.Ping(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestServerStatusRoundTrip(t *testing.T) {
	handler := HandlerFunc(func(msg *Message) *Message {
		if msg.Header.Type != MsgStatusRequest {
			return echoErrorHandler(msg)
		}
		resp, err := NewResponse(MsgStatusResponse, msg.Header.RequestID, &StatusResponse{
			Version:    "test",
			DevicePath: "/dev/input/event3",
			DeviceName: "AT Translated Set 2 keyboard",
			Grabbed:    true,
			Stats:      StatsPayload{Transitions: 40, Actions: 40},
		})
		if err != nil {
			return nil
		}
		return resp
	})

	srv := startTestServer(t, handler)
	client := connectTestClient(t, srv)

	status, err := client.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.DevicePath != "/dev/input/event3" {
		t.Errorf("expected device /dev/input/event3, got %s", status.DevicePath)
	}
	if !status.Grabbed {
		t.Error("expected grabbed status")
	}
	if status.Stats.Transitions != 40 {
		t.Errorf("expected 40 transitions, got %d", status.Stats.Transitions)
	}
}

func TestServerErrorResponse(t *testing.T) {
	srv := startTestServer(t, HandlerFunc(echoErrorHandler))
	client := connectTestClient(t, srv)

	_, err := client.Status()
	if err == nil {
		t.Fatal("expected error from handler, got nil")
	}
}

func TestServerNilHandlerResponse(t *testing.T) {
	srv := startTestServer(t, HandlerFunc(func(msg *Message) *Message {
		return nil
	}))
	client := connectTestClient(t, srv)

	_, err := client.Status()
	if err == nil {
		t.Fatal("expected error for nil handler response, got nil")
	}
}

func TestServerSessionsRoundTrip(t *testing.T) {
	handler := HandlerFunc(func(msg *Message) *Message {
		if msg.Header.Type != MsgSessionsRequest {
			return echoErrorHandler(msg)
		}
		var req SessionsRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "bad payload")
		}
		if req.Limit != 5 {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "wrong limit")
		}
		resp, err := NewResponse(MsgSessionsResponse, msg.Header.RequestID, &SessionsResponse{
			Sessions: []SessionSummary{
				{ID: 2, DevicePath: "/dev/input/event3", Escalations: 1},
				{ID: 1, DevicePath: "/dev/input/event3"},
			},
		})
		if err != nil {
			return nil
		}
		return resp
	})

	srv := startTestServer(t, handler)
	client := connectTestClient(t, srv)

	sessions, err := client.Sessions(5)
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	if len(sessions.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions.Sessions))
	}
	if sessions.Sessions[0].ID != 2 {
		t.Errorf("expected newest session first, got id %d", sessions.Sessions[0].ID)
	}
}

func TestServerSequentialRequests(t *testing.T) {
	handler := HandlerFunc(func(msg *Message) *Message {
		resp, err := NewResponse(MsgSuspendResp, msg.Header.RequestID, &SuspendResponse{Success: true})
		if err != nil {
			return nil
		}
		return resp
	})

	srv := startTestServer(t, handler)
	client := connectTestClient(t, srv)

	for i := 0; i < 3; i++ {
		resp, err := client.Suspend()
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !resp.Success {
			t.Errorf("request %d: expected success", i)
		}
	}
}

func TestClientConnectNoDaemon(t *testing.T) {
	_, err := Connect(ClientConfig{
		SocketPath: filepath.Join(t.TempDir(), "absent.sock"),
		Timeout:    time.Second,
	})
	if !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestServerStopRemovesSocket(t *testing.T) {
	srv := startTestServer(t, HandlerFunc(echoErrorHandler))
	socketPath := srv.SocketPath()

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("expected socket to be removed, stat returned %v", err)
	}
}

func TestIsSocketListening(t *testing.T) {
	srv := startTestServer(t, HandlerFunc(echoErrorHandler))

	if !IsSocketListening(srv.SocketPath()) {
		t.Error("expected live server socket to report listening")
	}

	socketPath := srv.SocketPath()
	srv.Stop()
	if IsSocketListening(socketPath) {
		t.Error("expected stopped server socket to report not listening")
	}
}

func TestCleanupSocketMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.sock")
	if err := CleanupSocket(path); err != nil {
		t.Fatalf("expected nil for missing socket, got %v", err)
	}
}

func TestCleanupSocketNotASocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regular-file")
	if err := os.WriteFile(path, []byte("not a socket"), 0600); err != nil {
		t.Fatalf("write file failed: %v", err)
	}

	if err := CleanupSocket(path); err == nil {
		t.Fatal("expected error for non-socket file, got nil")
	}
}

func TestCleanupSocketRefusesLiveDaemon(t *testing.T) {
	srv := startTestServer(t, HandlerFunc(echoErrorHandler))

	if err := CleanupSocket(srv.SocketPath()); err == nil {
		t.Fatal("expected error for socket with live listener, got nil")
	}
}

func TestCleanupSocketRemovesStale(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "stale.sock")

	// Simulate a crash: a socket file with no listener behind it.
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	listener.(*net.UnixListener).SetUnlinkOnClose(false)
	listener.Close()

	if _, err := os.Stat(socketPath); err != nil {
		t.Fatalf("expected stale socket file to remain: %v", err)
	}

	if err := CleanupSocket(socketPath); err != nil {
		t.Fatalf("cleanup stale socket failed: %v", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("expected stale socket to be removed, stat returned %v", err)
	}
}
