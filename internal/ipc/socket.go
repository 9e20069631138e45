package ipc

import (
	"fmt"
	"net"
	"os"
	"time"
)

// CleanupSocket removes a stale socket file left behind by a crashed
// daemon. It refuses to touch the path if it is not a socket, or if
// a live daemon is still listening on it.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket: %w", err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}

	if IsSocketListening(path) {
		return fmt.Errorf("%s is in use by a running daemon", path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// IsSocketListening reports whether something is accepting
// connections on the socket at path.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
