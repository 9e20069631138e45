package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Directory layout follows the XDG Base Directory Specification. The
// daemon is Linux-only (evdev and uinput have no portable equivalent),
// so there are no per-platform branches here.

// DataDir returns the base data directory, honoring KEYNORMD_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("KEYNORMD_DATA_DIR"); envDir != "" {
		return envDir
	}
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "keynormd")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "keynormd")
	}
	return filepath.Join(homeDir, ".local", "share", "keynormd")
}

// ConfigDir returns the configuration directory.
func ConfigDir() string {
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "keynormd")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "keynormd")
	}
	return filepath.Join(homeDir, ".config", "keynormd")
}

// StateDir returns the state directory used for logs.
func StateDir() string {
	if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
		return filepath.Join(stateHome, "keynormd")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "keynormd")
	}
	return filepath.Join(homeDir, ".local", "state", "keynormd")
}

// RuntimeDir returns the runtime directory for the socket and PID file.
func RuntimeDir() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "keynormd")
	}
	return fmt.Sprintf("/tmp/keynormd-%d", os.Getuid())
}

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	return filepath.Join(RuntimeDir(), "keynormd.sock")
}
