// Package config handles configuration loading, validation, and management for keynormd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Device configuration for keyboard discovery and capture.
	Device DeviceConfig `toml:"device" json:"device" yaml:"device"`

	// Calibration configuration for the scancode map.
	Calibration CalibrationConfig `toml:"calibration" json:"calibration" yaml:"calibration"`

	// Normalizer configuration for timing rules and signal keys.
	Normalizer NormalizerConfig `toml:"normalizer" json:"normalizer" yaml:"normalizer"`

	// Emitter configuration for the virtual output keyboard.
	Emitter EmitterConfig `toml:"emitter" json:"emitter" yaml:"emitter"`

	// Journal configuration for action history persistence.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Daemon configuration for process management.
	Daemon DaemonConfig `toml:"daemon" json:"daemon" yaml:"daemon"`

	// Power configuration for sleep/wake integration.
	Power PowerConfig `toml:"power" json:"power" yaml:"power"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// DeviceConfig holds keyboard discovery and capture configuration.
type DeviceConfig struct {
	// Path pins capture to a specific device node (e.g. /dev/input/event3).
	// When empty, the daemon discovers a keyboard automatically.
	Path string `toml:"path" json:"path" yaml:"path"`

	// NameContains restricts discovery to devices whose name contains
	// this substring (case-insensitive). Empty matches any keyboard.
	NameContains string `toml:"name_contains" json:"name_contains" yaml:"name_contains"`

	// IncludeVirtual allows discovery to pick virtual input devices.
	// Off by default so the daemon never grabs its own output device.
	IncludeVirtual bool `toml:"include_virtual" json:"include_virtual" yaml:"include_virtual"`

	// WatchHotplug re-runs discovery when /dev/input changes.
	WatchHotplug bool `toml:"watch_hotplug" json:"watch_hotplug" yaml:"watch_hotplug"`

	// ReconnectDelayMs is the initial backoff after losing the device.
	// The delay doubles per attempt up to ReconnectMaxDelayMs.
	ReconnectDelayMs int `toml:"reconnect_delay_ms" json:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`

	// ReconnectMaxDelayMs caps the reconnect backoff.
	ReconnectMaxDelayMs int `toml:"reconnect_max_delay_ms" json:"reconnect_max_delay_ms" yaml:"reconnect_max_delay_ms"`

	// ReconnectMaxAttempts bounds reconnection after device loss.
	// The daemon exits when the budget is exhausted. 0 retries
	// forever.
	ReconnectMaxAttempts int `toml:"reconnect_max_attempts" json:"reconnect_max_attempts" yaml:"reconnect_max_attempts"`
}

// CalibrationConfig holds scancode map configuration.
type CalibrationConfig struct {
	// Path is the calibration file written by `keynormd calibrate`.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Require refuses daemon startup when the calibration file is
	// missing. When false the daemon runs with an empty map and every
	// scancode resolves to its kernel keycode.
	Require bool `toml:"require" json:"require" yaml:"require"`
}

// NormalizerConfig holds timing thresholds and key designations.
type NormalizerConfig struct {
	// StickyShift enables the shift-tap-then-letter rule.
	StickyShift bool `toml:"sticky_shift" json:"sticky_shift" yaml:"sticky_shift"`

	// DoubleTapCapitalize enables the rapid-retap capitalization rule.
	DoubleTapCapitalize bool `toml:"double_tap_capitalize" json:"double_tap_capitalize" yaml:"double_tap_capitalize"`

	// StickyTapMs is the maximum shift press duration that arms
	// sticky shift.
	StickyTapMs int `toml:"sticky_tap_ms" json:"sticky_tap_ms" yaml:"sticky_tap_ms"`

	// DoubleTapMs is the release-to-press window for double-tap
	// capitalization.
	DoubleTapMs int `toml:"double_tap_ms" json:"double_tap_ms" yaml:"double_tap_ms"`

	// LongPressMs is the hold duration that escalates a designated key.
	LongPressMs int `toml:"long_press_ms" json:"long_press_ms" yaml:"long_press_ms"`

	// EscalationKeys are watched for long-press escalation.
	EscalationKeys []string `toml:"escalation_keys" json:"escalation_keys" yaml:"escalation_keys"`

	// HoldKeys have their release forwarded as a distinct signal.
	HoldKeys []string `toml:"hold_keys" json:"hold_keys" yaml:"hold_keys"`

	// EscalateSignalKey is the reserved identity emitted when a
	// long-press escalation fires. Must stay outside the typing
	// alphabet; what survives the downstream terminal is an
	// environment fact, so this is configurable rather than fixed.
	EscalateSignalKey string `toml:"escalate_signal_key" json:"escalate_signal_key" yaml:"escalate_signal_key"`

	// HoldReleaseSignalKey is the reserved identity emitted when a
	// designated hold key is released.
	HoldReleaseSignalKey string `toml:"hold_release_signal_key" json:"hold_release_signal_key" yaml:"hold_release_signal_key"`
}

// EmitterConfig holds virtual output keyboard configuration.
type EmitterConfig struct {
	// DeviceName is the name the virtual keyboard registers under.
	DeviceName string `toml:"device_name" json:"device_name" yaml:"device_name"`

	// UinputPath is the uinput device node.
	UinputPath string `toml:"uinput_path" json:"uinput_path" yaml:"uinput_path"`
}

// JournalConfig holds action history persistence configuration.
type JournalConfig struct {
	// Enabled determines whether derived actions are journaled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the path to the journal database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// RetentionDays is how long to keep journaled sessions.
	// Set to 0 to keep them forever.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-connection read/write timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// DaemonConfig holds process management configuration.
type DaemonConfig struct {
	// PidFile is the path to the PID file.
	PidFile string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`

	// ShutdownTimeoutSec bounds graceful shutdown.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

// PowerConfig holds sleep/wake integration configuration.
type PowerConfig struct {
	// WatchSleep suspends capture on system sleep via logind and
	// resumes it on wake.
	WatchSleep bool `toml:"watch_sleep" json:"watch_sleep" yaml:"watch_sleep"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dataDir := DataDir()

	return &Config{
		Version: Version,
		Device: DeviceConfig{
			Path:                 "",
			NameContains:         "",
			IncludeVirtual:       false,
			WatchHotplug:         true,
			ReconnectDelayMs:     500,
			ReconnectMaxDelayMs:  10000,
			ReconnectMaxAttempts: 30,
		},
		Calibration: CalibrationConfig{
			Path:    filepath.Join(dataDir, "calibration.json"),
			Require: false,
		},
		Normalizer: NormalizerConfig{
			StickyShift:          true,
			DoubleTapCapitalize:  true,
			StickyTapMs:          300,
			DoubleTapMs:          400,
			LongPressMs:          1000,
			EscalationKeys:       []string{"KEY_ESC"},
			HoldKeys:             []string{"KEY_SPACE"},
			EscalateSignalKey:    "KEY_F13",
			HoldReleaseSignalKey: "KEY_F14",
		},
		Emitter: EmitterConfig{
			DeviceName: "keynormd virtual keyboard",
			UinputPath: "/dev/uinput",
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          filepath.Join(dataDir, "journal.db"),
			BusyTimeoutMs: 5000,
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(StateDir(), "keynormd.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
			Compress:   true,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     DefaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 10,
			TimeoutSec:     30,
		},
		Daemon: DaemonConfig{
			PidFile:            filepath.Join(RuntimeDir(), "keynormd.pid"),
			ShutdownTimeoutSec: 10,
		},
		Power: PowerConfig{
			WatchSleep: true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Calibration.Path),
		filepath.Dir(c.Journal.Path),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.IPC.SocketPath),
		filepath.Dir(c.Daemon.PidFile),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with KEYNORMD_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("KEYNORMD_DEVICE"); v != "" {
		c.Device.Path = v
	}
	if v := os.Getenv("KEYNORMD_CALIBRATION_PATH"); v != "" {
		c.Calibration.Path = v
	}
	if v := os.Getenv("KEYNORMD_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("KEYNORMD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYNORMD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("KEYNORMD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("KEYNORMD_PID_FILE"); v != "" {
		c.Daemon.PidFile = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:     c.Version,
		Device:      c.Device,
		Calibration: c.Calibration,
		Normalizer:  c.Normalizer,
		Emitter:     c.Emitter,
		Journal:     c.Journal,
		Logging:     c.Logging,
		IPC:         c.IPC,
		Daemon:      c.Daemon,
		Power:       c.Power,
	}

	clone.Normalizer.EscalationKeys = append([]string{}, c.Normalizer.EscalationKeys...)
	clone.Normalizer.HoldKeys = append([]string{}, c.Normalizer.HoldKeys...)

	return clone
}
