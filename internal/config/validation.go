package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"keynormd/internal/keymap"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if deviceErrs := validateDevice(&c.Device); len(deviceErrs) > 0 {
		errs = append(errs, deviceErrs...)
	}

	if calErrs := validateCalibration(&c.Calibration); len(calErrs) > 0 {
		errs = append(errs, calErrs...)
	}

	if normErrs := validateNormalizer(&c.Normalizer); len(normErrs) > 0 {
		errs = append(errs, normErrs...)
	}

	if emitErrs := validateEmitter(&c.Emitter); len(emitErrs) > 0 {
		errs = append(errs, emitErrs...)
	}

	if journalErrs := validateJournal(&c.Journal); len(journalErrs) > 0 {
		errs = append(errs, journalErrs...)
	}

	if logErrs := validateLogging(&c.Logging); len(logErrs) > 0 {
		errs = append(errs, logErrs...)
	}

	if ipcErrs := validateIPC(&c.IPC); len(ipcErrs) > 0 {
		errs = append(errs, ipcErrs...)
	}

	if daemonErrs := validateDaemon(&c.Daemon); len(daemonErrs) > 0 {
		errs = append(errs, daemonErrs...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDevice(d *DeviceConfig) ValidationErrors {
	var errs ValidationErrors

	if d.Path != "" && !filepath.IsAbs(d.Path) {
		errs = append(errs, ValidationError{
			Field:   "device.path",
			Message: fmt.Sprintf("device path must be absolute: %s", d.Path),
		})
	}

	if d.ReconnectDelayMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "device.reconnect_delay_ms",
			Message: "reconnect delay must be at least 1 ms",
		})
	}

	if d.ReconnectMaxDelayMs < d.ReconnectDelayMs {
		errs = append(errs, ValidationError{
			Field:   "device.reconnect_max_delay_ms",
			Message: "max reconnect delay cannot be below the initial delay",
		})
	}

	if d.ReconnectMaxAttempts < 0 {
		errs = append(errs, ValidationError{
			Field:   "device.reconnect_max_attempts",
			Message: "reconnect attempts cannot be negative (0 retries forever)",
		})
	}

	return errs
}

func validateCalibration(c *CalibrationConfig) ValidationErrors {
	var errs ValidationErrors

	if c.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "calibration.path",
			Message: "calibration path is required",
		})
	}

	return errs
}

func validateNormalizer(n *NormalizerConfig) ValidationErrors {
	var errs ValidationErrors

	if n.StickyTapMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "normalizer.sticky_tap_ms",
			Message: "sticky tap threshold must be at least 1 ms",
		})
	}
	if n.DoubleTapMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "normalizer.double_tap_ms",
			Message: "double tap window must be at least 1 ms",
		})
	}
	if n.LongPressMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "normalizer.long_press_ms",
			Message: "long press threshold must be at least 1 ms",
		})
	}

	designated := make(map[keymap.Key]string)

	for _, name := range n.EscalationKeys {
		key, err := keymap.Parse(name)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "normalizer.escalation_keys",
				Message: err.Error(),
			})
			continue
		}
		if key.IsModifier() {
			errs = append(errs, ValidationError{
				Field:   "normalizer.escalation_keys",
				Message: fmt.Sprintf("%s is a modifier and cannot be an escalation key", key.Name()),
			})
			continue
		}
		designated[key] = "escalation"
	}

	for _, name := range n.HoldKeys {
		key, err := keymap.Parse(name)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "normalizer.hold_keys",
				Message: err.Error(),
			})
			continue
		}
		if key.IsModifier() {
			errs = append(errs, ValidationError{
				Field:   "normalizer.hold_keys",
				Message: fmt.Sprintf("%s is a modifier and cannot be a hold key", key.Name()),
			})
			continue
		}
		if role, dup := designated[key]; dup {
			errs = append(errs, ValidationError{
				Field:   "normalizer.hold_keys",
				Message: fmt.Sprintf("%s is already designated as an %s key", key.Name(), role),
			})
			continue
		}
		designated[key] = "hold"
	}

	signals := make(map[keymap.Key]struct{})
	for _, sig := range []struct {
		field string
		name  string
	}{
		{"normalizer.escalate_signal_key", n.EscalateSignalKey},
		{"normalizer.hold_release_signal_key", n.HoldReleaseSignalKey},
	} {
		key, err := keymap.Parse(sig.name)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   sig.field,
				Message: err.Error(),
			})
			continue
		}
		if key.IsAlphanumeric() || key.IsModifier() {
			errs = append(errs, ValidationError{
				Field:   sig.field,
				Message: fmt.Sprintf("%s is part of the typing alphabet; signal keys must sit outside it", key.Name()),
			})
			continue
		}
		if _, dup := designated[key]; dup {
			errs = append(errs, ValidationError{
				Field:   sig.field,
				Message: fmt.Sprintf("%s is already a designated input key", key.Name()),
			})
			continue
		}
		if _, dup := signals[key]; dup {
			errs = append(errs, ValidationError{
				Field:   sig.field,
				Message: "escalate and hold-release signal keys must differ",
			})
			continue
		}
		signals[key] = struct{}{}
	}

	return errs
}

func validateEmitter(e *EmitterConfig) ValidationErrors {
	var errs ValidationErrors

	if e.DeviceName == "" {
		errs = append(errs, ValidationError{
			Field:   "emitter.device_name",
			Message: "device name is required",
		})
	} else if len(e.DeviceName) > 80 {
		// uinput caps device names at UINPUT_MAX_NAME_SIZE (80).
		errs = append(errs, ValidationError{
			Field:   "emitter.device_name",
			Message: fmt.Sprintf("device name exceeds 80 bytes (%d)", len(e.DeviceName)),
		})
	}

	if e.UinputPath == "" {
		errs = append(errs, ValidationError{
			Field:   "emitter.uinput_path",
			Message: "uinput path is required",
		})
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors

	if !j.Enabled {
		return errs
	}

	if j.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "journal.path",
			Message: "journal path is required when journaling is enabled",
		})
	}

	if j.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	if j.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.retention_days",
			Message: "retention cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
		// Valid outputs
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.Permissions != "" {
		if matched, _ := regexp.MatchString(`^0[0-7]{3}$`, i.Permissions); !matched {
			errs = append(errs, ValidationError{
				Field:   "ipc.permissions",
				Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
			})
		}
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

func validateDaemon(d *DaemonConfig) ValidationErrors {
	var errs ValidationErrors

	if d.PidFile == "" {
		errs = append(errs, ValidationError{
			Field:   "daemon.pid_file",
			Message: "pid file path is required",
		})
	}

	if d.ShutdownTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "daemon.shutdown_timeout_sec",
			Message: "shutdown timeout must be at least 1 second",
		})
	}

	return errs
}
