package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"INFO", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
		hasError bool
	}{
		{"text", FormatText, false},
		{"TEXT", FormatText, false},
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"", FormatText, false},
		{"xml", FormatText, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			format, err := ParseFormat(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && format != test.expected {
				t.Errorf("expected %v, got %v", test.expected, format)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := LevelString(test.level); got != test.expected {
				t.Errorf("expected %q, got %q", test.expected, got)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected level %v, got %v", LevelInfo, cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("expected format %v, got %v", FormatText, cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected output stderr, got %q", cfg.Output)
	}
	if cfg.MaxSize != 20 {
		t.Errorf("expected max size 20, got %d", cfg.MaxSize)
	}
	if cfg.MaxBackups != 3 {
		t.Errorf("expected max backups 3, got %d", cfg.MaxBackups)
	}
	if cfg.Component != "keynormd" {
		t.Errorf("expected component keynormd, got %q", cfg.Component)
	}
}

func TestNewWithNilConfig(t *testing.T) {
	logger, err := New(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Logger == nil {
		t.Error("expected non-nil slog.Logger")
	}
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "test.log")

	logger, err := New(&Config{
		Level:    LevelDebug,
		Format:   FormatJSON,
		Output:   "file",
		FilePath: logPath,
		MaxSize:  10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Info("hello", "device", "/dev/input/event3")
	logger.Debug("correlating scancode", "scancode", 458756)

	if err := logger.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("failed to open log file: %v", err)
	}
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("log line is not valid JSON: %v", err)
		}
		lines = append(lines, entry)
	}

	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if lines[0]["msg"] != "hello" {
		t.Errorf("expected msg hello, got %v", lines[0]["msg"])
	}
	if lines[0]["device"] != "/dev/input/event3" {
		t.Errorf("expected device /dev/input/event3, got %v", lines[0]["device"])
	}
	if lines[1]["level"] != "DEBUG" {
		t.Errorf("expected level DEBUG, got %v", lines[1]["level"])
	}
}

func TestWithComponent(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "component.log")

	logger, err := New(&Config{
		Level:    LevelInfo,
		Format:   FormatJSON,
		Output:   "file",
		FilePath: logPath,
		MaxSize:  10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	child := logger.WithComponent("source")
	child.Info("device grabbed")

	if err := logger.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry["component"] != "source" {
		t.Errorf("expected component source, got %v", entry["component"])
	}
}

func TestRotatorRotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "rotate.log")

	rotator, err := newFileRotator(&Config{
		FilePath:   logPath,
		MaxSize:    1, // 1 MB
		MaxBackups: 3,
		Compress:   false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rotator.Close()

	chunk := make([]byte, 600*1024)
	for i := range chunk {
		chunk[i] = 'a'
	}

	if _, err := rotator.Write(chunk); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	// The second write would exceed the 1 MB cap, forcing rotation first.
	if _, err := rotator.Write(chunk); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "rotate-*.log"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 rotated file, got %d", len(matches))
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("expected current log size %d, got %d", len(chunk), info.Size())
	}
}

func TestRotatorCleanup(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "app.log")

	rotator := &fileRotator{config: &Config{
		FilePath:   logPath,
		MaxBackups: 2,
	}}

	// Seed five rotated files with distinct mtimes, oldest first.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, "app-2024010"+string(rune('1'+i))+"-000000.log")
		if err := os.WriteFile(path, []byte("old"), 0640); err != nil {
			t.Fatalf("failed to seed rotated file: %v", err)
		}
		mtime := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("failed to set mtime: %v", err)
		}
	}

	rotator.cleanup()

	matches, err := filepath.Glob(filepath.Join(dir, "app-*.log"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("expected 2 rotated files after cleanup, got %d", len(matches))
	}
}

func TestCrashHandlerRecover(t *testing.T) {
	dir := t.TempDir()

	var reported CrashReport
	handler := NewCrashHandler(&CrashHandlerConfig{
		CrashDir:  dir,
		Version:   "test",
		Component: "engine",
		OnCrash:   func(r CrashReport) { reported = r },
	})

	handler.Recover(func() {
		panic("boom")
	})

	if reported.PanicValue != "boom" {
		t.Errorf("expected panic value boom, got %q", reported.PanicValue)
	}
	if reported.Component != "engine" {
		t.Errorf("expected component engine, got %q", reported.Component)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "crash-engine-*.json"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 crash dump, got %d", len(matches))
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("failed to read crash dump: %v", err)
	}
	var report CrashReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("crash dump is not valid JSON: %v", err)
	}
	if report.PanicValue != "boom" {
		t.Errorf("expected dump panic value boom, got %q", report.PanicValue)
	}
	if report.StackTrace == "" {
		t.Error("expected non-empty stack trace")
	}
}

func TestCleanupOldCrashReports(t *testing.T) {
	dir := t.TempDir()
	handler := NewCrashHandler(&CrashHandlerConfig{CrashDir: dir, Component: "engine"})

	oldPath := filepath.Join(dir, "crash-engine-20240101-000000.json")
	if err := os.WriteFile(oldPath, []byte("{}"), 0640); err != nil {
		t.Fatalf("failed to seed crash dump: %v", err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}

	freshPath := filepath.Join(dir, "crash-engine-20990101-000000.json")
	if err := os.WriteFile(freshPath, []byte("{}"), 0640); err != nil {
		t.Fatalf("failed to seed crash dump: %v", err)
	}

	if err := handler.CleanupOldCrashReports(24 * time.Hour); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("stale crash dump survived cleanup")
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Errorf("fresh crash dump removed: %v", err)
	}
}
