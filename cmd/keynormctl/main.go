// keynormctl is the control CLI for keynormd.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"keynormd/internal/config"
	"keynormd/internal/ipc"
)

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket path (default: from config)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	switch flag.Arg(0) {
	case "status":
		cmdStatus()
	case "suspend":
		cmdSuspend()
	case "resume":
		cmdResume()
	case "reload":
		cmdReload()
	case "stats":
		cmdStats()
	case "sessions":
		cmdSessions()
	case "ping":
		cmdPing()
	case "shutdown":
		cmdShutdown()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `keynormctl - Control utility for keynormd

Usage: keynormctl [options] <command> [args]

Commands:
  status          Show daemon status
  suspend         Release the keyboard grab (input goes direct)
  resume          Retake the grab, discarding anything typed meanwhile
  reload          Re-read the calibration file
  stats           Show normalizer counters
  sessions [n]    List recent journal sessions (default 10)
  ping            Check that the daemon answers
  shutdown        Stop the daemon
  help            Show this help message

Options:
  -config <path>  Path to config file
  -socket <path>  Daemon socket path (default: from config)`)
}

// connect dials the daemon socket, resolving it from the config when
// no -socket override is given.
func connect() *ipc.Client {
	path := *socketPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		path = cfg.IPC.SocketPath
	}

	client, err := ipc.Connect(ipc.ClientConfig{SocketPath: path})
	if err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "keynormd is not running.")
			fmt.Fprintln(os.Stderr, "Start it with: keynormd run")
		} else {
			fmt.Fprintf(os.Stderr, "Error connecting to daemon: %v\n", err)
		}
		os.Exit(1)
	}
	return client
}

func cmdStatus() {
	client := connect()
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting status: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== keynormd Status ===")
	fmt.Println()
	fmt.Printf("Version:     %s\n", status.Version)
	fmt.Printf("Started:     %s\n", status.StartedAt.Format(time.RFC3339))
	fmt.Printf("Uptime:      %s\n", status.Uptime.Round(time.Second))
	fmt.Println()

	fmt.Printf("Device:      %s (%s)\n", status.DeviceName, status.DevicePath)
	switch {
	case status.Suspended:
		fmt.Println("Capture:     SUSPENDED (keyboard talks to the system directly)")
	case status.Grabbed:
		fmt.Println("Capture:     ACTIVE")
	default:
		fmt.Println("Capture:     NO DEVICE (reconnecting)")
	}
	fmt.Printf("Emitter:     %s\n", status.EmitterName)

	if status.CalibrationEntries == 0 {
		fmt.Println("Calibration: none (passthrough)")
	} else {
		fmt.Printf("Calibration: %d entries", status.CalibrationEntries)
		if status.CalibrationDevice != "" {
			fmt.Printf(" for %q", status.CalibrationDevice)
		}
		fmt.Println()
	}

	if status.SessionID != 0 {
		fmt.Printf("Session:     #%d\n", status.SessionID)
	}

	fmt.Println()
	fmt.Printf("Transitions: %d in, %d actions out\n", status.Stats.Transitions, status.Stats.Actions)
	fmt.Printf("Rules fired: %d sticky, %d double-tap, %d escalation, %d hold-release\n",
		status.Stats.StickyShifts, status.Stats.DoubleTaps,
		status.Stats.Escalations, status.Stats.HoldReleases)
}

func cmdSuspend() {
	client := connect()
	defer client.Close()

	resp, err := client.Suspend()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error suspending: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "Suspend refused: %s\n", resp.Error)
		os.Exit(1)
	}

	fmt.Println("Capture suspended. The keyboard talks to the system directly.")
	fmt.Println("Resume with: keynormctl resume")
}

func cmdResume() {
	client := connect()
	defer client.Close()

	resp, err := client.Resume()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resuming: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "Resume refused: %s\n", resp.Error)
		os.Exit(1)
	}

	if resp.Drained > 0 {
		fmt.Printf("Capture resumed. %d stale events discarded.\n", resp.Drained)
	} else {
		fmt.Println("Capture resumed.")
	}
}

func cmdReload() {
	client := connect()
	defer client.Close()

	resp, err := client.ReloadCalibration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reloading calibration: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "Reload rejected: %s\n", resp.Error)
		fmt.Fprintf(os.Stderr, "The previous calibration (%d entries) stays active.\n", resp.Entries)
		os.Exit(1)
	}

	fmt.Printf("Calibration reloaded: %d entries.\n", resp.Entries)
}

func cmdStats() {
	client := connect()
	defer client.Close()

	resp, err := client.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting stats: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Normalizer Statistics ===")
	fmt.Println()
	fmt.Printf("Transitions:   %d\n", resp.Stats.Transitions)
	fmt.Printf("Actions:       %d\n", resp.Stats.Actions)
	fmt.Printf("Sticky arms:   %d\n", resp.Stats.StickyArms)
	fmt.Printf("Sticky shifts: %d\n", resp.Stats.StickyShifts)
	fmt.Printf("Double taps:   %d\n", resp.Stats.DoubleTaps)
	fmt.Printf("Escalations:   %d\n", resp.Stats.Escalations)
	fmt.Printf("Hold releases: %d\n", resp.Stats.HoldReleases)
	fmt.Printf("Resets:        %d\n", resp.Stats.Resets)

	if resp.SessionID != 0 && len(resp.FiringCounts) > 0 {
		fmt.Println()
		fmt.Printf("Session #%d rule firings:\n", resp.SessionID)

		kinds := make([]string, 0, len(resp.FiringCounts))
		for kind := range resp.FiringCounts {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Printf("  %-14s %d\n", kind, resp.FiringCounts[kind])
		}
	}
}

func cmdSessions() {
	limit := 10
	if flag.NArg() >= 2 {
		if _, err := fmt.Sscanf(flag.Arg(1), "%d", &limit); err != nil || limit < 1 {
			fmt.Fprintln(os.Stderr, "Usage: keynormctl sessions [n]")
			os.Exit(2)
		}
	}

	client := connect()
	defer client.Close()

	resp, err := client.Sessions(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
		os.Exit(1)
	}

	if len(resp.Sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return
	}

	fmt.Printf("%-6s %-20s %-10s %-28s %s\n", "ID", "STARTED", "DURATION", "DEVICE", "RULES FIRED")
	fmt.Println(strings.Repeat("-", 92))
	for _, s := range resp.Sessions {
		duration := "open"
		if !s.EndedAt.IsZero() {
			duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		name := s.DeviceName
		if len(name) > 26 {
			name = name[:23] + "..."
		}
		rules := fmt.Sprintf("%d sticky, %d double, %d escalate, %d hold",
			s.StickyShifts, s.DoubleTaps, s.Escalations, s.HoldReleases)
		fmt.Printf("%-6d %-20s %-10s %-28s %s\n",
			s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), duration, name, rules)
	}
}

func cmdPing() {
	client := connect()
	defer client.Close()

	start := time.Now()
	if err := client.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "Ping failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("pong (%s)\n", time.Since(start).Round(time.Microsecond))
}

func cmdShutdown() {
	client := connect()
	defer client.Close()

	if err := client.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Error shutting down: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("keynormd is shutting down.")
}
