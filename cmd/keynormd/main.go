// keynormd - Keyboard input normalization daemon
//
// keynormd grabs the physical keyboard, derives clean semantic actions
// from raw key timing (sticky shift, double-tap capitalization,
// long-press escalation, hold-release signaling), and re-emits them on
// a virtual keyboard device:
//
//	keynormd run          Run the daemon
//	keynormd calibrate    Record scancode bindings for the function row
//	keynormd devices      List input devices
//	keynormd status       Show daemon and data status
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"keynormd/internal/calibration"
	"keynormd/internal/config"
	"keynormd/internal/daemon"
	"keynormd/internal/device"
	"keynormd/internal/ipc"
	"keynormd/internal/journal"
	"keynormd/internal/logging"
	"keynormd/internal/source"
)

// Version is stamped by the release build.
var Version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		cmdRun()
	case "calibrate":
		cmdCalibrate()
	case "devices":
		cmdDevices()
	case "status":
		cmdStatus()
	case "version", "-v", "--version":
		fmt.Printf("keynormd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println(`keynormd - Keyboard input normalization daemon

USAGE:
    keynormd <command> [options]

COMMANDS:
    run         Run the daemon (-d to detach into the background)
    calibrate   Record scancode bindings for the function row
    devices     List input devices and their keyboard verdicts
    status      Show daemon, calibration, and journal status
    version     Print the version
    help        Show this help message

The daemon takes an exclusive grab on the physical keyboard and
re-emits normalized input on a virtual device, so the consuming
application sees clean press/release semantics regardless of what
the keyboard firmware does to the F-row.

Run 'keynormd <command> -h' for command options.`)
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	detach := fs.Bool("d", false, "detach and run in the background")
	fs.Parse(os.Args[2:])

	if *detach {
		daemonize(*configPath)
		return
	}

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}

	// First run: materialize the default config so there is a file
	// to edit.
	if _, created, err := config.LoadOrCreate(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	} else if created {
		fmt.Printf("Created default configuration at %s\n", path)
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logging.SetDefault(log)

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  logging.DefaultCrashDir(),
		Version:   Version,
		Component: "keynormd",
	})
	logging.SetDefaultCrashHandler(crash)
	crash.CleanupOldCrashReports(30 * 24 * time.Hour)
	defer func() {
		if r := recover(); r != nil {
			// The grab dies with the process; what matters is
			// leaving a dump behind.
			crash.HandlePanic(r, nil)
			os.Exit(1)
		}
	}()

	d := daemon.New(cfg, Version, log)

	if err := loader.Watch(); err != nil {
		log.Warn("config hot reload unavailable", "error", err)
	} else {
		defer loader.Close()
		d.WatchConfig(loader)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			d.ReloadCalibration()
		}
	}()

	fmt.Printf("keynormd %s (config %s)\n", Version, path)

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "keynormd: %v\n", err)
		os.Exit(1)
	}
}

// daemonize re-executes the run command in its own session and
// returns control to the shell. Logs go wherever the config points;
// stdout and stderr are discarded.
func daemonize(configPath string) {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving executable: %v\n", err)
		os.Exit(1)
	}

	args := []string{"run"}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("keynormd started (pid %d)\n", cmd.Process.Pid)
	cmd.Process.Release()
}

func cmdCalibrate() {
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	devicePath := fs.String("device", "", "input device node (default: discovered keyboard)")
	timeout := fs.Int("timeout", 30, "seconds to wait for each key")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)

	// The daemon holds the exclusive grab; two grabs cannot coexist.
	if pid, running := daemon.DaemonRunning(cfg.Daemon.PidFile); running {
		fmt.Fprintf(os.Stderr, "keynormd is running (pid %d) and holds the keyboard grab.\n", pid)
		fmt.Fprintln(os.Stderr, "Stop it first, or release the grab with: keynormctl suspend")
		os.Exit(1)
	}

	path := *devicePath
	if path == "" {
		path = cfg.Device.Path
	}
	if path == "" {
		info, err := device.Locate(device.Filter{
			NameContains: cfg.Device.NameContains,
			ExcludeNames: []string{cfg.Emitter.DeviceName},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error locating keyboard: %v\n", err)
			os.Exit(1)
		}
		path = info.Path
	}

	src, err := source.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", path, err)
		os.Exit(1)
	}
	defer src.Close()

	fmt.Printf("Calibrating %s (%s)\n", src.Name(), path)
	fmt.Println("Press Ctrl+C to abort.")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := calibration.RunWizard(ctx, calibration.WizardConfig{
		Out:         os.Stdout,
		Transitions: src.Transitions(),
		Timeout:     time.Duration(*timeout) * time.Second,
		Device:      src.Name(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Calibration failed: %v\n", err)
		os.Exit(1)
	}

	if err := m.Save(cfg.Calibration.Path); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving calibration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Saved %d entries to %s\n", m.Len(), cfg.Calibration.Path)
}

func cmdDevices() {
	devices, err := device.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing devices: %v\n", err)
		os.Exit(1)
	}

	if len(devices) == 0 {
		fmt.Println("No input devices found.")
		return
	}

	fmt.Printf("%-20s %-36s %-10s %s\n", "PATH", "NAME", "KEYBOARD", "PHYS")
	fmt.Println(strings.Repeat("-", 90))
	for _, dev := range devices {
		verdict := "no"
		if dev.Keyboard {
			verdict = "yes"
		}
		if dev.Virtual {
			verdict += " (virtual)"
		}
		name := dev.Name
		if len(name) > 34 {
			name = name[:31] + "..."
		}
		fmt.Printf("%-20s %-36s %-10s %s\n", dev.Path, name, verdict, dev.Phys)
	}
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)

	fmt.Println("=== keynormd Status ===")
	fmt.Println()

	pid, running := daemon.DaemonRunning(cfg.Daemon.PidFile)
	switch {
	case running:
		fmt.Printf("Daemon:      RUNNING (pid %d)\n", pid)
	case pid != 0:
		fmt.Printf("Daemon:      STALE PID FILE (pid %d not found)\n", pid)
	default:
		fmt.Println("Daemon:      NOT RUNNING")
	}

	if ipc.IsSocketListening(cfg.IPC.SocketPath) {
		fmt.Printf("Socket:      %s\n", cfg.IPC.SocketPath)
	} else {
		fmt.Println("Socket:      not listening")
	}

	deviceLine := cfg.Device.Path
	if deviceLine == "" {
		deviceLine = "auto-discover"
	}
	fmt.Printf("Device:      %s\n", deviceLine)

	cal, err := calibration.Load(cfg.Calibration.Path)
	switch {
	case err != nil:
		fmt.Printf("Calibration: unavailable (%v)\n", err)
	case cal.Len() == 0:
		fmt.Println("Calibration: none (passthrough); run 'keynormd calibrate'")
	default:
		fmt.Printf("Calibration: %d entries", cal.Len())
		if cal.Device() != "" {
			fmt.Printf(" for %q", cal.Device())
		}
		fmt.Println()
	}

	fmt.Println()
	printJournalSummary(cfg)
}

func printJournalSummary(cfg *config.Config) {
	if !cfg.Journal.Enabled {
		fmt.Println("Journal:     disabled")
		return
	}
	if _, err := os.Stat(cfg.Journal.Path); os.IsNotExist(err) {
		fmt.Println("Journal:     empty")
		return
	}

	j, err := journal.Open(cfg.Journal.Path, cfg.Journal.BusyTimeoutMs)
	if err != nil {
		fmt.Printf("Journal:     error (%v)\n", err)
		return
	}
	defer j.Close()

	last, err := j.LastSession()
	if err != nil {
		fmt.Printf("Journal:     error (%v)\n", err)
		return
	}
	if last == nil {
		fmt.Println("Journal:     no sessions recorded")
		return
	}

	fmt.Println("Last session:")
	fmt.Printf("  Device:      %s (%s)\n", last.DeviceName, last.DevicePath)
	fmt.Printf("  Started:     %s\n", last.StartedAt.Format(time.RFC3339))
	if last.EndedAt.IsZero() {
		fmt.Println("  Ended:       still open")
	} else {
		fmt.Printf("  Ended:       %s\n", last.EndedAt.Format(time.RFC3339))
		fmt.Printf("  Transitions: %d\n", last.Transitions)
		fmt.Printf("  Actions:     %d\n", last.Actions)
		fmt.Printf("  Rules fired: %d sticky, %d double-tap, %d escalation, %d hold-release\n",
			last.StickyShifts, last.DoubleTaps, last.Escalations, last.HoldReleases)
	}
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "keynormd",
	})
}
