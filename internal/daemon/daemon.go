// Package daemon wires capture, normalization, and emission into the
// long-running engine and owns every piece of its runtime state.
//
// All normalizer and session state belongs to the single engine
// goroutine. Everything that wants to touch it, including IPC
// requests and config reloads, goes through the engine's channels
// and runs at a loop boundary.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"keynormd/internal/calibration"
	"keynormd/internal/config"
	"keynormd/internal/device"
	"keynormd/internal/emitter"
	"keynormd/internal/ipc"
	"keynormd/internal/journal"
	"keynormd/internal/keymap"
	"keynormd/internal/logging"
	"keynormd/internal/normalizer"
	"keynormd/internal/power"
	"keynormd/internal/source"
)

// inputSource is the capture surface the engine drives. *source.Capture
// implements it in production; tests feed a *source.Replay.
type inputSource interface {
	Transitions() <-chan source.Transition
	Errors() <-chan error
	Ungrab() error
	Regrab() error
	Drain() int
	Close() error
}

// actionSink receives derived actions. *emitter.Emitter implements it.
type actionSink interface {
	Emit(a normalizer.Action) error
	Close() error
}

// request carries one IPC message onto the engine goroutine.
type request struct {
	msg   *ipc.Message
	reply chan *ipc.Message
}

// Daemon is the keynormd engine plus the subsystems around it.
type Daemon struct {
	cfg     *config.Config
	log     *logging.Logger
	version string

	norm *normalizer.Normalizer
	cal  *calibration.Map

	src     inputSource
	device  device.Info
	emit    actionSink
	journal *journal.Journal
	monitor *device.Monitor
	power   *power.Watcher
	server  *ipc.Server
	pidfile *Pidfile

	// openSource and openEmitter exist so tests can substitute a
	// replay source and a recording sink.
	openSource  func() (inputSource, device.Info, error)
	openEmitter func() (actionSink, error)

	requests   chan request
	reloads    chan *config.Config
	calReloads chan struct{}

	startedAt time.Time
	suspended bool
	sleeping  bool

	reconnectAttempts int
	reconnectDelay    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a daemon from validated configuration. Nothing is opened
// until Run.
func New(cfg *config.Config, version string, log *logging.Logger) *Daemon {
	if log == nil {
		log = logging.Default()
	}

	d := &Daemon{
		cfg:        cfg,
		log:        log.WithComponent("daemon"),
		version:    version,
		requests:   make(chan request, 8),
		reloads:    make(chan *config.Config, 1),
		calReloads: make(chan struct{}, 1),
	}
	d.openSource = d.openCaptureSource
	d.openEmitter = d.openUinputEmitter
	return d
}

// WatchConfig registers for hot reloads from the loader. Only the
// normalizer timings and the log level apply live; everything else
// needs a restart and says so in the log.
func (d *Daemon) WatchConfig(loader *config.Loader) {
	loader.OnChange(func(cfg *config.Config) {
		select {
		case d.reloads <- cfg:
		default:
			// A reload is already queued; the watcher fires again on
			// the next write, so dropping this one loses nothing.
		}
	})
}

// Run starts every subsystem and blocks in the engine loop until ctx
// is canceled, a shutdown request arrives, or reconnection gives out.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()

	d.startedAt = time.Now()

	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	pf, err := AcquirePidfile(d.cfg.Daemon.PidFile)
	if err != nil {
		return err
	}
	d.pidfile = pf
	defer d.pidfile.Release()

	if err := d.startJournal(); err != nil {
		d.log.Warn("journal unavailable", "error", err)
	}
	defer d.closeJournal()

	// The emitter comes up before the grab is taken so a uinput
	// failure never leaves the physical keyboard stolen for nothing.
	sink, err := d.openEmitter()
	if err != nil {
		return fmt.Errorf("open emitter: %w", err)
	}
	d.emit = sink
	defer d.emit.Close()

	if err := d.loadCalibration(); err != nil {
		return err
	}
	d.norm = normalizer.New(normalizerConfig(d.cfg), d.cal)

	src, info, err := d.openSource()
	if err != nil {
		return fmt.Errorf("open input device: %w", err)
	}
	d.attachSource(src, info)
	defer d.detachSource()

	d.startMonitor()
	defer d.stopMonitor()

	d.startPower()
	defer d.stopPower()

	if err := d.startIPC(); err != nil {
		return err
	}
	defer d.stopIPC()

	d.log.Info("keynormd running",
		"version", d.version,
		"device", d.device.Path,
		"device_name", d.device.Name,
		"calibration_entries", d.cal.Len())

	return d.run()
}

// Stop asks the engine to shut down. Safe from any goroutine.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// ReloadCalibration asks the engine to re-read the calibration file at
// the next loop boundary. Safe from any goroutine; the SIGHUP handler
// uses it.
func (d *Daemon) ReloadCalibration() {
	select {
	case d.calReloads <- struct{}{}:
	default:
	}
}

// openCaptureSource locates a keyboard and takes the exclusive grab.
func (d *Daemon) openCaptureSource() (inputSource, device.Info, error) {
	info, err := d.locateDevice()
	if err != nil {
		return nil, device.Info{}, err
	}

	capture, err := source.Open(info.Path)
	if err != nil {
		return nil, device.Info{}, fmt.Errorf("open %s: %w", info.Path, err)
	}
	return capture, info, nil
}

func (d *Daemon) locateDevice() (device.Info, error) {
	if d.cfg.Device.Path != "" {
		return device.Info{Path: d.cfg.Device.Path, Name: "pinned device", Keyboard: true}, nil
	}
	return device.Locate(d.deviceFilter())
}

func (d *Daemon) deviceFilter() device.Filter {
	return device.Filter{
		NameContains:   d.cfg.Device.NameContains,
		IncludeVirtual: d.cfg.Device.IncludeVirtual,
		ExcludeNames:   []string{d.cfg.Emitter.DeviceName},
	}
}

func (d *Daemon) openUinputEmitter() (actionSink, error) {
	return emitter.New(emitterConfig(d.cfg))
}

func (d *Daemon) loadCalibration() error {
	cal, err := calibration.Load(d.cfg.Calibration.Path)
	if err != nil {
		if d.cfg.Calibration.Require {
			return fmt.Errorf("calibration required by config: %w", err)
		}
		d.log.Warn("calibration unavailable, running as passthrough",
			"path", d.cfg.Calibration.Path, "error", err)
	}
	d.cal = cal
	return nil
}

func (d *Daemon) startJournal() error {
	if !d.cfg.Journal.Enabled {
		return nil
	}

	j, err := journal.Open(d.cfg.Journal.Path, d.cfg.Journal.BusyTimeoutMs)
	if err != nil {
		return err
	}
	d.journal = j

	if days := d.cfg.Journal.RetentionDays; days > 0 {
		pruned, err := j.Prune(time.Duration(days) * 24 * time.Hour)
		if err != nil {
			d.log.Warn("journal prune failed", "error", err)
		} else if pruned > 0 {
			d.log.Info("pruned old journal sessions", "sessions", pruned)
		}
	}
	return nil
}

func (d *Daemon) closeJournal() {
	if d.journal == nil {
		return
	}
	if d.journal.CurrentSession() != 0 {
		if err := d.journal.EndSession(d.norm.Stats()); err != nil {
			d.log.Warn("end journal session failed", "error", err)
		}
	}
	d.journal.Close()
	d.journal = nil
}

// attachSource adopts a freshly opened capture and starts a journal
// session for it.
func (d *Daemon) attachSource(src inputSource, info device.Info) {
	d.src = src
	d.device = info
	d.suspended = false

	if d.journal != nil {
		if _, err := d.journal.BeginSession(info.Path, info.Name); err != nil {
			d.log.Warn("begin journal session failed", "error", err)
		}
	}
}

// detachSource closes the capture and ends the journal session.
func (d *Daemon) detachSource() {
	if d.src == nil {
		return
	}
	d.src.Close()
	d.src = nil

	if d.journal != nil && d.journal.CurrentSession() != 0 {
		if err := d.journal.EndSession(d.norm.Stats()); err != nil {
			d.log.Warn("end journal session failed", "error", err)
		}
	}
}

func (d *Daemon) startMonitor() {
	if !d.cfg.Device.WatchHotplug {
		return
	}
	d.monitor = device.NewMonitor(d.deviceFilter())
	if err := d.monitor.Start(); err != nil {
		d.log.Warn("hotplug watching unavailable", "error", err)
		d.monitor = nil
	}
}

func (d *Daemon) stopMonitor() {
	if d.monitor != nil {
		d.monitor.Stop()
		d.monitor = nil
	}
}

func (d *Daemon) startPower() {
	if !d.cfg.Power.WatchSleep {
		return
	}
	d.power = power.NewWatcher(d.log.Logger)
	if err := d.power.Start(); err != nil {
		d.log.Warn("sleep watching unavailable", "error", err)
		d.power = nil
	}
}

func (d *Daemon) stopPower() {
	if d.power != nil {
		d.power.Stop()
		d.power = nil
	}
}

func (d *Daemon) startIPC() error {
	if !d.cfg.IPC.Enabled {
		return nil
	}

	mode, err := strconv.ParseUint(d.cfg.IPC.Permissions, 8, 32)
	if err != nil {
		return fmt.Errorf("parse socket permissions %q: %w", d.cfg.IPC.Permissions, err)
	}

	d.server = ipc.NewServer(ipc.ServerConfig{
		SocketPath:     d.cfg.IPC.SocketPath,
		MaxConnections: d.cfg.IPC.MaxConnections,
		IdleTimeout:    time.Duration(d.cfg.IPC.TimeoutSec) * time.Second,
		SocketMode:     os.FileMode(mode),
	}, d, d.log.Logger)

	return d.server.Start()
}

func (d *Daemon) stopIPC() {
	if d.server != nil {
		d.server.Stop()
		d.server = nil
	}
}

// normalizerConfig translates file configuration into the normalizer's
// terms. Key names were validated at load time; anything that still
// fails to parse is skipped.
func normalizerConfig(cfg *config.Config) normalizer.Config {
	return normalizer.Config{
		StickyShift:         cfg.Normalizer.StickyShift,
		DoubleTapCapitalize: cfg.Normalizer.DoubleTapCapitalize,
		StickyTapWindow:     time.Duration(cfg.Normalizer.StickyTapMs) * time.Millisecond,
		DoubleTapWindow:     time.Duration(cfg.Normalizer.DoubleTapMs) * time.Millisecond,
		LongPressThreshold:  time.Duration(cfg.Normalizer.LongPressMs) * time.Millisecond,
		EscalationKeys:      parseKeys(cfg.Normalizer.EscalationKeys),
		HoldKeys:            parseKeys(cfg.Normalizer.HoldKeys),
	}
}

func emitterConfig(cfg *config.Config) emitter.Config {
	ec := emitter.Config{
		DeviceName: cfg.Emitter.DeviceName,
		UinputPath: cfg.Emitter.UinputPath,
	}
	if key, err := keymap.Parse(cfg.Normalizer.EscalateSignalKey); err == nil {
		ec.EscalateSignal = key
	}
	if key, err := keymap.Parse(cfg.Normalizer.HoldReleaseSignalKey); err == nil {
		ec.HoldReleaseSignal = key
	}
	return ec
}

func parseKeys(names []string) []keymap.Key {
	keys := make([]keymap.Key, 0, len(names))
	for _, name := range names {
		if key, err := keymap.Parse(name); err == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// errReconnectExhausted ends Run when the device cannot be recovered.
var errReconnectExhausted = errors.New("keyboard reconnection attempts exhausted")
