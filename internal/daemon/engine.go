package daemon

import (
	"errors"
	"time"

	"keynormd/internal/config"
	"keynormd/internal/device"
	"keynormd/internal/logging"
	"keynormd/internal/normalizer"
	"keynormd/internal/power"
	"keynormd/internal/source"
)

var (
	errSourceClosed     = errors.New("input stream closed")
	errDeviceDetached   = errors.New("device detached")
	errAlreadySuspended = errors.New("capture already suspended")
	errNotSuspended     = errors.New("capture is not suspended")
	errNoDevice         = errors.New("no input device attached")
)

// run is the engine loop. It owns the normalizer, the source, and all
// timing; everything else reaches this state through channels.
func (d *Daemon) run() error {
	expiry := time.NewTimer(time.Hour)
	stopTimer(expiry)
	defer stopTimer(expiry)

	retry := time.NewTimer(time.Hour)
	stopTimer(retry)
	defer stopTimer(retry)

	d.reconnectDelay = d.initialReconnectDelay()

	for {
		expiryC := d.armExpiry(expiry)

		select {
		case <-d.ctx.Done():
			return nil

		case tr, ok := <-d.transitions():
			if !ok {
				d.sourceLost(errSourceClosed, retry)
				continue
			}
			d.handleTransition(tr)

		case err := <-d.sourceErrors():
			d.sourceLost(err, retry)

		case <-expiryC:
			d.onExpiry()

		case <-retry.C:
			if err := d.tryReconnect(retry); err != nil {
				return err
			}

		case req := <-d.requests:
			req.reply <- d.handleRequest(req.msg)

		case cfg := <-d.reloads:
			d.applyReload(cfg)

		case <-d.calReloads:
			d.reloadCalibration()

		case ev := <-d.powerEvents():
			d.handlePower(ev)

		case ev := <-d.monitorEvents():
			if err := d.handleHotplug(ev, retry); err != nil {
				return err
			}
		}
	}
}

// armExpiry points the expiry timer at the normalizer's earliest
// deadline. Returns nil when nothing is pending so the select case
// goes dormant.
func (d *Daemon) armExpiry(t *time.Timer) <-chan time.Time {
	stopTimer(t)
	if d.src == nil || d.suspended {
		return nil
	}
	deadline, ok := d.norm.Deadline()
	if !ok {
		return nil
	}

	wait := deadline.Sub(source.Now())
	if wait < 0 {
		wait = 0
	}
	t.Reset(wait)
	return t.C
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (d *Daemon) handleTransition(tr source.Transition) {
	if d.suspended {
		// Ungrabbing stops exclusivity, not delivery; whatever still
		// arrives while suspended is dropped.
		return
	}
	d.dispatch(d.norm.Process(tr))
}

// onExpiry fires pending long-press deadlines. Transitions already
// queued are processed first so a release that actually happened
// before the deadline wins its race by timestamp, not by scheduling.
func (d *Daemon) onExpiry() {
	for {
		select {
		case tr, ok := <-d.transitions():
			if !ok {
				return
			}
			d.handleTransition(tr)
		default:
			d.dispatch(d.norm.Expire(source.Now()))
			return
		}
	}
}

func (d *Daemon) dispatch(actions []normalizer.Action) {
	for _, a := range actions {
		if err := d.emit.Emit(a); err != nil {
			d.log.Error("emit failed", "action", a.String(), "error", err)
		}
		if d.journal != nil {
			if err := d.journal.RecordAction(a); err != nil {
				d.log.Warn("journal write failed", "error", err)
			}
		}
	}
}

// suspendCapture releases the grab and clears timing state. The
// physical keyboard talks to the system directly until resume.
func (d *Daemon) suspendCapture() error {
	if d.src == nil {
		return errNoDevice
	}
	if d.suspended {
		return errAlreadySuspended
	}

	if err := d.src.Ungrab(); err != nil {
		return err
	}
	d.suspended = true
	d.norm.Reset()
	d.log.Info("capture suspended")
	return nil
}

// resumeCapture discards everything queued while suspended and takes
// the grab back. Stale transitions never replay.
func (d *Daemon) resumeCapture() (int, error) {
	if d.src == nil {
		return 0, errNoDevice
	}
	if !d.suspended {
		return 0, errNotSuspended
	}

	drained := d.src.Drain()
	if err := d.src.Regrab(); err != nil {
		return drained, err
	}
	d.norm.Reset()
	d.suspended = false
	d.log.Info("capture resumed", "drained", drained)
	return drained, nil
}

func (d *Daemon) sourceLost(cause error, retry *time.Timer) {
	if d.src == nil {
		return
	}

	d.log.Warn("input device lost", "device", d.device.Path, "error", cause)
	d.detachSource()
	d.norm.Reset()
	d.suspended = false
	d.sleeping = false

	d.reconnectAttempts = 0
	d.reconnectDelay = d.initialReconnectDelay()
	stopTimer(retry)
	retry.Reset(d.reconnectDelay)
}

func (d *Daemon) tryReconnect(retry *time.Timer) error {
	if d.src != nil {
		return nil
	}

	src, info, err := d.openSource()
	if err == nil {
		d.attachSource(src, info)
		d.reconnectAttempts = 0
		d.reconnectDelay = d.initialReconnectDelay()
		d.log.Info("input device reacquired", "device", info.Path, "device_name", info.Name)
		return nil
	}

	d.reconnectAttempts++
	if budget := d.cfg.Device.ReconnectMaxAttempts; budget > 0 && d.reconnectAttempts >= budget {
		d.log.Error("giving up on keyboard reconnection",
			"attempts", d.reconnectAttempts, "error", err)
		return errReconnectExhausted
	}

	d.log.Warn("reconnect attempt failed",
		"attempt", d.reconnectAttempts, "retry_in", d.reconnectDelay, "error", err)
	stopTimer(retry)
	retry.Reset(d.reconnectDelay)

	d.reconnectDelay *= 2
	if maxDelay := d.maxReconnectDelay(); d.reconnectDelay > maxDelay {
		d.reconnectDelay = maxDelay
	}
	return nil
}

func (d *Daemon) handlePower(ev power.Event) {
	switch ev.Type {
	case power.Sleep:
		if d.src != nil && !d.suspended {
			if err := d.suspendCapture(); err != nil {
				d.log.Warn("suspend before sleep failed", "error", err)
			} else {
				d.sleeping = true
			}
		}
		// Ack either way; holding the inhibitor would block the
		// system suspend.
		if d.power != nil {
			d.power.AckSleep()
		}

	case power.Wake:
		// A suspend the user requested over IPC survives a sleep
		// cycle; only the sleep-triggered one auto-resumes.
		if d.sleeping {
			d.sleeping = false
			if _, err := d.resumeCapture(); err != nil {
				d.log.Warn("resume after wake failed", "error", err)
			}
		}
	}
}

func (d *Daemon) handleHotplug(ev device.Event, retry *time.Timer) error {
	switch ev.Type {
	case device.Connected:
		if d.src == nil {
			d.log.Info("keyboard attached", "device", ev.Info.Path, "device_name", ev.Info.Name)
			stopTimer(retry)
			return d.tryReconnect(retry)
		}

	case device.Disconnected:
		if d.src != nil && ev.Info.Path == d.device.Path {
			d.sourceLost(errDeviceDetached, retry)
		}
	}
	return nil
}

// applyReload applies a hot config change at a loop boundary. Rule
// timings and the log level take effect live; sections that need
// devices or sockets reopened wait for a restart.
func (d *Daemon) applyReload(cfg *config.Config) {
	d.norm.SetConfig(normalizerConfig(cfg))

	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		d.log.SetLevel(level)
	}

	restart := cfg.Device != d.cfg.Device ||
		cfg.Calibration != d.cfg.Calibration ||
		cfg.Emitter != d.cfg.Emitter ||
		cfg.Journal != d.cfg.Journal ||
		cfg.IPC != d.cfg.IPC ||
		cfg.Daemon != d.cfg.Daemon ||
		cfg.Power != d.cfg.Power

	d.cfg = cfg
	d.log.Info("configuration reloaded", "restart_required", restart)
}

func (d *Daemon) transitions() <-chan source.Transition {
	if d.src == nil {
		return nil
	}
	return d.src.Transitions()
}

func (d *Daemon) sourceErrors() <-chan error {
	if d.src == nil {
		return nil
	}
	return d.src.Errors()
}

func (d *Daemon) powerEvents() <-chan power.Event {
	if d.power == nil {
		return nil
	}
	return d.power.Events()
}

func (d *Daemon) monitorEvents() <-chan device.Event {
	if d.monitor == nil {
		return nil
	}
	return d.monitor.Events()
}

func (d *Daemon) initialReconnectDelay() time.Duration {
	ms := d.cfg.Device.ReconnectDelayMs
	if ms < 1 {
		ms = 500
	}
	return time.Duration(ms) * time.Millisecond
}

func (d *Daemon) maxReconnectDelay() time.Duration {
	ms := d.cfg.Device.ReconnectMaxDelayMs
	if ms < d.cfg.Device.ReconnectDelayMs {
		ms = d.cfg.Device.ReconnectDelayMs
	}
	return time.Duration(ms) * time.Millisecond
}
