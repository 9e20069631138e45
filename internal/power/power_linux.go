//go:build linux

// Package power watches systemd-logind for sleep and wake so the
// daemon can release the keyboard grab around system suspend.
//
// The watcher holds a logind delay inhibitor while awake. Without
// it, logind is free to suspend the machine before the daemon has
// processed the sleep signal and released the grab. The daemon acks
// the sleep event once capture is suspended, which drops the
// inhibitor and lets the suspend proceed; the inhibitor is retaken
// on wake.
package power

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	login1Service   = "org.freedesktop.login1"
	login1Path      = "/org/freedesktop/login1"
	login1Manager   = "org.freedesktop.login1.Manager"
	prepareForSleep = "org.freedesktop.login1.Manager.PrepareForSleep"
)

// EventType distinguishes sleep from wake.
type EventType int

const (
	// Sleep means the system is about to suspend.
	Sleep EventType = iota
	// Wake means the system has resumed.
	Wake
)

// String returns a human-readable event type.
func (t EventType) String() string {
	switch t {
	case Sleep:
		return "sleep"
	case Wake:
		return "wake"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a sleep or wake notification.
type Event struct {
	Type EventType
}

// Watcher subscribes to logind's PrepareForSleep signal and reports
// sleep/wake events on a channel.
type Watcher struct {
	log *slog.Logger

	conn    *dbus.Conn
	signals chan *dbus.Signal
	events  chan Event
	stop    chan struct{}

	mu        sync.Mutex
	inhibitFD int
}

// NewWatcher creates a sleep/wake watcher.
func NewWatcher(log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		log:       log,
		signals:   make(chan *dbus.Signal, 8),
		events:    make(chan Event, 4),
		stop:      make(chan struct{}),
		inhibitFD: -1,
	}
}

// Events returns the sleep/wake event channel.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start connects to the system bus and subscribes to
// PrepareForSleep. Callers treat failure as a degraded mode, not a
// fatal condition; machines without logind just never sleep-cycle
// the daemon.
func (w *Watcher) Start() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}

	err = conn.AddMatchSignal(
		dbus.WithMatchInterface(login1Manager),
		dbus.WithMatchMember("PrepareForSleep"),
		dbus.WithMatchObjectPath(login1Path),
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to PrepareForSleep: %w", err)
	}

	w.conn = conn
	conn.Signal(w.signals)

	w.takeInhibitor()
	go w.watchLoop()

	w.log.Info("watching logind for sleep and wake")
	return nil
}

// Stop releases the inhibitor and disconnects from the bus.
func (w *Watcher) Stop() {
	close(w.stop)
	w.AckSleep()
	if w.conn != nil {
		w.conn.Close()
	}
}

// AckSleep releases the delay inhibitor. The daemon calls this after
// suspending capture so logind can proceed with the system suspend.
func (w *Watcher) AckSleep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inhibitFD >= 0 {
		unix.Close(w.inhibitFD)
		w.inhibitFD = -1
	}
}

// takeInhibitor asks logind for a delay lock on sleep. Failure is
// logged and ignored; the signal subscription still works, the
// suspend just races the grab release.
func (w *Watcher) takeInhibitor() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inhibitFD >= 0 {
		return
	}

	var fd dbus.UnixFD
	obj := w.conn.Object(login1Service, login1Path)
	err := obj.Call(login1Manager+".Inhibit", 0,
		"sleep", "keynormd", "releasing keyboard grab before sleep", "delay").Store(&fd)
	if err != nil {
		w.log.Warn("could not take sleep inhibitor", "error", err)
		return
	}
	w.inhibitFD = int(fd)
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.stop:
			return
		case sig, ok := <-w.signals:
			if !ok {
				return
			}
			event, ok := sleepEvent(sig)
			if !ok {
				continue
			}
			if event.Type == Wake {
				w.takeInhibitor()
			}
			select {
			case w.events <- event:
			case <-w.stop:
				return
			}
		}
	}
}

// sleepEvent translates a PrepareForSleep signal into an Event.
func sleepEvent(sig *dbus.Signal) (Event, bool) {
	if sig == nil || sig.Name != prepareForSleep {
		return Event{}, false
	}
	if len(sig.Body) != 1 {
		return Event{}, false
	}
	sleeping, ok := sig.Body[0].(bool)
	if !ok {
		return Event{}, false
	}
	if sleeping {
		return Event{Type: Sleep}, true
	}
	return Event{Type: Wake}, true
}
