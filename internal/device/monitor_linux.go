//go:build linux

package device

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// settleDelay gives udev time to finish setting up a node before
	// re-enumeration; reading too early sees a half-registered device.
	settleDelay = 100 * time.Millisecond

	pollInterval = 2 * time.Second
)

// Monitor watches for keyboards appearing and disappearing. It
// prefers an fsnotify watch on /dev/input and falls back to polling
// when the watch cannot be established.
type Monitor struct {
	filter Filter

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	events   chan Event
	stop     chan struct{}
	watching bool
}

// NewMonitor creates a monitor over the given filter. Start must be
// called before Events delivers anything.
func NewMonitor(filter Filter) *Monitor {
	return &Monitor{filter: filter}
}

// Events returns the hotplug stream.
func (m *Monitor) Events() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

// Start begins watching. The current keyboard set is taken as the
// baseline; only changes from it are reported.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watching {
		return errors.New("device monitor already started")
	}

	known := make(map[string]Info)
	if initial, err := Keyboards(m.filter); err == nil {
		for _, dev := range initial {
			known[dev.Path] = dev
		}
	}

	m.events = make(chan Event, 8)
	m.stop = make(chan struct{})
	m.watching = true

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add("/dev/input"); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}
	m.watcher = watcher

	if watcher != nil {
		go m.watchLoop(known)
	} else {
		go m.pollLoop(known)
	}
	return nil
}

// Stop ends watching and closes the event stream.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.watching {
		return nil
	}
	close(m.stop)
	if m.watcher != nil {
		m.watcher.Close()
		m.watcher = nil
	}
	m.watching = false
	return nil
}

func (m *Monitor) watchLoop(known map[string]Info) {
	defer close(m.events)

	for {
		select {
		case <-m.stop:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !strings.Contains(event.Name, "event") {
				continue
			}
			time.Sleep(settleDelay)
			known = m.rescan(known)
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *Monitor) pollLoop(known map[string]Info) {
	defer close(m.events)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			known = m.rescan(known)
		}
	}
}

func (m *Monitor) rescan(known map[string]Info) map[string]Info {
	keyboards, err := Keyboards(m.filter)
	if err != nil {
		return known
	}

	current := make(map[string]Info, len(keyboards))
	for _, dev := range keyboards {
		current[dev.Path] = dev
	}

	added, removed := diffDevices(known, current)
	for _, dev := range added {
		m.send(Event{Type: Connected, Info: dev})
	}
	for _, dev := range removed {
		m.send(Event{Type: Disconnected, Info: dev})
	}
	return current
}

func (m *Monitor) send(ev Event) {
	select {
	case m.events <- ev:
	case <-m.stop:
	}
}

// diffDevices compares two path-keyed device sets.
func diffDevices(old, current map[string]Info) (added, removed []Info) {
	for path, dev := range current {
		if _, exists := old[path]; !exists {
			added = append(added, dev)
		}
	}
	for path, dev := range old {
		if _, exists := current[path]; !exists {
			removed = append(removed, dev)
		}
	}
	return added, removed
}
