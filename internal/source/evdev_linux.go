//go:build linux

package source

import (
	"fmt"
	"strings"
	"sync"

	"github.com/holoplot/go-evdev"

	"keynormd/internal/keymap"
)

const (
	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2
)

// Capture reads key transitions from one evdev device under an
// exclusive grab. While the grab holds, nothing downstream of the
// kernel sees the physical keyboard; releasing edges back to the
// session is the emitter's job.
type Capture struct {
	dev  *evdev.InputDevice
	path string
	name string

	transitions chan Transition
	errs        chan error
	done        chan struct{}
	closeOnce   sync.Once

	mu      sync.Mutex
	grabbed bool
}

// Open opens the device at path and takes the exclusive grab. The
// grab is taken before the read loop starts so no edge can leak to
// the session between open and grab.
func Open(path string) (*Capture, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input device %s: %w", path, err)
	}
	name, err := dev.Name()
	if err != nil {
		name = ""
	}
	if err := dev.Grab(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("grab %s: %w", path, err)
	}
	c := &Capture{
		dev:         dev,
		path:        path,
		name:        name,
		transitions: make(chan Transition, 64),
		errs:        make(chan error, 1),
		done:        make(chan struct{}),
		grabbed:     true,
	}
	go c.readLoop()
	return c, nil
}

// Transitions returns the transition stream. The channel closes when
// the device fails or the capture is closed.
func (c *Capture) Transitions() <-chan Transition {
	return c.transitions
}

// Errors returns the error stream. A read failure on a live capture
// produces exactly one error here before the transition channel
// closes.
func (c *Capture) Errors() <-chan error {
	return c.errs
}

// Path returns the device node path.
func (c *Capture) Path() string {
	return c.path
}

// Name returns the device name as reported by the kernel.
func (c *Capture) Name() string {
	return c.name
}

// Grabbed reports whether the exclusive grab is currently held.
func (c *Capture) Grabbed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grabbed
}

// Ungrab releases the exclusive grab, letting the session see the
// physical keyboard again. The read loop keeps running; edges that
// arrive while ungrabbed are queued and should be discarded with
// Drain before regrabbing.
func (c *Capture) Ungrab() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.grabbed {
		return nil
	}
	if err := c.dev.Ungrab(); err != nil {
		return fmt.Errorf("ungrab %s: %w", c.path, err)
	}
	c.grabbed = false
	return nil
}

// Regrab retakes the exclusive grab after an Ungrab.
func (c *Capture) Regrab() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grabbed {
		return nil
	}
	if err := c.dev.Grab(); err != nil {
		return fmt.Errorf("regrab %s: %w", c.path, err)
	}
	c.grabbed = true
	return nil
}

// Drain discards queued transitions and returns how many were
// dropped. Called between Ungrab and Regrab so edges typed while the
// session owned the keyboard are not replayed into the pipeline.
func (c *Capture) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-c.transitions:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Close stops the read loop and releases the device. The kernel drops
// the grab when the descriptor closes.
func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.dev.Close()
	})
	return err
}

// readLoop turns raw evdev events into Transitions. A scancode
// arrives as an EV_MSC/MSC_SCAN event in the same report as the
// EV_KEY edge it belongs to, so the loop holds the most recent one
// and attaches it to the next key edge. SYN_REPORT clears any
// scancode left dangling by a report with no key edge in it.
func (c *Capture) readLoop() {
	defer close(c.transitions)

	var scan uint32
	var hasScan bool

	for {
		ev, err := c.dev.ReadOne()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errs <- fmt.Errorf("read %s: %w", c.path, err)
			}
			return
		}

		switch ev.Type {
		case evdev.EV_MSC:
			if ev.Code == evdev.MSC_SCAN {
				scan = uint32(ev.Value)
				hasScan = true
			}
		case evdev.EV_KEY:
			if ev.Value == keyRepeat {
				// Kernel auto-repeat never reaches the pipeline.
				hasScan = false
				continue
			}
			if !strings.HasPrefix(ev.CodeName(), "KEY_") {
				// BTN_* and friends pass through devices that
				// expose both keys and buttons.
				hasScan = false
				continue
			}
			t := transitionFromEvent(ev, scan, hasScan)
			hasScan = false
			select {
			case c.transitions <- t:
			case <-c.done:
				return
			}
		case evdev.EV_SYN:
			if ev.Code == evdev.SYN_REPORT {
				hasScan = false
			}
		}
	}
}

func transitionFromEvent(ev *evdev.InputEvent, scan uint32, hasScan bool) Transition {
	return Transition{
		Key:     keymap.Key(ev.Code),
		Down:    ev.Value == keyPress,
		At:      Now(),
		Scan:    keymap.ScanCode(scan),
		HasScan: hasScan,
	}
}
