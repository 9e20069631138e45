// Package emitter replays derived actions onto a virtual keyboard.
//
// The virtual device is what the rest of the system reads instead of
// the grabbed physical keyboard. Actions that have no primitive
// equivalent (escalation, hold release) are spelled as taps of
// reserved signal keys sitting outside the typing alphabet, so a
// downstream consumer can tell a synthesized signal from a real
// keystroke by identity alone.
package emitter

import (
	"fmt"

	"github.com/bendahl/uinput"

	"keynormd/internal/keymap"
	"keynormd/internal/normalizer"
)

// DefaultUinputPath is where the uinput node lives on every modern
// distribution.
const DefaultUinputPath = "/dev/uinput"

// Config names the virtual device and binds the reserved signal keys.
type Config struct {
	// DeviceName is the virtual device's identity. Diagnostic tools
	// and the device locator tell the synthetic keyboard from the
	// physical one by this name.
	DeviceName string

	// UinputPath is the uinput control node. Empty means the default.
	UinputPath string

	// EscalateSignal is tapped when a long press escalates. Zero
	// means F13.
	EscalateSignal keymap.Key

	// HoldReleaseSignal is tapped when a designated hold key is
	// released. Zero means F14.
	HoldReleaseSignal keymap.Key
}

// device is the slice of the uinput surface the emitter drives.
type device interface {
	KeyDown(key int) error
	KeyUp(key int) error
	Close() error
}

// Emitter writes actions to a virtual keyboard device.
type Emitter struct {
	dev device
	cfg Config
}

// New registers a virtual keyboard and returns an Emitter over it.
func New(cfg Config) (*Emitter, error) {
	if cfg.UinputPath == "" {
		cfg.UinputPath = DefaultUinputPath
	}
	kb, err := uinput.CreateKeyboard(cfg.UinputPath, []byte(cfg.DeviceName))
	if err != nil {
		return nil, fmt.Errorf("create virtual keyboard on %s: %w", cfg.UinputPath, err)
	}
	return newWithDevice(kb, cfg), nil
}

func newWithDevice(dev device, cfg Config) *Emitter {
	if cfg.EscalateSignal == 0 {
		cfg.EscalateSignal = keymap.F13
	}
	if cfg.HoldReleaseSignal == 0 {
		cfg.HoldReleaseSignal = keymap.F14
	}
	return &Emitter{dev: dev, cfg: cfg}
}

// Emit translates one action into primitive edges on the virtual
// device, in the order that reproduces the intended effect.
func (e *Emitter) Emit(a normalizer.Action) error {
	switch a.Kind {
	case normalizer.Plain:
		return e.edge(a.Key, a.Down)

	case normalizer.Shifted:
		// Down opens shift before the key; up closes them in the
		// reverse order, so a full tap reads shift-down, key-down,
		// key-up, shift-up.
		if a.Down {
			if err := e.edge(keymap.LeftShift, true); err != nil {
				return err
			}
			return e.edge(a.Key, true)
		}
		if err := e.edge(a.Key, false); err != nil {
			return err
		}
		return e.edge(keymap.LeftShift, false)

	case normalizer.Escalate:
		return e.tap(e.cfg.EscalateSignal)

	case normalizer.HoldRelease:
		// The held key must still come up on the virtual device, or
		// the kernel considers it stuck down forever.
		if err := e.edge(a.Key, false); err != nil {
			return err
		}
		return e.tap(e.cfg.HoldReleaseSignal)

	default:
		return fmt.Errorf("emit: unknown action kind %v", a.Kind)
	}
}

func (e *Emitter) edge(key keymap.Key, down bool) error {
	var err error
	if down {
		err = e.dev.KeyDown(int(key))
	} else {
		err = e.dev.KeyUp(int(key))
	}
	if err != nil {
		dir := "up"
		if down {
			dir = "down"
		}
		return fmt.Errorf("emit %s %s: %w", key.Name(), dir, err)
	}
	return nil
}

func (e *Emitter) tap(key keymap.Key) error {
	if err := e.edge(key, true); err != nil {
		return err
	}
	return e.edge(key, false)
}

// Close removes the virtual device.
func (e *Emitter) Close() error {
	return e.dev.Close()
}
