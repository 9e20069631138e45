// Package keymap maps between evdev key codes and logical key identities.
//
// Every key that flows through the daemon is identified by its evdev code.
// This package wraps the holoplot code/name tables so the rest of the tree
// can parse configured key names, print readable labels, and classify keys
// without touching evdev directly.
package keymap

import (
	"fmt"
	"strings"

	"github.com/holoplot/go-evdev"
)

// Key identifies a logical key by its evdev code.
type Key uint16

// ScanCode is the hardware scan value a keyboard reports via MSC_SCAN.
// Unlike key codes, scancodes are not remapped by firmware or kernel
// policy, which is what makes them usable as calibration anchors.
type ScanCode uint32

// Keys referenced throughout the daemon.
const (
	LeftShift  = Key(evdev.KEY_LEFTSHIFT)
	RightShift = Key(evdev.KEY_RIGHTSHIFT)
	Escape     = Key(evdev.KEY_ESC)
	Space      = Key(evdev.KEY_SPACE)
	Enter      = Key(evdev.KEY_ENTER)

	// F13 and F14 sit outside the standard typing alphabet on nearly all
	// keyboards, which makes them usable as synthesized signal identities.
	F13 = Key(evdev.KEY_F13)
	F14 = Key(evdev.KEY_F14)
)

// Parse resolves a key name like "KEY_A" (or the short form "A") to a Key.
func Parse(name string) (Key, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	if s == "" {
		return 0, fmt.Errorf("empty key name")
	}
	if !strings.HasPrefix(s, "KEY_") {
		s = "KEY_" + s
	}
	code, ok := evdev.KEYFromString[s]
	if !ok {
		return 0, fmt.Errorf("unknown key name: %s", name)
	}
	return Key(code), nil
}

// Name returns the evdev name of the key, e.g. "KEY_A".
func (k Key) Name() string {
	if name, ok := evdev.KEYToString[evdev.EvCode(k)]; ok {
		return name
	}
	return fmt.Sprintf("KEY_%#04x", uint16(k))
}

// Label returns a short human-readable label, e.g. "A" or "F1".
func (k Key) Label() string {
	return strings.TrimPrefix(k.Name(), "KEY_")
}

// Code returns the raw evdev code.
func (k Key) Code() evdev.EvCode {
	return evdev.EvCode(k)
}

var modifiers = map[Key]struct{}{
	Key(evdev.KEY_LEFTSHIFT):  {},
	Key(evdev.KEY_RIGHTSHIFT): {},
	Key(evdev.KEY_LEFTCTRL):   {},
	Key(evdev.KEY_RIGHTCTRL):  {},
	Key(evdev.KEY_LEFTALT):    {},
	Key(evdev.KEY_RIGHTALT):   {},
	Key(evdev.KEY_LEFTMETA):   {},
	Key(evdev.KEY_RIGHTMETA):  {},
}

// IsModifier reports whether the key is a shift, ctrl, alt or meta key.
func (k Key) IsModifier() bool {
	_, ok := modifiers[k]
	return ok
}

// IsShift reports whether the key is one of the two shift keys.
func (k Key) IsShift() bool {
	return k == LeftShift || k == RightShift
}

var alphanumeric = buildAlphanumeric()

func buildAlphanumeric() map[Key]struct{} {
	set := make(map[Key]struct{})
	for code, name := range evdev.KEYToString {
		s := strings.TrimPrefix(name, "KEY_")
		if len(s) != 1 {
			continue
		}
		c := s[0]
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			set[Key(code)] = struct{}{}
		}
	}
	return set
}

// IsAlphanumeric reports whether the key is a letter or digit key.
// Release timing is tracked for exactly these keys.
func (k Key) IsAlphanumeric() bool {
	_, ok := alphanumeric[k]
	return ok
}

// IsLetter reports whether the key is one of the 26 letter keys.
func (k Key) IsLetter() bool {
	s := k.Label()
	return len(s) == 1 && s[0] >= 'A' && s[0] <= 'Z'
}

// FunctionRow returns KEY_F1 through KEY_F12 in order. The calibration
// wizard walks this row because scancode remapping by firmware and vendor
// "media" layers hits the function row far more often than the main block.
func FunctionRow() []Key {
	row := make([]Key, 0, 12)
	for i := 1; i <= 12; i++ {
		code, ok := evdev.KEYFromString[fmt.Sprintf("KEY_F%d", i)]
		if !ok {
			continue
		}
		row = append(row, Key(code))
	}
	return row
}
