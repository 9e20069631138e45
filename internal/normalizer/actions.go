package normalizer

import (
	"fmt"

	"keynormd/internal/keymap"
	"keynormd/internal/source"
)

// ActionKind classifies a derived action.
type ActionKind int

const (
	// Plain forwards a key transition unchanged.
	Plain ActionKind = iota

	// Shifted is a key transition carrying a one-shot shift. The
	// emitter wraps the key edge in a shift edge, so a down becomes
	// shift-down key-down and the matching up becomes key-up shift-up.
	Shifted

	// Escalate reports a designated key held past the long-press
	// threshold. It replaces the plain tap entirely; the eventual
	// release is consumed, not forwarded.
	Escalate

	// HoldRelease reports a designated hold key released. The emitter
	// releases the key on the virtual device and taps the reserved
	// signal key, since the release alone never survives a terminal.
	HoldRelease
)

func (k ActionKind) String() string {
	switch k {
	case Plain:
		return "plain"
	case Shifted:
		return "shifted"
	case Escalate:
		return "escalate"
	case HoldRelease:
		return "hold_release"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is one derived output of the state machine.
type Action struct {
	Kind ActionKind

	// Key is the resolved key the action concerns. For Escalate and
	// HoldRelease this is the designated key itself; the reserved
	// signal identity is the emitter's business.
	Key keymap.Key

	// Down is the edge direction for Plain and Shifted actions. It
	// carries no meaning for Escalate and HoldRelease.
	Down bool

	// At is when the action became true. For Escalate this is the
	// threshold instant, not when the timer goroutine got around to
	// firing.
	At source.Instant
}

func (a Action) String() string {
	switch a.Kind {
	case Plain, Shifted:
		dir := "up"
		if a.Down {
			dir = "down"
		}
		return fmt.Sprintf("%s %s %s", a.Kind, a.Key.Name(), dir)
	default:
		return fmt.Sprintf("%s %s", a.Kind, a.Key.Name())
	}
}
