// Package source captures raw key transitions from a keyboard device.
//
// A Capture owns the evdev device, holds the exclusive grab, and feeds
// clean press/release edges to a channel. Auto-repeat is filtered here;
// the normalizer only ever sees fresh edges. Each edge carries the
// hardware scancode reported alongside it, when the device reports one.
package source

import (
	"sync"
	"time"

	"keynormd/internal/keymap"
)

// Instant is a point on the monotonic clock. Timing windows are
// measured between Instants, never between wall-clock times.
type Instant time.Duration

// Sub returns the duration elapsed from o to i.
func (i Instant) Sub(o Instant) time.Duration {
	return time.Duration(i - o)
}

// Add returns the instant d after i.
func (i Instant) Add(d time.Duration) Instant {
	return i + Instant(d)
}

// After reports whether i is later than o.
func (i Instant) After(o Instant) bool {
	return i > o
}

// Before reports whether i is earlier than o.
func (i Instant) Before(o Instant) bool {
	return i < o
}

// Transition is one raw key edge read from the device.
type Transition struct {
	// Key is the firmware-assigned key identity.
	Key keymap.Key

	// Down is true for a press edge, false for a release edge.
	Down bool

	// At is the monotonic capture timestamp.
	At Instant

	// Scan is the hardware scancode reported for this edge.
	Scan keymap.ScanCode

	// HasScan reports whether the device sent a scancode with this
	// edge. Some virtual and bluetooth keyboards never do.
	HasScan bool
}

// Replay plays a prepared transition sequence. It stands in for a
// Capture in tests and when replaying recorded traces, and satisfies
// the same surface the daemon consumes.
type Replay struct {
	transitions chan Transition
	errs        chan error
	closeOnce   sync.Once
}

// NewReplay creates a Replay preloaded with the given transitions.
// More can be fed later with Send.
func NewReplay(transitions ...Transition) *Replay {
	r := &Replay{
		transitions: make(chan Transition, len(transitions)+64),
		errs:        make(chan error, 1),
	}
	for _, t := range transitions {
		r.transitions <- t
	}
	return r
}

// Send feeds one more transition. Must not be called after Close.
func (r *Replay) Send(t Transition) {
	r.transitions <- t
}

// Fail injects a source error, as if the device had disappeared.
func (r *Replay) Fail(err error) {
	select {
	case r.errs <- err:
	default:
	}
}

// Transitions returns the transition stream.
func (r *Replay) Transitions() <-chan Transition {
	return r.transitions
}

// Errors returns the error stream.
func (r *Replay) Errors() <-chan error {
	return r.errs
}

// Ungrab is a no-op; a replay holds no device.
func (r *Replay) Ungrab() error { return nil }

// Regrab is a no-op; a replay holds no device.
func (r *Replay) Regrab() error { return nil }

// Drain discards queued transitions and returns how many were dropped.
func (r *Replay) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-r.transitions:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Close ends the stream.
func (r *Replay) Close() error {
	r.closeOnce.Do(func() {
		close(r.transitions)
	})
	return nil
}
