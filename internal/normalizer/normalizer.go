// Package normalizer derives semantic actions from raw key transitions.
//
// This is the stateful heart of the daemon. It consumes the capture
// stream one transition at a time, applies the calibration map, and
// runs the timing rules: sticky shift, double-tap capitalize,
// long-press escalation, and hold-release signaling. Everything else
// passes through unchanged. Process is a pure function of prior state
// and the transition it is handed; all time comes in on the
// transitions themselves, which is what makes the machine testable
// with synthetic timestamps.
package normalizer

import (
	"sort"
	"time"

	"keynormd/internal/calibration"
	"keynormd/internal/keymap"
	"keynormd/internal/source"
)

// Default timing windows.
const (
	DefaultStickyTapWindow    = 300 * time.Millisecond
	DefaultDoubleTapWindow    = 400 * time.Millisecond
	DefaultLongPressThreshold = time.Second
)

// Config carries the timing windows and designated key sets. Zero
// durations fall back to the defaults; empty key sets disable the
// corresponding rule.
type Config struct {
	StickyShift         bool
	DoubleTapCapitalize bool

	StickyTapWindow    time.Duration
	DoubleTapWindow    time.Duration
	LongPressThreshold time.Duration

	// EscalationKeys are held past LongPressThreshold to fire an
	// escalation signal instead of their tap meaning.
	EscalationKeys []keymap.Key

	// HoldKeys report their release as a distinct signal.
	HoldKeys []keymap.Key
}

// Stats counts what the machine has done since start or last Reset.
type Stats struct {
	Transitions  uint64
	Actions      uint64
	StickyArms   uint64
	StickyShifts uint64
	DoubleTaps   uint64
	Escalations  uint64
	HoldReleases uint64
	Resets       uint64
}

type stickyState struct {
	armed     bool
	shiftOpen bool
	shiftKey  keymap.Key
	openedAt  source.Instant
	clean     bool // no other transition since the shift went down
}

type pendingPress struct {
	downAt    source.Instant
	deadline  source.Instant
	escalated bool
}

// Normalizer owns all per-key and global timing state. It is not
// safe for concurrent use; one goroutine owns it and feeds it both
// transitions and expiry ticks.
type Normalizer struct {
	cfg        Config
	cal        *calibration.Map
	escalation map[keymap.Key]bool
	hold       map[keymap.Key]bool

	sticky      stickyState
	lastRelease map[keymap.Key]source.Instant
	pending     map[keymap.Key]*pendingPress
	carried     map[keymap.Key]bool

	stats Stats
}

// New builds a Normalizer over the given calibration map. The map may
// be empty; every lookup miss is a passthrough.
func New(cfg Config, cal *calibration.Map) *Normalizer {
	if cfg.StickyTapWindow <= 0 {
		cfg.StickyTapWindow = DefaultStickyTapWindow
	}
	if cfg.DoubleTapWindow <= 0 {
		cfg.DoubleTapWindow = DefaultDoubleTapWindow
	}
	if cfg.LongPressThreshold <= 0 {
		cfg.LongPressThreshold = DefaultLongPressThreshold
	}
	if cal == nil {
		cal = calibration.NewMap()
	}

	n := &Normalizer{
		cfg:         cfg,
		cal:         cal,
		escalation:  make(map[keymap.Key]bool, len(cfg.EscalationKeys)),
		hold:        make(map[keymap.Key]bool, len(cfg.HoldKeys)),
		lastRelease: make(map[keymap.Key]source.Instant),
		pending:     make(map[keymap.Key]*pendingPress),
		carried:     make(map[keymap.Key]bool),
	}
	for _, key := range cfg.EscalationKeys {
		n.escalation[key] = true
	}
	for _, key := range cfg.HoldKeys {
		n.hold[key] = true
	}
	return n
}

// SetCalibration swaps the calibration map. Must be called from the
// goroutine that drives Process; the daemon does this on its engine
// loop when a reload is requested.
func (n *Normalizer) SetCalibration(cal *calibration.Map) {
	if cal == nil {
		cal = calibration.NewMap()
	}
	n.cal = cal
}

// SetConfig applies new rule and timing settings. Same ownership rule
// as SetCalibration. Presses already pending keep the deadline they
// were stamped with; the new threshold applies from the next press.
func (n *Normalizer) SetConfig(cfg Config) {
	if cfg.StickyTapWindow <= 0 {
		cfg.StickyTapWindow = DefaultStickyTapWindow
	}
	if cfg.DoubleTapWindow <= 0 {
		cfg.DoubleTapWindow = DefaultDoubleTapWindow
	}
	if cfg.LongPressThreshold <= 0 {
		cfg.LongPressThreshold = DefaultLongPressThreshold
	}

	n.cfg = cfg
	n.escalation = make(map[keymap.Key]bool, len(cfg.EscalationKeys))
	n.hold = make(map[keymap.Key]bool, len(cfg.HoldKeys))
	for _, key := range cfg.EscalationKeys {
		n.escalation[key] = true
	}
	for _, key := range cfg.HoldKeys {
		n.hold[key] = true
	}
}

// Stats returns a copy of the counters.
func (n *Normalizer) Stats() Stats {
	return n.stats
}

// Process runs one transition through the rule pipeline and returns
// the derived actions, in emission order. Any transition, however
// malformed, resolves to some action set; the machine never rejects
// input.
func (n *Normalizer) Process(tr source.Transition) []Action {
	n.stats.Transitions++

	key := n.cal.Resolve(tr.Scan, tr.HasScan, tr.Key)
	at := tr.At

	// An open shift tap stays a tap only while nothing else happens.
	if n.sticky.shiftOpen && key != n.sticky.shiftKey {
		n.sticky.clean = false
	}

	var actions []Action
	switch {
	case key.IsShift():
		actions = n.processShift(key, tr.Down, at)
	case n.escalation[key] || n.pending[key] != nil:
		// The pending check keeps a press that was designated when it
		// went down on the escalation path even if a config reload
		// removed the designation mid-press.
		actions = n.processEscalation(key, tr.Down, at)
	case n.hold[key]:
		actions = n.processHold(key, tr.Down, at)
	default:
		actions = n.processOrdinary(key, tr.Down, at)
	}

	n.stats.Actions += uint64(len(actions))
	return actions
}

// processShift handles the shift keys themselves. The edges always
// pass through so physical chording keeps working; arming is a side
// effect of a clean quick tap.
func (n *Normalizer) processShift(key keymap.Key, down bool, at source.Instant) []Action {
	if down {
		n.sticky.shiftOpen = true
		n.sticky.shiftKey = key
		n.sticky.openedAt = at
		n.sticky.clean = true
		return []Action{{Kind: Plain, Key: key, Down: true, At: at}}
	}

	if n.sticky.shiftOpen && n.sticky.shiftKey == key {
		tap := n.sticky.clean && at.Sub(n.sticky.openedAt) < n.cfg.StickyTapWindow
		n.sticky.shiftOpen = false
		if tap && n.cfg.StickyShift {
			// A second clean tap disarms instead of re-arming.
			n.sticky.armed = !n.sticky.armed
			if n.sticky.armed {
				n.stats.StickyArms++
			}
		}
	}
	return []Action{{Kind: Plain, Key: key, Down: false, At: at}}
}

// processEscalation handles designated long-press keys. The down edge
// is withheld until the outcome is known: a release inside the
// threshold emits the plain pair, a timeout emits the escalation
// signal and swallows the eventual release. Exactly one of the two
// outcomes fires per press.
func (n *Normalizer) processEscalation(key keymap.Key, down bool, at source.Instant) []Action {
	if down {
		n.pending[key] = &pendingPress{
			downAt:   at,
			deadline: at.Add(n.cfg.LongPressThreshold),
		}
		return nil
	}

	p, ok := n.pending[key]
	if !ok {
		// Release with no tracked press, likely a key that was down
		// across a resume. Pass it through.
		return []Action{{Kind: Plain, Key: key, Down: false, At: at}}
	}
	delete(n.pending, key)

	if p.escalated {
		return nil
	}
	if !at.Before(p.deadline) {
		// The release itself proves the hold crossed the threshold,
		// even if the expiry tick has not been delivered yet.
		n.stats.Escalations++
		return []Action{{Kind: Escalate, Key: key, At: p.deadline}}
	}
	return []Action{
		{Kind: Plain, Key: key, Down: true, At: p.downAt},
		{Kind: Plain, Key: key, Down: false, At: at},
	}
}

// processHold handles designated hold keys. The press passes through
// so the key works normally while held; the release becomes a
// distinct signal.
func (n *Normalizer) processHold(key keymap.Key, down bool, at source.Instant) []Action {
	if down {
		return []Action{{Kind: Plain, Key: key, Down: true, At: at}}
	}
	n.stats.HoldReleases++
	return []Action{{Kind: HoldRelease, Key: key, Down: false, At: at}}
}

// processOrdinary handles everything that is not a shift or a
// designated key: sticky consumption, double-tap capitalize, and the
// passthrough default.
func (n *Normalizer) processOrdinary(key keymap.Key, down bool, at source.Instant) []Action {
	if !down {
		if n.carried[key] {
			// The press went out shifted; close the shift with it.
			// A capitalized press does not seed a double-tap window.
			delete(n.carried, key)
			return []Action{{Kind: Shifted, Key: key, Down: false, At: at}}
		}
		if key.IsAlphanumeric() {
			n.lastRelease[key] = at
		}
		return []Action{{Kind: Plain, Key: key, Down: false, At: at}}
	}

	if n.cfg.StickyShift && n.sticky.armed && !key.IsModifier() {
		n.sticky.armed = false
		n.carried[key] = true
		n.stats.StickyShifts++
		return []Action{{Kind: Shifted, Key: key, Down: true, At: at}}
	}

	if n.cfg.DoubleTapCapitalize && key.IsAlphanumeric() {
		if last, ok := n.lastRelease[key]; ok && at.Sub(last) < n.cfg.DoubleTapWindow {
			// Second tap inside the window capitalizes; the window
			// resets so a third tap is a fresh single.
			delete(n.lastRelease, key)
			n.carried[key] = true
			n.stats.DoubleTaps++
			return []Action{{Kind: Shifted, Key: key, Down: true, At: at}}
		}
	}

	return []Action{{Kind: Plain, Key: key, Down: true, At: at}}
}

// Deadline returns the earliest pending escalation deadline, if any.
// The engine uses it to bound its wait on the capture stream.
func (n *Normalizer) Deadline() (source.Instant, bool) {
	var min source.Instant
	found := false
	for _, p := range n.pending {
		if p.escalated {
			continue
		}
		if !found || p.deadline.Before(min) {
			min = p.deadline
			found = true
		}
	}
	return min, found
}

// Expire fires every escalation whose deadline has passed as of now.
// The engine must drain ready transitions before calling this, so a
// release that physically beat the threshold wins over the timer.
func (n *Normalizer) Expire(now source.Instant) []Action {
	type due struct {
		key keymap.Key
		p   *pendingPress
	}
	var ready []due
	for key, p := range n.pending {
		if p.escalated || now.Before(p.deadline) {
			continue
		}
		ready = append(ready, due{key, p})
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].p.deadline.Before(ready[j].p.deadline)
	})

	var actions []Action
	for _, d := range ready {
		d.p.escalated = true
		n.stats.Escalations++
		actions = append(actions, Action{Kind: Escalate, Key: d.key, At: d.p.deadline})
	}
	n.stats.Actions += uint64(len(actions))
	return actions
}

// Reset drops all timing state: sticky arming, double-tap windows,
// and pending escalations. Called on resume, when physical key state
// during the suspension is unknown.
func (n *Normalizer) Reset() {
	n.sticky = stickyState{}
	n.lastRelease = make(map[keymap.Key]source.Instant)
	n.pending = make(map[keymap.Key]*pendingPress)
	n.carried = make(map[keymap.Key]bool)
	n.stats.Resets++
}
