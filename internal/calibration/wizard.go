package calibration

import (
	"context"
	"fmt"
	"io"
	"time"

	"keynormd/internal/keymap"
	"keynormd/internal/source"
)

// WizardConfig controls an interactive calibration run.
type WizardConfig struct {
	// Keys lists the physical keys to record, in prompt order.
	// Defaults to the function row, the usual target of firmware
	// remapping.
	Keys []keymap.Key

	// Out receives prompts and progress. Defaults to discarding.
	Out io.Writer

	// Transitions is the edge stream from the grabbed keyboard.
	Transitions <-chan source.Transition

	// Timeout bounds the wait for each key. Zero waits forever.
	Timeout time.Duration

	// Device names the keyboard being calibrated, recorded in the map.
	Device string
}

// RunWizard prompts for each configured key in turn and records the
// scancode the hardware reports for it. Presses whose scancode is
// already bound re-prompt; presses carrying no scancode skip the key
// with a note, since there is nothing to bind. The keyboard must be
// grabbed by the caller, or the prompts themselves get typed into the
// session.
func RunWizard(ctx context.Context, cfg WizardConfig) (*Map, error) {
	if cfg.Transitions == nil {
		return nil, fmt.Errorf("calibration wizard: no transition stream")
	}
	keys := cfg.Keys
	if len(keys) == 0 {
		keys = keymap.FunctionRow()
	}
	out := cfg.Out
	if out == nil {
		out = io.Discard
	}

	m := NewMap()
	m.SetDevice(cfg.Device)

	fmt.Fprintln(out, "=== Keyboard Calibration ===")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Press each key as it is named below. The scancode the hardware")
	fmt.Fprintln(out, "reports is recorded for that key, so it is recognized no matter")
	fmt.Fprintln(out, "what the firmware currently maps it to.")
	fmt.Fprintln(out)

	for _, key := range keys {
		if err := recordKey(ctx, cfg, out, m, key); err != nil {
			return nil, err
		}
	}

	fmt.Fprintf(out, "\nCalibration complete: %d of %d keys recorded.\n", m.Len(), len(keys))
	return m, nil
}

func recordKey(ctx context.Context, cfg WizardConfig, out io.Writer, m *Map, key keymap.Key) error {
	var timeout <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	fmt.Fprintf(out, "Press %s... ", key.Label())

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "aborted")
			return ctx.Err()
		case <-timeout:
			fmt.Fprintln(out, "timed out")
			return fmt.Errorf("timed out waiting for %s", key.Label())
		case tr, ok := <-cfg.Transitions:
			if !ok {
				fmt.Fprintln(out, "stream closed")
				return fmt.Errorf("input stream ended while waiting for %s", key.Label())
			}
			if !tr.Down {
				continue
			}
			if !tr.HasScan {
				fmt.Fprintln(out, "no scancode reported, skipping")
				return nil
			}
			if prev, dup := m.Lookup(tr.Scan); dup {
				fmt.Fprintf(out, "\n  scancode %#06x is already bound to %s.\n", uint32(tr.Scan), prev.Label())
				fmt.Fprintf(out, "Press a different key for %s... ", key.Label())
				continue
			}
			m.Set(tr.Scan, key)
			fmt.Fprintf(out, "recorded scancode %#06x\n", uint32(tr.Scan))
			return nil
		}
	}
}
