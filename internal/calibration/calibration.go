// Package calibration binds hardware scancodes to key identities.
//
// Remappable keyboards let firmware move keys around, so the event a
// physical switch produces need not match the key printed on it. A
// calibration map records, per physical key, the scancode the hardware
// sends and the key the user means by it. Everything here degrades to
// passthrough: a missing, stale, or corrupt map costs remapped-key
// recognition, never the keyboard.
package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"keynormd/internal/keymap"
)

// Version is the calibration file schema version this build writes
// and accepts.
const Version = 1

// Entry is one scancode-to-key binding as stored on disk.
type Entry struct {
	ScanCode uint32 `json:"scancode"`
	Key      string `json:"key"`
}

type fileFormat struct {
	Version int     `json:"version"`
	Created string  `json:"created"`
	Device  string  `json:"device,omitempty"`
	Entries []Entry `json:"entries"`
}

// Map resolves scancodes to calibrated key identities. A Map is built
// once (by the wizard or by Load) and then read; the daemon swaps
// whole maps on reload rather than mutating a live one.
type Map struct {
	entries map[keymap.ScanCode]keymap.Key
	device  string
}

// NewMap returns an empty map. Resolving against an empty map always
// falls back, which is exactly the passthrough behavior wanted when
// no calibration exists.
func NewMap() *Map {
	return &Map{entries: make(map[keymap.ScanCode]keymap.Key)}
}

// Set records a binding from scan to key, replacing any previous
// binding for that scancode.
func (m *Map) Set(scan keymap.ScanCode, key keymap.Key) {
	m.entries[scan] = key
}

// Lookup returns the calibrated key for scan, if one is recorded.
func (m *Map) Lookup(scan keymap.ScanCode) (keymap.Key, bool) {
	key, ok := m.entries[scan]
	return key, ok
}

// Resolve maps a captured edge to its calibrated key identity. When
// the edge carried no scancode, or no binding covers it, the
// firmware-assigned fallback is returned unchanged. Resolution is
// idempotent: resolving an already-resolved key without a scancode
// yields the same key.
func (m *Map) Resolve(scan keymap.ScanCode, hasScan bool, fallback keymap.Key) keymap.Key {
	if !hasScan {
		return fallback
	}
	if key, ok := m.entries[scan]; ok {
		return key
	}
	return fallback
}

// Len returns the number of recorded bindings.
func (m *Map) Len() int {
	return len(m.entries)
}

// SetDevice records which keyboard this map was calibrated against.
func (m *Map) SetDevice(name string) {
	m.device = name
}

// Device returns the keyboard name the map was calibrated against.
func (m *Map) Device() string {
	return m.device
}

// Entries returns the bindings sorted by scancode, the order they are
// written to disk in.
func (m *Map) Entries() []Entry {
	entries := make([]Entry, 0, len(m.entries))
	for scan, key := range m.entries {
		entries = append(entries, Entry{ScanCode: uint32(scan), Key: key.Name()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ScanCode < entries[j].ScanCode
	})
	return entries
}

// Load reads a calibration file. A missing file is the unconfigured
// state and yields an empty map with no error. Any other failure also
// yields a usable empty map, alongside the error, so the caller can
// log the degradation and keep running in passthrough.
func Load(path string) (*Map, error) {
	m := NewMap()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, nil
		}
		return m, fmt.Errorf("read calibration %s: %w", path, err)
	}

	if err := validateSchema(data); err != nil {
		return m, fmt.Errorf("calibration %s: %w", path, err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return m, fmt.Errorf("parse calibration %s: %w", path, err)
	}
	if f.Version != Version {
		return m, fmt.Errorf("calibration %s: unsupported version %d", path, f.Version)
	}

	for _, e := range f.Entries {
		key, err := keymap.Parse(e.Key)
		if err != nil {
			return NewMap(), fmt.Errorf("calibration %s: scancode %#x: %w", path, e.ScanCode, err)
		}
		scan := keymap.ScanCode(e.ScanCode)
		if prev, dup := m.entries[scan]; dup {
			return NewMap(), fmt.Errorf("calibration %s: scancode %#x bound to both %s and %s", path, e.ScanCode, prev.Name(), key.Name())
		}
		m.entries[scan] = key
	}
	m.device = f.Device
	return m, nil
}

// Save writes the map to path as versioned JSON. Parent directories
// are created as needed. The data lands in a temporary file first and
// is renamed into place, so a reload racing a save never reads a torn
// file.
func (m *Map) Save(path string) error {
	f := fileFormat{
		Version: Version,
		Created: time.Now().UTC().Format(time.RFC3339),
		Device:  m.device,
		Entries: m.Entries(),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create calibration directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".calibration-*.tmp")
	if err != nil {
		return fmt.Errorf("write calibration %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write calibration %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync calibration %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write calibration %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace calibration %s: %w", path, err)
	}
	return nil
}
