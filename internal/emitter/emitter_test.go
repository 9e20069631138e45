package emitter

import (
	"errors"
	"testing"

	"keynormd/internal/keymap"
	"keynormd/internal/normalizer"
)

type edge struct {
	key  keymap.Key
	down bool
}

type fakeDevice struct {
	edges  []edge
	fail   error
	closed bool
}

func (d *fakeDevice) KeyDown(key int) error {
	if d.fail != nil {
		return d.fail
	}
	d.edges = append(d.edges, edge{keymap.Key(key), true})
	return nil
}

func (d *fakeDevice) KeyUp(key int) error {
	if d.fail != nil {
		return d.fail
	}
	d.edges = append(d.edges, edge{keymap.Key(key), false})
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func newTestEmitter() (*Emitter, *fakeDevice) {
	dev := &fakeDevice{}
	return newWithDevice(dev, Config{DeviceName: "test virtual keyboard"}), dev
}

func expectEdges(t *testing.T, got, expected []edge) {
	t.Helper()
	if len(got) != len(expected) {
		t.Fatalf("expected %d edges, got %d: %v", len(expected), len(got), got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("edge %d: expected %v, got %v", i, expected[i], got[i])
		}
	}
}

func TestEmitPlain(t *testing.T) {
	e, dev := newTestEmitter()
	keyA := keymap.Key(30)

	if err := e.Emit(normalizer.Action{Kind: normalizer.Plain, Key: keyA, Down: true}); err != nil {
		t.Fatal(err)
	}
	if err := e.Emit(normalizer.Action{Kind: normalizer.Plain, Key: keyA, Down: false}); err != nil {
		t.Fatal(err)
	}

	expectEdges(t, dev.edges, []edge{
		{keyA, true},
		{keyA, false},
	})
}

func TestEmitShiftedTapOrder(t *testing.T) {
	e, dev := newTestEmitter()
	keyA := keymap.Key(30)

	if err := e.Emit(normalizer.Action{Kind: normalizer.Shifted, Key: keyA, Down: true}); err != nil {
		t.Fatal(err)
	}
	if err := e.Emit(normalizer.Action{Kind: normalizer.Shifted, Key: keyA, Down: false}); err != nil {
		t.Fatal(err)
	}

	expectEdges(t, dev.edges, []edge{
		{keymap.LeftShift, true},
		{keyA, true},
		{keyA, false},
		{keymap.LeftShift, false},
	})
}

func TestEmitEscalateTapsSignalKey(t *testing.T) {
	e, dev := newTestEmitter()

	if err := e.Emit(normalizer.Action{Kind: normalizer.Escalate, Key: keymap.Escape}); err != nil {
		t.Fatal(err)
	}

	expectEdges(t, dev.edges, []edge{
		{keymap.F13, true},
		{keymap.F13, false},
	})
}

func TestEmitHoldReleaseLiftsKeyThenSignals(t *testing.T) {
	e, dev := newTestEmitter()

	if err := e.Emit(normalizer.Action{Kind: normalizer.HoldRelease, Key: keymap.Space}); err != nil {
		t.Fatal(err)
	}

	expectEdges(t, dev.edges, []edge{
		{keymap.Space, false},
		{keymap.F14, true},
		{keymap.F14, false},
	})
}

func TestEmitCustomSignalKeys(t *testing.T) {
	dev := &fakeDevice{}
	f20, err := keymap.Parse("KEY_F20")
	if err != nil {
		t.Fatal(err)
	}
	e := newWithDevice(dev, Config{EscalateSignal: f20})

	if err := e.Emit(normalizer.Action{Kind: normalizer.Escalate, Key: keymap.Escape}); err != nil {
		t.Fatal(err)
	}

	expectEdges(t, dev.edges, []edge{
		{f20, true},
		{f20, false},
	})
}

func TestEmitPropagatesDeviceError(t *testing.T) {
	e, dev := newTestEmitter()
	dev.fail = errors.New("device gone")

	err := e.Emit(normalizer.Action{Kind: normalizer.Plain, Key: keymap.Key(30), Down: true})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, dev.fail) {
		t.Errorf("expected wrapped device error, got %v", err)
	}
}

func TestClose(t *testing.T) {
	e, dev := newTestEmitter()
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if !dev.closed {
		t.Error("expected underlying device closed")
	}
}
