//go:build linux

package power

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestSleepEventParsing(t *testing.T) {
	tests := []struct {
		name     string
		sig      *dbus.Signal
		expected Event
		ok       bool
	}{
		{
			name: "prepare for sleep",
			sig: &dbus.Signal{
				Name: "org.freedesktop.login1.Manager.PrepareForSleep",
				Body: []interface{}{true},
			},
			expected: Event{Type: Sleep},
			ok:       true,
		},
		{
			name: "wake",
			sig: &dbus.Signal{
				Name: "org.freedesktop.login1.Manager.PrepareForSleep",
				Body: []interface{}{false},
			},
			expected: Event{Type: Wake},
			ok:       true,
		},
		{
			name: "unrelated signal",
			sig: &dbus.Signal{
				Name: "org.freedesktop.login1.Manager.SessionNew",
				Body: []interface{}{true},
			},
			ok: false,
		},
		{
			name: "empty body",
			sig: &dbus.Signal{
				Name: "org.freedesktop.login1.Manager.PrepareForSleep",
			},
			ok: false,
		},
		{
			name: "wrong body type",
			sig: &dbus.Signal{
				Name: "org.freedesktop.login1.Manager.PrepareForSleep",
				Body: []interface{}{"true"},
			},
			ok: false,
		},
		{
			name: "nil signal",
			sig:  nil,
			ok:   false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			event, ok := sleepEvent(test.sig)
			if ok != test.ok {
				t.Fatalf("expected ok=%v, got %v", test.ok, ok)
			}
			if ok && event.Type != test.expected.Type {
				t.Errorf("expected %s, got %s", test.expected.Type, event.Type)
			}
		})
	}
}

func TestEventTypeString(t *testing.T) {
	if Sleep.String() != "sleep" {
		t.Errorf("expected sleep, got %s", Sleep.String())
	}
	if Wake.String() != "wake" {
		t.Errorf("expected wake, got %s", Wake.String())
	}
}

func TestAckSleepWithoutInhibitor(t *testing.T) {
	w := NewWatcher(nil)

	// No inhibitor held; repeated acks must not close random fds.
	w.AckSleep()
	w.AckSleep()

	if w.inhibitFD != -1 {
		t.Errorf("expected inhibitFD -1, got %d", w.inhibitFD)
	}
}
