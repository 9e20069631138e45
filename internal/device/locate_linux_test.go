//go:build linux

package device

import (
	"strings"
	"testing"
)

const procFixture = `I: Bus=0011 Vendor=0001 Product=0001 Version=ab83
N: Name="AT Translated Set 2 keyboard"
P: Phys=isa0060/serio0/input0
S: Sysfs=/devices/platform/i8042/serio0/input/input3
U: Uniq=
H: Handlers=sysrq kbd event3 leds
B: PROP=0
B: EV=120013
B: KEY=402000000 3803078f800d001 feffffdfffefffff fffffffffffffffe
B: MSC=10
B: LED=7

I: Bus=0003 Vendor=046d Product=c077 Version=0111
N: Name="Logitech USB Optical Mouse"
P: Phys=usb-0000:00:14.0-2/input0
S: Sysfs=/devices/pci0000:00/0000:00:14.0/usb1/1-2/1-2:1.0/0003:046D:C077.0001/input/input12
U: Uniq=
H: Handlers=mouse0 event4
B: PROP=0
B: EV=17
B: KEY=ff0000 0 0 0
B: REL=103
B: MSC=10

I: Bus=0019 Vendor=0000 Product=0001 Version=0000
N: Name="Power Button"
P: Phys=PNP0C0C/button/input0
S: Sysfs=/devices/LNXSYSTM:00/LNXPWRBN:00/input/input0
U: Uniq=
H: Handlers=kbd event1
B: PROP=0
B: EV=3
B: KEY=10000000000000 0

I: Bus=0005 Vendor=05ac Product=024f Version=011b
N: Name="Keychron K2"
P: Phys=aa:bb:cc:dd:ee:ff
S: Sysfs=/devices/virtual/misc/uhid/0005:05AC:024F.0003/input/input18
U: Uniq=11:22:33:44:55:66
H: Handlers=sysrq kbd event10 leds
B: PROP=0
B: EV=12001f
B: KEY=402000000 3803078f800d001 feffffdfffefffff fffffffffffffffe
B: MSC=10
B: LED=7

I: Bus=0006 Vendor=0000 Product=0000 Version=0000
N: Name="keynormd virtual keyboard"
P: Phys=
S: Sysfs=/devices/virtual/input/input22
U: Uniq=
H: Handlers=sysrq kbd event19 leds
B: PROP=0
B: EV=100013
B: KEY=402000000 3803078f800d001 feffffdfffefffff fffffffffffffffe
B: MSC=10
`

func parseFixture(t *testing.T) []Info {
	t.Helper()
	devices, err := parseDevices(strings.NewReader(procFixture))
	if err != nil {
		t.Fatal(err)
	}
	return devices
}

func TestParseDevices(t *testing.T) {
	devices := parseFixture(t)
	if len(devices) != 5 {
		t.Fatalf("expected 5 devices, got %d", len(devices))
	}

	at := devices[0]
	if at.Name != "AT Translated Set 2 keyboard" {
		t.Errorf("expected AT keyboard name, got %q", at.Name)
	}
	if at.Path != "/dev/input/event3" {
		t.Errorf("expected handler path event3, got %q", at.Path)
	}
	if at.Bus != 0x11 || at.Vendor != 0x0001 || at.Product != 0x0001 {
		t.Errorf("unexpected identity: bus=%#x vendor=%#x product=%#x", at.Bus, at.Vendor, at.Product)
	}
	if !at.Keyboard {
		t.Error("expected AT keyboard to qualify")
	}
	if at.Virtual {
		t.Error("AT keyboard is not virtual")
	}

	mouse := devices[1]
	if mouse.Keyboard {
		t.Error("mouse must not qualify as keyboard")
	}

	power := devices[2]
	if power.Keyboard {
		t.Error("power button must not qualify as keyboard")
	}

	bt := devices[3]
	if !bt.Keyboard || bt.Virtual {
		t.Errorf("bluetooth keyboard should be physical keyboard, got keyboard=%v virtual=%v", bt.Keyboard, bt.Virtual)
	}

	virt := devices[4]
	if !virt.Virtual {
		t.Error("uinput device should be virtual")
	}
	if !virt.Keyboard {
		t.Error("uinput keyboard still carries the alphabet bitmap")
	}
}

func TestHasAlphabet(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"full keyboard bitmap", "402000000 3803078f800d001 feffffdfffefffff fffffffffffffffe", true},
		{"single full word", "fffffffffffffffe", true},
		{"mouse buttons only", "ff0000 0 0 0", false},
		{"power button", "10000000000000 0", false},
		{"missing KEY_A bit", "ffffffffbffffffe", false},
		{"empty", "", false},
		{"garbage", "zzzz", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := hasAlphabet(test.input); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestSelectKeyboards(t *testing.T) {
	devices := parseFixture(t)

	got := selectKeyboards(devices, Filter{})
	if len(got) != 2 {
		t.Fatalf("expected 2 physical keyboards, got %d: %v", len(got), got)
	}
	if got[0].Path != "/dev/input/event3" || got[1].Path != "/dev/input/event10" {
		t.Errorf("expected event-number order, got %v", got)
	}

	got = selectKeyboards(devices, Filter{IncludeVirtual: true})
	if len(got) != 3 {
		t.Fatalf("expected 3 keyboards with virtuals, got %d", len(got))
	}
	if !got[2].Virtual {
		t.Errorf("expected virtual device ranked last, got %v", got)
	}

	got = selectKeyboards(devices, Filter{
		IncludeVirtual: true,
		ExcludeNames:   []string{"keynormd virtual keyboard"},
	})
	for _, dev := range got {
		if dev.Name == "keynormd virtual keyboard" {
			t.Error("excluded name still present")
		}
	}

	got = selectKeyboards(devices, Filter{NameContains: "keychron"})
	if len(got) != 1 || got[0].Name != "Keychron K2" {
		t.Errorf("expected case-insensitive name match, got %v", got)
	}

	got = selectKeyboards(devices, Filter{NameContains: "trackball"})
	if len(got) != 0 {
		t.Errorf("expected no match, got %v", got)
	}
}

func TestEventNumber(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"/dev/input/event3", 3},
		{"/dev/input/event12", 12},
		{"/dev/input/mouse0", 1 << 30},
		{"", 1 << 30},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			if got := eventNumber(test.input); got != test.expected {
				t.Errorf("expected %d, got %d", test.expected, got)
			}
		})
	}
}

func TestDiffDevices(t *testing.T) {
	old := map[string]Info{
		"/dev/input/event3":  {Path: "/dev/input/event3", Name: "internal"},
		"/dev/input/event10": {Path: "/dev/input/event10", Name: "external"},
	}
	current := map[string]Info{
		"/dev/input/event3":  {Path: "/dev/input/event3", Name: "internal"},
		"/dev/input/event12": {Path: "/dev/input/event12", Name: "new external"},
	}

	added, removed := diffDevices(old, current)
	if len(added) != 1 || added[0].Path != "/dev/input/event12" {
		t.Errorf("expected event12 added, got %v", added)
	}
	if len(removed) != 1 || removed[0].Path != "/dev/input/event10" {
		t.Errorf("expected event10 removed, got %v", removed)
	}
}
