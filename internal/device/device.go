// Package device locates the physical keyboard among input nodes.
//
// Candidates come from /proc/bus/input/devices; a node qualifies as a
// keyboard when its key capability bitmap covers the full letter
// alphabet, which cleanly separates keyboards from mice, buttons, and
// the lid switch. The synthetic keyboard this daemon registers is
// itself an input node, so callers always exclude their own emitter
// name to avoid grabbing their own output.
package device

// Info describes one input device node.
type Info struct {
	// Path is the device node, /dev/input/eventN.
	Path string

	// Name is the kernel-reported device name.
	Name string

	// Phys is the physical topology path, empty for virtual devices.
	Phys string

	// Bus is the bus type code from the I: line.
	Bus uint16

	// Vendor and Product identify the hardware.
	Vendor  uint16
	Product uint16

	// Keyboard reports whether the key bitmap covers the alphabet.
	Keyboard bool

	// Virtual reports a software-created device, such as a uinput
	// node.
	Virtual bool
}

// Filter narrows enumeration results.
type Filter struct {
	// NameContains keeps only devices whose name contains the
	// substring, case-insensitively. Empty keeps all.
	NameContains string

	// IncludeVirtual keeps software-created devices. Off by default
	// so the daemon never selects a synthetic keyboard, least of all
	// its own.
	IncludeVirtual bool

	// ExcludeNames drops devices by exact name, regardless of the
	// other knobs.
	ExcludeNames []string
}

// EventType says what happened to a device.
type EventType int

const (
	Connected EventType = iota
	Disconnected
)

func (t EventType) String() string {
	switch t {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one hotplug observation.
type Event struct {
	Type EventType
	Info Info
}
