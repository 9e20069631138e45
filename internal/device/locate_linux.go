//go:build linux

package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"keynormd/internal/keymap"
)

// ErrNoKeyboard means enumeration finished without a qualifying
// device. Fatal to the daemon; there is nothing useful to do without
// a keyboard.
var ErrNoKeyboard = errors.New("no keyboard device found")

const procInputDevices = "/proc/bus/input/devices"

// BUS_VIRTUAL in the kernel's input headers.
const busVirtual = 0x06

// alphabetMask holds one bit per letter key code. All letter codes
// sit below 64, so the whole alphabet fits in the low word of the
// KEY capability bitmap.
var alphabetMask = buildAlphabetMask()

func buildAlphabetMask() uint64 {
	var mask uint64
	for code := 0; code < 64; code++ {
		if keymap.Key(code).IsLetter() {
			mask |= 1 << uint(code)
		}
	}
	return mask
}

// List enumerates every input device node the kernel reports.
func List() ([]Info, error) {
	f, err := os.Open(procInputDevices)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", procInputDevices, err)
	}
	defer f.Close()
	return parseDevices(f)
}

// Keyboards returns the qualifying keyboards, best candidate first:
// physical devices before virtual ones, lower event numbers before
// higher within each group.
func Keyboards(filter Filter) ([]Info, error) {
	devices, err := List()
	if err != nil {
		return nil, err
	}
	return selectKeyboards(devices, filter), nil
}

func selectKeyboards(devices []Info, filter Filter) []Info {
	var keyboards []Info
	for _, dev := range devices {
		if matches(dev, filter) {
			keyboards = append(keyboards, dev)
		}
	}

	sort.SliceStable(keyboards, func(i, j int) bool {
		if keyboards[i].Virtual != keyboards[j].Virtual {
			return !keyboards[i].Virtual
		}
		return eventNumber(keyboards[i].Path) < eventNumber(keyboards[j].Path)
	})
	return keyboards
}

// Locate returns the best keyboard candidate, or ErrNoKeyboard.
func Locate(filter Filter) (Info, error) {
	keyboards, err := Keyboards(filter)
	if err != nil {
		return Info{}, err
	}
	if len(keyboards) == 0 {
		return Info{}, ErrNoKeyboard
	}
	return keyboards[0], nil
}

func matches(dev Info, filter Filter) bool {
	if !dev.Keyboard || dev.Path == "" {
		return false
	}
	if dev.Virtual && !filter.IncludeVirtual {
		return false
	}
	for _, name := range filter.ExcludeNames {
		if dev.Name == name {
			return false
		}
	}
	if filter.NameContains != "" &&
		!strings.Contains(strings.ToLower(dev.Name), strings.ToLower(filter.NameContains)) {
		return false
	}
	return true
}

func eventNumber(path string) int {
	i := strings.LastIndex(path, "event")
	if i < 0 {
		return 1 << 30
	}
	n, err := strconv.Atoi(path[i+len("event"):])
	if err != nil {
		return 1 << 30
	}
	return n
}

// parseDevices reads /proc/bus/input/devices blocks. Each block
// describes one device across I:/N:/P:/H:/B: lines and ends at a
// blank line.
func parseDevices(r io.Reader) ([]Info, error) {
	var devices []Info
	var current Info
	seen := false

	flush := func() {
		if seen && current.Path != "" {
			devices = append(devices, current)
		}
		current = Info{}
		seen = false
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "I:"):
			flush()
			seen = true
			for _, field := range strings.Fields(line[2:]) {
				switch {
				case strings.HasPrefix(field, "Bus="):
					if v, err := strconv.ParseUint(strings.TrimPrefix(field, "Bus="), 16, 16); err == nil {
						current.Bus = uint16(v)
					}
				case strings.HasPrefix(field, "Vendor="):
					if v, err := strconv.ParseUint(strings.TrimPrefix(field, "Vendor="), 16, 16); err == nil {
						current.Vendor = uint16(v)
					}
				case strings.HasPrefix(field, "Product="):
					if v, err := strconv.ParseUint(strings.TrimPrefix(field, "Product="), 16, 16); err == nil {
						current.Product = uint16(v)
					}
				}
			}

		case strings.HasPrefix(line, "N: Name="):
			current.Name = strings.Trim(strings.TrimPrefix(line, "N: Name="), `"`)

		case strings.HasPrefix(line, "P: Phys="):
			current.Phys = strings.TrimPrefix(line, "P: Phys=")

		case strings.HasPrefix(line, "H: Handlers="):
			for _, handler := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if strings.HasPrefix(handler, "event") {
					current.Path = "/dev/input/" + handler
					break
				}
			}

		case strings.HasPrefix(line, "B: KEY="):
			current.Keyboard = hasAlphabet(strings.TrimPrefix(line, "B: KEY="))

		case line == "":
			flush()
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", procInputDevices, err)
	}

	for i := range devices {
		devices[i].Virtual = devices[i].Bus == busVirtual || devices[i].Phys == ""
	}
	return devices, nil
}

// hasAlphabet checks the KEY capability bitmap for the full set of
// letter keys. The bitmap is space-separated 64-bit hex words, most
// significant first, so the low word carrying the letter codes is the
// last field.
func hasAlphabet(bitmap string) bool {
	fields := strings.Fields(bitmap)
	if len(fields) == 0 {
		return false
	}
	low, err := strconv.ParseUint(fields[len(fields)-1], 16, 64)
	if err != nil {
		return false
	}
	return low&alphabetMask == alphabetMask
}
