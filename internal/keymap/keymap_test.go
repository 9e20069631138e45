package keymap

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected Key
		hasError bool
	}{
		{"KEY_A", 30, false},
		{"a", 30, false},
		{"A", 30, false},
		{"key_f1", 59, false},
		{"F1", 59, false},
		{"KEY_SPACE", Space, false},
		{"esc", Escape, false},
		{"KEY_LEFTSHIFT", LeftShift, false},
		{"", 0, true},
		{"KEY_BOGUS", 0, true},
		{"notakey", 0, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			key, err := Parse(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && key != test.expected {
				t.Errorf("expected %v, got %v", test.expected, key)
			}
		})
	}
}

func TestNameRoundTrip(t *testing.T) {
	for _, name := range []string{"KEY_A", "KEY_Z", "KEY_1", "KEY_F12", "KEY_SPACE", "KEY_ESC"} {
		t.Run(name, func(t *testing.T) {
			key, err := Parse(name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := key.Name(); got != name {
				t.Errorf("expected %q, got %q", name, got)
			}
		})
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		key      Key
		expected string
	}{
		{Escape, "ESC"},
		{Space, "SPACE"},
		{F13, "F13"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.key.Label(); got != test.expected {
				t.Errorf("expected %q, got %q", test.expected, got)
			}
		})
	}
}

func TestIsModifier(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"KEY_LEFTSHIFT", true},
		{"KEY_RIGHTSHIFT", true},
		{"KEY_LEFTCTRL", true},
		{"KEY_RIGHTALT", true},
		{"KEY_LEFTMETA", true},
		{"KEY_A", false},
		{"KEY_SPACE", false},
		{"KEY_CAPSLOCK", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			key, err := Parse(test.name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := key.IsModifier(); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestIsShift(t *testing.T) {
	if !LeftShift.IsShift() || !RightShift.IsShift() {
		t.Error("shift keys not recognized")
	}
	if Escape.IsShift() {
		t.Error("ESC misclassified as shift")
	}
}

func TestIsAlphanumeric(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"KEY_A", true},
		{"KEY_Z", true},
		{"KEY_0", true},
		{"KEY_7", true},
		{"KEY_SPACE", false},
		{"KEY_F1", false},
		{"KEY_LEFTSHIFT", false},
		{"KEY_DOT", false},
		{"KEY_ESC", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			key, err := Parse(test.name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := key.IsAlphanumeric(); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestIsLetter(t *testing.T) {
	a, _ := Parse("KEY_A")
	seven, _ := Parse("KEY_7")

	if !a.IsLetter() {
		t.Error("A not recognized as letter")
	}
	if seven.IsLetter() {
		t.Error("7 misclassified as letter")
	}
}

func TestFunctionRow(t *testing.T) {
	row := FunctionRow()
	if len(row) != 12 {
		t.Fatalf("expected 12 keys, got %d", len(row))
	}
	if row[0].Name() != "KEY_F1" {
		t.Errorf("expected first key KEY_F1, got %s", row[0].Name())
	}
	if row[11].Name() != "KEY_F12" {
		t.Errorf("expected last key KEY_F12, got %s", row[11].Name())
	}
}
