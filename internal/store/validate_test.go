package store

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty", "", false},
		{"normal", "user@example.com", false},
		{"max_length", strings.Repeat("a", 255), false},
		{"too_long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUserID(%d chars) error = %v, wantErr %v", len(tt.id), err, tt.wantErr)
			}
		})
	}
}

func TestValidateDeviceID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty", "", true},
		{"normal", "dev-001", false},
		{"max_length", strings.Repeat("d", 128), false},
		{"too_long", strings.Repeat("d", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDeviceID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDeviceID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestDefaultDeviceName(t *testing.T) {
	if got := DefaultDeviceName("abcdef123456"); got != "Device-abcdef" {
		t.Errorf("got %q", got)
	}
	if got := DefaultDeviceName("ab"); got != "Device-ab" {
		t.Errorf("got %q", got)
	}

	// Multibyte ids are cut on rune boundaries.
	got := DefaultDeviceName("ab设备CDEF")
	if got != "Device-ab设备CD" {
		t.Errorf("got %q", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("default name %q is not valid UTF-8", got)
	}
	if got := DefaultDeviceName("设备设备设备设备"); got != "Device-设备设备设备" {
		t.Errorf("got %q", got)
	}
}
