package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("user")
	id2 := GenerateID("user")

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if !strings.HasPrefix(id1, "user_") {
		t.Errorf("expected prefix 'user_', got %s", id1)
	}
	if len(id1) != len("user_")+16 {
		t.Errorf("unexpected id length: %s", id1)
	}
	if strings.Contains(GenerateID(""), "_") {
		t.Error("empty prefix should not add separator")
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "hello", "hello"},
		{"with control chars", "hello\x00world", "helloworld"},
		{"with newline", "hello\nworld", "hello\nworld"},
		{"with whitespace", "  hello  ", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := SanitizeString(tt.input); result != tt.expected {
				t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"hello world", 5, "he..."},
		{"hello", 2, "he"},
	}

	for _, tt := range tests {
		if result := TruncateString(tt.input, tt.maxLen); result != tt.expected {
			t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
		}
	}
}

func TestMaskSensitive(t *testing.T) {
	if got := MaskSensitive("eyJhbGciOi", 3); got != "eyJ*******" {
		t.Errorf("MaskSensitive = %q", got)
	}
	if got := MaskSensitive("abc", 5); got != "***" {
		t.Errorf("MaskSensitive short = %q", got)
	}
}

func TestManualClock(t *testing.T) {
	start := time.Unix(1700000000, 0)
	c := NewManualClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}
	c.Advance(5 * time.Second)
	if got := c.Now().Sub(start); got != 5*time.Second {
		t.Errorf("advanced by %v, want 5s", got)
	}
}

func TestUnixMillis(t *testing.T) {
	ts := time.Unix(1, 500*int64(time.Millisecond))
	if got := UnixMillis(ts); got != 1500 {
		t.Errorf("UnixMillis = %d, want 1500", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{100 * time.Millisecond, "100ms"},
		{2 * time.Second, "2.00s"},
		{2*time.Minute + 30*time.Second, "2m30s"},
	}

	for _, tt := range tests {
		if result := FormatDuration(tt.duration); result != tt.expected {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.duration, result, tt.expected)
		}
	}
}
