package utils

import (
	"testing"
	"time"
)

func TestFromUnixMillis(t *testing.T) {
	ts := FromUnixMillis(1700000000123)
	if ts.Location() != time.UTC {
		t.Error("expected UTC location")
	}
	if ts.UnixMilli() != 1700000000123 {
		t.Errorf("unexpected millis: %d", ts.UnixMilli())
	}
}

func TestUnixMillis(t *testing.T) {
	before := time.Now().UnixMilli()
	now := UnixMillis()
	after := time.Now().UnixMilli()
	if now < before || now > after {
		t.Errorf("UnixMillis out of range: %d not in [%d, %d]", now, before, after)
	}
}

func TestAddSeconds(t *testing.T) {
	if got := AddSeconds(1000, 60); got != 61000 {
		t.Errorf("AddSeconds(1000, 60) = %d", got)
	}
	if got := AddSeconds(1000, 0); got != 1000 {
		t.Errorf("AddSeconds(1000, 0) = %d", got)
	}
}

func TestFormatMillis(t *testing.T) {
	if got := FormatMillis(0); got != "" {
		t.Errorf("FormatMillis(0) = %q", got)
	}
	if got := FormatMillis(1700000000000); got != "2023-11-14T22:13:20Z" {
		t.Errorf("FormatMillis = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{45 * time.Second, "45s"},
		{5*time.Minute + 30*time.Second + 400*time.Millisecond, "5m30s"},
		{-2 * time.Hour, "2h0m0s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := FormatDuration(tt.d); got != tt.expected {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.expected)
			}
		})
	}
}
