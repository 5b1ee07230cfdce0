package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("REPAIRPIPE_TEST_BOOL", tt.val)
		if got := ParseBoolEnv("REPAIRPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.val, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", time.Hour},
		{"90m", 90 * time.Minute},
		{"-5m", time.Hour},
		{"soon", time.Hour},
	}
	for _, tt := range tests {
		t.Setenv("REPAIRPIPE_TEST_DURATION", tt.val)
		if got := ParseDurationEnv("REPAIRPIPE_TEST_DURATION", time.Hour); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("REPAIRPIPE_TEST_INT", "4")
	if got := ParseIntEnv("REPAIRPIPE_TEST_INT", 0); got != 4 {
		t.Errorf("ParseIntEnv = %d, want 4", got)
	}
	t.Setenv("REPAIRPIPE_TEST_INT", "four")
	if got := ParseIntEnv("REPAIRPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv invalid = %d, want default 7", got)
	}
}
