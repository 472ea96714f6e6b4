package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetup_FiltersBelowLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	logger := Setup(Config{Level: "warn", Output: &buf})

	logger.Info().Msg("quiet")
	logger.Warn().Msg("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("info line leaked at warn level: %s", out)
	}
	if !strings.Contains(out, "loud") {
		t.Errorf("warn line missing: %s", out)
	}
}

func TestNewLogger_Component(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	Setup(Config{Level: "info", Output: &buf})

	l := NewLogger("intercept")
	l.Info().Msg("hello")

	if !strings.Contains(buf.String(), `"component":"intercept"`) {
		t.Errorf("component field missing: %s", buf.String())
	}
}

func TestRateLimited(t *testing.T) {
	var buf bytes.Buffer
	l := NewRateLimited(zerolog.New(&buf), time.Hour)

	if !l.Warn(errors.New("boom"), "write failed") {
		t.Fatal("first warning must be written")
	}
	if l.Warn(errors.New("boom"), "write failed") {
		t.Error("second warning within interval must be suppressed")
	}
	if n := strings.Count(buf.String(), "write failed"); n != 1 {
		t.Errorf("logged %d lines, want 1", n)
	}
}
