package query

import (
	"testing"
	"time"

	"github.com/marcus-qen/dashquery/internal/data"
)

func TestCalculateInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		span     time.Duration
		points   int64
		min      time.Duration
		wantMs   int64
		wantText string
	}{
		{"six hours", 6 * time.Hour, 1000, 0, 30000, "30s"},
		{"default points", 6 * time.Hour, 0, 0, 30000, "30s"},
		{"one hour", time.Hour, 1000, 0, 5000, "5s"},
		{"min interval wins", time.Hour, 1000, time.Minute, 60000, "1m"},
		{"short range", time.Second, 1000, 0, 1, "1ms"},
		{"long range", 365 * 24 * time.Hour, 100, 0, 7 * 24 * 3600 * 1000, "1w"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := data.RelativeRange(now, tt.span, "now-x")
			ms, text := CalculateInterval(r, tt.points, tt.min)
			if ms != tt.wantMs || text != tt.wantText {
				t.Fatalf("got %d %q, want %d %q", ms, text, tt.wantMs, tt.wantText)
			}
		})
	}
}

func TestFormatInterval(t *testing.T) {
	for d, want := range map[time.Duration]string{
		100 * time.Millisecond: "100ms",
		30 * time.Second:       "30s",
		90 * time.Second:       "90s",
		30 * 24 * time.Hour:    "30d",
	} {
		if got := FormatInterval(d); got != want {
			t.Errorf("FormatInterval(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestParseInterval(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"":      0,
		"500ms": 500 * time.Millisecond,
		"30s":   30 * time.Second,
		">1m":   time.Minute,
		"2d":    48 * time.Hour,
	} {
		got, err := ParseInterval(in)
		if err != nil || got != want {
			t.Errorf("ParseInterval(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseInterval("soon"); err == nil {
		t.Fatal("expected error for invalid interval")
	}
}
