package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/dashquery/internal/data"
)

// intervalSteps are the intervals a computed interval is rounded up to.
var intervalSteps = []time.Duration{
	time.Millisecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	20 * time.Second,
	30 * time.Second,
	time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
	20 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
	3 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
	365 * 24 * time.Hour,
}

// DefaultMaxDataPoints bounds the interval computation when a request does
// not set one.
const DefaultMaxDataPoints = 1000

// CalculateInterval spreads r over at most maxDataPoints points and rounds
// the step up to a readable interval, never going below minInterval.
// It returns the interval in milliseconds and in its display form.
func CalculateInterval(r data.TimeRange, maxDataPoints int64, minInterval time.Duration) (int64, string) {
	if maxDataPoints <= 0 {
		maxDataPoints = DefaultMaxDataPoints
	}
	raw := r.Duration() / time.Duration(maxDataPoints)
	if raw < minInterval {
		raw = minInterval
	}
	step := intervalSteps[len(intervalSteps)-1]
	for _, s := range intervalSteps {
		if s >= raw {
			step = s
			break
		}
	}
	return step.Milliseconds(), FormatInterval(step)
}

// FormatInterval renders d with the largest unit dividing it.
func FormatInterval(d time.Duration) string {
	units := []struct {
		size time.Duration
		name string
	}{
		{365 * 24 * time.Hour, "y"},
		{7 * 24 * time.Hour, "w"},
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
	}
	for _, u := range units {
		if d >= u.size && d%u.size == 0 {
			return fmt.Sprintf("%d%s", d/u.size, u.name)
		}
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// ParseInterval parses a panel interval such as "30s", "1m" or "1d". An
// empty string is zero. A leading ">" is accepted and ignored.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), ">"))
	if s == "" {
		return 0, nil
	}
	units := []struct {
		suffix string
		size   time.Duration
	}{
		{"ms", time.Millisecond},
		{"s", time.Second},
		{"m", time.Minute},
		{"h", time.Hour},
		{"d", 24 * time.Hour},
		{"w", 7 * 24 * time.Hour},
		{"y", 365 * 24 * time.Hour},
	}
	for _, u := range units {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(s, u.suffix), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		return time.Duration(n) * u.size, nil
	}
	return 0, fmt.Errorf("invalid interval %q", s)
}
