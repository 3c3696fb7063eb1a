package dashboard

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/dashquery/internal/data"
)

// SetNow replaces the wall clock used to resolve relative ranges.
func (m *Model) SetNow(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// ResolveTimeRange turns a raw range such as {now-6h, now} into absolute times.
func ResolveTimeRange(raw data.RawTimeRange, now time.Time) (data.TimeRange, error) {
	from, err := parseBound(raw.From, now, false)
	if err != nil {
		return data.TimeRange{}, fmt.Errorf("parse from %q: %w", raw.From, err)
	}
	to, err := parseBound(raw.To, now, true)
	if err != nil {
		return data.TimeRange{}, fmt.Errorf("parse to %q: %w", raw.To, err)
	}
	if to.Before(from) {
		return data.TimeRange{}, fmt.Errorf("range %q to %q ends before it starts", raw.From, raw.To)
	}
	return data.TimeRange{From: from, To: to, Raw: raw}, nil
}

// parseBound understands "now", "now-6h", "now-1d/d", RFC3339 and epoch
// milliseconds. Rounding snaps to the start of the unit, or its end for the
// upper bound.
func parseBound(v string, now time.Time, upper bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return now, nil
	}
	if !strings.HasPrefix(v, data.LiveNow) {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Parse(time.RFC3339, v)
	}

	expr := strings.TrimPrefix(v, data.LiveNow)
	round := ""
	if i := strings.Index(expr, "/"); i >= 0 {
		round = expr[i+1:]
		expr = expr[:i]
	}

	t := now
	if expr != "" {
		sign := 1
		switch expr[0] {
		case '-':
			sign = -1
		case '+':
		default:
			return time.Time{}, fmt.Errorf("unexpected %q", expr)
		}
		unit := expr[len(expr)-1:]
		n, err := strconv.Atoi(expr[1 : len(expr)-1])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid amount in %q", expr)
		}
		t, err = addUnit(t, sign*n, unit)
		if err != nil {
			return time.Time{}, err
		}
	}
	if round != "" {
		start, err := startOf(t, round)
		if err != nil {
			return time.Time{}, err
		}
		if upper {
			next, _ := addUnit(start, 1, round)
			return next.Add(-time.Millisecond), nil
		}
		return start, nil
	}
	return t, nil
}

func addUnit(t time.Time, n int, unit string) (time.Time, error) {
	switch unit {
	case "s":
		return t.Add(time.Duration(n) * time.Second), nil
	case "m":
		return t.Add(time.Duration(n) * time.Minute), nil
	case "h":
		return t.Add(time.Duration(n) * time.Hour), nil
	case "d":
		return t.AddDate(0, 0, n), nil
	case "w":
		return t.AddDate(0, 0, 7*n), nil
	case "M":
		return t.AddDate(0, n, 0), nil
	case "y":
		return t.AddDate(n, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("unknown unit %q", unit)
}

func startOf(t time.Time, unit string) (time.Time, error) {
	y, mo, d := t.Date()
	loc := t.Location()
	switch unit {
	case "s":
		return t.Truncate(time.Second), nil
	case "m":
		return t.Truncate(time.Minute), nil
	case "h":
		return time.Date(y, mo, d, t.Hour(), 0, 0, 0, loc), nil
	case "d":
		return time.Date(y, mo, d, 0, 0, 0, 0, loc), nil
	case "w":
		day := time.Date(y, mo, d, 0, 0, 0, 0, loc)
		return day.AddDate(0, 0, -int(day.Weekday())), nil
	case "M":
		return time.Date(y, mo, 1, 0, 0, 0, 0, loc), nil
	case "y":
		return time.Date(y, 1, 1, 0, 0, 0, 0, loc), nil
	}
	return time.Time{}, fmt.Errorf("unknown unit %q", unit)
}
