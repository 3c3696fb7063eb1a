package refresh

import (
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/events"
)

func TestParseSchedule(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		spec string
		next time.Time
	}{
		{"30s", start.Add(30 * time.Second)},
		{"1m", start.Add(time.Minute)},
		{"1d", start.Add(24 * time.Hour)},
		{"*/15 * * * *", start.Add(15 * time.Minute)},
		{"@hourly", start.Add(time.Hour)},
	}
	for _, tt := range tests {
		schedule, err := ParseSchedule(tt.spec)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.spec, err)
		}
		if got := schedule.Next(start); !got.Equal(tt.next) {
			t.Errorf("ParseSchedule(%q).Next = %s, want %s", tt.spec, got, tt.next)
		}
	}
}

func TestParseScheduleRejects(t *testing.T) {
	if _, err := ParseSchedule(""); !errors.Is(err, ErrNoSchedule) {
		t.Fatalf("expected ErrNoSchedule, got %v", err)
	}
	for _, spec := range []string{"500ms", "every now and then"} {
		if _, err := ParseSchedule(spec); err == nil {
			t.Errorf("expected error for %q", spec)
		}
	}
}

func TestScheduleReplacesAndUnschedules(t *testing.T) {
	s := NewScheduler(nil)
	m := &dashboard.Model{UID: "d1", Refresh: "1m"}

	if err := s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	m.Refresh = "5m"
	if err := s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one entry, got %d", s.Len())
	}

	m.Refresh = ""
	if err := s.Schedule(m); !errors.Is(err, ErrNoSchedule) {
		t.Fatalf("expected ErrNoSchedule, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("dashboard without refresh should be unscheduled, got %d entries", s.Len())
	}
	if _, ok := s.Next("d1"); ok {
		t.Fatal("unexpected entry for d1")
	}
}

func TestScheduleInvalidKeepsNothing(t *testing.T) {
	s := NewScheduler(nil)
	if err := s.Schedule(&dashboard.Model{UID: "d1", Refresh: "sometimes"}); err == nil {
		t.Fatal("expected error")
	}
	if s.Len() != 0 {
		t.Fatalf("expected no entries, got %d", s.Len())
	}
}

func TestSchedulerPublishesRefresh(t *testing.T) {
	s := NewScheduler(nil, cron.WithLocation(time.UTC))
	m := &dashboard.Model{UID: "d1", Refresh: "1s"}
	sub := m.Events().Subscribe("test")
	defer m.Events().Unsubscribe("test")

	if err := s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	s.Start()
	s.Start()
	defer s.Stop()

	if next, ok := s.Next("d1"); !ok || next.IsZero() {
		t.Fatalf("expected next refresh after start, got %v %v", next, ok)
	}

	select {
	case evt := <-sub:
		if evt.Type != events.DashboardRefresh || evt.DashboardUID != "d1" || evt.Summary != Reason {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no refresh published")
	}
}
