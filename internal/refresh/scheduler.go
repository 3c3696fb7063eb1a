// Package refresh drives dashboard auto-refresh: each scheduled dashboard
// gets its refresh signal published on its refresh interval.
package refresh

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/query"
)

// Reason is the summary carried by scheduled refresh events.
const Reason = "auto-refresh"

// ErrNoSchedule is returned for a dashboard without a refresh interval.
var ErrNoSchedule = errors.New("dashboard has no refresh interval")

// Scheduler publishes refresh signals for dashboards on their intervals.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

// NewScheduler creates a scheduler. Extra cron options, such as a location,
// are passed through.
func NewScheduler(logger *zap.Logger, opts ...cron.Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:    cron.New(opts...),
		logger:  logger.Named("refresh"),
		entries: make(map[string]cron.EntryID),
	}
}

// ParseSchedule understands refresh intervals ("5s", "1m", "1d") and
// standard five field cron expressions.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, ErrNoSchedule
	}
	if d, err := query.ParseInterval(spec); err == nil {
		if d < time.Second {
			return nil, fmt.Errorf("refresh interval %q is below one second", spec)
		}
		return cron.Every(d), nil
	}
	return cron.ParseStandard(spec)
}

// Schedule registers m under its UID, replacing a previous schedule. A
// dashboard without a refresh interval is unscheduled and ErrNoSchedule is
// returned.
func (s *Scheduler) Schedule(m *dashboard.Model) error {
	schedule, err := ParseSchedule(m.Refresh)
	if err != nil {
		s.Unschedule(m.UID)
		if errors.Is(err, ErrNoSchedule) {
			return err
		}
		return fmt.Errorf("dashboard %s: %w", m.UID, err)
	}

	uid := m.UID
	job := cron.FuncJob(func() {
		s.logger.Debug("Refreshing dashboard", zap.String("dashboard", uid))
		m.RequestRefresh(Reason)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[uid]; ok {
		s.cron.Remove(id)
	}
	s.entries[uid] = s.cron.Schedule(schedule, job)
	s.logger.Info("Scheduled dashboard refresh", zap.String("dashboard", uid), zap.String("refresh", m.Refresh))
	return nil
}

// Unschedule stops refreshing the dashboard with uid.
func (s *Scheduler) Unschedule(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[uid]; ok {
		s.cron.Remove(id)
		delete(s.entries, uid)
	}
}

// Next returns the next refresh time of uid. It is zero until the scheduler
// has started.
func (s *Scheduler) Next(uid string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[uid]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Len returns the number of scheduled dashboards.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start starts the scheduler loop. It is safe to call Start multiple times.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop stops scheduling and waits for running refreshes to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}
