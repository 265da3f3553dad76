package worker

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/caio-sobreiro/dicomtransfer/config"
)

// Scheduler implements the optional daily time slot: outside the window,
// non-urgent work is deferred to the next window start. The window may cross
// midnight. Equal begin and end disable the feature.
type Scheduler struct {
	begin config.TimeOfDay
	end   config.TimeOfDay
	spec  cron.Schedule
}

// NewScheduler builds a scheduler for the configured window.
func NewScheduler(begin, end config.TimeOfDay) *Scheduler {
	s := &Scheduler{begin: begin, end: end}
	if s.Enabled() {
		// Never fails: minute and hour are validated by ParseTimeOfDay.
		s.spec, _ = cron.ParseStandard(fmt.Sprintf("%d %d * * *", begin.Minute, begin.Hour))
	}
	return s
}

// Enabled reports whether a window is configured at all.
func (s *Scheduler) Enabled() bool {
	return s.begin != s.end
}

// MustBeScheduled reports whether a non-urgent task picked up at now has to
// wait for the window: true outside the window, false inside it or when the
// feature is disabled.
func (s *Scheduler) MustBeScheduled(now time.Time) bool {
	if !s.Enabled() {
		return false
	}

	minute := now.Hour()*60 + now.Minute()
	begin := s.begin.Minutes()
	end := s.end.Minutes()

	var inside bool
	if begin < end {
		inside = minute >= begin && minute < end
	} else {
		// Window crosses midnight, e.g. 22:00 to 06:00.
		inside = minute >= begin || minute < end
	}
	return !inside
}

// NextWindowStart returns the first window begin after now.
func (s *Scheduler) NextWindowStart(now time.Time) time.Time {
	return s.spec.Next(now)
}
