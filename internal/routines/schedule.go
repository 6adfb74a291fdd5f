package routines

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Routines use standard 5-field cron expressions; descriptors such as
// @daily are accepted too.
var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed cron expression bound to a timezone.
type Schedule struct {
	Expr     string
	Location *time.Location
	sched    cron.Schedule
}

// ParseSchedule parses expr in the named IANA timezone. An empty timezone
// means UTC.
func ParseSchedule(expr, timezone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("schedule is required")
	}
	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return Schedule{Expr: expr, Location: loc, sched: sched}, nil
}

// Next returns the first activation strictly after t, in UTC.
func (s Schedule) Next(t time.Time) time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(t.In(s.Location)).UTC()
}

// NextRun parses the schedule and returns its next activation after t.
func NextRun(expr, timezone string, t time.Time) (time.Time, error) {
	s, err := ParseSchedule(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := s.Next(t)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", expr)
	}
	return next, nil
}
