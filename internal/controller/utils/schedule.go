package utils

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NewCronParser accepts standard five field expressions and descriptors such as @daily.
func NewCronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ScheduleDue reports whether a run of schedule is due at now. Runs are counted
// from lastRun, or from since when the schedule never ran. next is the first
// run time after now.
func ScheduleDue(parser cron.Parser, schedule string, lastRun *time.Time, since, now time.Time) (due bool, next time.Time, err error) {
	cronSchedule, err := parser.Parse(schedule)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	reference := since
	if lastRun != nil {
		reference = *lastRun
	}

	// If next scheduled time is in the past, it's time for a backup
	due = !cronSchedule.Next(reference).After(now)
	return due, cronSchedule.Next(now), nil
}
