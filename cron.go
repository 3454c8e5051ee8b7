package durable

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field form: minute, hour, day of month,
// month, day of week, with *, ",", "-" and "/" syntax.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextRun computes the least instant strictly after now that matches a
// schedule's pattern. Cron patterns are evaluated in UTC; daylight-saving
// shifts are out of scope. Interval patterns are the interval in
// milliseconds as a decimal string.
func nextRun(schedType ScheduleType, pattern string, now time.Time) (time.Time, error) {
	switch schedType {
	case ScheduleCron:
		sched, err := cronParser.Parse(pattern)
		if err != nil {
			return time.Time{}, NewEngineError("schedule.NextRun", "validation",
				fmt.Errorf("%w: invalid cron pattern %q: %v", ErrInvalidConfiguration, pattern, err))
		}
		return sched.Next(now.UTC()), nil

	case ScheduleInterval:
		ms, err := strconv.ParseInt(pattern, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, NewEngineError("schedule.NextRun", "validation",
				fmt.Errorf("%w: invalid interval pattern %q", ErrInvalidConfiguration, pattern))
		}
		return now.UTC().Add(time.Duration(ms) * time.Millisecond), nil

	default:
		return time.Time{}, NewEngineError("schedule.NextRun", "validation",
			fmt.Errorf("%w: unknown schedule type %q", ErrInvalidConfiguration, schedType))
	}
}

// validatePattern checks a pattern without computing a next run.
func validatePattern(schedType ScheduleType, pattern string) error {
	_, err := nextRun(schedType, pattern, time.Now())
	return err
}
