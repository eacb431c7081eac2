package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orevatech/opsportal/errors"
)

// cronParser accepts standard five-field expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// maxFireHorizon bounds how far ahead a next fire may land. An
// expression that cannot fire within a year is treated as invalid.
const maxFireHorizon = 366 * 24 * time.Hour

// ParseCron validates a five-field cron expression. Day-of-week 7 is
// accepted as an alias for Sunday.
func ParseCron(expr string) (cron.Schedule, error) {
	normalized, err := normalizeDow(expr)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(normalized)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return sched, nil
}

// ValidateCron reports whether expr is a usable cron expression.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// NextFire computes the first fire time strictly after the given
// instant, evaluated in the schedule's timezone. Returns an error for
// invalid expressions, unknown zones, or expressions that never fire
// within the horizon.
func NextFire(expr, timezoneName string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}

	loc, err := time.LoadLocation(timezoneName)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "unknown timezone %q", timezoneName)
	}

	next := sched.Next(after.In(loc))
	if next.IsZero() || next.Sub(after) > maxFireHorizon {
		return time.Time{}, errors.Newf("cron expression %q never fires within a year", expr)
	}
	return next, nil
}

// CronMatches reports whether the expression fires at the given minute.
func CronMatches(expr, timezoneName string, t time.Time) (bool, error) {
	truncated := t.Truncate(time.Minute)
	next, err := NextFire(expr, timezoneName, truncated.Add(-time.Second))
	if err != nil {
		return false, err
	}
	return next.Equal(truncated), nil
}

// normalizeDow maps day-of-week 7 to 0 in the fifth field. Ranges
// ending at 7 are left for the parser to reject.
func normalizeDow(expr string) (string, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", errors.Newf("cron expression %q must have exactly 5 fields", expr)
	}

	parts := strings.Split(fields[4], ",")
	for i, part := range parts {
		if part == "7" {
			parts[i] = "0"
		} else if strings.HasPrefix(part, "7/") {
			parts[i] = "0" + part[1:]
		}
	}
	fields[4] = strings.Join(parts, ",")
	return strings.Join(fields, " "), nil
}
