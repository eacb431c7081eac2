package schedule

import (
	"time"

	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/errors"
)

// TradingDate returns the business date a run fired at the given
// instant should process, formatted YYYY-MM-DD.
//
// Before the daily cutoff the previous business day is still being
// closed out, so the run targets the day before yesterday. At or after
// the cutoff it targets yesterday.
func TradingDate(now time.Time, business config.BusinessConfig) (string, error) {
	loc, err := time.LoadLocation(business.Timezone)
	if err != nil {
		return "", errors.Wrapf(err, "unknown business timezone %q", business.Timezone)
	}

	local := now.In(loc)
	daysBack := 1
	if local.Hour() < business.CutoffHour ||
		(local.Hour() == business.CutoffHour && local.Minute() < business.CutoffMinute) {
		daysBack = 2
	}
	return local.AddDate(0, 0, -daysBack).Format("2006-01-02"), nil
}
