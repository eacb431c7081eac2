package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFireEveryFiveMinutes(t *testing.T) {
	after := time.Date(2026, 8, 24, 10, 2, 30, 0, time.UTC)

	next, err := NextFire("*/5 * * * *", "UTC", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC), next.UTC())
}

func TestNextFireIsStrictlyAfter(t *testing.T) {
	// Exactly on a fire boundary advances to the next one.
	after := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)

	next, err := NextFire("*/5 * * * *", "UTC", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 10, 0, 0, time.UTC), next.UTC())
}

func TestNextFireEvaluatesInScheduleTimezone(t *testing.T) {
	// Lagos is UTC+1 year-round, so 18:00 local is 17:00 UTC.
	after := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)

	next, err := NextFire("0 18 * * *", "Africa/Lagos", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 17, 0, 0, 0, time.UTC), next.UTC())
}

func TestNextFireSundayAliasSeven(t *testing.T) {
	// 2026-08-24 is a Monday; the next Sunday is the 30th.
	after := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	next, err := NextFire("0 6 * * 7", "UTC", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC), next.UTC())

	// 7 and 0 denote the same day.
	viaZero, err := NextFire("0 6 * * 0", "UTC", after)
	require.NoError(t, err)
	assert.True(t, next.Equal(viaZero))
}

func TestNextFireVixieDomDowUnion(t *testing.T) {
	// With both day fields restricted, either one matching fires.
	// 2026-08-24 is a Monday; the 25th is a Tuesday and matches dom=25
	// even though dow=0 (Sunday) does not.
	after := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	next, err := NextFire("0 6 25 * 0", "UTC", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC), next.UTC())
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("0 18 * * *"))
	assert.NoError(t, ValidateCron("*/15 2,14 * * 1-5"))
	assert.NoError(t, ValidateCron("30 5 1 * 7"))

	assert.Error(t, ValidateCron(""))
	assert.Error(t, ValidateCron("not a cron"))
	assert.Error(t, ValidateCron("0 18 * *"))
	assert.Error(t, ValidateCron("61 * * * *"))
	assert.Error(t, ValidateCron("0 18 * * * *"))
}

func TestNextFireUnknownTimezone(t *testing.T) {
	_, err := NextFire("0 18 * * *", "Mars/Olympus_Mons", time.Now())
	require.Error(t, err)
}

func TestNextFireFebruary30NeverFires(t *testing.T) {
	_, err := NextFire("0 0 30 2 *", "UTC", time.Now())
	require.Error(t, err)
}

func TestCronMatches(t *testing.T) {
	at := time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC)

	match, err := CronMatches("0 18 * * *", "UTC", at)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = CronMatches("0 18 * * *", "UTC", at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, match)
}
