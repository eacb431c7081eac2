package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orevatech/opsportal/config"
)

var lagosBusiness = config.BusinessConfig{
	Timezone:     "Africa/Lagos",
	CutoffHour:   5,
	CutoffMinute: 0,
}

func TestTradingDateBeforeCutoff(t *testing.T) {
	// 03:30 UTC is 04:30 in Lagos, before the 05:00 cutoff: the day
	// before yesterday is still the open business date.
	now := time.Date(2026, 2, 13, 3, 30, 0, 0, time.UTC)

	date, err := TradingDate(now, lagosBusiness)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-11", date)
}

func TestTradingDateAtCutoff(t *testing.T) {
	// 04:00 UTC is exactly 05:00 in Lagos: yesterday becomes the target.
	now := time.Date(2026, 2, 13, 4, 0, 0, 0, time.UTC)

	date, err := TradingDate(now, lagosBusiness)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-12", date)
}

func TestTradingDateEvening(t *testing.T) {
	now := time.Date(2026, 2, 13, 20, 0, 0, 0, time.UTC)

	date, err := TradingDate(now, lagosBusiness)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-12", date)
}

func TestTradingDateCutoffMinute(t *testing.T) {
	business := config.BusinessConfig{
		Timezone:     "UTC",
		CutoffHour:   5,
		CutoffMinute: 30,
	}

	date, err := TradingDate(time.Date(2026, 2, 13, 5, 29, 0, 0, time.UTC), business)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-11", date)

	date, err = TradingDate(time.Date(2026, 2, 13, 5, 30, 0, 0, time.UTC), business)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-12", date)
}

func TestTradingDateCrossesMonthBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	date, err := TradingDate(now, lagosBusiness)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-27", date)
}

func TestTradingDateUnknownTimezone(t *testing.T) {
	_, err := TradingDate(time.Now(), config.BusinessConfig{Timezone: "Nowhere/Void"})
	require.Error(t, err)
}
