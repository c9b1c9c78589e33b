package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var aug25 = time.Date(2021, 8, 25, 14, 30, 45, 0, time.UTC)

func TestGetTimeLocationForFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, GetTimeLocationFor("Not/AZone"))
	assert.Equal(t, time.UTC, GetTimeLocationFor(""))
	assert.Equal(t, "Europe/Helsinki", GetTimeLocationFor("Europe/Helsinki").String())
}

func TestBeginningAndEndOfDayIn(t *testing.T) {
	start := BeginningOfDayIn(aug25, TimeZoneStringUTC)
	assert.Equal(t, "2021-08-25 00:00:00", start.Format(DATETIME_FORMAT_DB))

	end := EndOfDayIn(aug25, TimeZoneStringUTC)
	assert.Equal(t, "2021-08-25 23:59:59", end.Format(DATETIME_FORMAT_DB))
	assert.Equal(t, int(time.Second-time.Microsecond), end.Nanosecond())
}

func TestBeginningOfDayInTimezone(t *testing.T) {
	// 2021-08-25 14:30 UTC is already 2021-08-25 17:30 in Helsinki; local
	// midnight sits at 21:00 UTC the previous day.
	start := BeginningOfDayIn(aug25, "Europe/Helsinki")
	assert.Equal(t, "2021-08-24 21:00:00", start.UTC().Format(DATETIME_FORMAT_DB))
}

func TestBeginningOfWeekIn(t *testing.T) {
	// 2021-08-25 is a Wednesday; the week starts Sunday 2021-08-22.
	start := BeginningOfWeekIn(aug25, TimeZoneStringUTC)
	assert.Equal(t, "2021-08-22 00:00:00", start.Format(DATETIME_FORMAT_DB))
}

func TestBeginningAndEndOfMonthIn(t *testing.T) {
	start := BeginningOfMonthIn(aug25, TimeZoneStringUTC)
	assert.Equal(t, "2021-08-01 00:00:00", start.Format(DATETIME_FORMAT_DB))

	end := EndOfMonthIn(aug25, TimeZoneStringUTC)
	assert.Equal(t, "2021-08-31", end.Format(DATETIME_FORMAT_YYYYMMDD_HYPHEN))
}

func TestMonthsBetween(t *testing.T) {
	jan := time.Date(2021, 1, 15, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2021, 3, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3, MonthsBetween(jan, mar))

	// Same month counts once.
	assert.Equal(t, 1, MonthsBetween(jan, jan))

	// Year boundary.
	dec := time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 2, MonthsBetween(dec, jan))

	// Inverted range.
	assert.Equal(t, 0, MonthsBetween(mar, jan))
}
