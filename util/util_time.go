package util

import (
	"time"

	"github.com/jinzhu/now"
)

// Datetime related utility functions.
// General convention for date functions - suffix Z if utc based, In if timezone is passed.
const (
	DATETIME_FORMAT_YYYYMMDD_HYPHEN string = "2006-01-02"
	DATETIME_FORMAT_DB              string = "2006-01-02 15:04:05"
)

// TimeZoneString IANA timezone name, i.e "America/New_York".
type TimeZoneString string

const TimeZoneStringUTC TimeZoneString = "UTC"

// TimeNowZ Return current time in UTC. Should be used everywhere to avoid local timezone.
func TimeNowZ() time.Time {
	return time.Now().UTC()
}

// TimeNowIn Return's current time in given timezone.
func TimeNowIn(timezone TimeZoneString) time.Time {
	return time.Now().In(GetTimeLocationFor(timezone))
}

// GetTimeLocationFor Returns time.Location object for given timezone.
// Falls back to UTC for an invalid or empty timezone string.
func GetTimeLocationFor(timezone TimeZoneString) *time.Location {
	timezoneLocation, err := time.LoadLocation(string(timezone))
	if err != nil {
		return time.UTC
	}
	return timezoneLocation
}

// IsValidTimezone Whether the timezone string loads as a location.
func IsValidTimezone(timezone TimeZoneString) bool {
	_, err := time.LoadLocation(string(timezone))
	return err == nil
}

// ConvertTimeIn Converts given time.Time object in given timezone.
func ConvertTimeIn(t time.Time, timezone TimeZoneString) time.Time {
	return t.In(GetTimeLocationFor(timezone))
}

// BeginningOfDayIn Start of day for the given time's local date in given timezone.
func BeginningOfDayIn(t time.Time, timezone TimeZoneString) time.Time {
	lt := ConvertTimeIn(t, timezone)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, lt.Location())
}

// EndOfDayIn End of day (23:59:59.999999) for the given time's local date in given timezone.
func EndOfDayIn(t time.Time, timezone TimeZoneString) time.Time {
	lt := ConvertTimeIn(t, timezone)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 23, 59, 59,
		int(time.Second-time.Microsecond), lt.Location())
}

// BeginningOfHourIn Start of hour in given timezone.
func BeginningOfHourIn(t time.Time, timezone TimeZoneString) time.Time {
	lt := ConvertTimeIn(t, timezone)
	return lt.Truncate(time.Hour)
}

// BeginningOfMinuteIn Start of minute in given timezone.
func BeginningOfMinuteIn(t time.Time, timezone TimeZoneString) time.Time {
	lt := ConvertTimeIn(t, timezone)
	return lt.Truncate(time.Minute)
}

// BeginningOfWeekIn Start of week (Sunday 00:00:00) in given timezone.
func BeginningOfWeekIn(t time.Time, timezone TimeZoneString) time.Time {
	lt := ConvertTimeIn(t, timezone)
	return now.New(lt).BeginningOfWeek()
}

// EndOfWeekIn End of week (Saturday 23:59:59) in given timezone.
func EndOfWeekIn(t time.Time, timezone TimeZoneString) time.Time {
	lt := ConvertTimeIn(t, timezone)
	return now.New(lt).EndOfWeek()
}

// BeginningOfMonthIn Start of month in given timezone.
func BeginningOfMonthIn(t time.Time, timezone TimeZoneString) time.Time {
	lt := ConvertTimeIn(t, timezone)
	return now.New(lt).BeginningOfMonth()
}

// EndOfMonthIn End of month in given timezone.
func EndOfMonthIn(t time.Time, timezone TimeZoneString) time.Time {
	lt := ConvertTimeIn(t, timezone)
	return now.New(lt).EndOfMonth()
}

// BeginningOfQuarterIn Start of quarter in given timezone.
func BeginningOfQuarterIn(t time.Time, timezone TimeZoneString) time.Time {
	lt := ConvertTimeIn(t, timezone)
	return now.New(lt).BeginningOfQuarter()
}

// BeginningOfYearIn Start of year in given timezone.
func BeginningOfYearIn(t time.Time, timezone TimeZoneString) time.Time {
	lt := ConvertTimeIn(t, timezone)
	return now.New(lt).BeginningOfYear()
}

// MonthsBetween Number of calendar month boundaries between from and to,
// inclusive of the month containing from. Used instead of fixed
// seconds-per-month arithmetic for month interval counts.
func MonthsBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	months := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	return months + 1
}

// IsStartOfTodaysRangeIn Checks if the given time is start of today's range.
func IsStartOfTodaysRangeIn(t time.Time, timezone TimeZoneString) bool {
	return t.Equal(BeginningOfDayIn(TimeNowZ(), timezone))
}
