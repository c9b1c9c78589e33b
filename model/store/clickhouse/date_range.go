package clickhouse

import (
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"insights/model/model"
	U "insights/util"
)

// DateFromAll Literal date_from meaning "since the team's first event".
const DateFromAll = "all"

const defaultLookbackExpression = "-7d"

// relativeDateRegexp Grammar for relative date expressions: an optional
// sign, a count, a unit and an optional boundary anchor. "-7d", "7d",
// "1mStart", "2qEnd".
var relativeDateRegexp = regexp.MustCompile(`^-?(\d+)([hdwmqy])(Start|End)?$`)

// QueryDateRange Concrete, timezone resolved window of one query. From and
// To are UTC instants; bucket math runs in the team's timezone.
type QueryDateRange struct {
	From     time.Time
	To       time.Time
	Interval string
	Timezone U.TimeZoneString
}

// NewQueryDateRange Resolves the filter's date expressions against the
// team's timezone. now is injected for deterministic resolution.
// shouldRound nil picks the default policy: round for week and month
// intervals, and whenever the raw span covers at least two full intervals.
func NewQueryDateRange(filter *model.Filter, team *model.Team, now time.Time,
	shouldRound *bool) (*QueryDateRange, error) {

	interval := filter.GetInterval()
	timezone := team.TimezoneString()

	from, err := resolveDateExpression(filter.DateFrom, defaultLookbackExpression, now, timezone)
	if err != nil {
		return nil, err
	}
	to, err := resolveDateExpression(filter.DateTo, "", now, timezone)
	if err != nil {
		return nil, err
	}

	qdr := &QueryDateRange{From: from, To: to, Interval: interval, Timezone: timezone}

	rounding := qdr.shouldRoundDefault()
	if shouldRound != nil {
		rounding = *shouldRound
	}
	if rounding {
		qdr.From = truncateToInterval(qdr.From, interval, timezone)
		qdr.To = ceilToInterval(qdr.To, interval, timezone)
	}

	// Hour granularity keeps exact bounds. Every other interval treats the
	// end day as inclusive: date_to is the last microsecond of its local day.
	if interval != model.IntervalHour && interval != model.IntervalMinute {
		qdr.To = U.EndOfDayIn(qdr.To, timezone)
	}

	qdr.From = qdr.From.UTC()
	qdr.To = qdr.To.UTC()

	if qdr.To.Before(qdr.From) {
		return nil, errors.Wrap(model.ErrInvalidConfiguration, "date_to precedes date_from")
	}

	return qdr, nil
}

// resolveDateExpression Parsing precedence: plain date, ISO datetime,
// relative expression; empty uses the fallback, unmatched input falls back
// to now.
func resolveDateExpression(expression, fallbackExpression string, now time.Time,
	timezone U.TimeZoneString) (time.Time, error) {

	if expression == "" {
		if fallbackExpression == "" {
			return now, nil
		}
		expression = fallbackExpression
	}

	location := U.GetTimeLocationFor(timezone)

	if t, err := time.ParseInLocation(U.DATETIME_FORMAT_YYYYMMDD_HYPHEN, expression, location); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(U.DATETIME_FORMAT_DB, expression, location); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, expression); err == nil {
		return t, nil
	}
	if t, matched, err := resolveRelativeDate(expression, now, timezone); matched {
		return t, err
	}

	return now, nil
}

// resolveRelativeDate Applies one relative date expression to now. The sign
// is ignored; both "-7d" and "7d" look back.
func resolveRelativeDate(expression string, now time.Time,
	timezone U.TimeZoneString) (time.Time, bool, error) {

	match := relativeDateRegexp.FindStringSubmatch(expression)
	if match == nil {
		return time.Time{}, false, nil
	}

	count, err := strconv.Atoi(match[1])
	if err != nil {
		return time.Time{}, true, errors.Wrapf(model.ErrInvalidConfiguration,
			"relative date count %q", match[1])
	}
	unit, anchor := match[2], match[3]

	localNow := U.ConvertTimeIn(now, timezone)
	var t time.Time
	switch unit {
	case "h":
		t = localNow.Add(-time.Duration(count) * time.Hour)
	case "d":
		t = localNow.AddDate(0, 0, -count)
	case "w":
		t = localNow.AddDate(0, 0, -count*7)
	case "m":
		t = localNow.AddDate(0, -count, 0)
	case "q":
		t = localNow.AddDate(0, -count*3, 0)
	case "y":
		t = localNow.AddDate(-count, 0, 0)
	default:
		return time.Time{}, true, errors.Wrapf(model.ErrInvalidConfiguration,
			"relative date unit %q", unit)
	}

	switch anchor {
	case "Start":
		t = startOfUnit(t, unit, timezone)
	case "End":
		t = endOfUnit(t, unit, timezone)
	}
	return t, true, nil
}

func startOfUnit(t time.Time, unit string, timezone U.TimeZoneString) time.Time {
	switch unit {
	case "h":
		return U.BeginningOfHourIn(t, timezone)
	case "d":
		return U.BeginningOfDayIn(t, timezone)
	case "w":
		return U.BeginningOfWeekIn(t, timezone)
	case "m":
		return U.BeginningOfMonthIn(t, timezone)
	case "q":
		return U.BeginningOfQuarterIn(t, timezone)
	case "y":
		return U.BeginningOfYearIn(t, timezone)
	}
	return t
}

func endOfUnit(t time.Time, unit string, timezone U.TimeZoneString) time.Time {
	switch unit {
	case "h":
		return U.BeginningOfHourIn(t, timezone).Add(time.Hour - time.Microsecond)
	case "d":
		return U.EndOfDayIn(t, timezone)
	case "w":
		return U.EndOfWeekIn(t, timezone)
	case "m":
		return U.EndOfMonthIn(t, timezone)
	case "q":
		return U.EndOfDayIn(U.BeginningOfQuarterIn(t, timezone).AddDate(0, 3, -1), timezone)
	case "y":
		return U.EndOfDayIn(U.BeginningOfYearIn(t, timezone).AddDate(1, 0, -1), timezone)
	}
	return t
}

func truncateToInterval(t time.Time, interval string, timezone U.TimeZoneString) time.Time {
	switch interval {
	case model.IntervalMinute:
		return U.BeginningOfMinuteIn(t, timezone)
	case model.IntervalHour:
		return U.BeginningOfHourIn(t, timezone)
	case model.IntervalWeek:
		return U.BeginningOfWeekIn(t, timezone)
	case model.IntervalMonth:
		return U.BeginningOfMonthIn(t, timezone)
	default:
		return U.BeginningOfDayIn(t, timezone)
	}
}

// ceilToInterval Rounds up to the edge of the interval containing t, so a
// partial trailing week or month stays fully covered by the window.
func ceilToInterval(t time.Time, interval string, timezone U.TimeZoneString) time.Time {
	switch interval {
	case model.IntervalWeek:
		return U.EndOfWeekIn(t, timezone)
	case model.IntervalMonth:
		return U.EndOfMonthIn(t, timezone)
	default:
		return t
	}
}

func intervalSeconds(interval string) int64 {
	switch interval {
	case model.IntervalMinute:
		return 60
	case model.IntervalHour:
		return 60 * 60
	case model.IntervalWeek:
		return 7 * 24 * 60 * 60
	case model.IntervalMonth:
		return 30 * 24 * 60 * 60
	default:
		return 24 * 60 * 60
	}
}

func (qdr *QueryDateRange) shouldRoundDefault() bool {
	if qdr.Interval == model.IntervalWeek || qdr.Interval == model.IntervalMonth {
		return true
	}
	return qdr.To.Unix()-qdr.From.Unix() >= 2*intervalSeconds(qdr.Interval)
}

// NumIntervals Bucket count over the window. Months count calendar month
// boundaries instead of fixed seconds.
func (qdr *QueryDateRange) NumIntervals() int {
	if qdr.Interval == model.IntervalMonth {
		return U.MonthsBetween(
			U.ConvertTimeIn(qdr.From, qdr.Timezone),
			U.ConvertTimeIn(qdr.To, qdr.Timezone))
	}
	return int((qdr.To.Unix()-qdr.From.Unix())/intervalSeconds(qdr.Interval)) + 1
}

// Ticks Bucket start times over the window in the team's timezone, used
// for zero filling and the active user window join.
func (qdr *QueryDateRange) Ticks() []time.Time {
	ticks := make([]time.Time, 0, qdr.NumIntervals())
	tick := truncateToInterval(qdr.From, qdr.Interval, qdr.Timezone)
	localTo := U.ConvertTimeIn(qdr.To, qdr.Timezone)
	for !tick.After(localTo) {
		ticks = append(ticks, tick)
		tick = qdr.nextTick(tick)
	}
	return ticks
}

func (qdr *QueryDateRange) nextTick(tick time.Time) time.Time {
	switch qdr.Interval {
	case model.IntervalMinute:
		return tick.Add(time.Minute)
	case model.IntervalHour:
		return tick.Add(time.Hour)
	case model.IntervalWeek:
		return tick.AddDate(0, 0, 7)
	case model.IntervalMonth:
		return tick.AddDate(0, 1, 0)
	default:
		return tick.AddDate(0, 0, 1)
	}
}

// TickEnd Exclusive upper bound of the bucket starting at tick.
func (qdr *QueryDateRange) TickEnd(tick time.Time) time.Time {
	return qdr.nextTick(tick)
}

// WhereFragment Window predicate on the events scan.
func (qdr *QueryDateRange) WhereFragment(namer *paramNamer) Fragment {
	fromParam, toParam := namer.next(), namer.next()
	return newFragment(
		columnTimestamp+" >= @"+fromParam+" AND "+columnTimestamp+" <= @"+toParam,
		map[string]interface{}{fromParam: qdr.From, toParam: qdr.To})
}

// PreviousPeriod Window of equal length immediately before this one, used
// by compare mode.
func (qdr *QueryDateRange) PreviousPeriod() *QueryDateRange {
	span := qdr.To.Sub(qdr.From)
	previous := *qdr
	previous.To = qdr.From.Add(-time.Microsecond)
	previous.From = previous.To.Add(-span)
	return &previous
}

// bucketExpression Dialect expression truncating the event timestamp to the
// bucket start in the team's timezone.
func (qdr *QueryDateRange) bucketExpression(namer *paramNamer) Fragment {
	tzParam := namer.next()
	localTimestamp := "toTimeZone(" + columnTimestamp + ", @" + tzParam + ")"
	params := map[string]interface{}{tzParam: string(qdr.Timezone)}

	var stmnt string
	switch qdr.Interval {
	case model.IntervalMinute:
		stmnt = "toStartOfMinute(" + localTimestamp + ")"
	case model.IntervalHour:
		stmnt = "toStartOfHour(" + localTimestamp + ")"
	case model.IntervalWeek:
		stmnt = "toDateTime(toStartOfWeek(" + localTimestamp + "))"
	case model.IntervalMonth:
		stmnt = "toDateTime(toStartOfMonth(" + localTimestamp + "))"
	default:
		stmnt = "toStartOfDay(" + localTimestamp + ")"
	}
	return newFragment(stmnt, params)
}
