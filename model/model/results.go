package model

import (
	"fmt"
	"time"
)

// Column aliases used on generated statements. Reshaping looks rows up by
// these headers, so they stay in sync with the SQL builders.
const (
	AliasDateTime       = "datetime"
	AliasAggregateValue = "aggregate_value"
	AliasBreakdownValue = "breakdown_value"
)

// QueryResult Raw tabular result of one executed statement.
type QueryResult struct {
	Headers []string        `json:"headers"`
	Rows    [][]interface{} `json:"rows"`

	Query string                `json:"query,omitempty"`
	Meta  QueryResultMeta       `json:"meta,omitempty"`
	Cache QueryResultCacheState `json:"cache,omitempty"`
}

type QueryResultMeta struct {
	QueryRequestID string `json:"query_request_id,omitempty"`
	ExecutionTime  int64  `json:"execution_time_ms,omitempty"`
}

type QueryResultCacheState struct {
	FromCache bool  `json:"from_cache"`
	RefreshedAt int64 `json:"refreshed_at,omitempty"`
}

// HeaderIndex Position of a column alias on the result, -1 when absent.
func (qr *QueryResult) HeaderIndex(header string) int {
	for i, h := range qr.Headers {
		if h == header {
			return i
		}
	}
	return -1
}

// TrendsSeries One reshaped series of the trends response. Data, Labels and
// Days align positionally over the resolved time buckets; for non time
// series displays they are empty and AggregatedValue carries the total.
type TrendsSeries struct {
	Label          string        `json:"label"`
	Data           []float64     `json:"data"`
	Labels         []string      `json:"labels"`
	Days           []string      `json:"days"`
	Dates          []string      `json:"dates,omitempty"`
	Count          float64       `json:"count"`
	AggregatedValue float64      `json:"aggregated_value,omitempty"`
	BreakdownValue interface{}   `json:"breakdown_value,omitempty"`
	CompareLabel   string        `json:"compare_label,omitempty"`
	Action         *SeriesAction `json:"action,omitempty"`

	// Drill down metadata: the originating filter plus per point (time
	// series) or per series (aggregate displays) persons links.
	Filter      *Filter            `json:"filter,omitempty"`
	PersonsURLs []SeriesPersonsURL `json:"persons_urls,omitempty"`
	Persons     *SeriesPersons     `json:"persons,omitempty"`
}

// SeriesPersonsURL Persons drill down link of one time series point.
type SeriesPersonsURL struct {
	URL string `json:"url"`
}

// SeriesPersons Persons drill down link of one aggregate series.
type SeriesPersons struct {
	URL string `json:"url"`
}

// SeriesAction Entity echo on the series, mirrors the request entity.
type SeriesAction struct {
	ID           *string `json:"id"`
	Type         string  `json:"type"`
	Order        int     `json:"order"`
	Name         string  `json:"name,omitempty"`
	Math         string  `json:"math,omitempty"`
	MathProperty string  `json:"math_property,omitempty"`
}

// TrendsResponse Top level API payload.
type TrendsResponse struct {
	Result      []TrendsSeries `json:"result"`
	Timezone    string         `json:"timezone"`
	IsCached    bool           `json:"is_cached"`
	LastRefresh int64          `json:"last_refresh,omitempty"`
}

// BucketLabelFormat Human label layout per interval, used on the Labels axis.
func BucketLabelFormat(interval string) string {
	switch interval {
	case IntervalMinute:
		return "2-Jan-2006 15:04"
	case IntervalHour:
		return "2-Jan-2006 15:04"
	case IntervalMonth:
		return "Jan 2006"
	default:
		return "2-Jan-2006"
	}
}

// BucketDayFormat Machine readable layout per interval, used on the Days axis
// and as the row join key between SQL datetimes and resolved buckets.
func BucketDayFormat(interval string) string {
	switch interval {
	case IntervalMinute, IntervalHour:
		return "2006-01-02 15:04:05"
	default:
		return "2006-01-02"
	}
}

// FormatBucketLabel Renders one bucket boundary for the given interval. Week
// and month buckets label as their start date.
func FormatBucketLabel(bucket time.Time, interval string) string {
	return bucket.Format(BucketLabelFormat(interval))
}

// FormatBucketDay Renders the machine form of one bucket boundary.
func FormatBucketDay(bucket time.Time, interval string) string {
	return bucket.Format(BucketDayFormat(interval))
}

// BreakdownDisplayLabel Maps sentinel breakdown values to their display
// strings, passing through everything else as its string form.
func BreakdownDisplayLabel(value interface{}) string {
	switch v := value.(type) {
	case string:
		switch v {
		case BreakdownOtherStringLabel:
			return BreakdownOtherDisplay
		case BreakdownNullStringLabel:
			return BreakdownNullDisplay
		}
		return v
	case float64:
		switch v {
		case BreakdownOtherNumericLabel:
			return BreakdownOtherDisplay
		case BreakdownNullNumericLabel:
			return BreakdownNullDisplay
		}
		return fmt.Sprintf("%v", v)
	case nil:
		return BreakdownNullDisplay
	default:
		return fmt.Sprintf("%v", v)
	}
}
