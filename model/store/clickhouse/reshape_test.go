package clickhouse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insights/model/model"
)

func threeDayRange(t *testing.T) *QueryDateRange {
	t.Helper()
	filter := &model.Filter{DateFrom: "2021-08-01", DateTo: "2021-08-03", Interval: model.IntervalDay}
	qdr, err := NewQueryDateRange(filter, utcTeam(), frozenNow, nil)
	require.NoError(t, err)
	return qdr
}

func day(d int) time.Time {
	return time.Date(2021, 8, d, 0, 0, 0, 0, time.UTC)
}

func TestReshapeEntityResultZeroFills(t *testing.T) {
	result := resultTable(
		[]string{model.AliasDateTime, model.AliasAggregateValue},
		[][]interface{}{
			{day(1), float64(2)},
			{day(3), float64(5)},
		})

	series := reshapeEntityResult(result, int64(1), &model.Filter{}, pageviewEntity(),
		threeDayRange(t), nil, nil, "")
	require.Len(t, series, 1)

	assert.Equal(t, []float64{2, 0, 5}, series[0].Data)
	assert.Equal(t, []string{"2021-08-01", "2021-08-02", "2021-08-03"}, series[0].Days)
	assert.Equal(t, []string{"1-Aug-2021", "2-Aug-2021", "3-Aug-2021"}, series[0].Labels)
	assert.Equal(t, float64(7), series[0].Count)
	assert.Equal(t, "$pageview", series[0].Label)
	require.NotNil(t, series[0].Action)
	assert.Equal(t, model.EntityTypeEvents, series[0].Action.Type)

	// One drill down link per point, bounded to that point's bucket.
	require.Len(t, series[0].PersonsURLs, 3)
	assert.Contains(t, series[0].PersonsURLs[0].URL, "/api/projects/1/persons/trends?")
	assert.Contains(t, series[0].PersonsURLs[0].URL, "date_from=2021-08-01")
	assert.Contains(t, series[0].PersonsURLs[0].URL, "date_to=2021-08-01")
	assert.Contains(t, series[0].PersonsURLs[1].URL, "date_from=2021-08-02")
	assert.Contains(t, series[0].PersonsURLs[0].URL, "entity_id=%24pageview")
	assert.Equal(t, series[0].Days, series[0].Dates)
	assert.NotNil(t, series[0].Filter)
}

func TestReshapeEntityResultCumulativeRunningSum(t *testing.T) {
	result := resultTable(
		[]string{model.AliasDateTime, model.AliasAggregateValue},
		[][]interface{}{
			{day(1), float64(1)},
			{day(3), float64(2)},
		})
	filter := &model.Filter{Display: model.DisplayLineGraphCumulative}

	series := reshapeEntityResult(result, int64(1), filter, pageviewEntity(), threeDayRange(t), nil, nil, "")
	require.Len(t, series, 1)
	assert.Equal(t, []float64{1, 1, 3}, series[0].Data)
	assert.Equal(t, float64(3), series[0].Count)
}

func TestReshapeEntityResultSamplingCorrection(t *testing.T) {
	result := resultTable(
		[]string{model.AliasDateTime, model.AliasAggregateValue},
		[][]interface{}{{day(1), float64(3)}})
	filter := &model.Filter{SamplingFactor: 0.1}

	series := reshapeEntityResult(result, int64(1), filter, pageviewEntity(), threeDayRange(t), nil, nil, "")
	require.Len(t, series, 1)
	assert.InDelta(t, 30, series[0].Data[0], 1e-9)
}

func TestReshapeEntityResultBreakdownWithTail(t *testing.T) {
	result := resultTable(
		[]string{model.AliasDateTime, model.AliasBreakdownValue, model.AliasAggregateValue},
		[][]interface{}{
			{day(1), "Chrome", float64(5)},
			{day(1), model.BreakdownOtherStringLabel, float64(2)},
			{day(2), nil, float64(1)},
		})
	filter := &model.Filter{Breakdown: "$browser"}
	spec := &breakdownSpec{
		values:  []interface{}{"Chrome", model.BreakdownNullStringLabel},
		hasMore: true,
	}

	series := reshapeEntityResult(result, int64(1), filter, pageviewEntity(), threeDayRange(t), spec, nil, "")
	require.Len(t, series, 3)

	labels := []string{series[0].Label, series[1].Label, series[2].Label}
	assert.Contains(t, labels, "$pageview - Chrome")
	assert.Contains(t, labels, "$pageview - "+model.BreakdownNullDisplay)
	assert.Contains(t, labels, "$pageview - "+model.BreakdownOtherDisplay)

	for _, s := range series {
		if s.BreakdownValue == model.BreakdownNullStringLabel {
			// Null rows come back as nil and fold into the null sentinel series.
			assert.Equal(t, float64(1), s.Count)
		}
	}
}

func TestReshapeEntityResultHiddenTailOmitsOtherSeries(t *testing.T) {
	result := resultTable(
		[]string{model.AliasDateTime, model.AliasBreakdownValue, model.AliasAggregateValue},
		[][]interface{}{{day(1), "Chrome", float64(5)}})
	filter := &model.Filter{Breakdown: "$browser", BreakdownHideOtherAggregation: true}
	spec := &breakdownSpec{values: []interface{}{"Chrome"}, hasMore: true}

	series := reshapeEntityResult(result, int64(1), filter, pageviewEntity(), threeDayRange(t), spec, nil, "")
	require.Len(t, series, 1)
	assert.Equal(t, "Chrome", series[0].BreakdownValue)
}

func TestReshapeEntityResultNumericSentinels(t *testing.T) {
	result := resultTable(
		[]string{model.AliasDateTime, model.AliasBreakdownValue, model.AliasAggregateValue},
		[][]interface{}{{day(1), "1", float64(5)}})
	filter := &model.Filter{Breakdown: "version"}
	spec := &breakdownSpec{
		values:              []interface{}{"1"},
		hasMore:             true,
		useNumericSentinels: true,
	}

	series := reshapeEntityResult(result, int64(1), filter, pageviewEntity(), threeDayRange(t), spec, nil, "")
	require.Len(t, series, 2)

	var otherValue, realValue interface{}
	for _, s := range series {
		if s.Label == "$pageview - "+model.BreakdownOtherDisplay {
			otherValue = s.BreakdownValue
		} else {
			realValue = s.BreakdownValue
		}
	}
	assert.Equal(t, model.BreakdownOtherNumericLabel, otherValue)
	// Real values of an all-numeric dimension come back numeric as well.
	assert.Equal(t, float64(1), realValue)
}

func TestReshapeAggregateResult(t *testing.T) {
	result := resultTable(
		[]string{model.AliasAggregateValue},
		[][]interface{}{{float64(42)}})
	filter := &model.Filter{Display: model.DisplayBoldNumber}

	series := reshapeEntityResult(result, int64(1), filter, pageviewEntity(), threeDayRange(t), nil, nil, "")
	require.Len(t, series, 1)
	assert.Equal(t, float64(42), series[0].AggregatedValue)
	assert.Empty(t, series[0].Data)
	assert.Empty(t, series[0].Days)

	// Aggregate displays carry one link spanning the whole resolved range.
	require.NotNil(t, series[0].Persons)
	assert.Contains(t, series[0].Persons.URL, "/api/projects/1/persons/trends?")
	assert.Contains(t, series[0].Persons.URL, "entity_type=events")
	assert.Empty(t, series[0].PersonsURLs)
}

func TestBuildPersonsURLEncodesBreakdown(t *testing.T) {
	filter := &model.Filter{Breakdown: "$browser", BreakdownType: model.BreakdownTypeEvent}
	url := buildPersonsURL(1, filter, pageviewEntity(), "2021-08-01", "2021-08-01", "Chrome")

	assert.Contains(t, url, "breakdown=%24browser")
	assert.Contains(t, url, "breakdown_type=event")
	assert.Contains(t, url, "breakdown_value=Chrome")
}

func TestBuildPersonsURLActionEntity(t *testing.T) {
	entity := &model.Entity{Type: model.EntityTypeActions, ActionID: 42, Math: model.MathDAU}
	url := buildPersonsURL(1, &model.Filter{}, entity, "2021-08-01", "2021-08-03", nil)

	assert.Contains(t, url, "entity_id=42")
	assert.Contains(t, url, "entity_type=actions")
	assert.Contains(t, url, "entity_math="+model.MathDAU)
}

func TestReshapeEntityResultCohortNames(t *testing.T) {
	result := resultTable(
		[]string{model.AliasDateTime, model.AliasBreakdownValue, model.AliasAggregateValue},
		[][]interface{}{
			{day(1), "all", float64(10)},
			{day(1), "7", float64(4)},
		})
	filter := &model.Filter{
		BreakdownType:      model.BreakdownTypeCohort,
		BreakdownCohortIDs: []int64{0, 7},
	}
	spec := &breakdownSpec{values: []interface{}{int64(0), int64(7)}, isCohort: true}
	names := map[int64]string{0: "all users", 7: "Power users"}

	series := reshapeEntityResult(result, int64(1), filter, pageviewEntity(), threeDayRange(t), spec, names, "")
	require.Len(t, series, 2)
	assert.Equal(t, "$pageview - all users", series[0].Label)
	assert.Equal(t, "$pageview - Power users", series[1].Label)
}

func TestSortTrendsSeriesEntityOrderThenVolume(t *testing.T) {
	series := []model.TrendsSeries{
		{Label: "b", Count: 1, Action: &model.SeriesAction{Order: 1}},
		{Label: "a", Count: 5, Action: &model.SeriesAction{Order: 1}},
		{Label: "c", Count: 2, Action: &model.SeriesAction{Order: 0}},
	}
	sortTrendsSeries(series, &model.Filter{})

	assert.Equal(t, "c", series[0].Label)
	assert.Equal(t, "a", series[1].Label)
	assert.Equal(t, "b", series[2].Label)
}

func TestSortTrendsSeriesLabelTiebreak(t *testing.T) {
	series := []model.TrendsSeries{
		{Label: "b", Count: 2, Action: &model.SeriesAction{}},
		{Label: "a", Count: 2, Action: &model.SeriesAction{}},
	}
	sortTrendsSeries(series, &model.Filter{})
	assert.Equal(t, "a", series[0].Label)
}

func TestSortTrendsSeriesAllCohortPinsFirst(t *testing.T) {
	series := []model.TrendsSeries{
		{Label: "seven", Count: 100, BreakdownValue: "7", Action: &model.SeriesAction{}},
		{Label: "all", Count: 1, BreakdownValue: "all", Action: &model.SeriesAction{}},
	}
	sortTrendsSeries(series, &model.Filter{
		BreakdownType:      model.BreakdownTypeCohort,
		BreakdownCohortIDs: []int64{0, 7},
	})
	assert.Equal(t, "all", series[0].Label)
}

func TestSortTrendsSeriesHistogramByLowerBound(t *testing.T) {
	series := []model.TrendsSeries{
		{Label: "high", Count: 100, BreakdownValue: "[10,20.01]", Action: &model.SeriesAction{}},
		{Label: "low", Count: 1, BreakdownValue: "[0,10]", Action: &model.SeriesAction{}},
	}
	sortTrendsSeries(series, &model.Filter{
		Breakdown:                  "duration",
		BreakdownHistogramBinCount: 2,
	})
	assert.Equal(t, "low", series[0].Label)
}

func TestSortTrendsSeriesSessionByBucketValue(t *testing.T) {
	series := []model.TrendsSeries{
		{Label: "short", Count: 100, BreakdownValue: "10", Action: &model.SeriesAction{}},
		{Label: "long", Count: 1, BreakdownValue: "300", Action: &model.SeriesAction{}},
	}
	sortTrendsSeries(series, &model.Filter{
		Breakdown:     model.SessionDurationKey,
		BreakdownType: model.BreakdownTypeSession,
	})
	assert.Equal(t, "long", series[0].Label)
}

func TestHistogramLowerBoundParsing(t *testing.T) {
	assert.Equal(t, 10.5, histogramLowerBound("[10.5,20.01]"))
	assert.Equal(t, float64(0), histogramLowerBound("not a bucket"))
	assert.Equal(t, float64(0), histogramLowerBound(nil))
}
