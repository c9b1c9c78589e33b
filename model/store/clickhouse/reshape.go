package clickhouse

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"insights/model/model"
	U "insights/util"
)

// reshapeEntityResult Turns the raw tabular result of one entity's
// statement into API series: zero-filled over every tick, sampling
// corrected, cumulative summed when the display asks for it.
func reshapeEntityResult(result *model.QueryResult, projectID int64, filter *model.Filter,
	entity *model.Entity, qdr *QueryDateRange, spec *breakdownSpec,
	cohortNames map[int64]string, compareLabel string) []model.TrendsSeries {

	correction := samplingCorrection(filter)

	if !filter.IsTimeSeries() {
		return reshapeAggregateResult(result, projectID, filter, entity, qdr, spec,
			cohortNames, compareLabel, correction)
	}

	datetimeIndex := result.HeaderIndex(model.AliasDateTime)
	aggregateIndex := result.HeaderIndex(model.AliasAggregateValue)
	breakdownIndex := result.HeaderIndex(model.AliasBreakdownValue)

	// (breakdown key, day key) -> value
	points := map[string]map[string]float64{}
	for _, row := range result.Rows {
		dayKey := rowDayKey(row, datetimeIndex, qdr)
		if dayKey == "" {
			continue
		}
		breakdownKey := rowBreakdownKey(row, breakdownIndex)
		if points[breakdownKey] == nil {
			points[breakdownKey] = map[string]float64{}
		}
		points[breakdownKey][dayKey] += U.SafeConvertToFloat64(row[aggregateIndex]) * correction
	}

	ticks := qdr.Ticks()
	days := make([]string, len(ticks))
	labels := make([]string, len(ticks))
	for i, tick := range ticks {
		days[i] = model.FormatBucketDay(tick, qdr.Interval)
		labels[i] = model.FormatBucketLabel(tick, qdr.Interval)
	}

	cumulative := filter.Display == model.DisplayLineGraphCumulative

	series := make([]model.TrendsSeries, 0)
	for _, key := range seriesKeys(filter, spec, points) {
		data := make([]float64, len(ticks))
		var count, running float64
		for i, day := range days {
			value := points[key][day]
			count += value
			if cumulative {
				running += value
				value = running
			}
			data[i] = value
		}

		breakdownValue := seriesBreakdownValue(filter, spec, key)
		personsURLs := make([]model.SeriesPersonsURL, len(days))
		for i, day := range days {
			personsURLs[i] = model.SeriesPersonsURL{
				URL: buildPersonsURL(projectID, filter, entity, day, day, breakdownValue),
			}
		}

		series = append(series, model.TrendsSeries{
			Label:          seriesLabel(entity, filter, spec, key, cohortNames, compareLabel),
			Data:           data,
			Labels:         labels,
			Days:           days,
			Dates:          days,
			Count:          count,
			BreakdownValue: breakdownValue,
			CompareLabel:   compareLabel,
			Action:         seriesAction(entity),
			Filter:         filter,
			PersonsURLs:    personsURLs,
		})
	}
	return series
}

// reshapeAggregateResult Non time series displays: one aggregate per
// breakdown series.
func reshapeAggregateResult(result *model.QueryResult, projectID int64, filter *model.Filter,
	entity *model.Entity, qdr *QueryDateRange, spec *breakdownSpec,
	cohortNames map[int64]string, compareLabel string, correction float64) []model.TrendsSeries {

	aggregateIndex := result.HeaderIndex(model.AliasAggregateValue)
	breakdownIndex := result.HeaderIndex(model.AliasBreakdownValue)

	values := map[string]float64{}
	for _, row := range result.Rows {
		key := rowBreakdownKey(row, breakdownIndex)
		values[key] += U.SafeConvertToFloat64(row[aggregateIndex]) * correction
	}

	rangeFrom := qdr.From.Format(U.DATETIME_FORMAT_DB)
	rangeTo := qdr.To.Format(U.DATETIME_FORMAT_DB)

	series := make([]model.TrendsSeries, 0)
	for _, key := range seriesKeys(filter, spec, map[string]map[string]float64{}) {
		aggregated := values[key]
		breakdownValue := seriesBreakdownValue(filter, spec, key)
		series = append(series, model.TrendsSeries{
			Label:           seriesLabel(entity, filter, spec, key, cohortNames, compareLabel),
			AggregatedValue: aggregated,
			Count:           aggregated,
			BreakdownValue:  breakdownValue,
			CompareLabel:    compareLabel,
			Action:          seriesAction(entity),
			Filter:          filter,
			Persons: &model.SeriesPersons{
				URL: buildPersonsURL(projectID, filter, entity, rangeFrom, rangeTo, breakdownValue),
			},
		})
	}
	return series
}

// buildPersonsURL Persons drill down link replaying one point's scope: the
// originating entity, the point's date bounds and its breakdown value.
func buildPersonsURL(projectID int64, filter *model.Filter, entity *model.Entity,
	dateFrom, dateTo string, breakdownValue interface{}) string {

	values := url.Values{}
	values.Set("date_from", dateFrom)
	values.Set("date_to", dateTo)
	values.Set("entity_type", entity.Type)
	if entity.Type == model.EntityTypeActions {
		values.Set("entity_id", strconv.FormatInt(entity.ActionID, 10))
	} else if entity.ID != nil {
		values.Set("entity_id", *entity.ID)
	}
	if entity.Math != "" {
		values.Set("entity_math", entity.Math)
	}
	if filter.HasBreakdown() {
		if filter.Breakdown != "" {
			values.Set("breakdown", filter.Breakdown)
		}
		if filter.BreakdownType != "" {
			values.Set("breakdown_type", filter.BreakdownType)
		}
		if breakdownValue != nil {
			values.Set("breakdown_value", fmt.Sprintf("%v", breakdownValue))
		}
	}
	return fmt.Sprintf("/api/projects/%d/persons/trends?%s", projectID, values.Encode())
}

func samplingCorrection(filter *model.Filter) float64 {
	if filter.SamplingFactor > 0 && filter.SamplingFactor < 1 {
		return 1 / filter.SamplingFactor
	}
	return 1
}

func rowDayKey(row []interface{}, datetimeIndex int, qdr *QueryDateRange) string {
	if datetimeIndex < 0 || datetimeIndex >= len(row) {
		return ""
	}
	switch v := row[datetimeIndex].(type) {
	case time.Time:
		// Bucket expressions truncate in the team's wall clock; format the
		// raw clock reading so it joins the tick keys.
		return v.Format(model.BucketDayFormat(qdr.Interval))
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func rowBreakdownKey(row []interface{}, breakdownIndex int) string {
	if breakdownIndex < 0 || breakdownIndex >= len(row) {
		return ""
	}
	return fmt.Sprintf("%v", model.SanitizeBreakdownValue(row[breakdownIndex]))
}

// seriesKeys The expected series set in deterministic order: resolved
// breakdown values (plus the Other bucket when the tail was truncated),
// histogram bucket labels, cohort values, or the single unkeyed series.
func seriesKeys(filter *model.Filter, spec *breakdownSpec,
	points map[string]map[string]float64) []string {

	if spec == nil {
		return []string{""}
	}

	if len(spec.buckets) > 0 {
		keys := make([]string, 0, len(spec.buckets))
		for _, bucket := range spec.buckets {
			keys = append(keys, bucket.Label())
		}
		return keys
	}

	if spec.isCohort {
		keys := make([]string, 0, len(spec.values))
		for _, value := range spec.values {
			if cohortID, ok := value.(int64); ok {
				keys = append(keys, fmt.Sprintf("%v", cohortBreakdownValue(cohortID)))
			}
		}
		return keys
	}

	keys := make([]string, 0, len(spec.values)+1)
	for _, value := range spec.values {
		keys = append(keys, fmt.Sprintf("%v", value))
	}
	if spec.hasMore && !filter.BreakdownHideOtherAggregation {
		keys = append(keys, model.BreakdownOtherStringLabel)
	}
	return keys
}

// seriesBreakdownValue Wire value of the series. Numeric dimensions carry
// the numeric sentinel forms.
func seriesBreakdownValue(filter *model.Filter, spec *breakdownSpec, key string) interface{} {
	if spec == nil {
		return nil
	}
	if spec.useNumericSentinels {
		switch key {
		case model.BreakdownOtherStringLabel:
			return model.BreakdownOtherNumericLabel
		case model.BreakdownNullStringLabel:
			return model.BreakdownNullNumericLabel
		}
		// Discovered values of an all-numeric dimension go out as numbers
		// too, keeping the series type consistent with the sentinels.
		if number, err := strconv.ParseFloat(key, 64); err == nil {
			return number
		}
	}
	return key
}

func seriesLabel(entity *model.Entity, filter *model.Filter, spec *breakdownSpec,
	key string, cohortNames map[int64]string, compareLabel string) string {

	base := entity.DisplayName()
	if spec == nil {
		return base
	}

	breakdownLabel := breakdownDisplayLabel(spec, key, cohortNames)
	return base + " - " + breakdownLabel
}

func breakdownDisplayLabel(spec *breakdownSpec, key string, cohortNames map[int64]string) string {
	if spec.isCohort {
		if key == "all" {
			return cohortNames[model.BreakdownAllCohortID]
		}
		if cohortID, err := strconv.ParseInt(key, 10, 64); err == nil {
			if name, exists := cohortNames[cohortID]; exists {
				return name
			}
		}
		return key
	}

	label := model.BreakdownDisplayLabel(key)
	if strings.TrimSpace(label) == "" {
		return model.BreakdownNullDisplay
	}
	return label
}

func seriesAction(entity *model.Entity) *model.SeriesAction {
	return &model.SeriesAction{
		ID:           entity.ID,
		Type:         entity.Type,
		Order:        entity.Order,
		Name:         entity.Name,
		Math:         entity.Math,
		MathProperty: entity.MathProperty,
	}
}

// sortTrendsSeries Dashboard ordering: entity order first, then descending
// aggregate with ascending label tiebreak. The synthetic all-users cohort
// pins first, histogram buckets sort by lower bound and session duration
// breakdowns sort by bucket value instead of volume.
func sortTrendsSeries(series []model.TrendsSeries, filter *model.Filter) {
	sort.SliceStable(series, func(i, j int) bool {
		a, b := &series[i], &series[j]

		if a.Action != nil && b.Action != nil && a.Action.Order != b.Action.Order {
			return a.Action.Order < b.Action.Order
		}

		if aAll, bAll := isAllCohortSeries(a), isAllCohortSeries(b); aAll != bAll {
			return aAll
		}

		if filter.UsingHistogram() {
			return histogramLowerBound(a.BreakdownValue) < histogramLowerBound(b.BreakdownValue)
		}

		if filter.BreakdownType == model.BreakdownTypeSession {
			return U.SafeConvertToFloat64(a.BreakdownValue) > U.SafeConvertToFloat64(b.BreakdownValue)
		}

		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Label < b.Label
	})
}

func isAllCohortSeries(s *model.TrendsSeries) bool {
	value, ok := s.BreakdownValue.(string)
	return ok && value == "all"
}

func histogramLowerBound(breakdownValue interface{}) float64 {
	label, ok := breakdownValue.(string)
	if !ok {
		return 0
	}
	trimmed := strings.TrimPrefix(label, "[")
	parts := strings.SplitN(trimmed, ",", 2)
	if len(parts) == 0 {
		return 0
	}
	lower, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	return lower
}
