package clickhouse

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"insights/model/model"
	U "insights/util"
)

// histogramBucketEpsilon Nudge applied to the final bucket's upper bound so
// a value exactly equal to the true maximum is captured by the strict upper
// comparison.
const histogramBucketEpsilon = 0.01

// histogramBucket Half open [Lower, Upper) numeric breakdown bucket.
type histogramBucket struct {
	Lower float64
	Upper float64
}

func (b histogramBucket) Label() string {
	return fmt.Sprintf("[%s,%s]", formatHistogramBoundary(b.Lower), formatHistogramBoundary(b.Upper))
}

func formatHistogramBoundary(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// breakdownSpec Resolved breakdown dimension: the discrete values (or
// histogram buckets) the final query groups over, plus whether the tail was
// truncated into the "Other" bucket.
type breakdownSpec struct {
	values   []interface{}
	hasMore  bool
	buckets  []histogramBucket
	isCohort bool
	// useNumericSentinels is set when every discovered value is numeric or
	// null, keeping the wire shape numeric for numeric dimensions.
	useNumericSentinels bool
}

// isEmpty Whether nothing can match; the assembler short-circuits instead
// of emitting an invalid empty IN list.
func (spec *breakdownSpec) isEmpty() bool {
	if spec.isCohort {
		return len(spec.values) == 0
	}
	if len(spec.buckets) > 0 {
		return false
	}
	return len(spec.values) == 0
}

// breakdownValueExpression String and numeric access expressions of the
// breakdown dimension.
func breakdownValueExpression(cc *compileContext, filter *model.Filter) (valueExpression, error) {
	property := model.Property{
		Key:            filter.Breakdown,
		Type:           filter.BreakdownType,
		GroupTypeIndex: filter.BreakdownGroupTypeIndex,
	}
	if property.Type == "" {
		property.Type = model.PropertyTypeEvent
	}
	return cc.propertyValueExpression(&property)
}

// resolveBreakdownValues Discovery round-trip: top breakdown_limit+1 values
// ordered by the entity's aggregate operation. The +1 detects a truncated
// tail without a second count query. Cohort breakdowns skip the round-trip
// entirely; their values are the requested cohort ids.
func (store *ClickHouse) resolveBreakdownValues(cc *compileContext, filter *model.Filter,
	entity *model.Entity, qdr *QueryDateRange, aggregate Fragment) (*breakdownSpec, error) {

	if filter.BreakdownType == model.BreakdownTypeCohort {
		values := make([]interface{}, 0, len(filter.BreakdownCohortIDs))
		for _, cohortID := range filter.BreakdownCohortIDs {
			values = append(values, cohortID)
		}
		return &breakdownSpec{values: values, isCohort: true}, nil
	}

	value, err := breakdownValueExpression(cc, filter)
	if err != nil {
		return nil, err
	}

	scope, err := buildDiscoveryScope(cc, filter, entity, qdr)
	if err != nil {
		return nil, err
	}

	if filter.UsingHistogram() {
		return store.resolveHistogramBuckets(cc, filter, value, scope)
	}

	nullParam := cc.namer.next()
	selectExpr := "ifNull(nullIf(" + value.str + ", ''), @" + nullParam + ")"
	selectParams := map[string]interface{}{nullParam: model.BreakdownNullStringLabel}

	limit := filter.GetBreakdownLimit()
	stmnt := "SELECT " + as(model.AliasBreakdownValue, selectExpr) +
		" FROM " + tableEvents + sampleClause(filter) + buildJoinClauses(cc) +
		" WHERE " + scope.Stmnt +
		" GROUP BY " + model.AliasBreakdownValue +
		" ORDER BY " + aggregate.Stmnt + " DESC, " + model.AliasBreakdownValue + " DESC" +
		" LIMIT " + strconv.Itoa(limit+1)

	params := map[string]interface{}{}
	for _, source := range []map[string]interface{}{value.params, selectParams, scope.Params, aggregate.Params} {
		if err := mergeParams(params, source); err != nil {
			return nil, err
		}
	}

	result, _, err := store.executor.ExecQueryWithContext(cc.ctx, stmnt, params)
	if err != nil {
		return nil, err
	}

	spec := &breakdownSpec{}
	valueIndex := result.HeaderIndex(model.AliasBreakdownValue)
	for _, row := range result.Rows {
		if valueIndex < 0 || valueIndex >= len(row) {
			continue
		}
		spec.values = append(spec.values, fmt.Sprintf("%v", row[valueIndex]))
	}

	if len(spec.values) > limit {
		spec.hasMore = true
		spec.values = spec.values[:limit]
	}

	spec.useNumericSentinels = allValuesNumericOrNull(spec.values)
	return spec, nil
}

// buildDiscoveryScope Events scope of the value discovery scan. A multi
// entity filter shares one discovered value set, so the single entity
// predicate gives way to an event IN prefilter over the union of every
// entity's event names; the cheaper name check narrows the scan before the
// property predicates run.
func buildDiscoveryScope(cc *compileContext, filter *model.Filter,
	entity *model.Entity, qdr *QueryDateRange) (Fragment, error) {

	if len(filter.Entities) <= 1 {
		return buildEventScope(cc, filter, entity, qdr)
	}

	allEvents := &model.Entity{Type: model.EntityTypeEvents}
	scope, err := buildEventScope(cc, filter, allEvents, qdr)
	if err != nil {
		return Fragment{}, err
	}

	prefilter, err := buildEntitiesPrefilter(cc, filter.Entities)
	if err != nil {
		return Fragment{}, err
	}
	if prefilter.Stmnt == "" {
		return scope, nil
	}
	return joinFragments([]Fragment{scope, prefilter}, " AND ")
}

// allValuesNumericOrNull Mixed type value sets always fall back to string
// sentinels and coerce to strings.
func allValuesNumericOrNull(values []interface{}) bool {
	for _, value := range values {
		s := fmt.Sprintf("%v", value)
		if s == model.BreakdownNullStringLabel {
			continue
		}
		if !U.IsNumericValue(s) {
			return false
		}
	}
	return len(values) > 0
}

// resolveHistogramBuckets Quantile cut-points round-trip: bin_count+1
// quantiles of the numeric dimension, rounded to 2 decimals, adjacent
// duplicates compacted, final upper bound nudged by epsilon.
func (store *ClickHouse) resolveHistogramBuckets(cc *compileContext, filter *model.Filter,
	value valueExpression, scope Fragment) (*breakdownSpec, error) {

	binCount := filter.BreakdownHistogramBinCount
	quantileLevels := make([]string, 0, binCount+1)
	for i := 0; i <= binCount; i++ {
		quantileLevels = append(quantileLevels, formatHistogramBoundary(float64(i)/float64(binCount)))
	}

	selectExpr := "quantiles(" + strings.Join(quantileLevels, ", ") + ")(" + value.num + ")"
	stmnt := "SELECT " + as("buckets", selectExpr) +
		" FROM " + tableEvents + sampleClause(filter) + buildJoinClauses(cc) +
		" WHERE " + scope.Stmnt + " AND isNotNull(" + value.num + ")"

	params := map[string]interface{}{}
	for _, source := range []map[string]interface{}{value.params, scope.Params} {
		if err := mergeParams(params, source); err != nil {
			return nil, err
		}
	}

	result, _, err := store.executor.ExecQueryWithContext(cc.ctx, stmnt, params)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return &breakdownSpec{}, nil
	}

	boundaries := extractFloatSlice(result.Rows[0][0])
	buckets := compactHistogramBoundaries(boundaries)
	return &breakdownSpec{buckets: buckets}, nil
}

func extractFloatSlice(value interface{}) []float64 {
	switch v := value.(type) {
	case []float64:
		return v
	case []interface{}:
		floats := make([]float64, 0, len(v))
		for _, item := range v {
			floats = append(floats, U.SafeConvertToFloat64(item))
		}
		return floats
	default:
		return nil
	}
}

// compactHistogramBoundaries Rounds cut-points to 2 decimals, drops
// adjacent equals and nudges the final upper bound so the true maximum is
// included under a strict upper comparison.
func compactHistogramBoundaries(boundaries []float64) []histogramBucket {
	rounded := make([]float64, 0, len(boundaries))
	for _, boundary := range boundaries {
		r := math.Round(boundary*100) / 100
		if len(rounded) > 0 && rounded[len(rounded)-1] == r {
			continue
		}
		rounded = append(rounded, r)
	}
	if len(rounded) < 2 {
		return nil
	}

	buckets := make([]histogramBucket, 0, len(rounded)-1)
	for i := 0; i < len(rounded)-1; i++ {
		buckets = append(buckets, histogramBucket{Lower: rounded[i], Upper: rounded[i+1]})
	}
	buckets[len(buckets)-1].Upper += histogramBucketEpsilon
	return buckets
}

// breakdownSelectFragment Value expression of the final statement. Known
// values stay as themselves; when a truncated tail exists and is not
// hidden, unknown values relabel to the "Other" sentinel in SELECT so the
// tail still aggregates. Returns an optional extra WHERE restriction used
// when the tail is hidden.
func breakdownSelectFragment(cc *compileContext, filter *model.Filter,
	spec *breakdownSpec) (Fragment, Fragment, error) {

	value, err := breakdownValueExpression(cc, filter)
	if err != nil {
		return Fragment{}, Fragment{}, err
	}

	if len(spec.buckets) > 0 {
		return buildHistogramSelect(cc, value, spec.buckets), newFragment("", nil), nil
	}

	nullParam := cc.namer.next()
	base := "ifNull(nullIf(" + value.str + ", ''), @" + nullParam + ")"
	params := map[string]interface{}{nullParam: model.BreakdownNullStringLabel}
	if err := mergeParams(params, value.params); err != nil {
		return Fragment{}, Fragment{}, err
	}

	valuesParam := cc.namer.next()
	valuesList := make([]string, 0, len(spec.values))
	for _, v := range spec.values {
		valuesList = append(valuesList, fmt.Sprintf("%v", v))
	}

	if spec.hasMore && !filter.BreakdownHideOtherAggregation {
		otherParam := cc.namer.next()
		stmnt := "if(" + base + " IN (@" + valuesParam + "), " + base + ", @" + otherParam + ")"
		params[valuesParam] = valuesList
		params[otherParam] = model.BreakdownOtherStringLabel
		return newFragment(stmnt, params), newFragment("", nil), nil
	}

	whereParams := map[string]interface{}{valuesParam: valuesList}
	for name, v := range params {
		whereParams[name] = v
	}
	where := newFragment(base+" IN (@"+valuesParam+")", whereParams)
	return newFragment(base, params), where, nil
}

func buildHistogramSelect(cc *compileContext, value valueExpression,
	buckets []histogramBucket) Fragment {

	params := map[string]interface{}{}
	for name, v := range value.params {
		params[name] = v
	}

	conditions := make([]string, 0, len(buckets)+1)
	for _, bucket := range buckets {
		lowerParam, upperParam, labelParam := cc.namer.next(), cc.namer.next(), cc.namer.next()
		params[lowerParam] = bucket.Lower
		params[upperParam] = bucket.Upper
		params[labelParam] = bucket.Label()
		conditions = append(conditions,
			value.num+" >= @"+lowerParam+" AND "+value.num+" < @"+upperParam+", @"+labelParam)
	}
	nullParam := cc.namer.next()
	params[nullParam] = model.BreakdownNullStringLabel
	conditions = append(conditions, "@"+nullParam)

	return newFragment("multiIf("+strings.Join(conditions, ", ")+")", params)
}

// otherSentinel Wire form of the "Other" bucket for the spec's value set.
func (spec *breakdownSpec) otherSentinel() interface{} {
	if spec.useNumericSentinels {
		return model.BreakdownOtherNumericLabel
	}
	return model.BreakdownOtherStringLabel
}

func sampleClause(filter *model.Filter) string {
	if filter.SamplingFactor <= 0 || filter.SamplingFactor >= 1 {
		return ""
	}
	return " SAMPLE " + strconv.FormatFloat(filter.SamplingFactor, 'f', -1, 64)
}
