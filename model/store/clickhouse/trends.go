package clickhouse

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"insights/model/model"
	U "insights/util"
)

const (
	activeUserWindowDaysWeekly  = 7
	activeUserWindowDaysMonthly = 30
)

const (
	compareLabelCurrent  = "current"
	compareLabelPrevious = "previous"
)

// RunTrendsQuery Compiles and executes the filter's trends query and
// reshapes rows into API series. Validation failures map to
// http.StatusBadRequest, upstream execution failures to
// http.StatusInternalServerError; execution errors are never retried here.
func (store *ClickHouse) RunTrendsQuery(ctx context.Context, projectID int64,
	filterOriginal *model.Filter, team *model.Team) ([]model.TrendsSeries, int, string) {

	logFields := log.Fields{
		"project_id": projectID,
		"filter":     filterOriginal,
	}
	defer model.LogOnSlowExecutionWithParams(time.Now(), &logFields)

	if err := filterOriginal.Validate(); err != nil {
		return nil, http.StatusBadRequest, err.Error()
	}

	filter := filterOriginal.WithTestAccountFilters(team)

	if filter.DateFrom == DateFromAll {
		earliest, err := store.earliestEventTimestamp(ctx, projectID)
		if err != nil {
			log.WithFields(logFields).WithError(err).Error("Failed resolving earliest event timestamp.")
			return nil, http.StatusInternalServerError, model.ErrMsgQueryProcessingFailure
		}
		resolved := *filter
		resolved.DateFrom = U.ConvertTimeIn(earliest, team.TimezoneString()).Format(U.DATETIME_FORMAT_DB)
		filter = &resolved
	}

	qdr, err := NewQueryDateRange(filter, team, U.TimeNowZ(), nil)
	if err != nil {
		if errors.Is(err, model.ErrInvalidConfiguration) {
			return nil, http.StatusBadRequest, err.Error()
		}
		return nil, http.StatusInternalServerError, model.ErrMsgQueryProcessingFailure
	}

	compareLabel := ""
	if filter.Compare {
		compareLabel = compareLabelCurrent
	}

	series, err := store.runTrendsForWindow(ctx, projectID, filter, team, qdr, compareLabel)
	if err != nil {
		return nil, statusForError(err), messageForError(err)
	}

	if filter.Compare {
		previousSeries, err := store.runTrendsForWindow(ctx, projectID, filter, team,
			qdr.PreviousPeriod(), compareLabelPrevious)
		if err != nil {
			return nil, statusForError(err), messageForError(err)
		}
		series = append(series, previousSeries...)
	}

	return series, http.StatusOK, ""
}

func statusForError(err error) int {
	if errors.Is(err, model.ErrInvalidConfiguration) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func messageForError(err error) string {
	if errors.Is(err, model.ErrInvalidConfiguration) {
		return err.Error()
	}
	return model.ErrMsgQueryProcessingFailure
}

// runTrendsForWindow One pass over every entity for one resolved window.
func (store *ClickHouse) runTrendsForWindow(ctx context.Context, projectID int64,
	filter *model.Filter, team *model.Team, qdr *QueryDateRange,
	compareLabel string) ([]model.TrendsSeries, error) {

	allSeries := make([]model.TrendsSeries, 0, len(filter.Entities))
	for i := range filter.Entities {
		entity := &filter.Entities[i]
		prepend := fmt.Sprintf("e%d", entity.Order)
		cc := newCompileContext(ctx, store, projectID, team, prepend)

		entitySeries, err := store.runEntityTrends(cc, filter, entity, qdr, compareLabel)
		if err != nil {
			return nil, err
		}
		allSeries = append(allSeries, entitySeries...)
	}

	sortTrendsSeries(allSeries, filter)
	return allSeries, nil
}

// runEntityTrends Discovery round-trip (when breakdown is configured), main
// round-trip, reshape. An empty resolved breakdown short-circuits to an
// empty series list with no main round-trip: an empty IN list is invalid
// syntax and the result is known anyway.
func (store *ClickHouse) runEntityTrends(cc *compileContext, filter *model.Filter,
	entity *model.Entity, qdr *QueryDateRange, compareLabel string) ([]model.TrendsSeries, error) {

	aggregate, err := buildAggregateExpression(cc, entity)
	if err != nil {
		return nil, err
	}

	var spec *breakdownSpec
	if filter.HasBreakdown() {
		spec, err = store.resolveBreakdownValues(cc, filter, entity, qdr, aggregate)
		if err != nil {
			return nil, err
		}
		if spec.isEmpty() {
			return []model.TrendsSeries{}, nil
		}
	}

	statement, err := buildTrendsStatement(cc, filter, entity, qdr, spec, aggregate)
	if err != nil {
		return nil, err
	}

	result, _, err := store.executor.ExecQueryWithContext(cc.ctx, statement.Stmnt, statement.Params)
	if err != nil {
		return nil, err
	}

	cohortNames, err := store.cohortDisplayNames(cc, filter, spec)
	if err != nil {
		return nil, err
	}

	return reshapeEntityResult(result, cc.projectID, filter, entity, qdr, spec, cohortNames, compareLabel), nil
}

// cohortDisplayNames Labels for cohort breakdown series.
func (store *ClickHouse) cohortDisplayNames(cc *compileContext, filter *model.Filter,
	spec *breakdownSpec) (map[int64]string, error) {

	if spec == nil || !spec.isCohort {
		return nil, nil
	}

	names := map[int64]string{model.BreakdownAllCohortID: "all users"}
	for _, cohortID := range filter.BreakdownCohortIDs {
		if cohortID == model.BreakdownAllCohortID {
			continue
		}
		cohort, err := store.cohorts.GetCohort(cc.ctx, cc.projectID, cohortID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve cohort %d", cohortID)
		}
		names[cohortID] = cohort.Name
	}
	return names, nil
}

// earliestEventTimestamp Resolves the literal "all" date_from.
func (store *ClickHouse) earliestEventTimestamp(ctx context.Context,
	projectID int64) (time.Time, error) {

	stmnt := "SELECT min(" + columnTimestamp + ") AS earliest FROM " + tableEvents +
		" WHERE " + columnProjectID + " = @project_id"
	result, _, err := store.executor.ExecQueryWithContext(ctx, stmnt,
		map[string]interface{}{"project_id": projectID})
	if err != nil {
		return time.Time{}, err
	}
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return time.Time{}, errors.New("no events for project")
	}
	if t, ok := result.Rows[0][0].(time.Time); ok {
		return t, nil
	}
	return time.Time{}, errors.Errorf("unexpected earliest timestamp %v", result.Rows[0][0])
}

// buildEventScope Shared WHERE scope of the events scan: project, window,
// entity predicate and the global property tree. The project id binds under
// a fixed name so join subselects can share it.
// Passing a nil window omits the range predicate; the active user template
// supplies its own per-tick window instead.
func buildEventScope(cc *compileContext, filter *model.Filter, entity *model.Entity,
	qdr *QueryDateRange) (Fragment, error) {

	fragments := []Fragment{
		newFragment(columnProjectID+" = @project_id",
			map[string]interface{}{"project_id": cc.projectID}),
	}
	if qdr != nil {
		fragments = append(fragments, qdr.WhereFragment(cc.namer))
	}

	entityFragment, err := buildEntityFilter(cc, entity)
	if err != nil {
		return Fragment{}, err
	}
	if entityFragment.Stmnt != "" {
		fragments = append(fragments, entityFragment)
	}

	if !filter.Properties.IsEmpty() {
		propsFragment, err := buildPropertyGroup(cc, filter.Properties)
		if err != nil {
			return Fragment{}, err
		}
		if propsFragment.Stmnt != "" {
			propsFragment.Stmnt = "(" + propsFragment.Stmnt + ")"
			fragments = append(fragments, propsFragment)
		}
	}

	return joinFragments(fragments, " AND ")
}

// buildJoinClauses Join clauses demanded by the compiled expressions.
// Person, group and session joins are added only when something referenced
// them; the subselects reuse the scope's @project_id binding.
func buildJoinClauses(cc *compileContext) string {
	clauses := ""

	if cc.needsPersonJoin {
		clauses += " INNER JOIN (SELECT id, properties FROM " + tablePersons +
			" WHERE " + columnProjectID + " = @project_id) AS person" +
			" ON " + tableEvents + "." + columnPersonID + " = person.id"
	}

	for _, groupTypeIndex := range sortedGroupIndexes(cc.neededGroupJoins) {
		alias := fmt.Sprintf("group_%d", groupTypeIndex)
		clauses += " LEFT JOIN (SELECT group_key, properties FROM " + tableGroups +
			" WHERE " + columnProjectID + " = @project_id" +
			" AND group_type_index = " + strconv.Itoa(groupTypeIndex) + ") AS " + alias +
			" ON " + tableEvents + "." + alias + "_key = " + alias + ".group_key"
	}

	if cc.needsSessionJoin {
		clauses += " INNER JOIN (SELECT " + columnSessionID +
			", dateDiff('second', min(" + columnTimestamp + "), max(" + columnTimestamp + "))" +
			" AS session_duration FROM " + tableEvents +
			" WHERE " + columnProjectID + " = @project_id AND " + columnSessionID + " != ''" +
			" GROUP BY " + columnSessionID + ") AS sessions" +
			" ON " + tableEvents + "." + columnSessionID + " = sessions." + columnSessionID
	}

	return clauses
}

func sortedGroupIndexes(indexes map[int]bool) []int {
	sorted := make([]int, 0, len(indexes))
	for i := 0; i <= model.MaxGroupTypeIndex; i++ {
		if indexes[i] {
			sorted = append(sorted, i)
		}
	}
	return sorted
}

// buildAggregateExpression Aggregate operation of the entity's math type.
// Active user and count-per-actor math get their real shape from their own
// templates; here they contribute the distinct actor count used for
// breakdown value ordering.
func buildAggregateExpression(cc *compileContext, entity *model.Entity) (Fragment, error) {
	switch {
	case entity.Math == "" || entity.Math == model.MathTotal:
		return newFragment("count(*)", nil), nil

	case entity.Math == model.MathDAU,
		model.ActiveUserMathTypes[entity.Math],
		model.CountPerActorMathTypes[entity.Math]:
		return newFragment("count(DISTINCT "+columnPersonID+")", nil), nil

	case model.PropertyMathTypes[entity.Math]:
		property, err := mathPropertyExpression(cc, entity)
		if err != nil {
			return Fragment{}, err
		}
		var stmnt string
		switch entity.Math {
		case model.MathSum:
			stmnt = "sum(" + property.Stmnt + ")"
		case model.MathAvg:
			stmnt = "avg(" + property.Stmnt + ")"
		case model.MathMin:
			stmnt = "min(" + property.Stmnt + ")"
		case model.MathMax:
			stmnt = "max(" + property.Stmnt + ")"
		case model.MathMedian:
			stmnt = "quantile(0.5)(" + property.Stmnt + ")"
		case model.MathP90:
			stmnt = "quantile(0.9)(" + property.Stmnt + ")"
		case model.MathP95:
			stmnt = "quantile(0.95)(" + property.Stmnt + ")"
		case model.MathP99:
			stmnt = "quantile(0.99)(" + property.Stmnt + ")"
		}
		return newFragment(stmnt, property.Params), nil
	}

	return Fragment{}, errors.Wrapf(model.ErrInvalidConfiguration, "unknown math %q", entity.Math)
}

// mathPropertyExpression Numeric expression of the entity's math_property.
func mathPropertyExpression(cc *compileContext, entity *model.Entity) (Fragment, error) {
	if entity.MathProperty == model.SessionDurationKey {
		cc.needsSessionJoin = true
		return newFragment(sessionDurationExpression, nil), nil
	}

	property := model.Property{Key: entity.MathProperty, Type: model.PropertyTypeEvent}
	value, err := cc.propertyValueExpression(&property)
	if err != nil {
		return Fragment{}, err
	}
	return newFragment(value.num, value.params), nil
}

// buildTrendsStatement Selects the SQL template by display type, math type
// and breakdown shape, and assembles the final statement.
func buildTrendsStatement(cc *compileContext, filter *model.Filter, entity *model.Entity,
	qdr *QueryDateRange, spec *breakdownSpec, aggregate Fragment) (Fragment, error) {

	if spec != nil && spec.isCohort {
		return buildCohortBreakdownStatement(cc, filter, entity, qdr, aggregate)
	}

	var breakdownSelect, breakdownWhere Fragment
	if spec != nil {
		var err error
		breakdownSelect, breakdownWhere, err = breakdownSelectFragment(cc, filter, spec)
		if err != nil {
			return Fragment{}, err
		}
	}

	scopeWindow := qdr
	if model.ActiveUserMathTypes[entity.Math] {
		scopeWindow = nil
	}
	scope, err := buildEventScope(cc, filter, entity, scopeWindow)
	if err != nil {
		return Fragment{}, err
	}
	if breakdownWhere.Stmnt != "" {
		scope, err = joinFragments([]Fragment{scope, breakdownWhere}, " AND ")
		if err != nil {
			return Fragment{}, err
		}
	}

	switch {
	case model.ActiveUserMathTypes[entity.Math]:
		return buildActiveUserStatement(cc, filter, entity, qdr, scope, breakdownSelect)
	case model.CountPerActorMathTypes[entity.Math]:
		return buildCountPerActorStatement(cc, filter, qdr, scope, breakdownSelect, entity)
	case filter.Display == model.DisplayLineGraphCumulative:
		return buildCumulativeStatement(cc, filter, qdr, scope, breakdownSelect)
	default:
		return buildSimpleStatement(cc, filter, qdr, scope, breakdownSelect, aggregate)
	}
}

// buildSimpleStatement Count, distinct actor and property aggregate
// templates, time series and single aggregate variants.
func buildSimpleStatement(cc *compileContext, filter *model.Filter, qdr *QueryDateRange,
	scope Fragment, breakdownSelect Fragment, aggregate Fragment) (Fragment, error) {

	selectColumns := []string{}
	groupColumns := []string{}

	if filter.IsTimeSeries() {
		bucket := qdr.bucketExpression(cc.namer)
		if err := mergeParams(scope.Params, bucket.Params); err != nil {
			return Fragment{}, err
		}
		selectColumns = append(selectColumns, as(model.AliasDateTime, bucket.Stmnt))
		groupColumns = append(groupColumns, model.AliasDateTime)
	}
	if breakdownSelect.Stmnt != "" {
		if err := mergeParams(scope.Params, breakdownSelect.Params); err != nil {
			return Fragment{}, err
		}
		selectColumns = append(selectColumns, as(model.AliasBreakdownValue, breakdownSelect.Stmnt))
		groupColumns = append(groupColumns, model.AliasBreakdownValue)
	}
	if err := mergeParams(scope.Params, aggregate.Params); err != nil {
		return Fragment{}, err
	}
	selectColumns = append(selectColumns, as(model.AliasAggregateValue, aggregate.Stmnt))

	stmnt := "SELECT " + joinWithComma(selectColumns...) +
		" FROM " + tableEvents + sampleClause(filter) + buildJoinClauses(cc) +
		" WHERE " + scope.Stmnt
	if len(groupColumns) > 0 {
		stmnt += " GROUP BY " + joinWithComma(groupColumns...)
	}
	if filter.IsTimeSeries() {
		stmnt += " ORDER BY " + model.AliasDateTime
	}

	return newFragment(stmnt, scope.Params), nil
}

// buildCountPerActorStatement Per actor event volume aggregated across
// actors: inner per-actor counts, outer avg/min/max.
func buildCountPerActorStatement(cc *compileContext, filter *model.Filter,
	qdr *QueryDateRange, scope Fragment, breakdownSelect Fragment,
	entity *model.Entity) (Fragment, error) {

	var outer string
	switch entity.Math {
	case model.MathAvgCountPerActor:
		outer = "avg"
	case model.MathMinCountPerActor:
		outer = "min"
	case model.MathMaxCountPerActor:
		outer = "max"
	}

	innerSelect := []string{}
	outerSelect := []string{}
	groupColumns := []string{}

	if filter.IsTimeSeries() {
		bucket := qdr.bucketExpression(cc.namer)
		if err := mergeParams(scope.Params, bucket.Params); err != nil {
			return Fragment{}, err
		}
		innerSelect = append(innerSelect, as(model.AliasDateTime, bucket.Stmnt))
		outerSelect = append(outerSelect, model.AliasDateTime)
		groupColumns = append(groupColumns, model.AliasDateTime)
	}
	if breakdownSelect.Stmnt != "" {
		if err := mergeParams(scope.Params, breakdownSelect.Params); err != nil {
			return Fragment{}, err
		}
		innerSelect = append(innerSelect, as(model.AliasBreakdownValue, breakdownSelect.Stmnt))
		outerSelect = append(outerSelect, model.AliasBreakdownValue)
		groupColumns = append(groupColumns, model.AliasBreakdownValue)
	}
	innerSelect = append(innerSelect, columnPersonID, "count(*) AS actor_count")
	outerSelect = append(outerSelect, as(model.AliasAggregateValue, outer+"(actor_count)"))

	inner := "SELECT " + joinWithComma(innerSelect...) +
		" FROM " + tableEvents + sampleClause(filter) + buildJoinClauses(cc) +
		" WHERE " + scope.Stmnt +
		" GROUP BY " + joinWithComma(append(append([]string{}, groupColumns...), columnPersonID)...)

	stmnt := "SELECT " + joinWithComma(outerSelect...) + " FROM (" + inner + ")"
	if len(groupColumns) > 0 {
		stmnt += " GROUP BY " + joinWithComma(groupColumns...)
	}
	if filter.IsTimeSeries() {
		stmnt += " ORDER BY " + model.AliasDateTime
	}

	return newFragment(stmnt, scope.Params), nil
}

// buildCumulativeStatement Cumulative display counts each actor's first
// occurrence; the running sum over buckets is applied during reshaping.
func buildCumulativeStatement(cc *compileContext, filter *model.Filter,
	qdr *QueryDateRange, scope Fragment, breakdownSelect Fragment) (Fragment, error) {

	innerSelect := []string{columnPersonID, "min(" + columnTimestamp + ") AS " + columnTimestamp}
	innerGroup := []string{columnPersonID}
	outerSelect := []string{}
	outerGroup := []string{}

	bucket := qdr.bucketExpression(cc.namer)
	if err := mergeParams(scope.Params, bucket.Params); err != nil {
		return Fragment{}, err
	}
	outerSelect = append(outerSelect, as(model.AliasDateTime, bucket.Stmnt))
	outerGroup = append(outerGroup, model.AliasDateTime)

	if breakdownSelect.Stmnt != "" {
		if err := mergeParams(scope.Params, breakdownSelect.Params); err != nil {
			return Fragment{}, err
		}
		innerSelect = append(innerSelect, as(model.AliasBreakdownValue, breakdownSelect.Stmnt))
		innerGroup = append(innerGroup, model.AliasBreakdownValue)
		outerSelect = append(outerSelect, model.AliasBreakdownValue)
		outerGroup = append(outerGroup, model.AliasBreakdownValue)
	}
	outerSelect = append(outerSelect, as(model.AliasAggregateValue, "count(*)"))

	inner := "SELECT " + joinWithComma(innerSelect...) +
		" FROM " + tableEvents + sampleClause(filter) + buildJoinClauses(cc) +
		" WHERE " + scope.Stmnt +
		" GROUP BY " + joinWithComma(innerGroup...)

	stmnt := "SELECT " + joinWithComma(outerSelect...) + " FROM (" + inner + ")" +
		" GROUP BY " + joinWithComma(outerGroup...) +
		" ORDER BY " + model.AliasDateTime

	return newFragment(stmnt, scope.Params), nil
}

// buildActiveUserStatement WAU/MAU sliding window: cross join of the
// window's ticks with the events scan, keeping actors active inside the
// trailing window as of each tick's end.
func buildActiveUserStatement(cc *compileContext, filter *model.Filter, entity *model.Entity,
	qdr *QueryDateRange, scope Fragment, breakdownSelect Fragment) (Fragment, error) {

	windowDays := activeUserWindowDaysWeekly
	if entity.Math == model.MathMonthlyActive {
		windowDays = activeUserWindowDaysMonthly
	}

	ticks := qdr.Ticks()
	tickKeys := make([]string, 0, len(ticks))
	windowStarts := make([]time.Time, 0, len(ticks))
	tickEnds := make([]time.Time, 0, len(ticks))
	for _, tick := range ticks {
		end := qdr.TickEnd(tick)
		// The tick identifier travels as the pre-formatted bucket key, not a
		// UTC instant, so it round-trips to the reshaper's zero-fill keys
		// whatever the team's wall clock offset is.
		tickKeys = append(tickKeys, model.FormatBucketDay(tick, qdr.Interval))
		tickEnds = append(tickEnds, end.UTC())
		windowStarts = append(windowStarts, end.AddDate(0, 0, -windowDays).UTC())
	}

	// The scope omits the plain range predicate; the per-tick window bounds
	// each bucket and a coarse scan bound narrows the table scan.
	startsParam, windowStartsParam, endsParam := cc.namer.next(), cc.namer.next(), cc.namer.next()
	scanFromParam, scanToParam := cc.namer.next(), cc.namer.next()

	params := scope.Params
	params[startsParam] = tickKeys
	params[windowStartsParam] = windowStarts
	params[endsParam] = tickEnds
	params[scanFromParam] = qdr.From.AddDate(0, 0, -windowDays)
	params[scanToParam] = qdr.To

	selectColumns := []string{as(model.AliasDateTime, "tick.1")}
	groupColumns := []string{model.AliasDateTime}
	if breakdownSelect.Stmnt != "" {
		if err := mergeParams(params, breakdownSelect.Params); err != nil {
			return Fragment{}, err
		}
		selectColumns = append(selectColumns, as(model.AliasBreakdownValue, breakdownSelect.Stmnt))
		groupColumns = append(groupColumns, model.AliasBreakdownValue)
	}
	selectColumns = append(selectColumns,
		as(model.AliasAggregateValue, "count(DISTINCT "+columnPersonID+")"))

	stmnt := "SELECT " + joinWithComma(selectColumns...) +
		" FROM (SELECT arrayJoin(arrayZip(@" + startsParam + ", @" + windowStartsParam +
		", @" + endsParam + ")) AS tick) AS ticks" +
		" CROSS JOIN " + tableEvents + sampleClause(filter) + buildJoinClauses(cc) +
		" WHERE " + scope.Stmnt +
		" AND " + columnTimestamp + " >= @" + scanFromParam +
		" AND " + columnTimestamp + " <= @" + scanToParam +
		" AND " + columnTimestamp + " > tick.2 AND " + columnTimestamp + " <= tick.3" +
		" GROUP BY " + joinWithComma(groupColumns...) +
		" ORDER BY " + model.AliasDateTime

	return newFragment(stmnt, params), nil
}

// buildCohortBreakdownStatement One membership subquery per cohort id,
// UNION ALL, each tagged with its cohort id as the breakdown value. The
// synthetic id 0 means all users and carries no membership predicate.
func buildCohortBreakdownStatement(cc *compileContext, filter *model.Filter,
	entity *model.Entity, qdr *QueryDateRange, aggregate Fragment) (Fragment, error) {

	statements := make([]Fragment, 0, len(filter.BreakdownCohortIDs))
	for _, cohortID := range filter.BreakdownCohortIDs {
		scope, err := buildEventScope(cc, filter, entity, qdr)
		if err != nil {
			return Fragment{}, err
		}

		if cohortID != model.BreakdownAllCohortID {
			membership, err := buildCohortMembership(cc, cohortID)
			if err != nil {
				return Fragment{}, err
			}
			scope, err = joinFragments([]Fragment{scope, membership}, " AND ")
			if err != nil {
				return Fragment{}, err
			}
		}

		valueParam := cc.namer.next()
		breakdownValue := newFragment("@"+valueParam,
			map[string]interface{}{valueParam: cohortBreakdownValue(cohortID)})

		statement, err := buildSimpleStatement(cc, filter, qdr, scope, breakdownValue, aggregate)
		if err != nil {
			return Fragment{}, err
		}
		statements = append(statements, statement)
	}

	return joinFragments(statements, " UNION ALL ")
}

// cohortBreakdownValue Wire form of a cohort breakdown value. The synthetic
// all-users cohort is the literal "all" so the reshaper can pin it first.
func cohortBreakdownValue(cohortID int64) interface{} {
	if cohortID == model.BreakdownAllCohortID {
		return "all"
	}
	return strconv.FormatInt(cohortID, 10)
}
