package clickhouse

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"insights/model/model"
	U "insights/util"
)

// maxCohortDepth Defensive bound on cohort-of-cohort recursion. Cycles are
// rejected at cohort creation time upstream; this keeps a malformed
// definition from exhausting the stack.
const maxCohortDepth = 10

// constantFalse Predicate for filters that can never match, i.e. an invalid
// user regex. The dashboard renders zero rows instead of erroring.
const constantFalse = "0 = 1"

// sessionDurationExpression Column exposed by the sessions subselect join.
const sessionDurationExpression = "sessions.session_duration"

// valueExpression Access expressions for one property key. The store has no
// fixed schema for property values, so comparisons pick between the
// stored-as-string and stored-as-number forms.
type valueExpression struct {
	str    string
	num    string
	exists string
	params map[string]interface{}
}

// buildPropertyGroup Compiles the recursive AND/OR tree into one predicate
// fragment. An empty group contributes no predicate.
func buildPropertyGroup(cc *compileContext, pg *model.PropertyGroup) (Fragment, error) {
	if pg.IsEmpty() {
		return newFragment("", nil), nil
	}

	separator := " AND "
	if pg.Type == model.FilterGroupOR {
		separator = " OR "
	}

	fragments := make([]Fragment, 0, len(pg.Values)+len(pg.Groups))
	for i := range pg.Values {
		fragment, err := buildProperty(cc, &pg.Values[i])
		if err != nil {
			return Fragment{}, err
		}
		if fragment.Stmnt == "" {
			continue
		}
		fragment.Stmnt = "(" + fragment.Stmnt + ")"
		fragments = append(fragments, fragment)
	}
	for i := range pg.Groups {
		fragment, err := buildPropertyGroup(cc, &pg.Groups[i])
		if err != nil {
			return Fragment{}, err
		}
		if fragment.Stmnt == "" {
			continue
		}
		fragment.Stmnt = "(" + fragment.Stmnt + ")"
		fragments = append(fragments, fragment)
	}

	return joinFragments(fragments, separator)
}

// buildProperty Compiles one filter leaf. Leaf negation wraps the compiled
// predicate independently of the group combinator.
func buildProperty(cc *compileContext, p *model.Property) (Fragment, error) {
	var fragment Fragment
	var err error

	if p.Type == model.PropertyTypeCohort {
		fragment, err = buildCohortProperty(cc, p)
	} else {
		fragment, err = buildComparisonProperty(cc, p)
	}
	if err != nil {
		return Fragment{}, err
	}

	if p.Negation && fragment.Stmnt != "" {
		fragment.Stmnt = "NOT (" + fragment.Stmnt + ")"
	}
	return fragment, nil
}

func buildComparisonProperty(cc *compileContext, p *model.Property) (Fragment, error) {
	value, err := cc.propertyValueExpression(p)
	if err != nil {
		return Fragment{}, err
	}

	fragment, err := buildOperatorFragment(cc, p, value)
	if err != nil {
		return Fragment{}, err
	}
	if err := mergeParams(fragment.Params, value.params); err != nil {
		return Fragment{}, err
	}
	return fragment, nil
}

// propertyValueExpression Resolves the physical location of a property key:
// a materialized column when registered, JSON extraction on the event row,
// the denormalized person blob or join tables otherwise.
func (cc *compileContext) propertyValueExpression(p *model.Property) (valueExpression, error) {
	switch p.Type {
	case model.PropertyTypeEvent:
		if column, exists := cc.store.materializedColumns[p.Key]; exists {
			return valueExpression{
				str:    column,
				num:    "toFloat64OrNull(" + column + ")",
				exists: column + " != ''",
				params: map[string]interface{}{},
			}, nil
		}
		return cc.jsonValueExpression(columnProperties, p.Key), nil

	case model.PropertyTypePerson:
		if cc.team.PersonOnEventsMode {
			return cc.jsonValueExpression(columnPersonProperties, p.Key), nil
		}
		cc.needsPersonJoin = true
		return cc.jsonValueExpression("person.properties", p.Key), nil

	case model.PropertyTypeGroup:
		groupTypeIndex := *p.GroupTypeIndex
		cc.requireGroupJoin(groupTypeIndex)
		blob := fmt.Sprintf("group_%d.properties", groupTypeIndex)
		return cc.jsonValueExpression(blob, p.Key), nil

	case model.PropertyTypeSession:
		cc.needsSessionJoin = true
		return valueExpression{
			str:    "toString(" + sessionDurationExpression + ")",
			num:    sessionDurationExpression,
			exists: sessionDurationExpression + " IS NOT NULL",
			params: map[string]interface{}{},
		}, nil

	case model.PropertyTypeElement:
		return valueExpression{
			str:    columnElementsChain,
			num:    "toFloat64OrNull(" + columnElementsChain + ")",
			exists: columnElementsChain + " != ''",
			params: map[string]interface{}{},
		}, nil

	case model.PropertyTypeHogQL:
		if cc.store.expressions == nil {
			return valueExpression{}, errors.Wrap(model.ErrInvalidConfiguration,
				"expression filters are not enabled")
		}
		expr, err := cc.store.expressions.TranslateExpression(cc.projectID, p.Key)
		if err != nil {
			return valueExpression{}, errors.Wrapf(model.ErrInvalidConfiguration,
				"invalid expression %q: %v", p.Key, err)
		}
		return valueExpression{
			str:    "toString(" + expr + ")",
			num:    "toFloat64OrNull(toString(" + expr + "))",
			exists: "isNotNull(" + expr + ")",
			params: map[string]interface{}{},
		}, nil

	default:
		return valueExpression{}, errors.Wrapf(model.ErrInvalidConfiguration,
			"unknown property type %q", p.Type)
	}
}

func (cc *compileContext) jsonValueExpression(blob, key string) valueExpression {
	keyParam := cc.namer.next()
	keyRef := "@" + keyParam
	return valueExpression{
		str:    "JSONExtractString(" + blob + ", " + keyRef + ")",
		num:    "toFloat64OrNull(JSONExtractRaw(" + blob + ", " + keyRef + "))",
		exists: "JSONHas(" + blob + ", " + keyRef + ")",
		params: map[string]interface{}{keyParam: key},
	}
}

// buildOperatorFragment Emits the operator specific comparison. Every
// positive comparison is AND'd with the existence check so a missing key
// never matches equality or inequality by accident.
func buildOperatorFragment(cc *compileContext, p *model.Property,
	value valueExpression) (Fragment, error) {

	switch p.Operator {
	case model.OperatorIsSet:
		return newFragment(value.exists, nil), nil
	case model.OperatorIsNotSet:
		return newFragment("NOT "+value.exists, nil), nil

	case model.OperatorExact, model.OperatorIsNot:
		return buildEqualityFragment(cc, p, value)

	case model.OperatorIContains, model.OperatorNotIContains:
		valueParam := cc.namer.next()
		op := "ILIKE"
		if p.Operator == model.OperatorNotIContains {
			op = "NOT ILIKE"
		}
		stmnt := value.exists + " AND " + value.str + " " + op + " @" + valueParam
		return newFragment(stmnt, map[string]interface{}{
			valueParam: "%" + fmt.Sprintf("%v", p.Value) + "%",
		}), nil

	case model.OperatorRegex, model.OperatorNotRegex:
		pattern := fmt.Sprintf("%v", p.Value)
		if _, err := regexp.Compile(pattern); err != nil {
			// Bad user regex degrades to no match instead of failing the query.
			return newFragment(constantFalse, nil), nil
		}
		valueParam := cc.namer.next()
		stmnt := value.exists + " AND match(" + value.str + ", @" + valueParam + ")"
		if p.Operator == model.OperatorNotRegex {
			stmnt = value.exists + " AND NOT match(" + value.str + ", @" + valueParam + ")"
		}
		return newFragment(stmnt, map[string]interface{}{valueParam: pattern}), nil

	case model.OperatorGT, model.OperatorGTE, model.OperatorLT, model.OperatorLTE:
		return buildOrderingFragment(cc, p, value)

	case model.OperatorIsDateBefore, model.OperatorIsDateAfter, model.OperatorIsDateExact:
		return buildDateComparisonFragment(cc, p, value)
	}

	return Fragment{}, errors.Wrapf(model.ErrInvalidConfiguration, "unknown operator %q", p.Operator)
}

// buildEqualityFragment exact/is_not. List values compile to IN/NOT IN;
// boolean-ish scalars expand over both stored casings; numeric scalars
// compare both the number and the string representation.
func buildEqualityFragment(cc *compileContext, p *model.Property,
	value valueExpression) (Fragment, error) {

	negated := p.Operator == model.OperatorIsNot

	values := normalizePropertyValues(p.Value)
	if len(values) == 0 {
		return Fragment{}, errors.Wrapf(model.ErrInvalidConfiguration,
			"operator %q requires a value", p.Operator)
	}

	if len(values) > 1 {
		valueParam := cc.namer.next()
		op := "IN"
		if negated {
			op = "NOT IN"
		}
		comparison := value.str + " " + op + " (@" + valueParam + ")"
		params := map[string]interface{}{valueParam: values}

		// All-numeric lists compare both stored representations, like the
		// scalar branch. De Morgan flips the combinator under negation.
		if allNumericStrings(values) {
			numbers := make([]float64, 0, len(values))
			for _, v := range values {
				numbers = append(numbers, U.SafeConvertToFloat64(v))
			}
			numParam := cc.namer.next()
			params[numParam] = numbers

			join := " OR "
			if negated {
				join = " AND "
			}
			comparison = "(" + comparison + join + value.num + " " + op + " (@" + numParam + "))"
		}

		return newFragment(value.exists+" AND "+comparison, params), nil
	}

	single := values[0]
	valueParam := cc.namer.next()
	params := map[string]interface{}{valueParam: single}

	var comparison string
	if U.IsNumericValue(single) {
		numParam := cc.namer.next()
		params[valueParam] = fmt.Sprintf("%v", single)
		params[numParam] = U.SafeConvertToFloat64(single)
		comparison = "(" + value.str + " = @" + valueParam + " OR " + value.num + " = @" + numParam + ")"
	} else {
		comparison = value.str + " = @" + valueParam
	}

	if negated {
		comparison = "NOT " + comparison
		if !U.IsNumericValue(single) {
			comparison = value.str + " != @" + valueParam
		}
	}
	return newFragment(value.exists+" AND "+comparison, params), nil
}

// buildOrderingFragment gt/gte/lt/lte. Numeric comparison when the value
// parses as a float, else lexicographic string comparison.
func buildOrderingFragment(cc *compileContext, p *model.Property,
	value valueExpression) (Fragment, error) {

	var op string
	switch p.Operator {
	case model.OperatorGT:
		op = ">"
	case model.OperatorGTE:
		op = ">="
	case model.OperatorLT:
		op = "<"
	case model.OperatorLTE:
		op = "<="
	}

	valueParam := cc.namer.next()
	if U.IsNumericValue(p.Value) {
		stmnt := value.exists + " AND " + value.num + " " + op + " @" + valueParam
		return newFragment(stmnt, map[string]interface{}{
			valueParam: U.SafeConvertToFloat64(p.Value),
		}), nil
	}
	stmnt := value.exists + " AND " + value.str + " " + op + " @" + valueParam
	return newFragment(stmnt, map[string]interface{}{
		valueParam: fmt.Sprintf("%v", p.Value),
	}), nil
}

// buildDateComparisonFragment is_date_before/after/exact. The value may be
// a relative date expression, an absolute date/datetime or a unix timestamp.
func buildDateComparisonFragment(cc *compileContext, p *model.Property,
	value valueExpression) (Fragment, error) {

	boundary, err := parseDateValue(p.Value, U.TimeNowZ(), cc.team.TimezoneString())
	if err != nil {
		return Fragment{}, err
	}

	// Stored values may be date strings or numeric timestamps; try both.
	storedTimestamp := "coalesce(parseDateTimeBestEffortOrNull(" + value.str + "), " +
		"toDateTime64(" + value.num + ", 6))"

	valueParam := cc.namer.next()
	params := map[string]interface{}{valueParam: boundary}

	var stmnt string
	switch p.Operator {
	case model.OperatorIsDateBefore:
		stmnt = value.exists + " AND " + storedTimestamp + " < @" + valueParam
	case model.OperatorIsDateAfter:
		stmnt = value.exists + " AND " + storedTimestamp + " > @" + valueParam
	case model.OperatorIsDateExact:
		stmnt = value.exists + " AND toDate(" + storedTimestamp + ") = toDate(@" + valueParam + ")"
	}
	return newFragment(stmnt, params), nil
}

// parseDateValue Boundary of a date comparison filter. Reuses the relative
// date grammar; numeric values are unix seconds with optional subsecond
// precision.
func parseDateValue(value interface{}, now time.Time,
	timezone U.TimeZoneString) (time.Time, error) {

	switch v := value.(type) {
	case time.Time:
		return v, nil
	case float64:
		return unixToTime(v), nil
	case int:
		return unixToTime(float64(v)), nil
	case int64:
		return unixToTime(float64(v)), nil
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return unixToTime(f), nil
		}
		if t, matched, err := resolveRelativeDate(v, now, timezone); matched {
			return t, err
		}
		location := U.GetTimeLocationFor(timezone)
		if t, err := time.ParseInLocation(U.DATETIME_FORMAT_YYYYMMDD_HYPHEN, v, location); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(U.DATETIME_FORMAT_DB, v, location); err == nil {
			return t, nil
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Wrapf(model.ErrInvalidConfiguration,
		"date filter value %v is not a date", value)
}

func unixToTime(seconds float64) time.Time {
	return time.Unix(int64(seconds), int64((seconds-float64(int64(seconds)))*1e9)).UTC()
}

// normalizePropertyValues Flattens the filter value to a string list for
// equality comparison. Canonical boolean strings expand over both casings
// so boolean-stored and string-stored representations both match.
func allNumericStrings(values []string) bool {
	for _, v := range values {
		if !U.IsNumericValue(v) {
			return false
		}
	}
	return len(values) > 0
}

func normalizePropertyValues(value interface{}) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []interface{}:
		values := make([]string, 0, len(v))
		for _, item := range v {
			values = append(values, normalizePropertyValues(item)...)
		}
		return values
	case []string:
		values := make([]string, 0, len(v))
		for _, item := range v {
			values = append(values, normalizePropertyValues(item)...)
		}
		return values
	case bool:
		if v {
			return []string{"true", "True"}
		}
		return []string{"false", "False"}
	case string:
		switch v {
		case "true", "True":
			return []string{"true", "True"}
		case "false", "False":
			return []string{"false", "False"}
		}
		return []string{v}
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

// buildCohortProperty Cohort membership leaf. Static cohorts read the
// precomputed membership table; dynamic cohorts compile their own property
// tree in place.
func buildCohortProperty(cc *compileContext, p *model.Property) (Fragment, error) {
	cohortID, err := model.CohortIDFromValue(p.Value)
	if err != nil {
		return Fragment{}, err
	}

	fragment, err := buildCohortMembership(cc, cohortID)
	if err != nil {
		return Fragment{}, err
	}

	if p.Operator == model.OperatorIsNot {
		fragment.Stmnt = "NOT (" + fragment.Stmnt + ")"
	}
	return fragment, nil
}

func buildCohortMembership(cc *compileContext, cohortID int64) (Fragment, error) {
	if cc.cohortDepth >= maxCohortDepth {
		return Fragment{}, errors.Wrapf(model.ErrInvalidConfiguration,
			"cohort nesting exceeds depth %d", maxCohortDepth)
	}

	cohort, err := cc.store.cohorts.GetCohort(cc.ctx, cc.projectID, cohortID)
	if err != nil {
		return Fragment{}, errors.Wrapf(err, "failed to resolve cohort %d", cohortID)
	}

	if cohort.IsStatic {
		return buildStaticCohortMembership(cc, cohortID), nil
	}

	if cohort.Properties.IsEmpty() {
		return newFragment(constantFalse, nil), nil
	}

	cc.cohortDepth++
	fragment, err := buildPropertyGroup(cc, cohort.Properties)
	cc.cohortDepth--
	return fragment, err
}

func buildStaticCohortMembership(cc *compileContext, cohortID int64) Fragment {
	projectParam, cohortParam := cc.namer.next(), cc.namer.next()
	stmnt := columnPersonID + " IN (SELECT " + columnPersonID + " FROM " + tableCohortPeople +
		" WHERE " + columnProjectID + " = @" + projectParam + " AND cohort_id = @" + cohortParam + ")"
	return newFragment(stmnt, map[string]interface{}{
		projectParam: cc.projectID,
		cohortParam:  cohortID,
	})
}
