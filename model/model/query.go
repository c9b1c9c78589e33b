package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	U "insights/util"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	IntervalMinute = "minute"
	IntervalHour   = "hour"
	IntervalDay    = "day"
	IntervalWeek   = "week"
	IntervalMonth  = "month"
)

var SupportedIntervals = []string{
	IntervalMinute,
	IntervalHour,
	IntervalDay,
	IntervalWeek,
	IntervalMonth,
}

const (
	EntityTypeEvents  = "events"
	EntityTypeActions = "actions"
)

const (
	MathTotal          = "total"
	MathDAU            = "dau"
	MathWeeklyActive   = "weekly_active"
	MathMonthlyActive  = "monthly_active"
	MathSum            = "sum"
	MathAvg            = "avg"
	MathMin            = "min"
	MathMax            = "max"
	MathMedian         = "median"
	MathP90            = "p90"
	MathP95            = "p95"
	MathP99            = "p99"
	MathAvgCountPerActor = "avg_count_per_actor"
	MathMinCountPerActor = "min_count_per_actor"
	MathMaxCountPerActor = "max_count_per_actor"
)

// PropertyMathTypes need a math_property to aggregate on.
var PropertyMathTypes = map[string]bool{
	MathSum:    true,
	MathAvg:    true,
	MathMin:    true,
	MathMax:    true,
	MathMedian: true,
	MathP90:    true,
	MathP95:    true,
	MathP99:    true,
}

var CountPerActorMathTypes = map[string]bool{
	MathAvgCountPerActor: true,
	MathMinCountPerActor: true,
	MathMaxCountPerActor: true,
}

var ActiveUserMathTypes = map[string]bool{
	MathWeeklyActive:  true,
	MathMonthlyActive: true,
}

const (
	DisplayLineGraph           = "ActionsLineGraph"
	DisplayLineGraphCumulative = "ActionsLineGraphCumulative"
	DisplayBar                 = "ActionsBar"
	DisplayAreaGraph           = "ActionsAreaGraph"
	DisplayTable               = "ActionsTable"
	DisplayPie                 = "ActionsPie"
	DisplayBarValue            = "ActionsBarValue"
	DisplayBoldNumber          = "BoldNumber"
	DisplayWorldMap            = "WorldMap"
)

// NonTimeSeriesDisplays render one aggregate per breakdown series instead of
// a value per time bucket.
var NonTimeSeriesDisplays = map[string]bool{
	DisplayTable:      true,
	DisplayPie:        true,
	DisplayBarValue:   true,
	DisplayBoldNumber: true,
	DisplayWorldMap:   true,
}

const (
	PropertyTypeEvent   = "event"
	PropertyTypePerson  = "person"
	PropertyTypeGroup   = "group"
	PropertyTypeCohort  = "cohort"
	PropertyTypeSession = "session"
	PropertyTypeElement = "element"
	PropertyTypeHogQL   = "hogql"
)

const (
	BreakdownTypeEvent   = "event"
	BreakdownTypePerson  = "person"
	BreakdownTypeGroup   = "group"
	BreakdownTypeCohort  = "cohort"
	BreakdownTypeSession = "session"
	BreakdownTypeHogQL   = "hogql"
)

const (
	OperatorExact        = "exact"
	OperatorIsNot        = "is_not"
	OperatorIContains    = "icontains"
	OperatorNotIContains = "not_icontains"
	OperatorRegex        = "regex"
	OperatorNotRegex     = "not_regex"
	OperatorGT           = "gt"
	OperatorGTE          = "gte"
	OperatorLT           = "lt"
	OperatorLTE          = "lte"
	OperatorIsSet        = "is_set"
	OperatorIsNotSet     = "is_not_set"
	OperatorIsDateBefore = "is_date_before"
	OperatorIsDateAfter  = "is_date_after"
	OperatorIsDateExact  = "is_date_exact"
)

const (
	FilterGroupAND = "AND"
	FilterGroupOR  = "OR"
)

// SessionDurationKey is the only legal key for session scoped filters
// and breakdowns.
const SessionDurationKey = "$session_duration"

// Breakdown sentinels. Exposed on the wire to the dashboard frontend, so the
// numeric forms stay within exact double precision.
const (
	BreakdownOtherStringLabel  = "$$_posthog_breakdown_other_$$"
	BreakdownNullStringLabel   = "$$_posthog_breakdown_null_$$"
	BreakdownOtherNumericLabel = float64(9007199254740991) // 2^53-1
	BreakdownNullNumericLabel  = float64(9007199254740990) // 2^53-2

	BreakdownOtherDisplay = "Other (i.e. all remaining values)"
	BreakdownNullDisplay  = "None (i.e. no value)"
)

// BreakdownAllCohortID is the synthetic cohort id meaning "all users".
const BreakdownAllCohortID int64 = 0

const (
	DefaultBreakdownLimit       = 25
	DefaultDateFromLookbackDays = 7
	MaxGroupTypeIndex           = 4
)

const (
	ErrMsgQueryProcessingFailure = "Failed processing query"
)

// ErrInvalidConfiguration marks client caused validation failures on the
// filter. Store layers map it to http.StatusBadRequest; everything else is
// treated as an upstream execution failure.
var ErrInvalidConfiguration = errors.New("invalid query configuration")

// Property One filter leaf: key, operator, value and the storage entity it
// reads from.
type Property struct {
	Key            string      `json:"key"`
	Value          interface{} `json:"value,omitempty"`
	Operator       string      `json:"operator"`
	Type           string      `json:"type"`
	GroupTypeIndex *int        `json:"group_type_index,omitempty"`
	Negation       bool        `json:"negation,omitempty"`
}

// PropertyGroup Recursive AND/OR tree. A node holds either leaf Values or
// child Groups; an empty node contributes no predicate.
type PropertyGroup struct {
	Type   string          `json:"type"`
	Values []Property      `json:"values,omitempty"`
	Groups []PropertyGroup `json:"groups,omitempty"`
}

// IsEmpty Whether the group contributes no predicate.
func (pg *PropertyGroup) IsEmpty() bool {
	return pg == nil || (len(pg.Values) == 0 && len(pg.Groups) == 0)
}

// Entity The thing being measured: a raw event name or an action id, with an
// aggregation mode and entity scoped filters.
type Entity struct {
	ID           *string        `json:"id"`
	Type         string         `json:"type"`
	ActionID     int64          `json:"action_id,omitempty"`
	Order        int            `json:"order"`
	Name         string         `json:"name,omitempty"`
	Math         string         `json:"math,omitempty"`
	MathProperty string         `json:"math_property,omitempty"`
	Properties   *PropertyGroup `json:"properties,omitempty"`
}

// IsAllEvents Whether the entity matches every event.
func (e *Entity) IsAllEvents() bool {
	return e.Type == EntityTypeEvents && (e.ID == nil || *e.ID == "")
}

// DisplayName Label base for the entity's series.
func (e *Entity) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	if e.IsAllEvents() {
		return "All events"
	}
	if e.ID != nil {
		return *e.ID
	}
	return fmt.Sprintf("action:%d", e.ActionID)
}

// Filter Declarative trends query: date range, interval, entities, property
// filters, breakdown spec, display and sampling.
type Filter struct {
	DateFrom string `json:"date_from,omitempty"`
	DateTo   string `json:"date_to,omitempty"`
	Interval string `json:"interval,omitempty"`
	Display  string `json:"display,omitempty"`

	Breakdown                     string  `json:"breakdown,omitempty"`
	BreakdownType                 string  `json:"breakdown_type,omitempty"`
	BreakdownGroupTypeIndex       *int    `json:"breakdown_group_type_index,omitempty"`
	BreakdownLimit                int     `json:"breakdown_limit,omitempty"`
	BreakdownHideOtherAggregation bool    `json:"breakdown_hide_other_aggregation,omitempty"`
	BreakdownHistogramBinCount    int     `json:"breakdown_histogram_bin_count,omitempty"`
	BreakdownCohortIDs            []int64 `json:"breakdown_cohort_ids,omitempty"`

	Properties *PropertyGroup `json:"properties,omitempty"`
	Entities   []Entity       `json:"events"`

	SamplingFactor     float64 `json:"sampling_factor,omitempty"`
	Compare            bool    `json:"compare,omitempty"`
	FilterTestAccounts bool    `json:"filter_test_accounts,omitempty"`
}

// HasBreakdown Whether any breakdown dimension is configured.
func (f *Filter) HasBreakdown() bool {
	if f.BreakdownType == BreakdownTypeCohort {
		return len(f.BreakdownCohortIDs) > 0
	}
	return f.Breakdown != ""
}

// UsingHistogram Whether the breakdown buckets numeric values instead of
// enumerating distinct ones.
func (f *Filter) UsingHistogram() bool {
	return f.BreakdownHistogramBinCount > 0
}

// IsTimeSeries Whether the display renders one value per time bucket.
func (f *Filter) IsTimeSeries() bool {
	return !NonTimeSeriesDisplays[f.Display]
}

// GetBreakdownLimit Breakdown series limit with default.
func (f *Filter) GetBreakdownLimit() int {
	if f.BreakdownLimit <= 0 {
		return DefaultBreakdownLimit
	}
	return f.BreakdownLimit
}

// GetInterval Interval with default.
func (f *Filter) GetInterval() string {
	if f.Interval == "" {
		return IntervalDay
	}
	return f.Interval
}

// Team Read-only per request configuration of the owning project.
type Team struct {
	ID                 int64          `json:"id"`
	Timezone           string         `json:"timezone"`
	PersonOnEventsMode bool           `json:"person_on_events_mode"`
	TestAccountFilters *PropertyGroup `json:"test_account_filters,omitempty"`
}

// TimezoneString Team timezone with UTC default.
func (t *Team) TimezoneString() U.TimeZoneString {
	if t.Timezone == "" {
		return U.TimeZoneStringUTC
	}
	return U.TimeZoneString(t.Timezone)
}

// Cohort Read-only cohort definition resolved through the cohort accessor.
// Static cohorts have precomputed membership rows; dynamic cohorts carry
// their own property tree which is compiled in place.
type Cohort struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	IsStatic   bool           `json:"is_static"`
	Properties *PropertyGroup `json:"properties,omitempty"`
}

const (
	ActionURLMatchingExact    = "exact"
	ActionURLMatchingContains = "contains"
	ActionURLMatchingRegex    = "regex"
)

// ActionStep One OR-branch of an action: an event name filter, optional URL
// match and optional step scoped properties.
type ActionStep struct {
	Event       string         `json:"event"`
	URL         string         `json:"url,omitempty"`
	URLMatching string         `json:"url_matching,omitempty"`
	Properties  *PropertyGroup `json:"properties,omitempty"`
}

// Action Named OR-of-steps entity definition.
type Action struct {
	ID    int64        `json:"id"`
	Name  string       `json:"name"`
	Steps []ActionStep `json:"steps"`
}

func isValidInterval(interval string) bool {
	for _, supported := range SupportedIntervals {
		if interval == supported {
			return true
		}
	}
	return false
}

func isValidOperator(operator string) bool {
	switch operator {
	case OperatorExact, OperatorIsNot, OperatorIContains, OperatorNotIContains,
		OperatorRegex, OperatorNotRegex, OperatorGT, OperatorGTE, OperatorLT,
		OperatorLTE, OperatorIsSet, OperatorIsNotSet, OperatorIsDateBefore,
		OperatorIsDateAfter, OperatorIsDateExact:
		return true
	}
	return false
}

func isValidPropertyType(propertyType string) bool {
	switch propertyType {
	case PropertyTypeEvent, PropertyTypePerson, PropertyTypeGroup,
		PropertyTypeCohort, PropertyTypeSession, PropertyTypeElement,
		PropertyTypeHogQL:
		return true
	}
	return false
}

func validateProperty(p *Property) error {
	if !isValidPropertyType(p.Type) {
		return errors.Wrapf(ErrInvalidConfiguration, "unknown property type %q", p.Type)
	}

	if p.Type != PropertyTypeCohort && !isValidOperator(p.Operator) {
		return errors.Wrapf(ErrInvalidConfiguration, "unknown operator %q", p.Operator)
	}

	switch p.Type {
	case PropertyTypeGroup:
		if p.GroupTypeIndex == nil || *p.GroupTypeIndex < 0 || *p.GroupTypeIndex > MaxGroupTypeIndex {
			return errors.Wrap(ErrInvalidConfiguration, "group property requires group_type_index in [0, 4]")
		}
	case PropertyTypeCohort:
		if p.Operator == OperatorIsSet || p.Operator == OperatorIsNotSet {
			return errors.Wrapf(ErrInvalidConfiguration, "operator %q is not valid for cohort properties", p.Operator)
		}
		if _, err := CohortIDFromValue(p.Value); err != nil {
			return err
		}
	case PropertyTypeSession:
		if p.Key != SessionDurationKey {
			return errors.Wrapf(ErrInvalidConfiguration,
				"session filters support only %s, got %q", SessionDurationKey, p.Key)
		}
	}

	if p.Type != PropertyTypeGroup && p.GroupTypeIndex != nil {
		return errors.Wrap(ErrInvalidConfiguration, "group_type_index is only valid for group properties")
	}

	return nil
}

func validatePropertyGroup(pg *PropertyGroup) error {
	if pg.IsEmpty() {
		return nil
	}

	if pg.Type != FilterGroupAND && pg.Type != FilterGroupOR {
		return errors.Wrapf(ErrInvalidConfiguration, "unknown property group combinator %q", pg.Type)
	}

	if len(pg.Values) > 0 && len(pg.Groups) > 0 {
		return errors.Wrap(ErrInvalidConfiguration, "property group holds both leaves and subgroups")
	}

	for i := range pg.Values {
		if err := validateProperty(&pg.Values[i]); err != nil {
			return err
		}
	}
	for i := range pg.Groups {
		if err := validatePropertyGroup(&pg.Groups[i]); err != nil {
			return err
		}
	}
	return nil
}

// CohortIDFromValue Parses the cohort id carried on a cohort property value.
func CohortIDFromValue(value interface{}) (int64, error) {
	switch v := value.(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidConfiguration, "cohort id %q is not an integer", v)
		}
		return id, nil
	default:
		return 0, errors.Wrapf(ErrInvalidConfiguration, "cohort value %v is not an id", value)
	}
}

// Validate Checks the filter's structural invariants. Returns
// ErrInvalidConfiguration wrapped with a specific message so the API layer
// can respond 4xx with a usable error instead of a generic failure.
func (f *Filter) Validate() error {
	if len(f.Entities) == 0 {
		return errors.Wrap(ErrInvalidConfiguration, "no entities to process")
	}

	if f.Interval != "" && !isValidInterval(f.Interval) {
		return errors.Wrapf(ErrInvalidConfiguration, "unsupported interval %q", f.Interval)
	}

	if f.SamplingFactor < 0 || f.SamplingFactor > 1 {
		return errors.Wrap(ErrInvalidConfiguration, "sampling_factor must be within (0, 1]")
	}

	if f.BreakdownType != "" {
		switch f.BreakdownType {
		case BreakdownTypeEvent, BreakdownTypePerson, BreakdownTypeSession, BreakdownTypeHogQL:
			if f.BreakdownGroupTypeIndex != nil {
				return errors.Wrap(ErrInvalidConfiguration, "breakdown_group_type_index is only valid for group breakdowns")
			}
		case BreakdownTypeGroup:
			if f.BreakdownGroupTypeIndex == nil || *f.BreakdownGroupTypeIndex < 0 ||
				*f.BreakdownGroupTypeIndex > MaxGroupTypeIndex {
				return errors.Wrap(ErrInvalidConfiguration, "group breakdown requires breakdown_group_type_index in [0, 4]")
			}
		case BreakdownTypeCohort:
			if len(f.BreakdownCohortIDs) == 0 {
				return errors.Wrap(ErrInvalidConfiguration, "cohort breakdown requires breakdown_cohort_ids")
			}
		default:
			return errors.Wrapf(ErrInvalidConfiguration, "unknown breakdown type %q", f.BreakdownType)
		}
	}

	if f.BreakdownType == BreakdownTypeSession && f.Breakdown != SessionDurationKey {
		return errors.Wrapf(ErrInvalidConfiguration,
			"session breakdown supports only %s, got %q", SessionDurationKey, f.Breakdown)
	}

	if f.UsingHistogram() && f.BreakdownType == BreakdownTypeCohort {
		return errors.Wrap(ErrInvalidConfiguration, "histogram breakdown is not valid for cohort breakdowns")
	}

	if f.Properties != nil {
		if err := validatePropertyGroup(f.Properties); err != nil {
			return err
		}
	}

	for i := range f.Entities {
		entity := &f.Entities[i]
		if entity.Type != EntityTypeEvents && entity.Type != EntityTypeActions {
			return errors.Wrapf(ErrInvalidConfiguration, "unknown entity type %q", entity.Type)
		}
		if entity.Type == EntityTypeActions && entity.ActionID == 0 {
			return errors.Wrap(ErrInvalidConfiguration, "action entity requires action_id")
		}
		if PropertyMathTypes[entity.Math] && entity.MathProperty == "" {
			return errors.Wrapf(ErrInvalidConfiguration, "math %q requires math_property", entity.Math)
		}
		if entity.Math != "" && entity.Math != MathTotal && entity.Math != MathDAU &&
			!PropertyMathTypes[entity.Math] && !ActiveUserMathTypes[entity.Math] &&
			!CountPerActorMathTypes[entity.Math] {
			return errors.Wrapf(ErrInvalidConfiguration, "unknown math %q", entity.Math)
		}
		if entity.Properties != nil {
			if err := validatePropertyGroup(entity.Properties); err != nil {
				return err
			}
		}
	}

	return nil
}

// WithTestAccountFilters Returns a copy of the filter with the team's test
// account filters AND-merged into the global property tree, when requested.
func (f *Filter) WithTestAccountFilters(team *Team) *Filter {
	if !f.FilterTestAccounts || team.TestAccountFilters.IsEmpty() {
		return f
	}

	merged := *f
	if f.Properties.IsEmpty() {
		merged.Properties = team.TestAccountFilters
		return &merged
	}

	merged.Properties = &PropertyGroup{
		Type:   FilterGroupAND,
		Groups: []PropertyGroup{*f.Properties, *team.TestAccountFilters},
	}
	return &merged
}

// SlowExecutionThreshold Executions above this get a warn log with params.
const SlowExecutionThreshold = 2 * time.Second

// LogOnSlowExecutionWithParams Logs params of executions crossing the slow
// threshold. Used as a deferred call on store layer entry points.
func LogOnSlowExecutionWithParams(startTime time.Time, logFields *log.Fields) {
	if elapsed := time.Since(startTime); elapsed > SlowExecutionThreshold {
		log.WithFields(*logFields).
			WithField("elapsed", elapsed.String()).
			Warn("Slow execution.")
	}
}

// SanitizeBreakdownValue Stringifies a raw breakdown row value, folding
// nil/empty into the null sentinel.
func SanitizeBreakdownValue(value interface{}) interface{} {
	if value == nil {
		return BreakdownNullStringLabel
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return BreakdownNullStringLabel
	}
	return value
}
