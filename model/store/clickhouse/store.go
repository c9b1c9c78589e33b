package clickhouse

import (
	"context"

	"insights/model/model"
)

// Physical schema the builders compile against.
const (
	tableEvents       = "events"
	tablePersons      = "person"
	tableGroups       = "groups"
	tableCohortPeople = "cohort_people"

	columnProjectID        = "project_id"
	columnEvent            = "event"
	columnTimestamp        = "timestamp"
	columnPersonID         = "person_id"
	columnSessionID        = "session_id"
	columnProperties       = "properties"
	columnPersonProperties = "person_properties"
	columnElementsChain    = "elements_chain"
)

// CohortAccessor resolves cohort ids to their definitions. Backed by the
// platform's model store; the engine only reads.
type CohortAccessor interface {
	GetCohort(ctx context.Context, projectID, cohortID int64) (*model.Cohort, error)
}

// ActionAccessor resolves action ids to their step definitions.
type ActionAccessor interface {
	GetAction(ctx context.Context, projectID, actionID int64) (*model.Action, error)
}

// ExpressionTranslator turns an opaque user expression into a dialect
// fragment. Implemented outside the engine; nil means expressions are
// rejected as invalid configuration.
type ExpressionTranslator interface {
	TranslateExpression(projectID int64, expression string) (string, error)
}

// ClickHouse Query engine over the events store. Stateless between calls;
// all request state lives on the compile context.
type ClickHouse struct {
	executor    QueryExecutor
	cohorts     CohortAccessor
	actions     ActionAccessor
	expressions ExpressionTranslator

	// materializedColumns maps property key to a dedicated events column,
	// used as a storage shortcut instead of JSON extraction.
	materializedColumns map[string]string
}

// NewClickHouse Engine over the given executor and accessors. expressions
// may be nil.
func NewClickHouse(executor QueryExecutor, cohorts CohortAccessor,
	actions ActionAccessor, expressions ExpressionTranslator) *ClickHouse {

	return &ClickHouse{
		executor:            executor,
		cohorts:             cohorts,
		actions:             actions,
		expressions:         expressions,
		materializedColumns: map[string]string{},
	}
}

// RegisterMaterializedColumn Registers a dedicated column for an event
// property key.
func (store *ClickHouse) RegisterMaterializedColumn(propertyKey, column string) {
	store.materializedColumns[propertyKey] = column
}

// compileContext Per-request compile state: param naming, join demand
// discovered while compiling expressions and the team's storage mode.
type compileContext struct {
	ctx       context.Context
	store     *ClickHouse
	projectID int64
	team      *model.Team
	namer     *paramNamer

	// Joins are added to the final statement only when some compiled
	// expression referenced them.
	needsPersonJoin  bool
	neededGroupJoins map[int]bool
	needsSessionJoin bool

	cohortDepth int
}

func newCompileContext(ctx context.Context, store *ClickHouse, projectID int64,
	team *model.Team, prepend string) *compileContext {

	return &compileContext{
		ctx:              ctx,
		store:            store,
		projectID:        projectID,
		team:             team,
		namer:            newParamNamer(prepend),
		neededGroupJoins: map[int]bool{},
	}
}

func (cc *compileContext) requireGroupJoin(groupTypeIndex int) {
	cc.neededGroupJoins[groupTypeIndex] = true
}
