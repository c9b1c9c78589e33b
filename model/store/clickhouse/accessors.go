package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"insights/model/model"
)

// DefinitionStore Read-only accessor over the team, cohort and action
// definition tables. Definitions are written by the management surface;
// the engine only resolves them.
type DefinitionStore struct {
	executor QueryExecutor
}

func NewDefinitionStore(executor QueryExecutor) *DefinitionStore {
	return &DefinitionStore{executor: executor}
}

func (s *DefinitionStore) GetTeam(ctx context.Context, projectID int64) (*model.Team, error) {
	stmnt := "SELECT timezone, person_on_events_mode, test_account_filters" +
		" FROM teams WHERE id = @project_id LIMIT 1"
	result, _, err := s.executor.ExecQueryWithContext(ctx, stmnt,
		map[string]interface{}{"project_id": projectID})
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, errors.Errorf("team %d not found", projectID)
	}

	row := result.Rows[0]
	team := &model.Team{ID: projectID}
	team.Timezone = asString(row[0])
	team.PersonOnEventsMode = asBool(row[1])
	if filters := asString(row[2]); filters != "" {
		var pg model.PropertyGroup
		if err := json.Unmarshal([]byte(filters), &pg); err != nil {
			return nil, errors.Wrapf(err, "malformed test account filters for team %d", projectID)
		}
		team.TestAccountFilters = &pg
	}
	return team, nil
}

func (s *DefinitionStore) GetCohort(ctx context.Context, projectID, cohortID int64) (*model.Cohort, error) {
	stmnt := "SELECT name, is_static, properties FROM cohorts" +
		" WHERE project_id = @project_id AND id = @cohort_id LIMIT 1"
	result, _, err := s.executor.ExecQueryWithContext(ctx, stmnt,
		map[string]interface{}{"project_id": projectID, "cohort_id": cohortID})
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, errors.Wrapf(model.ErrInvalidConfiguration, "cohort %d not found", cohortID)
	}

	row := result.Rows[0]
	cohort := &model.Cohort{ID: cohortID, Name: asString(row[0]), IsStatic: asBool(row[1])}
	if properties := asString(row[2]); properties != "" {
		var pg model.PropertyGroup
		if err := json.Unmarshal([]byte(properties), &pg); err != nil {
			return nil, errors.Wrapf(err, "malformed properties for cohort %d", cohortID)
		}
		cohort.Properties = &pg
	}
	return cohort, nil
}

func (s *DefinitionStore) GetAction(ctx context.Context, projectID, actionID int64) (*model.Action, error) {
	stmnt := "SELECT name, steps FROM actions" +
		" WHERE project_id = @project_id AND id = @action_id LIMIT 1"
	result, _, err := s.executor.ExecQueryWithContext(ctx, stmnt,
		map[string]interface{}{"project_id": projectID, "action_id": actionID})
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, errors.Wrapf(model.ErrInvalidConfiguration, "action %d not found", actionID)
	}

	row := result.Rows[0]
	action := &model.Action{ID: actionID, Name: asString(row[0])}
	if steps := asString(row[1]); steps != "" {
		if err := json.Unmarshal([]byte(steps), &action.Steps); err != nil {
			return nil, errors.Wrapf(err, "malformed steps for action %d", actionID)
		}
	}
	return action, nil
}

func asString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asBool(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case uint8:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}
