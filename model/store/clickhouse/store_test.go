package clickhouse

import (
	"context"
	"testing"

	"insights/model/model"
)

// fakeExecutor Records statements and replays canned results in order.
type fakeExecutor struct {
	statements []string
	params     []map[string]interface{}
	results    []*model.QueryResult
	err        error
}

func (f *fakeExecutor) ExecQueryWithContext(ctx context.Context, stmnt string,
	params map[string]interface{}) (*model.QueryResult, string, error) {

	f.statements = append(f.statements, stmnt)
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, "req-id", f.err
	}

	call := len(f.statements) - 1
	if call < len(f.results) {
		return f.results[call], "req-id", nil
	}
	return &model.QueryResult{}, "req-id", nil
}

type fakeCohorts struct {
	cohorts map[int64]*model.Cohort
}

func (f *fakeCohorts) GetCohort(ctx context.Context, projectID, cohortID int64) (*model.Cohort, error) {
	if cohort, exists := f.cohorts[cohortID]; exists {
		return cohort, nil
	}
	return nil, model.ErrInvalidConfiguration
}

type fakeActions struct {
	actions map[int64]*model.Action
}

func (f *fakeActions) GetAction(ctx context.Context, projectID, actionID int64) (*model.Action, error) {
	if action, exists := f.actions[actionID]; exists {
		return action, nil
	}
	return nil, model.ErrInvalidConfiguration
}

type testHarness struct {
	store    *ClickHouse
	executor *fakeExecutor
	cohorts  *fakeCohorts
	actions  *fakeActions
}

func newTestHarness() *testHarness {
	executor := &fakeExecutor{}
	cohorts := &fakeCohorts{cohorts: map[int64]*model.Cohort{}}
	actions := &fakeActions{actions: map[int64]*model.Action{}}
	return &testHarness{
		store:    NewClickHouse(executor, cohorts, actions, nil),
		executor: executor,
		cohorts:  cohorts,
		actions:  actions,
	}
}

func (h *testHarness) newContext(t *testing.T, team *model.Team, prepend string) *compileContext {
	t.Helper()
	if team == nil {
		team = utcTeam()
	}
	return newCompileContext(context.Background(), h.store, team.ID, team, prepend)
}

func stringPtr(s string) *string {
	return &s
}

func resultTable(headers []string, rows [][]interface{}) *model.QueryResult {
	return &model.QueryResult{Headers: headers, Rows: rows}
}
