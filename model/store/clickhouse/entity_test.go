package clickhouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insights/model/model"
)

func TestBuildEntityFilterEvent(t *testing.T) {
	h := newTestHarness()
	cc := h.newContext(t, nil, "e0")

	fragment, err := buildEntityFilter(cc, pageviewEntity())
	require.NoError(t, err)
	assert.Equal(t, columnEvent+" = @e0_1", fragment.Stmnt)
	assert.Equal(t, "$pageview", fragment.Params["e0_1"])
}

func TestBuildEntityFilterAllEventsIsIdentity(t *testing.T) {
	h := newTestHarness()
	cc := h.newContext(t, nil, "e0")

	fragment, err := buildEntityFilter(cc, &model.Entity{Type: model.EntityTypeEvents})
	require.NoError(t, err)
	assert.Equal(t, "", fragment.Stmnt)
}

func TestBuildEntityFilterWithEntityProperties(t *testing.T) {
	h := newTestHarness()
	cc := h.newContext(t, nil, "e0")
	entity := pageviewEntity()
	entity.Properties = &model.PropertyGroup{
		Type: model.FilterGroupAND,
		Values: []model.Property{
			{Key: "$browser", Type: model.PropertyTypeEvent, Operator: model.OperatorExact, Value: "Chrome"},
		},
	}

	fragment, err := buildEntityFilter(cc, entity)
	require.NoError(t, err)
	assert.Contains(t, fragment.Stmnt, columnEvent+" = @e0_1")
	assert.Contains(t, fragment.Stmnt, "JSONExtractString(")
}

func TestBuildEntityFilterAction(t *testing.T) {
	h := newTestHarness()
	h.actions.actions[3] = &model.Action{
		ID:   3,
		Name: "Signed up",
		Steps: []model.ActionStep{
			{Event: "$pageview", URL: "/signup", URLMatching: model.ActionURLMatchingContains},
			{Event: "signup_submitted"},
		},
	}
	cc := h.newContext(t, nil, "e0")

	fragment, err := buildEntityFilter(cc, &model.Entity{Type: model.EntityTypeActions, ActionID: 3})
	require.NoError(t, err)

	// Event IN prefilter over every step's event, then the OR of steps.
	assert.Contains(t, fragment.Stmnt, columnEvent+" IN (@e0_1)")
	assert.Equal(t, []string{"$pageview", "signup_submitted"}, fragment.Params["e0_1"])
	assert.Contains(t, fragment.Stmnt, ") OR (")
	assert.Contains(t, fragment.Stmnt, "'$current_url') LIKE @")

	var likeBound bool
	for _, v := range fragment.Params {
		if v == "%/signup%" {
			likeBound = true
		}
	}
	assert.True(t, likeBound)
}

func TestBuildEntityFilterActionURLMatchingModes(t *testing.T) {
	h := newTestHarness()
	h.actions.actions[1] = &model.Action{ID: 1, Steps: []model.ActionStep{
		{Event: "$pageview", URL: "https://app.example.com/signup", URLMatching: model.ActionURLMatchingExact},
	}}
	h.actions.actions[2] = &model.Action{ID: 2, Steps: []model.ActionStep{
		{Event: "$pageview", URL: "^/signup/.*", URLMatching: model.ActionURLMatchingRegex},
	}}

	exact, err := buildEntityFilter(h.newContext(t, nil, "e0"),
		&model.Entity{Type: model.EntityTypeActions, ActionID: 1})
	require.NoError(t, err)
	assert.Contains(t, exact.Stmnt, "'$current_url') = @")

	regex, err := buildEntityFilter(h.newContext(t, nil, "e0"),
		&model.Entity{Type: model.EntityTypeActions, ActionID: 2})
	require.NoError(t, err)
	assert.Contains(t, regex.Stmnt, "match(JSONExtractString(")
}

func TestBuildEntitiesPrefilterUnionsEventNames(t *testing.T) {
	h := newTestHarness()
	h.actions.actions[3] = &model.Action{ID: 3, Steps: []model.ActionStep{
		{Event: "$pageview"},
		{Event: "signup_submitted"},
	}}
	cc := h.newContext(t, nil, "e0")

	entities := []model.Entity{
		{ID: stringPtr("$pageview"), Type: model.EntityTypeEvents},
		{ID: stringPtr("purchase"), Type: model.EntityTypeEvents, Order: 1},
		{Type: model.EntityTypeActions, ActionID: 3, Order: 2},
	}

	fragment, err := buildEntitiesPrefilter(cc, entities)
	require.NoError(t, err)
	assert.Equal(t, columnEvent+" IN (@e0_1)", fragment.Stmnt)
	// Names union and dedupe; the action's $pageview step folds into the
	// first entity's name.
	assert.Equal(t, []string{"$pageview", "purchase", "signup_submitted"}, fragment.Params["e0_1"])
}

func TestBuildEntitiesPrefilterAllEventsDegradesToIdentity(t *testing.T) {
	h := newTestHarness()
	cc := h.newContext(t, nil, "e0")

	entities := []model.Entity{
		{ID: stringPtr("$pageview"), Type: model.EntityTypeEvents},
		{Type: model.EntityTypeEvents, Order: 1},
	}

	fragment, err := buildEntitiesPrefilter(cc, entities)
	require.NoError(t, err)
	assert.Equal(t, "", fragment.Stmnt)
}

func TestBuildEntityFilterActionWithoutSteps(t *testing.T) {
	h := newTestHarness()
	h.actions.actions[5] = &model.Action{ID: 5}
	cc := h.newContext(t, nil, "e0")

	_, err := buildEntityFilter(cc, &model.Entity{Type: model.EntityTypeActions, ActionID: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
}

func TestBuildEntityFilterUnknownAction(t *testing.T) {
	h := newTestHarness()
	cc := h.newContext(t, nil, "e0")

	_, err := buildEntityFilter(cc, &model.Entity{Type: model.EntityTypeActions, ActionID: 404})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
}
