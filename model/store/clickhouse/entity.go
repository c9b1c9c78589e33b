package clickhouse

import (
	"github.com/pkg/errors"

	"insights/model/model"
)

// buildEntityFilter Predicate restricting the events scan to the entity.
// Entity scoped properties compile in place; an all-events entity with no
// properties contributes no predicate.
func buildEntityFilter(cc *compileContext, entity *model.Entity) (Fragment, error) {
	var fragments []Fragment

	switch entity.Type {
	case model.EntityTypeEvents:
		if !entity.IsAllEvents() {
			eventParam := cc.namer.next()
			fragments = append(fragments, newFragment(
				columnEvent+" = @"+eventParam,
				map[string]interface{}{eventParam: *entity.ID}))
		}
	case model.EntityTypeActions:
		actionFragment, err := buildActionFilter(cc, entity.ActionID)
		if err != nil {
			return Fragment{}, err
		}
		fragments = append(fragments, actionFragment)
	default:
		return Fragment{}, errors.Wrapf(model.ErrInvalidConfiguration,
			"unknown entity type %q", entity.Type)
	}

	if !entity.Properties.IsEmpty() {
		propsFragment, err := buildPropertyGroup(cc, entity.Properties)
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

// buildEntitiesPrefilter Union of every entity's event names as one IN
// predicate, used to narrow shared scans before the property predicates
// run. An all-events entity makes the union unbounded and the prefilter
// degrades to identity.
func buildEntitiesPrefilter(cc *compileContext, entities []model.Entity) (Fragment, error) {
	names := make([]string, 0, len(entities))
	seen := map[string]bool{}

	for i := range entities {
		entity := &entities[i]
		switch entity.Type {
		case model.EntityTypeEvents:
			if entity.IsAllEvents() {
				return newFragment("", nil), nil
			}
			if !seen[*entity.ID] {
				seen[*entity.ID] = true
				names = append(names, *entity.ID)
			}
		case model.EntityTypeActions:
			action, err := cc.store.actions.GetAction(cc.ctx, cc.projectID, entity.ActionID)
			if err != nil {
				return Fragment{}, errors.Wrapf(err, "failed to resolve action %d", entity.ActionID)
			}
			for _, step := range action.Steps {
				if !seen[step.Event] {
					seen[step.Event] = true
					names = append(names, step.Event)
				}
			}
		default:
			return Fragment{}, errors.Wrapf(model.ErrInvalidConfiguration,
				"unknown entity type %q", entity.Type)
		}
	}

	if len(names) == 0 {
		return newFragment("", nil), nil
	}
	namesParam := cc.namer.next()
	return newFragment(columnEvent+" IN (@"+namesParam+")",
		map[string]interface{}{namesParam: names}), nil
}

// buildActionFilter An action is an OR of steps. An event IN prefilter over
// every referenced event name narrows the scan before the step predicates.
func buildActionFilter(cc *compileContext, actionID int64) (Fragment, error) {
	action, err := cc.store.actions.GetAction(cc.ctx, cc.projectID, actionID)
	if err != nil {
		return Fragment{}, errors.Wrapf(err, "failed to resolve action %d", actionID)
	}
	if len(action.Steps) == 0 {
		return Fragment{}, errors.Wrapf(model.ErrInvalidConfiguration,
			"action %d has no steps", actionID)
	}

	eventNames := make([]string, 0, len(action.Steps))
	for _, step := range action.Steps {
		eventNames = append(eventNames, step.Event)
	}
	namesParam := cc.namer.next()
	prefilter := newFragment(
		columnEvent+" IN (@"+namesParam+")",
		map[string]interface{}{namesParam: eventNames})

	stepFragments := make([]Fragment, 0, len(action.Steps))
	for i := range action.Steps {
		stepFragment, err := buildActionStepFilter(cc, &action.Steps[i])
		if err != nil {
			return Fragment{}, err
		}
		stepFragment.Stmnt = "(" + stepFragment.Stmnt + ")"
		stepFragments = append(stepFragments, stepFragment)
	}
	stepsOr, err := joinFragments(stepFragments, " OR ")
	if err != nil {
		return Fragment{}, err
	}
	stepsOr.Stmnt = "(" + stepsOr.Stmnt + ")"

	return joinFragments([]Fragment{prefilter, stepsOr}, " AND ")
}

func buildActionStepFilter(cc *compileContext, step *model.ActionStep) (Fragment, error) {
	eventParam := cc.namer.next()
	fragments := []Fragment{newFragment(
		columnEvent+" = @"+eventParam,
		map[string]interface{}{eventParam: step.Event})}

	if step.URL != "" {
		urlFragment, err := buildActionURLFilter(cc, step)
		if err != nil {
			return Fragment{}, err
		}
		fragments = append(fragments, urlFragment)
	}

	if !step.Properties.IsEmpty() {
		propsFragment, err := buildPropertyGroup(cc, step.Properties)
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

func buildActionURLFilter(cc *compileContext, step *model.ActionStep) (Fragment, error) {
	currentURL := "JSONExtractString(" + columnProperties + ", '$current_url')"
	urlParam := cc.namer.next()

	switch step.URLMatching {
	case model.ActionURLMatchingExact:
		return newFragment(currentURL+" = @"+urlParam,
			map[string]interface{}{urlParam: step.URL}), nil
	case model.ActionURLMatchingRegex:
		return newFragment("match("+currentURL+", @"+urlParam+")",
			map[string]interface{}{urlParam: step.URL}), nil
	case model.ActionURLMatchingContains, "":
		return newFragment(currentURL+" LIKE @"+urlParam,
			map[string]interface{}{urlParam: "%" + step.URL + "%"}), nil
	}
	return Fragment{}, errors.Wrapf(model.ErrInvalidConfiguration,
		"unknown url matching mode %q", step.URLMatching)
}
