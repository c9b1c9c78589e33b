package clickhouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeParamsCollision(t *testing.T) {
	dst := map[string]interface{}{"a": 1, "b": "x"}

	// Same name with the same value passes.
	err := mergeParams(dst, map[string]interface{}{"a": 1, "c": true})
	require.NoError(t, err)
	assert.Len(t, dst, 3)

	// Same name with a different value fails loudly.
	err = mergeParams(dst, map[string]interface{}{"b": "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bound twice")
}

func TestJoinFragments(t *testing.T) {
	joined, err := joinFragments([]Fragment{
		newFragment("a = @p1", map[string]interface{}{"p1": 1}),
		newFragment("", nil),
		newFragment("b = @p2", map[string]interface{}{"p2": 2}),
	}, " AND ")
	require.NoError(t, err)
	assert.Equal(t, "a = @p1 AND b = @p2", joined.Stmnt)
	assert.Equal(t, map[string]interface{}{"p1": 1, "p2": 2}, joined.Params)
}

func TestParamNamerDeterminism(t *testing.T) {
	first := newParamNamer("e0")
	second := newParamNamer("e0")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first.next(), second.next())
	}
	assert.Equal(t, "e0_1", newParamNamer("e0").next())
}

func TestJoinWithCommaAndAs(t *testing.T) {
	assert.Equal(t, "a, b", joinWithComma("a", "", "b"))
	assert.Equal(t, "count(*) AS aggregate_value", as("aggregate_value", "count(*)"))
}
