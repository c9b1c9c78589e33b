package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeConvertToFloat64(t *testing.T) {
	assert.Equal(t, 1.5, SafeConvertToFloat64(1.5))
	assert.Equal(t, float64(3), SafeConvertToFloat64(int64(3)))
	assert.Equal(t, float64(7), SafeConvertToFloat64(uint64(7)))
	assert.Equal(t, 2.25, SafeConvertToFloat64("2.25"))
	assert.Equal(t, float64(0), SafeConvertToFloat64("not a number"))
	assert.Equal(t, float64(0), SafeConvertToFloat64(nil))

	v := 4.5
	assert.Equal(t, 4.5, SafeConvertToFloat64(&v))
	var nilPtr *float64
	assert.Equal(t, float64(0), SafeConvertToFloat64(nilPtr))
}

func TestIsNumericValue(t *testing.T) {
	assert.True(t, IsNumericValue(42))
	assert.True(t, IsNumericValue(4.2))
	assert.True(t, IsNumericValue("42"))
	assert.True(t, IsNumericValue("-1.5"))
	assert.False(t, IsNumericValue("Chrome"))
	assert.False(t, IsNumericValue(true))
	assert.False(t, IsNumericValue(nil))
}

func TestGenerateHashStringForStructDeterminism(t *testing.T) {
	type payload struct {
		A string `json:"a"`
		B int    `json:"b"`
	}

	first, err := EncodeStructTypeToMap(payload{A: "x", B: 2})
	require.NoError(t, err)
	second, err := EncodeStructTypeToMap(payload{A: "x", B: 2})
	require.NoError(t, err)

	firstHash, err := GenerateHashStringForStruct(first)
	require.NoError(t, err)
	secondHash, err := GenerateHashStringForStruct(second)
	require.NoError(t, err)
	assert.Equal(t, firstHash, secondHash)

	third, err := EncodeStructTypeToMap(payload{A: "y", B: 2})
	require.NoError(t, err)
	thirdHash, err := GenerateHashStringForStruct(third)
	require.NoError(t, err)
	assert.NotEqual(t, firstHash, thirdHash)
}

func TestTrimQueryString(t *testing.T) {
	short := "SELECT 1"
	assert.Equal(t, short, TrimQueryString(short))

	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, TrimQueryString(string(long)), 2000)
}

func TestGetUniqueQueryRequestID(t *testing.T) {
	assert.NotEqual(t, GetUniqueQueryRequestID(), GetUniqueQueryRequestID())
}
