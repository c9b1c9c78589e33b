package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyValidation(t *testing.T) {
	_, err := NewKey(0, "query:cache", "suffix")
	assert.Equal(t, ErrorInvalidProject, err)

	_, err = NewKey(1, "", "suffix")
	assert.Equal(t, ErrorInvalidPrefix, err)
}

func TestKeyFormat(t *testing.T) {
	key, err := NewKey(7, "query:cache", "abc:from:1:to:2")
	require.NoError(t, err)

	keyString, err := key.Key()
	require.NoError(t, err)
	assert.Equal(t, "query:cache:pid:7:abc:from:1:to:2", keyString)
}
