package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	U "insights/util"
)

func TestQueryCacheHashIgnoresDateRange(t *testing.T) {
	base := validFilter()
	base.Breakdown = "$browser"

	shifted := *base
	shifted.DateFrom = "2021-01-01"
	shifted.DateTo = "2021-01-31"

	baseHash, err := base.GetQueryCacheHashString()
	require.NoError(t, err)
	shiftedHash, err := shifted.GetQueryCacheHashString()
	require.NoError(t, err)

	// The resolved window lives on the key suffix, not in the hash.
	assert.Equal(t, baseHash, shiftedHash)

	different := *base
	different.Breakdown = "$os"
	differentHash, err := different.GetQueryCacheHashString()
	require.NoError(t, err)
	assert.NotEqual(t, baseHash, differentHash)
}

func TestGetQueryCacheRedisKey(t *testing.T) {
	filter := validFilter()
	hash, err := filter.GetQueryCacheHashString()
	require.NoError(t, err)

	key, err := filter.GetQueryCacheRedisKey(42, 1627776000, 1628640000, U.TimeZoneStringUTC)
	require.NoError(t, err)

	keyString, err := key.Key()
	require.NoError(t, err)
	assert.Equal(t, QueryCacheRedisKeyPrefix+":pid:42:"+hash+":from:1627776000:to:1628640000",
		keyString)
}

func TestGetQueryCacheExpiry(t *testing.T) {
	// A window ending before today caches long.
	lastYear := U.TimeNowZ().AddDate(-1, 0, 0).Unix()
	assert.Equal(t, QueryCacheImmutableResultExpirySeconds,
		GetQueryCacheExpiry(lastYear, U.TimeZoneStringUTC))

	// A window touching today can still change.
	tomorrow := U.TimeNowZ().Add(24 * time.Hour).Unix()
	assert.Equal(t, QueryCacheMutableResultExpirySeconds,
		GetQueryCacheExpiry(tomorrow, U.TimeZoneStringUTC))
}
