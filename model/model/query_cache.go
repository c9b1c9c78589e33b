package model

import (
	"encoding/json"
	"fmt"
	"net/http"

	cacheRedis "insights/cache/redis"
	U "insights/util"

	log "github.com/sirupsen/logrus"
)

const (
	QueryCacheInProgressPlaceholder string = "QUERY_CACHE_IN_PROGRESS"

	QueryCachePlaceholderExpirySeconds float64 = 2 * 60 * 60 // 2 Hours.
	// Results whose range touches today can still change.
	QueryCacheMutableResultExpirySeconds   float64 = 10 * 60
	QueryCacheImmutableResultExpirySeconds float64 = 2 * 24 * 60 * 60 // 2 Days.

	QueryCacheRequestInvalidatedCacheHeader string = "Invalidate-Cache"
	QueryCacheResponseFromCacheHeader       string = "Fromcache"
	QueryCacheResponseCacheRefreshedAt      string = "Refreshedat"
	QueryCacheRedisKeyPrefix                string = "query:cache"
)

// QueryCacheResult Envelope stored on redis for a cached response.
type QueryCacheResult struct {
	Result      interface{} `json:"result"`
	RefreshedAt int64       `json:"refreshed_at"`
	TimeZone    string      `json:"timezone"`
}

// GetQueryCacheHashString Hash of the filter without the date range fields.
// Keeps one hash for the same query asked over different windows; the
// resolved window goes on the key suffix instead.
func (f *Filter) GetQueryCacheHashString() (string, error) {
	filterMap, err := U.EncodeStructTypeToMap(f)
	if err != nil {
		return "", err
	}
	delete(filterMap, "date_from")
	delete(filterMap, "date_to")

	return U.GenerateHashStringForStruct(filterMap)
}

// GetQueryCacheRedisKey Cache key for the filter over a resolved window.
func (f *Filter) GetQueryCacheRedisKey(projectID int64, from, to int64,
	timezoneString U.TimeZoneString) (*cacheRedis.Key, error) {

	hashString, err := f.GetQueryCacheHashString()
	if err != nil {
		return nil, err
	}
	suffix := getQueryCacheRedisKeySuffix(hashString, from, to, timezoneString)
	return cacheRedis.NewKey(projectID, QueryCacheRedisKeyPrefix, suffix)
}

func getQueryCacheRedisKeySuffix(hashString string, from, to int64,
	timezoneString U.TimeZoneString) string {
	return fmt.Sprintf("%s:from:%d:to:%d", hashString, from, to)
}

// GetQueryCacheExpiry Short expiry while the window covers today, longer
// once the data is immutable.
func GetQueryCacheExpiry(to int64, timezoneString U.TimeZoneString) float64 {
	nowStartOfDay := U.BeginningOfDayIn(U.TimeNowZ(), timezoneString).Unix()
	if to >= nowStartOfDay {
		return QueryCacheMutableResultExpirySeconds
	}
	return QueryCacheImmutableResultExpirySeconds
}

// GetQueryResultFromCache To get value from cache for a particular query
// payload. resultContainer to be passed by reference. Returns http.StatusFound
// on hit, http.StatusAccepted when another request is computing the same
// query and http.StatusNotFound on miss.
func GetQueryResultFromCache(cacheKey *cacheRedis.Key,
	resultContainer interface{}) (QueryCacheResult, int) {

	var queryResult QueryCacheResult

	value, exists, err := cacheRedis.GetIfExists(cacheKey)
	if err != nil {
		log.WithError(err).Error("Error getting value from redis")
		return queryResult, http.StatusInternalServerError
	}
	if !exists {
		return queryResult, http.StatusNotFound
	} else if value == QueryCacheInProgressPlaceholder {
		return queryResult, http.StatusAccepted
	}

	if err = json.Unmarshal([]byte(value), &queryResult); err != nil {
		log.WithError(err).Error("Failed to unmarshal cache result")
		return queryResult, http.StatusInternalServerError
	}

	resultJSON, err := json.Marshal(queryResult.Result)
	if err != nil {
		return queryResult, http.StatusInternalServerError
	}
	if err = json.Unmarshal(resultJSON, resultContainer); err != nil {
		log.WithError(err).Error("Failed to unmarshal cache result to result container")
		return queryResult, http.StatusInternalServerError
	}

	return queryResult, http.StatusFound
}

// SetQueryCachePlaceholder To set a placeholder temporarily to indicate that
// query is already running.
func SetQueryCachePlaceholder(cacheKey *cacheRedis.Key) {
	if err := cacheRedis.Set(cacheKey, QueryCacheInProgressPlaceholder,
		QueryCachePlaceholderExpirySeconds); err != nil {
		log.WithError(err).Error("Failed to set query cache placeholder")
	}
}

// SetQueryCacheResult Sets the query cache result key in redis.
func SetQueryCacheResult(cacheKey *cacheRedis.Key, queryResult interface{},
	to int64, timezoneString U.TimeZoneString) {

	queryCache := QueryCacheResult{
		Result:      queryResult,
		RefreshedAt: U.TimeNowZ().Unix(),
		TimeZone:    string(timezoneString),
	}

	queryResultString, err := json.Marshal(queryCache)
	if err != nil {
		return
	}
	if err := cacheRedis.Set(cacheKey, string(queryResultString),
		GetQueryCacheExpiry(to, timezoneString)); err != nil {
		log.WithError(err).Error("Failed to set query cache result")
	}
}

// DeleteQueryCacheKey Delete a query cache key on error so the placeholder
// does not block retries.
func DeleteQueryCacheKey(cacheKey *cacheRedis.Key) {
	if err := cacheRedis.Del(cacheKey); err != nil {
		log.WithError(err).Error("Failed to delete query cache key")
	}
}
