package util

import (
	"github.com/gin-gonic/gin"
)

// Scope values are set by middleware and read by handlers.

func SetScope(c *gin.Context, key string, value interface{}) {
	c.Set(key, value)
}

func GetScopeByKey(c *gin.Context, key string) interface{} {
	value, exists := c.Get(key)
	if !exists {
		return nil
	}
	return value
}

func GetScopeByKeyAsInt64(c *gin.Context, key string) int64 {
	value := GetScopeByKey(c, key)
	if value == nil {
		return 0
	}

	typedValue, ok := value.(int64)
	if !ok {
		return 0
	}
	return typedValue
}

func GetScopeByKeyAsString(c *gin.Context, key string) string {
	value := GetScopeByKey(c, key)
	if value == nil {
		return ""
	}

	typedValue, ok := value.(string)
	if !ok {
		return ""
	}
	return typedValue
}
