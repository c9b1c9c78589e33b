package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// SafeConvertToFloat64 Converts numeric SQL driver values of any width to
// float64. Returns 0 for non numeric values.
func SafeConvertToFloat64(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case *float64:
		if v == nil {
			return 0
		}
		return *v
	case *uint64:
		if v == nil {
			return 0
		}
		return float64(*v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// IsNumericValue Whether the value is a number or a string that parses as one.
func IsNumericValue(value interface{}) bool {
	switch v := value.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		return true
	case string:
		_, err := strconv.ParseFloat(v, 64)
		return err == nil
	default:
		return false
	}
}

// EncodeStructTypeToMap Converts any struct to map[string]interface{}
// through a JSON round trip. Used for query hashing.
func EncodeStructTypeToMap(structType interface{}) (map[string]interface{}, error) {
	structAsJSON, err := json.Marshal(structType)
	if err != nil {
		return nil, err
	}

	structAsMap := make(map[string]interface{})
	err = json.Unmarshal(structAsJSON, &structAsMap)
	return structAsMap, err
}

// GenerateHashStringForStruct Deterministic sha256 of a map built from a
// struct. Key order is fixed by sorting before encoding.
func GenerateHashStringForStruct(structAsMap map[string]interface{}) (string, error) {
	keys := make([]string, 0, len(structAsMap))
	for k := range structAsMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, structAsMap[k])
	}

	encoded, err := json.Marshal(ordered)
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(encoded)
	return hex.EncodeToString(hash[:]), nil
}

// GetUniqueQueryRequestID Request scoped id used to correlate the query
// statement log with the execution time log.
func GetUniqueQueryRequestID() string {
	return uuid.New().String()
}

// TrimQueryString Limits statement length on log fields.
func TrimQueryString(stmnt string) string {
	const maxLoggedQueryLength = 2000
	if len(stmnt) <= maxLoggedQueryLength {
		return stmnt
	}
	return stmnt[:maxLoggedQueryLength]
}

// TrimQueryParams Limits params size on log fields.
func TrimQueryParams(params map[string]interface{}) string {
	const maxLoggedParamsLength = 1000
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%d params", len(params))
	}
	if len(encoded) <= maxLoggedParamsLength {
		return string(encoded)
	}
	return string(encoded[:maxLoggedParamsLength])
}
