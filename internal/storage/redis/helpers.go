package redis

import (
	"fmt"
	"strconv"
)

// scriptPair converts a two-element integer script reply
func scriptPair(values []int64) (int64, int64, error) {
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply length %d", len(values))
	}
	return values[0], values[1], nil
}

// replyStrings converts an HMGET style reply into a field map, skipping nils
func replyStrings(fields []string, values []interface{}) map[string]string {
	data := make(map[string]string, len(fields))
	for i, field := range fields {
		if i >= len(values) || values[i] == nil {
			continue
		}
		switch v := values[i].(type) {
		case string:
			data[field] = v
		case int64:
			data[field] = strconv.FormatInt(v, 10)
		case []byte:
			data[field] = string(v)
		}
	}
	return data
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
