package mcp

import (
	"fmt"
	"strconv"
	"strings"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok {
		return ""
	}
	return argString(val)
}

// getIntArg accepts JSON numbers and numeric strings.
func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok || val == nil {
		return fallback
	}
	switch v := val.(type) {
	case int, int64, float64:
		return asInt(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt(v interface{}) int {
	switch value := v.(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		n, err := strconv.Atoi(strings.TrimSpace(argString(v)))
		if err != nil {
			return 0
		}
		return n
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
