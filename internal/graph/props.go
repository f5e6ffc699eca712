package graph

import "encoding/json"

// Props travel as JSON, so numeric fields may come back as float64 or
// json.Number depending on the path that produced them.

// PropString reads a string property, empty when absent or mistyped.
func PropString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

// PropInt reads an integer property regardless of its JSON decoding.
func PropInt(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

// PropBool reads a boolean property, false when absent or mistyped.
func PropBool(props map[string]any, key string) bool {
	if v, ok := props[key].(bool); ok {
		return v
	}
	return false
}
