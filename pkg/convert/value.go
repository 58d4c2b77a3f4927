package convert

// ToString returns v as a string when it is one. No stringification of
// other types; a tool argument that should be a string either is one or
// the caller falls back to its default.
func ToString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// ToBool converts bools and the usual string spellings ("true", "1",
// "false", "0").
func ToBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch val {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
	}
	return false, false
}

// ToStringSlice converts []string or a []interface{} of strings.
// Returns nil when v is not a slice or any element is not a string.
func ToStringSlice(v interface{}) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		result := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			result[i] = s
		}
		return result
	}
	return nil
}

// ToMap returns v as a map[string]interface{} when it is one, which is
// how nested JSON objects arrive in tool arguments.
func ToMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}
