// Package convert coerces loosely typed values into the concrete types
// tool handlers need. JSON-RPC arguments arrive as interface{} trees in
// which every number is a float64 and every list is a []interface{};
// these helpers normalize that shape without panicking on surprises.
//
// All helpers either return an ok bool or a nil zero value so callers
// can fall back to defaults.
package convert

import (
	"math"
	"strconv"
)

// ToFloat64 converts numeric types and numeric strings to float64.
// Returns (value, true) on success, (0, false) on failure.
//
// String parsing accepts decimals, scientific notation, and the special
// values NaN, Inf, and -Inf.
func ToFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	}
	return 0, false
}

// ToInt converts numeric types to int. JSON numbers arrive as float64;
// fractional values are rejected rather than silently truncated.
func ToInt(v interface{}) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int32:
		return int(val), true
	case int64:
		return int(val), true
	}
	f, ok := ToFloat64(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}
