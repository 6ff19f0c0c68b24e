package command

import (
	"encoding/json"
	"math"
	"strconv"
)

// Args holds the decoded arguments of one command. Values come straight from
// a JSON decoder, so numbers arrive as float64 and nested objects as
// map[string]any.
type Args map[string]any

// String returns the string at key, or "" when absent or not a string.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Bool returns the boolean at key and whether one was present.
func (a Args) Bool(key string) (bool, bool) {
	switch v := a[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

// Float returns the number at key and whether one was present. JSON numbers,
// Go integers and numeric strings are all accepted.
func (a Args) Float(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns the number at key rounded to the nearest integer.
func (a Args) Int(key string) (int, bool) {
	f, ok := a.Float(key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(math.Round(f)), true
}

// Map returns the nested object at key, or nil.
func (a Args) Map(key string) Args {
	m, _ := a[key].(map[string]any)
	return m
}

// Strings returns the list of strings at key. ok is false when the value is
// absent, not a list, or holds a non-string element.
func (a Args) Strings(key string) (out []string, ok bool) {
	switch v := a[key].(type) {
	case []string:
		return v, true
	case []any:
		out = make([]string, 0, len(v))
		for _, e := range v {
			s, isStr := e.(string)
			if !isStr {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// first returns the first key of keys present in a.
func (a Args) first(keys ...string) string {
	for _, k := range keys {
		if _, ok := a[k]; ok {
			return k
		}
	}
	return keys[0]
}
