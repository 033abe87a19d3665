package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Values is a free-form nested map used for credentials, meta, params and
// person data. Nested maps are always map[string]any.
type Values map[string]any

// DottedPath splits a dotted path ("oauth.access_token") into keys.
// Use it only for paths that come from user input; code should pass keys.
func DottedPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Get returns the top-level value for key or def when absent.
func (v Values) Get(key string, def any) any {
	if v == nil {
		return def
	}
	if val, ok := v[key]; ok {
		return val
	}
	return def
}

// Lookup walks keys through nested maps.
func (v Values) Lookup(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return map[string]any(v), v != nil
	}
	var cur any = map[string]any(v)
	for _, key := range keys {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		next, ok := m[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Path returns the value at keys or def when any segment is missing.
func (v Values) Path(def any, keys ...string) any {
	if val, ok := v.Lookup(keys...); ok {
		return val
	}
	return def
}

// String returns the value at keys formatted as a string, "" when missing.
func (v Values) String(keys ...string) string {
	val, ok := v.Lookup(keys...)
	if !ok || val == nil {
		return ""
	}
	return Stringify(val)
}

// Int64 returns the value at keys as an int64 when it is numeric.
func (v Values) Int64(keys ...string) (int64, bool) {
	val, ok := v.Lookup(keys...)
	if !ok {
		return 0, false
	}
	return ToInt64(val)
}

// SetPath stores value at keys, creating intermediate maps.
func (v Values) SetPath(value any, keys ...string) {
	if len(keys) == 0 || v == nil {
		return
	}
	cur := map[string]any(v)
	for _, key := range keys[:len(keys)-1] {
		next, ok := asMap(cur[key])
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value
}

// Map returns the nested map at keys, nil if absent or not a map.
func (v Values) Map(keys ...string) Values {
	val, ok := v.Lookup(keys...)
	if !ok {
		return nil
	}
	m, ok := asMap(val)
	if !ok {
		return nil
	}
	return Values(m)
}

// Clone deep-copies nested maps and slices.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	return Values(cloneMap(v))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = cloneValue(val)
	}
	return out
}

func cloneValue(val any) any {
	switch t := val.(type) {
	case map[string]any:
		return cloneMap(t)
	case Values:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return val
	}
}

func asMap(val any) (map[string]any, bool) {
	switch t := val.(type) {
	case map[string]any:
		return t, true
	case Values:
		return t, true
	default:
		return nil, false
	}
}

// AsMap reports whether val is a nested map and returns it.
func AsMap(val any) (map[string]any, bool) {
	return asMap(val)
}

// Stringify formats scalars the way providers expect them in payloads.
func Stringify(val any) string {
	switch t := val.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// ToInt64 converts numeric values and numeric strings.
func ToInt64(val any) (int64, bool) {
	switch t := val.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case float64:
		return int64(t), true
	case float32:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	default:
		return 0, false
	}
}
