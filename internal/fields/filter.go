package fields

import (
	"strings"

	"github.com/convertful/integrations/internal/models"
)

// FilterValues coerces raw input into the shape declared by schema.
// Only declared fields survive. Filtering is idempotent.
func FilterValues(raw models.Values, schema Schema) (models.Values, error) {
	if err := schema.Check(); err != nil {
		return nil, err
	}

	out := models.Values{}
	for _, f := range schema {
		val, present := raw[f.Name]
		if f.Type == TypeSwitch {
			out[f.Name] = present && toBool(val)
			continue
		}
		if !present || val == nil {
			continue
		}
		if filtered, ok := filterValue(f, val); ok {
			out[f.Name] = filtered
		}
	}
	return out, nil
}

func filterValue(f Field, val any) (any, bool) {
	switch {
	case f.Type == TypeOAuth:
		m, ok := models.AsMap(val)
		if !ok {
			return nil, false
		}
		return map[string]any(models.Values(m).Clone()), true

	case f.Type == TypeInteger:
		n, ok := models.ToInt64(val)
		if !ok {
			if f.Default != nil {
				return f.Default, true
			}
			return nil, false
		}
		return int(n), true

	case f.IsMultiple():
		return filterMultiple(f, val), true

	case f.Type == TypeSelect || f.Type == TypeRadio:
		s := strings.TrimSpace(models.Stringify(val))
		if f.HasOption(s) {
			return s, true
		}
		if f.Default != nil {
			return models.Stringify(f.Default), true
		}
		return nil, false

	default:
		return strings.TrimSpace(models.Stringify(val)), true
	}
}

func filterMultiple(f Field, val any) []string {
	var items []string
	switch t := val.(type) {
	case []string:
		items = t
	case []any:
		items = make([]string, 0, len(t))
		for _, item := range t {
			items = append(items, models.Stringify(item))
		}
	default:
		items = []string{models.Stringify(t)}
	}

	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if seen[item] || !f.HasOption(item) {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func toBool(val any) bool {
	switch t := val.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "on", "yes":
			return true
		}
		return false
	case nil:
		return false
	default:
		n, ok := models.ToInt64(t)
		return ok && n != 0
	}
}
