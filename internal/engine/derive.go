package engine

import (
	"math"
	"strconv"
	"time"

	"growline/internal/stage"
)

// Derive computes default values for fields the operator left blank on
// a transition. It only ever fills gaps: a value already present in
// the payload, or extracted from a task, is never overwritten. The
// returned map holds just the additions.
func Derive(transitionKey string, batchFields, payload map[string]any) map[string]any {
	out := map[string]any{}
	if transitionKey != stage.TransitionKey(stage.CloneGermination, stage.Hardening) {
		return out
	}
	has := func(field string) bool {
		if _, ok := payload[field]; ok {
			return true
		}
		_, ok := batchFields[field]
		return ok
	}
	get := func(field string) (any, bool) {
		if v, ok := payload[field]; ok {
			return v, true
		}
		v, ok := batchFields[field]
		return v, ok
	}

	if !has("days_in_clonator") {
		start, okStart := dateValue(batchFields["germination_date"])
		endRaw, _ := get("hardening_date")
		end, okEnd := dateValue(endRaw)
		if okStart && okEnd && !end.Before(start) {
			out["days_in_clonator"] = math.Floor(end.Sub(start).Hours() / 24)
		}
	}

	if !has("hardening_number_clones") {
		total, okTotal := numberValue(batchFields["total_clones_plants"])
		if okTotal {
			mortalities := 0.0
			if raw, ok := get("clonator_mortalities"); ok {
				if m, okM := numberValue(raw); okM {
					mortalities = m
				}
			}
			remaining := total - mortalities
			if remaining < 0 {
				remaining = 0
			}
			out["hardening_number_clones"] = remaining
		}
	}

	return out
}

// numberValue coerces JSON-shaped values to float64.
func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// dateValue parses a field as a calendar date, accepting bare dates
// and RFC3339 timestamps.
func dateValue(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Truncate(24 * time.Hour), true
	}
	return time.Time{}, false
}
