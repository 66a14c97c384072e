package multiplex

import (
	"fmt"
	"strconv"
)

// Filter restricts a subscription to rows whose Column equals Value.
type Filter struct {
	Column string
	Value  any
}

// Eq builds an equality filter.
func Eq(column string, value any) *Filter {
	return &Filter{Column: column, Value: value}
}

// String renders the filter in column=eq.value form. A nil filter renders
// as the empty string.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s=eq.%v", f.Column, f.Value)
}

// Matches reports whether row satisfies the filter. A nil filter matches
// everything; a missing column never matches. Numbers compare by value so
// a filter on 7 matches a JSON-decoded 7.0.
func (f *Filter) Matches(row map[string]any) bool {
	if f == nil {
		return true
	}
	got, ok := row[f.Column]
	if !ok {
		return false
	}
	if a, okA := asFloat(got); okA {
		if b, okB := asFloat(f.Value); okB {
			return a == b
		}
	}
	return fmt.Sprint(got) == fmt.Sprint(f.Value)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
