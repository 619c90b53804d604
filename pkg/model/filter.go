package model

import (
	"fmt"
	"strings"
)

type Filters []Filter

// Filter represents a query filter
type Filter struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// Match evaluates all filters against a document. System fields are addressed
// as "id", "deleted", "updatedAt" and "revision"; everything else is looked up
// in the document data, with dots descending into nested maps.
func (fs Filters) Match(doc *Document) (bool, error) {
	if doc == nil {
		return false, nil
	}
	for _, f := range fs {
		ok, err := f.match(doc)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (f Filter) match(doc *Document) (bool, error) {
	actual, found := fieldValue(doc, f.Field)

	switch f.Op {
	case "==":
		return found && compareValues(actual, f.Value) == 0, nil
	case "!=":
		return !found || compareValues(actual, f.Value) != 0, nil
	case "<":
		return found && compareValues(actual, f.Value) < 0, nil
	case "<=":
		return found && compareValues(actual, f.Value) <= 0, nil
	case ">":
		return found && compareValues(actual, f.Value) > 0, nil
	case ">=":
		return found && compareValues(actual, f.Value) >= 0, nil
	case "exists":
		want, _ := f.Value.(bool)
		return found == want, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Op)
	}
}

func fieldValue(doc *Document, field string) (interface{}, bool) {
	switch field {
	case "id":
		return doc.Id, true
	case "deleted":
		return doc.Deleted, true
	case "updatedAt":
		return doc.UpdatedAt, true
	case "revision":
		return doc.Revision, true
	}

	var cur interface{} = doc.Data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// compareValues orders two scalar values. Numbers compare numerically across
// int/int64/float64, strings and bools lexically. Mismatched types fall back
// to comparing their string forms so the result is at least deterministic.
func compareValues(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}

	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
