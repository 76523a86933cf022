package query

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/reactor/internal/ir"
	"github.com/roach88/reactor/internal/message"
)

// View is the entity set a query is evaluated against, keyed by namespace
// and then entity id.
type View map[string]map[string]message.Entity

// Engine evaluates queries against a view.
type Engine interface {
	Evaluate(q ir.IRObject, v View) (message.QueryResult, error)
}

// NamespaceEngine selects whole namespaces with optional equality filters.
//
// A query has the shape {ns: {"$": {"where": {attr: value}, "limit": n}}}.
// Each top-level key selects a namespace; results are ordered by id.
type NamespaceEngine struct{}

// Evaluate implements Engine.
func (NamespaceEngine) Evaluate(q ir.IRObject, v View) (message.QueryResult, error) {
	if len(q) == 0 {
		return message.QueryResult{}, fmt.Errorf("empty query")
	}
	data := make(map[string][]message.Entity, len(q))
	for _, ns := range q.SortedKeys() {
		clause, ok := q[ns].(ir.IRObject)
		if !ok {
			return message.QueryResult{}, fmt.Errorf("namespace %q: expected object, got %T", ns, q[ns])
		}
		where, limit, err := parseOptions(clause)
		if err != nil {
			return message.QueryResult{}, fmt.Errorf("namespace %q: %w", ns, err)
		}

		ids := slices.Sorted(maps.Keys(v[ns]))
		out := make([]message.Entity, 0, len(ids))
		for _, id := range ids {
			e := v[ns][id]
			if !matches(e, where) {
				continue
			}
			out = append(out, maps.Clone(e))
			if limit > 0 && len(out) == limit {
				break
			}
		}
		data[ns] = out
	}
	return message.QueryResult{Data: data}, nil
}

func parseOptions(clause ir.IRObject) (ir.IRObject, int, error) {
	raw, ok := clause["$"]
	if !ok {
		return nil, 0, nil
	}
	opts, ok := raw.(ir.IRObject)
	if !ok {
		return nil, 0, fmt.Errorf(`"$" must be an object`)
	}

	var where ir.IRObject
	if w, ok := opts["where"]; ok {
		where, ok = w.(ir.IRObject)
		if !ok {
			return nil, 0, fmt.Errorf(`"where" must be an object`)
		}
	}

	limit := 0
	if l, ok := opts["limit"]; ok {
		n, ok := l.(ir.IRInt)
		if !ok || n < 0 || int64(n) > math.MaxInt32 {
			return nil, 0, fmt.Errorf(`"limit" must be a non-negative integer`)
		}
		limit = int(n)
	}
	return where, limit, nil
}

func matches(e message.Entity, where ir.IRObject) bool {
	for attr, want := range where {
		got, present := e[attr]
		if _, isNull := want.(ir.IRNull); isNull {
			if present && got != nil {
				return false
			}
			continue
		}
		if !present || !equalValue(got, ir.ToAny(want)) {
			return false
		}
	}
	return true
}

// equalValue compares an entity attribute with a query value. A list
// attribute (links) matches when it contains the value.
func equalValue(got, want any) bool {
	if list, ok := got.([]any); ok {
		if _, wantList := want.([]any); !wantList {
			for _, elem := range list {
				if equalValue(elem, want) {
					return true
				}
			}
			return false
		}
	}
	return reflect.DeepEqual(normalize(got), normalize(want))
}

// normalize folds the numeric representations produced by JSON decoding,
// CBOR decoding and Go literals into int64 where the value is integral.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n)
		}
		return n
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case json.Number:
		if !strings.ContainsAny(string(n), ".eE") {
			if i, err := n.Int64(); err == nil {
				return i
			}
		}
		if f, err := n.Float64(); err == nil {
			return normalize(f)
		}
		return string(n)
	case []any:
		out := make([]any, len(n))
		for i, elem := range n {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, elem := range n {
			out[k] = normalize(elem)
		}
		return out
	default:
		return v
	}
}
