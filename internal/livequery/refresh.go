package livequery

import (
	"context"
	"fmt"
)

// refreshEngine decides whether a change notification should trigger a
// re-execution of a subscription's query. The tracked-column gate always
// runs first; a policy can only narrow that decision further (FilterMap,
// Predicate) or accept it as-is (Default).
type refreshEngine struct{}

func newRefreshEngine() *refreshEngine { return &refreshEngine{} }

// Decide returns whether to refresh. A non-nil error means a
// PredicatePolicy's function failed; the decision in that case is always
// false regardless of what the policy would otherwise have produced, and
// the caller is responsible for routing the error to the subscription's
// error handler.
func (e *refreshEngine) Decide(ctx context.Context, conn DBTX, spec *WatchSpec, policy Policy, current []map[string]any, change Change) (bool, error) {
	if !trackedColumnsMatch(spec, change) {
		return false, nil
	}

	switch p := policy.(type) {
	case nil, DefaultPolicy:
		return true, nil
	case FilterMapPolicy:
		return evaluateFilterMap(p, change, current), nil
	case PredicatePolicy:
		decision, err := p.Fn(ctx, conn, current, change)
		if err != nil {
			return false, fmt.Errorf("predicate refresh policy: %w", err)
		}
		switch decision {
		case DecisionTrue:
			return true, nil
		case DecisionFalse:
			return false, nil
		case DecisionFallbackToTrackedColumns:
			return true, nil // the gate above already passed
		default:
			return false, fmt.Errorf("predicate refresh policy: unknown decision %d", decision)
		}
	default:
		return false, fmt.Errorf("unknown refresh policy %T", policy)
	}
}

// trackedColumnsMatch is the gate every policy sits behind: the
// notification must be for a table the query depends on, and either the
// query's dependency on that table is table-level (no specific columns
// recorded, e.g. SELECT count(*)) or at least one changed column is one the query
// actually reads.
func trackedColumnsMatch(spec *WatchSpec, change Change) bool {
	if _, ok := spec.Tables[change.Table]; !ok {
		return false
	}
	cols := spec.Columns[change.Table]
	if len(cols) == 0 {
		return true
	}
	for col := range change.Changes {
		if _, tracked := cols[col]; tracked {
			return true
		}
	}
	return false
}

// evaluateFilterMap refreshes when, for some column this table's filter map
// names, the notification's row/old/new value for that column is a member
// of the matcher's resolved value set. The candidate set is
// {change.Row[col]} union {new} union {old}: a column absent from Changes
// (because its value didn't change on this UPDATE) must still be checked
// against Row, or a filter keyed on an unrelated-but-watched row would
// wrongly be skipped.
func evaluateFilterMap(policy FilterMapPolicy, change Change, current []map[string]any) bool {
	colFilters, ok := policy.Filters[change.Table]
	if !ok {
		// The filter map says nothing about this table, so there is nothing
		// to narrow the tracked-column gate's decision with: behave as
		// DefaultPolicy would and refresh.
		return true
	}
	for col, matcher := range colFilters {
		values := resolveMatcherValues(matcher, current)
		if valueInSet(change.Row[col], values) {
			return true
		}
		if pair, ok := change.Changes[col]; ok {
			if valueInSet(pair[0], values) || valueInSet(pair[1], values) {
				return true
			}
		}
	}
	return false
}

// resolveMatcherValues resolves a Matcher to the concrete set of values it
// stands for. A Literal is a singleton set (possibly the nil value); a
// ResultColumn is the set of values that column currently holds across the
// subscription's own result rows, so e.g. "refresh when a changed row's
// parent_id matches any id already in my result" can be expressed without
// the caller re-deriving its own result set.
func resolveMatcherValues(m Matcher, current []map[string]any) []any {
	switch v := m.(type) {
	case Literal:
		return []any{v.Value}
	case ResultColumn:
		vals := make([]any, 0, len(current))
		for _, row := range current {
			vals = append(vals, row[v.Column])
		}
		return vals
	default:
		return nil
	}
}

func valueInSet(needle any, haystack []any) bool {
	if needle == nil {
		return false
	}
	needleStr := fmt.Sprint(needle)
	for _, v := range haystack {
		if v == nil {
			continue
		}
		if fmt.Sprint(v) == needleStr {
			return true
		}
	}
	return false
}
