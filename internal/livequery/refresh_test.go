package livequery

import (
	"context"
	"errors"
	"testing"

	"github.com/pgrealtime/pgrealtime/internal/common"
)

var errFake = errors.New("predicate failed")

func mustSpec(table string, cols ...string) *WatchSpec {
	qt := common.ParseQualifiedTable(table)
	spec := newWatchSpec()
	spec.Tables[qt] = struct{}{}
	for _, c := range cols {
		spec.addColumn(qt, c)
	}
	return spec
}

func TestTrackedColumnGate(t *testing.T) {
	spec := mustSpec("public.users", "id", "email")
	change := Change{
		Table:     common.ParseQualifiedTable("public.users"),
		Operation: OpUpdate,
		Changes:   map[string][2]any{"avatar_url": {"old.png", "new.png"}},
	}

	e := newRefreshEngine()
	refresh, err := e.Decide(context.Background(), nil, spec, DefaultPolicy{}, nil, change)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if refresh {
		t.Fatal("expected no refresh: mutation only touched an untracked column")
	}
}

func TestTrackedColumnGatePassesOnTrackedColumn(t *testing.T) {
	spec := mustSpec("public.users", "id", "email")
	change := Change{
		Table:     common.ParseQualifiedTable("public.users"),
		Operation: OpUpdate,
		Changes:   map[string][2]any{"email": {"a@x.com", "b@x.com"}},
	}

	e := newRefreshEngine()
	refresh, err := e.Decide(context.Background(), nil, spec, DefaultPolicy{}, nil, change)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !refresh {
		t.Fatal("expected refresh: mutation touched a tracked column")
	}
}

func TestFilterMapLiteralIntersection(t *testing.T) {
	spec := mustSpec("public.orders", "id", "status")
	policy := FilterMapPolicy{
		Filters: map[common.QualifiedTable]map[string]Matcher{
			common.ParseQualifiedTable("public.orders"): {
				"status": Literal{Value: "pending"},
			},
		},
	}
	change := Change{
		Table:     common.ParseQualifiedTable("public.orders"),
		Operation: OpUpdate,
		Changes:   map[string][2]any{"status": {"pending", "shipped"}},
	}

	e := newRefreshEngine()
	refresh, err := e.Decide(context.Background(), nil, spec, policy, nil, change)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !refresh {
		t.Fatal("expected refresh: old value matched the literal filter")
	}
}

func TestFilterMapResultReference(t *testing.T) {
	spec := mustSpec("public.items", "id", "order_id")
	policy := FilterMapPolicy{
		Filters: map[common.QualifiedTable]map[string]Matcher{
			common.ParseQualifiedTable("public.items"): {
				"order_id": ResultColumn{Column: "id"},
			},
		},
	}
	current := []map[string]any{{"id": int64(1)}, {"id": int64(2)}}

	matching := Change{
		Table:     common.ParseQualifiedTable("public.items"),
		Operation: OpInsert,
		Changes:   map[string][2]any{"order_id": {nil, int64(2)}},
	}
	nonMatching := Change{
		Table:     common.ParseQualifiedTable("public.items"),
		Operation: OpInsert,
		Changes:   map[string][2]any{"order_id": {nil, int64(99)}},
	}

	e := newRefreshEngine()

	refresh, err := e.Decide(context.Background(), nil, spec, policy, current, matching)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !refresh {
		t.Fatal("expected refresh: order_id=2 matches a current result row")
	}

	refresh, err = e.Decide(context.Background(), nil, spec, policy, current, nonMatching)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if refresh {
		t.Fatal("expected no refresh: order_id=99 matches no current result row")
	}
}

func TestFilterMapMatchesUnchangedRowValue(t *testing.T) {
	spec := mustSpec("public.orders", "id", "status", "total_cents")
	policy := FilterMapPolicy{
		Filters: map[common.QualifiedTable]map[string]Matcher{
			common.ParseQualifiedTable("public.orders"): {
				"status": Literal{Value: "pending"},
			},
		},
	}
	// total_cents changed (passes the tracked-column gate) but status did
	// not, so the trigger omitted it from Changes; it's still present in
	// Row and must be checked there.
	change := Change{
		Table:     common.ParseQualifiedTable("public.orders"),
		Operation: OpUpdate,
		Row:       map[string]any{"id": int64(1), "status": "pending", "total_cents": int64(500)},
		Changes:   map[string][2]any{"total_cents": {int64(400), int64(500)}},
	}

	e := newRefreshEngine()
	refresh, err := e.Decide(context.Background(), nil, spec, policy, nil, change)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !refresh {
		t.Fatal("expected refresh: row's unchanged status still matches the literal filter")
	}
}

func TestFilterMapDefaultsToRefreshWhenTableNotInFilterMap(t *testing.T) {
	spec := mustSpec("public.items", "id", "name")
	policy := FilterMapPolicy{
		Filters: map[common.QualifiedTable]map[string]Matcher{
			common.ParseQualifiedTable("public.orders"): {
				"status": Literal{Value: "pending"},
			},
		},
	}
	change := Change{
		Table:     common.ParseQualifiedTable("public.items"),
		Operation: OpUpdate,
		Changes:   map[string][2]any{"name": {"old", "new"}},
	}

	e := newRefreshEngine()
	refresh, err := e.Decide(context.Background(), nil, spec, policy, nil, change)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !refresh {
		t.Fatal("a table absent from the filter map must default to refresh")
	}
}

func TestFilterMapResultReferenceEmptyResultNeverMatches(t *testing.T) {
	spec := mustSpec("public.items", "id", "order_id")
	policy := FilterMapPolicy{
		Filters: map[common.QualifiedTable]map[string]Matcher{
			common.ParseQualifiedTable("public.items"): {
				"order_id": ResultColumn{Column: "id"},
			},
		},
	}
	change := Change{
		Table:     common.ParseQualifiedTable("public.items"),
		Operation: OpInsert,
		Changes:   map[string][2]any{"order_id": {nil, int64(2)}},
	}

	e := newRefreshEngine()
	refresh, err := e.Decide(context.Background(), nil, spec, policy, nil, change)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if refresh {
		t.Fatal("an empty result set must never match a result-reference matcher")
	}
}

func TestPredicatePolicyDecisions(t *testing.T) {
	spec := mustSpec("public.users", "id")
	change := Change{
		Table:     common.ParseQualifiedTable("public.users"),
		Operation: OpUpdate,
		Changes:   map[string][2]any{"id": {int64(1), int64(1)}},
	}
	e := newRefreshEngine()

	cases := []struct {
		name     string
		decision Decision
		want     bool
	}{
		{"true forces refresh", DecisionTrue, true},
		{"false suppresses refresh", DecisionFalse, false},
		{"fallback defers to gate which already passed", DecisionFallbackToTrackedColumns, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy := PredicatePolicy{Fn: func(ctx context.Context, conn DBTX, current any, ch Change) (Decision, error) {
				return tc.decision, nil
			}}
			refresh, err := e.Decide(context.Background(), nil, spec, policy, nil, change)
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if refresh != tc.want {
				t.Fatalf("decision %v: got refresh=%v, want %v", tc.decision, refresh, tc.want)
			}
		})
	}
}

func TestPredicatePolicyErrorSuppressesRefresh(t *testing.T) {
	spec := mustSpec("public.users", "id")
	change := Change{
		Table:     common.ParseQualifiedTable("public.users"),
		Operation: OpUpdate,
		Changes:   map[string][2]any{"id": {int64(1), int64(1)}},
	}
	policy := PredicatePolicy{Fn: func(ctx context.Context, conn DBTX, current any, ch Change) (Decision, error) {
		return DecisionTrue, errFake
	}}

	e := newRefreshEngine()
	refresh, err := e.Decide(context.Background(), nil, spec, policy, nil, change)
	if err == nil {
		t.Fatal("expected an error from the failing predicate")
	}
	if refresh {
		t.Fatal("a failing predicate must never force a refresh")
	}
}
