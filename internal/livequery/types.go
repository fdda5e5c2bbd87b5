// Package livequery implements live queries over PostgreSQL: a caller
// registers a SQL query and gets back a handle whose value is the current
// result of that query, kept fresh by LISTEN/NOTIFY-driven triggers rather
// than WAL decoding.
package livequery

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/pgrealtime/pgrealtime/internal/common"
)

// DBTX is the subset of *sql.DB (or *sql.Tx) a subscription needs to run its
// query. Callers supply their own connection, separate from the listener's.
type DBTX interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// WatchSpec is the (tables, columns-by-table) derivation of a query,
// computed once at subscribe time and immutable thereafter.
type WatchSpec struct {
	Tables  map[common.QualifiedTable]struct{}
	Columns map[common.QualifiedTable]map[string]struct{}
}

func newWatchSpec() *WatchSpec {
	return &WatchSpec{
		Tables:  make(map[common.QualifiedTable]struct{}),
		Columns: make(map[common.QualifiedTable]map[string]struct{}),
	}
}

func (w *WatchSpec) addColumn(t common.QualifiedTable, col string) {
	w.Tables[t] = struct{}{}
	cols, ok := w.Columns[t]
	if !ok {
		cols = make(map[string]struct{})
		w.Columns[t] = cols
	}
	cols[col] = struct{}{}
}

// Change is a decoded notification for a single row mutation.
type Change struct {
	Table     common.QualifiedTable
	Operation Operation
	// Row is the post-image for INSERT/UPDATE, pre-image for DELETE.
	Row map[string]any
	// Changes maps column -> (old, new). For INSERT old is nil for every
	// column; for DELETE new is nil; for UPDATE only columns whose text form
	// actually changed are present.
	Changes map[string][2]any
	// Hashed is the set of columns in Row whose value is a SHA-256 hex
	// digest rather than the real value, because it exceeded the
	// server-side size threshold.
	Hashed map[string]struct{}
}

type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Matcher is a filter-map value: either a literal (possibly nil) or a
// reference to a column of the subscription's current result.
type Matcher interface{ isMatcher() }

type Literal struct{ Value any }

func (Literal) isMatcher() {}

type ResultColumn struct{ Column string }

func (ResultColumn) isMatcher() {}

// Decision is the result of invoking a Predicate refresh policy.
type Decision int

const (
	// DecisionFalse suppresses the refresh.
	DecisionFalse Decision = iota
	// DecisionTrue forces a refresh.
	DecisionTrue
	// DecisionFallbackToTrackedColumns defers to the tracked-column gate's
	// result, which has already passed by the time the predicate runs.
	DecisionFallbackToTrackedColumns
)

// PredicateFunc is the caller-supplied refresh policy function.
type PredicateFunc func(ctx context.Context, conn DBTX, current any, change Change) (Decision, error)

// Policy is the per-subscription refresh decision policy: Default,
// FilterMap or Predicate.
type Policy interface{ isPolicy() }

// DefaultPolicy refreshes whenever the tracked-column gate passes.
type DefaultPolicy struct{}

func (DefaultPolicy) isPolicy() {}

// FilterMapPolicy refreshes when, for a table present in Filters, at least
// one (column, matcher) pair's filter-set intersects the notification's
// candidate values for that column.
type FilterMapPolicy struct {
	Filters map[common.QualifiedTable]map[string]Matcher
}

func (FilterMapPolicy) isPolicy() {}

// PredicatePolicy defers the decision to a caller-supplied function.
type PredicatePolicy struct {
	Fn PredicateFunc
}

func (PredicatePolicy) isPolicy() {}

// ErrorHandler is invoked, non-blockingly from the caller's perspective,
// whenever a subscription's refresh query fails.
type ErrorHandler func(err error, query string)

// SubscribeOptions configures a single subscribe call.
type SubscribeOptions struct {
	// Args are positional parameters passed to every execution of Query.
	Args []any
	// ThrottleMS is the leading+trailing coalescing window. Default 500.
	ThrottleMS int
	// Refresh is the refresh-decision policy. Default is DefaultPolicy{}.
	Refresh Policy
	// OnError receives query-execution failures for this subscription. If
	// nil, the system-wide error handler is used.
	OnError ErrorHandler
}

// resultHolder exposes atomic read/write of the current query result plus
// the digest of the last published value, and fans out change notifications
// to registered watchers.
type resultHolder struct {
	value atomic.Value // holds *resultBox

	mu       sync.Mutex
	watchers map[string]func(old, new any)
}

type resultBox struct {
	rows []map[string]any
	hash string
}

func newResultHolder() *resultHolder {
	h := &resultHolder{watchers: make(map[string]func(old, new any))}
	h.value.Store(&resultBox{})
	return h
}

func (h *resultHolder) current() []map[string]any {
	return h.value.Load().(*resultBox).rows
}

func (h *resultHolder) lastHash() string {
	return h.value.Load().(*resultBox).hash
}

// publish installs rows as the current result iff its hash differs from the
// last published hash, and notifies watchers with the (old, new) pair. It
// returns true if the value actually changed.
func (h *resultHolder) publish(rows []map[string]any, hash string) bool {
	old := h.value.Load().(*resultBox)
	if old.hash == hash {
		return false
	}
	h.value.Store(&resultBox{rows: rows, hash: hash})

	h.mu.Lock()
	watchers := make([]func(old, new any), 0, len(h.watchers))
	for _, w := range h.watchers {
		watchers = append(watchers, w)
	}
	h.mu.Unlock()

	for _, w := range watchers {
		w(old.rows, rows)
	}
	return true
}

func (h *resultHolder) watch(key string, fn func(old, new any)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchers[key] = fn
}

func (h *resultHolder) unwatch(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers, key)
}

// Handle is what Subscribe returns: a caller-facing view of a subscription's
// live result.
type Handle struct {
	id      string
	holder  *resultHolder
	sub     *subscription
}

// ID returns the subscription id this handle was created with.
func (h *Handle) ID() string { return h.id }

// Current synchronously reads the current query result.
func (h *Handle) Current() []map[string]any { return h.holder.current() }

// Watch registers a callback invoked whenever the result changes under a
// value-inequality test. key is caller-chosen and used by Unwatch.
func (h *Handle) Watch(key string, fn func(old, new []map[string]any)) {
	h.holder.watch(key, func(old, new any) {
		fn(old.([]map[string]any), new.([]map[string]any))
	})
}

// Unwatch removes a previously registered watcher.
func (h *Handle) Unwatch(key string) { h.holder.unwatch(key) }
