package livequery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pgrealtime/pgrealtime/internal/common"
)

const defaultThrottleMS = 500

// subscription is one caller-registered live query: its text, its derived
// dependencies, its current result, and the machinery (throttle, refresh
// policy) that keeps the result current.
type subscription struct {
	id    string
	query string
	args  []any
	db    DBTX
	spec  *WatchSpec

	policy  Policy
	onError ErrorHandler

	holder   *resultHolder
	throttle *throttler

	log *zap.Logger
}

// runQuery executes the subscription's query against its own connection and
// returns the result as a slice of column-name-keyed rows plus a stable
// hash of that result, used to suppress no-op publishes.
func (s *subscription) runQuery(ctx context.Context) ([]map[string]any, string, error) {
	rows, err := s.db.QueryContext(ctx, s.query, s.args...)
	if err != nil {
		return nil, "", &QueryExecutionError{Query: s.query, Err: err}
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, "", &QueryExecutionError{Query: s.query, Err: err}
	}
	if err := rows.Err(); err != nil {
		return nil, "", &QueryExecutionError{Query: s.query, Err: err}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, "", &QueryExecutionError{Query: s.query, Err: fmt.Errorf("hash result: %w", err)}
	}
	return result, common.HashBytes(encoded), nil
}

// refreshNow re-runs the query and publishes the result if it changed. It
// is the function handed to the subscription's throttler, so every actual
// call to refreshNow already passed through the leading/trailing coalescing
// window.
func (s *subscription) refreshNow() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, hash, err := s.runQuery(ctx)
	if err != nil {
		s.reportError(err)
		return
	}
	s.holder.publish(rows, hash)
}

func (s *subscription) reportError(err error) {
	if s.onError != nil {
		s.onError(err, s.query)
		return
	}
	s.log.Error("subscription refresh failed", zap.String("id", s.id), zap.Error(err))
}

// scanRows materializes all rows as column-name-keyed maps using a fully
// generic destination scan, so it works for any query shape without the
// caller declaring a struct.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, nil
}

// registry tracks every live subscription by id and supports the
// dispatcher's need to iterate all of them on every notification.
type registry struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*subscription)}
}

func (r *registry) put(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.id] = sub
}

func (r *registry) get(id string) (*subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	return s, ok
}

// remove deletes and returns the subscription so the caller can close its
// throttler outside the registry lock.
func (r *registry) remove(id string) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	return s, ok
}

// snapshot returns a stable slice of all current subscriptions for the
// dispatcher to scan; it never holds the registry lock while evaluating
// refresh policies.
func (r *registry) snapshot() []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
