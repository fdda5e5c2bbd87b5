package livequery

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgrealtime/pgrealtime/internal/common"
)

// analyzer derives a WatchSpec for a query by substituting its positional
// parameters with NULL and handing the resulting text to the server-side
// parse_query routine, which reports table/column dependencies from the
// catalog's own view-dependency tables rather than from a local SQL parse.
type analyzer struct{}

func newAnalyzer() *analyzer { return &analyzer{} }

// Analyze validates query's syntax locally (cheap, no round trip) and then
// asks the database what tables and columns it depends on.
func (a *analyzer) Analyze(ctx context.Context, db DBTX, query string) (*WatchSpec, error) {
	if err := validateSelect(query); err != nil {
		return nil, &AnalysisError{Query: query, Err: err}
	}

	nulled := substituteParamsWithNull(query)

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s($1)", parseQueryFunctionName), nulled)
	if err != nil {
		return nil, &AnalysisError{Query: query, Err: fmt.Errorf("invoke %s: %w", parseQueryFunctionName, err)}
	}
	defer rows.Close()

	spec := newWatchSpec()
	for rows.Next() {
		var objectType, tname string
		var cname sql.NullString
		if err := rows.Scan(&objectType, &tname, &cname); err != nil {
			return nil, &AnalysisError{Query: query, Err: fmt.Errorf("scan parse_query result: %w", err)}
		}
		qt := common.ParseQualifiedTable(tname)
		if objectType == "table" {
			spec.Tables[qt] = struct{}{}
			if _, ok := spec.Columns[qt]; !ok {
				spec.Columns[qt] = make(map[string]struct{})
			}
			continue
		}
		if cname.Valid {
			spec.addColumn(qt, cname.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &AnalysisError{Query: query, Err: fmt.Errorf("iterate parse_query result: %w", err)}
	}

	if len(spec.Tables) == 0 {
		return nil, &AnalysisError{Query: query, Err: fmt.Errorf("query does not reference any table the catalog recognizes")}
	}
	return spec, nil
}

// validateSelect rejects anything that isn't a single read-only SELECT
// before it is ever sent to the database. pg_query_go is used purely for
// this up-front syntax/statement-kind check; dependency analysis itself
// stays server-side.
func validateSelect(query string) error {
	tree, err := pg_query.Parse(query)
	if err != nil {
		return fmt.Errorf("parse SQL: %w", err)
	}
	stmts := tree.GetStmts()
	if len(stmts) != 1 {
		return fmt.Errorf("expected exactly one statement, got %d", len(stmts))
	}
	if stmts[0].GetStmt().GetSelectStmt() == nil {
		return fmt.Errorf("only SELECT queries can be subscribed to")
	}
	return nil
}

// substituteParamsWithNull replaces every $N positional parameter with NULL,
// skipping occurrences inside single-quoted string literals, double-quoted
// identifiers, and dollar-quoted strings so a literal that happens to
// contain "$1" is left untouched.
func substituteParamsWithNull(query string) string {
	var b strings.Builder
	b.Grow(len(query))

	runes := []rune(query)
	i := 0
	for i < len(runes) {
		c := runes[i]

		switch {
		case c == '\'':
			j := i + 1
			for j < len(runes) {
				if runes[j] == '\'' {
					if j+1 < len(runes) && runes[j+1] == '\'' {
						j += 2
						continue
					}
					j++
					break
				}
				j++
			}
			b.WriteString(string(runes[i:j]))
			i = j
		case c == '"':
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				j++
			}
			if j < len(runes) {
				j++
			}
			b.WriteString(string(runes[i:j]))
			i = j
		case c == '$' && i+1 < len(runes) && isDigit(runes[i+1]):
			j := i + 1
			for j < len(runes) && isDigit(runes[j]) {
				j++
			}
			b.WriteString("NULL")
			i = j
		case c == '$':
			// Possible dollar-quoted string: $tag$ ... $tag$.
			j := i + 1
			for j < len(runes) && runes[j] != '$' {
				j++
			}
			if j < len(runes) {
				tag := string(runes[i : j+1])
				end := strings.Index(string(runes[j+1:]), tag)
				if end >= 0 {
					closeIdx := j + 1 + end + len(tag)
					b.WriteString(string(runes[i:closeIdx]))
					i = closeIdx
					continue
				}
			}
			b.WriteRune(c)
			i++
		default:
			b.WriteRune(c)
			i++
		}
	}
	return b.String()
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
