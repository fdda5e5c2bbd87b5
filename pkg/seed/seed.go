// Package seed generates deterministic fixture rows for integration tests:
// go-faker fills struct fields tagged `faker:"..."`, with its random source
// (and, through pkg/prng, its crypto source) seeded from the caller's seed
// so the same seed always produces the same row, and a small
// reflect-based helper turns the struct into an INSERT statement using its
// `db:"..."` tags.
package seed

import (
	"context"
	"database/sql"
	"fmt"
	mathrand "math/rand"
	"reflect"
	"strings"

	faker "github.com/go-faker/faker/v4"

	"github.com/pgrealtime/pgrealtime/pkg/prng"
)

// Generate fills dst (a pointer to a struct tagged with `faker:"..."`) with
// deterministic fake data. The same seed always produces the same values,
// which is what lets integration tests assert on exact fixture content.
func Generate(seedValue int64, dst any) error {
	faker.SetRandomSource(faker.NewSafeSource(mathrand.NewSource(seedValue)))
	faker.SetCryptoSource(prng.New(seedValue))
	return faker.FakeData(dst)
}

// Inserter is the subset of *sql.DB / *sql.Tx an Insert call needs.
type Inserter interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Insert builds and runs an INSERT ... RETURNING id statement for v's
// `db:"..."` tagged fields and scans the returned id into id.
func Insert(ctx context.Context, db Inserter, table string, v any, id *int64) error {
	stmt, args := InsertSQL(table, v)
	if err := db.QueryRowContext(ctx, stmt, args...).Scan(id); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// InsertSQL renders "INSERT INTO table (...) VALUES (...) RETURNING id"
// for v's exported fields carrying a `db:"column"` tag, skipping any tagged
// `db:"-"` or `db:"...,autoinc"`.
func InsertSQL(table string, v any) (string, []any) {
	cols, vals := columnsAndValues(v)

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)
	return stmt, vals
}

func columnsAndValues(v any) (cols []string, vals []any) {
	rv := reflect.ValueOf(v)
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("db")
		if tag == "" {
			continue
		}
		parts := strings.Split(tag, ",")
		col := parts[0]
		if col == "-" {
			continue
		}
		if len(parts) > 1 && strings.Contains(tag, "autoinc") {
			continue
		}
		cols = append(cols, col)
		vals = append(vals, rv.Field(i).Interface())
	}
	return
}
