// Package richcatalog provides a small, JSON-serializable PostgreSQL schema
// introspector used by the admin tooling to dump the tables, columns and
// primary keys of a database. It does not report which tables carry a
// pg-realtime trigger.
//
// Usage
//
//	cat, _ := richcatalog.New(db, richcatalog.Options{Schemas: []string{"public"}})
//	if err := cat.Refresh(context.Background()); err != nil { ... }
//	cols, _ := cat.Columns("public.orders")
//	pks, _  := cat.PrimaryKeys("public.orders")
package richcatalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Catalog is the minimal interface other packages depend on.
type Catalog interface {
	Columns(qualified string) ([]string, bool)
	PrimaryKeys(qualified string) ([]string, bool)
}

// Options configures what Refresh introspects.
type Options struct {
	// Schemas to include. If empty, all non-system schemas are included.
	Schemas []string
}

// Snapshot is the JSON-ready view of a Refresh.
type Snapshot struct {
	Schemas     []Schema          `json:"schemas"`
	byTable     map[string]*Table `json:"-"`
	Checksum    string            `json:"checksum"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

type Schema struct {
	Name   string  `json:"name"`
	Tables []Table `json:"tables"`
}

type Table struct {
	Schema  string   `json:"schema"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
	PK      []string `json:"primaryKey,omitempty"`
}

type Column struct {
	Name    string `json:"name"`
	Ordinal int    `json:"ordinal"`
	Type    string `json:"type"`
	NotNull bool   `json:"notNull"`
}

// DBCatalog is a thread-safe, refreshable catalog backed by a live connection.
type DBCatalog struct {
	opt Options
	db  *sql.DB

	mu   sync.RWMutex
	snap Snapshot
}

func New(db *sql.DB, opt Options) (*DBCatalog, error) {
	return &DBCatalog{db: db, opt: opt}, nil
}

// Snapshot returns the latest introspected snapshot.
func (c *DBCatalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Columns implements Catalog.
func (c *DBCatalog) Columns(qualified string) ([]string, bool) {
	t, ok := c.lookupTable(qualified)
	if !ok {
		return nil, false
	}
	cols := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		cols[i] = col.Name
	}
	return cols, true
}

// PrimaryKeys implements Catalog.
func (c *DBCatalog) PrimaryKeys(qualified string) ([]string, bool) {
	t, ok := c.lookupTable(qualified)
	if !ok {
		return nil, false
	}
	return append([]string(nil), t.PK...), true
}

func (c *DBCatalog) lookupTable(qualified string) (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap.byTable == nil {
		return nil, false
	}
	t, ok := c.snap.byTable[qual(qualified)]
	return t, ok
}

// Refresh re-introspects the database and swaps in the new snapshot if its
// checksum changed.
func (c *DBCatalog) Refresh(ctx context.Context) error {
	snap, err := c.introspect(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.Checksum != c.snap.Checksum {
		c.snap = snap
	}
	return nil
}

func (c *DBCatalog) introspect(ctx context.Context) (Snapshot, error) {
	filter := "WHERE n.nspname NOT IN ('pg_catalog','information_schema','pg_toast')"
	if len(c.opt.Schemas) > 0 {
		qs := make([]string, len(c.opt.Schemas))
		for i, s := range c.opt.Schemas {
			qs[i] = fmt.Sprintf("'%s'", strings.ReplaceAll(s, "'", "''"))
		}
		filter = "WHERE n.nspname IN (" + strings.Join(qs, ",") + ")"
	}

	q := fmt.Sprintf(`
WITH schemas AS (
  SELECT n.oid AS nspoid, n.nspname
  FROM pg_catalog.pg_namespace n
  %s
),
base_tables AS (
  SELECT c.oid AS relid, c.relname, s.nspname
  FROM pg_catalog.pg_class c
  JOIN schemas s ON s.nspoid = c.relnamespace
  WHERE c.relkind IN ('r','p')
),
pk_cols AS (
  SELECT b.relid,
         array_agg(a.attname ORDER BY k.ord) AS cols
  FROM base_tables b
  JOIN pg_catalog.pg_index i ON i.indrelid = b.relid AND i.indisprimary
  JOIN unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
  JOIN pg_catalog.pg_attribute a ON a.attrelid = b.relid AND a.attnum = k.attnum
  GROUP BY b.relid
)
SELECT b.nspname, b.relname, a.attnum, a.attname,
       pg_catalog.format_type(a.atttypid, a.atttypmod), a.attnotnull,
       COALESCE(pk.cols, '{}')
FROM base_tables b
JOIN pg_catalog.pg_attribute a ON a.attrelid = b.relid AND a.attnum > 0 AND NOT a.attisdropped
LEFT JOIN pk_cols pk ON pk.relid = b.relid
ORDER BY b.nspname, b.relname, a.attnum`, filter)

	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return Snapshot{}, fmt.Errorf("introspect schema: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]*Table)
	var order []string

	for rows.Next() {
		var nsp, rel, attname, typ string
		var attnum int
		var notnull bool
		var pk pqStringArray

		if err := rows.Scan(&nsp, &rel, &attnum, &attname, &typ, &notnull, &pk); err != nil {
			return Snapshot{}, fmt.Errorf("scan column row: %w", err)
		}

		key := nsp + "." + rel
		t, ok := tables[key]
		if !ok {
			t = &Table{Schema: nsp, Name: rel, PK: []string(pk)}
			tables[key] = t
			order = append(order, key)
		}
		t.Columns = append(t.Columns, Column{Name: attname, Ordinal: attnum, Type: typ, NotNull: notnull})
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	sort.Strings(order)
	bySchema := make(map[string]*Schema)
	var schemaOrder []string
	byTable := make(map[string]*Table, len(tables))
	for _, key := range order {
		t := tables[key]
		byTable[key] = t
		sc, ok := bySchema[t.Schema]
		if !ok {
			sc = &Schema{Name: t.Schema}
			bySchema[t.Schema] = sc
			schemaOrder = append(schemaOrder, t.Schema)
		}
		sc.Tables = append(sc.Tables, *t)
	}
	sort.Strings(schemaOrder)
	schemas := make([]Schema, 0, len(schemaOrder))
	for _, name := range schemaOrder {
		schemas = append(schemas, *bySchema[name])
	}

	b, _ := json.Marshal(schemas)
	sum := sha256.Sum256(b)
	return Snapshot{
		Schemas:     schemas,
		byTable:     byTable,
		Checksum:    hex.EncodeToString(sum[:]),
		GeneratedAt: time.Now(),
	}, nil
}

func qual(s string) string {
	if strings.Contains(s, ".") {
		return s
	}
	return "public." + s
}

// pqStringArray scans a Postgres text[] literal ("{a,b}") without pulling in
// an array-aware driver.
type pqStringArray []string

func (a *pqStringArray) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("unsupported array source type %T", src)
	}
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimSuffix(s, "}"), "{")
	if s == "" {
		*a = nil
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.Trim(strings.TrimSpace(p), `"`))
	}
	*a = out
	return nil
}

// Summary is a compact JSON payload for admin/status endpoints.
type Summary struct {
	Checksum string   `json:"checksum"`
	Schemas  []string `json:"schemas"`
}

func (c *DBCatalog) Summary() Summary {
	s := c.Snapshot()
	names := make([]string, len(s.Schemas))
	for i := range s.Schemas {
		names[i] = s.Schemas[i].Name
	}
	return Summary{Checksum: s.Checksum, Schemas: names}
}
