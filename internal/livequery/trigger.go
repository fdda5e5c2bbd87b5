package livequery

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/pgrealtime/pgrealtime/internal/common"
)

// installer renders and applies the per-table trigger function and trigger
// DDL. Installation is idempotent: CREATE OR REPLACE FUNCTION and a
// DROP-then-CREATE TRIGGER pair make re-subscribing to a table already
// being watched a no-op in effect.
type installer struct {
	db *sql.DB
}

func newInstaller(db *sql.DB) *installer {
	return &installer{db: db}
}

// EnsureInstalled installs a trigger for every table in tables.
// Installation is unconditional on every call, relying entirely on
// CREATE OR REPLACE FUNCTION and DROP-then-CREATE TRIGGER being cheap and
// idempotent rather than tracking which tables are already installed.
func (in *installer) EnsureInstalled(ctx context.Context, tables map[common.QualifiedTable]struct{}) error {
	for t := range tables {
		if err := in.install(ctx, t); err != nil {
			return &TriggerInstallError{Table: t.String(), Err: err}
		}
	}
	return nil
}

func (in *installer) install(ctx context.Context, t common.QualifiedTable) error {
	funcIdent := pq.QuoteIdentifier(reservedPrefix + "notify_" + t.Ident())
	triggerIdent := pq.QuoteIdentifier(reservedPrefix + "trigger_" + t.Ident())
	tableIdent := qualifiedIdent(t)
	tableRegclassLiteral := pq.QuoteLiteral(t.Key())

	fnSQL, err := renderTriggerFunction(funcIdent, tableRegclassLiteral, t.String())
	if err != nil {
		return err
	}
	if _, err := in.db.ExecContext(ctx, fnSQL); err != nil {
		return fmt.Errorf("create trigger function: %w", err)
	}

	ddlSQL, err := renderTriggerDDL(triggerIdent, tableIdent, funcIdent)
	if err != nil {
		return err
	}
	if _, err := in.db.ExecContext(ctx, ddlSQL); err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}
	return nil
}

// qualifiedIdent renders t as a properly quoted, schema-qualified
// identifier suitable for DDL (as opposed to t.String(), which is the
// display form used in notifications and error messages).
func qualifiedIdent(t common.QualifiedTable) string {
	if t.Schema == "" || t.Schema == common.PublicSchema {
		return pq.QuoteIdentifier(t.Name)
	}
	return pq.QuoteIdentifier(t.Schema) + "." + pq.QuoteIdentifier(t.Name)
}

// DestroyObjects drops every trigger, function, and helper routine this
// package has ever installed. Intended for admin tooling use only, with the
// system stopped: it does not coordinate with a running listener/dispatcher.
func DestroyObjects(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT n.nspname, c.relname, t.tgname
		FROM pg_trigger t
		JOIN pg_class c ON c.oid = t.tgrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE t.tgname LIKE $1 AND NOT t.tgisinternal`, reservedPrefix+"trigger_%")
	if err != nil {
		return fmt.Errorf("list installed triggers: %w", err)
	}
	type target struct{ schema, table, trigger string }
	var targets []target
	for rows.Next() {
		var tg target
		if err := rows.Scan(&tg.schema, &tg.table, &tg.trigger); err != nil {
			rows.Close()
			return fmt.Errorf("scan trigger row: %w", err)
		}
		targets = append(targets, tg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate trigger rows: %w", err)
	}

	for _, tg := range targets {
		ident := pq.QuoteIdentifier(tg.schema) + "." + pq.QuoteIdentifier(tg.table)
		stmt := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", pq.QuoteIdentifier(tg.trigger), ident)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("drop trigger %s on %s: %w", tg.trigger, ident, err)
		}
	}

	funcRows, err := db.QueryContext(ctx, `
		SELECT n.nspname, p.proname
		FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		WHERE p.proname LIKE $1 OR p.proname IN ($2, $3, $4, $5)`,
		reservedPrefix+"notify_%",
		parseQueryFunctionName, reservedPrefix+"qualify", reservedPrefix+"partition_root",
		reservedPrefix+"parse_query_helper")
	if err != nil {
		return fmt.Errorf("list installed functions: %w", err)
	}
	type fn struct{ schema, name string }
	var fns []fn
	for funcRows.Next() {
		var f fn
		if err := funcRows.Scan(&f.schema, &f.name); err != nil {
			funcRows.Close()
			return fmt.Errorf("scan function row: %w", err)
		}
		fns = append(fns, f)
	}
	funcRows.Close()
	if err := funcRows.Err(); err != nil {
		return fmt.Errorf("iterate function rows: %w", err)
	}

	for _, f := range fns {
		ident := pq.QuoteIdentifier(f.schema) + "." + pq.QuoteIdentifier(f.name)
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP FUNCTION IF EXISTS %s CASCADE", ident)); err != nil {
			return fmt.Errorf("drop function %s: %w", ident, err)
		}
	}
	return nil
}
