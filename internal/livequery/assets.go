package livequery

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/lib/pq"
)

// Channel is the single fixed LISTEN/NOTIFY channel every installed trigger
// notifies on.
const Channel = "_pg_realtime_table_changes"

// reservedPrefix namespaces every database object this package owns.
const reservedPrefix = "_pg_realtime_"

// parseQueryFunctionName is the server-side routine the analyzer calls to
// derive a query's table/column dependencies via the catalog's
// view-dependency tables.
const parseQueryFunctionName = reservedPrefix + "parse_query"

// installParseQuerySQL creates (or replaces) the parse-query routine. It
// builds a temporary view over the caller's query, reads
// information_schema.view_table_usage/view_column_usage for that view, and
// collapses partition children to their parent relation.
const installParseQuerySQL = `
CREATE OR REPLACE FUNCTION ` + parseQueryFunctionName + `(query text)
RETURNS TABLE(object_type text, tname text, cname text)
LANGUAGE plpgsql
AS $fn$
DECLARE
    tmp_view text := '` + reservedPrefix + `tmp_' || replace(gen_random_uuid()::text, '-', '');
    tmp_schema text;
BEGIN
    EXECUTE format('CREATE TEMPORARY VIEW %I AS %s', tmp_view, query);
    SELECT nspname INTO tmp_schema FROM pg_catalog.pg_namespace WHERE oid = pg_catalog.pg_my_temp_schema();

    CREATE TEMPORARY TABLE IF NOT EXISTS ` + reservedPrefix + `parse_result (
        object_type text, tname text, cname text
    ) ON COMMIT DROP;
    DELETE FROM ` + reservedPrefix + `parse_result;

    INSERT INTO ` + reservedPrefix + `parse_result
    SELECT DISTINCT 'table', ` + reservedPrefix + `qualify(ancestor_ns.nspname, ancestor.relname), NULL
    FROM information_schema.view_table_usage vtu
    JOIN pg_catalog.pg_class base_cls
        ON base_cls.relname = vtu.table_name
    JOIN pg_catalog.pg_namespace base_ns
        ON base_ns.oid = base_cls.relnamespace AND base_ns.nspname = vtu.table_schema
    CROSS JOIN LATERAL ` + reservedPrefix + `partition_root(base_cls.oid) AS root_oid
    JOIN pg_catalog.pg_class ancestor ON ancestor.oid = root_oid
    JOIN pg_catalog.pg_namespace ancestor_ns ON ancestor_ns.oid = ancestor.relnamespace
    WHERE vtu.view_name = tmp_view AND vtu.view_schema = tmp_schema;

    INSERT INTO ` + reservedPrefix + `parse_result
    SELECT DISTINCT 'column', ` + reservedPrefix + `qualify(ancestor_ns.nspname, ancestor.relname), vcu.column_name
    FROM information_schema.view_column_usage vcu
    JOIN pg_catalog.pg_class base_cls
        ON base_cls.relname = vcu.table_name
    JOIN pg_catalog.pg_namespace base_ns
        ON base_ns.oid = base_cls.relnamespace AND base_ns.nspname = vcu.table_schema
    CROSS JOIN LATERAL ` + reservedPrefix + `partition_root(base_cls.oid) AS root_oid
    JOIN pg_catalog.pg_class ancestor ON ancestor.oid = root_oid
    JOIN pg_catalog.pg_namespace ancestor_ns ON ancestor_ns.oid = ancestor.relnamespace
    WHERE vcu.view_name = tmp_view AND vcu.view_schema = tmp_schema;

    EXECUTE format('DROP VIEW IF EXISTS %I', tmp_view);

    RETURN QUERY SELECT * FROM ` + reservedPrefix + `parse_result;
EXCEPTION WHEN OTHERS THEN
    EXECUTE format('DROP VIEW IF EXISTS %I', tmp_view);
    RAISE;
END;
$fn$;
`

// installQualifyHelperSQL renders "schema.name", or the bare name when
// schema is public — the one piece of naming policy shared between the
// server-side routine and this package's own Go-side rendering
// (common.QualifiedTable.String).
const installQualifyHelperSQL = `
CREATE OR REPLACE FUNCTION ` + reservedPrefix + `qualify(schema text, tname text) RETURNS text
LANGUAGE sql IMMUTABLE AS $$
    SELECT CASE WHEN schema = 'public' THEN tname ELSE schema || '.' || tname END;
$$;
`

// installPartitionRootHelperSQL walks pg_inherits until it finds a relation
// that is not itself a partition, so parse_query always reports the parent
// of a partitioned table rather than the child that happened to be touched.
const installPartitionRootHelperSQL = `
CREATE OR REPLACE FUNCTION ` + reservedPrefix + `partition_root(rel oid) RETURNS oid
LANGUAGE sql STABLE AS $$
    WITH RECURSIVE up(oid, is_partition) AS (
        SELECT rel, EXISTS (SELECT 1 FROM pg_catalog.pg_class c WHERE c.oid = rel AND c.relispartition)
        UNION ALL
        SELECT i.inhparent, EXISTS (SELECT 1 FROM pg_catalog.pg_class c WHERE c.oid = i.inhparent AND c.relispartition)
        FROM pg_catalog.pg_inherits i
        JOIN up ON up.oid = i.inhrelid AND up.is_partition
    )
    SELECT oid FROM up ORDER BY is_partition ASC, oid LIMIT 1;
$$;
`

// perColumnHashThreshold is the textual-length threshold (bytes) above which
// a single column's value is replaced by its SHA-256 hex digest.
const perColumnHashThreshold = 5000

// envelopeSizeCeiling is the target serialized-envelope size (bytes) the
// degradation loop tries to stay under, safely below Postgres' 8KB NOTIFY
// payload limit.
const envelopeSizeCeiling = 7500

// degradationEligibilityThreshold is the minimum un-hashed value length
// (bytes) a column must have to be a candidate for size-driven degradation.
const degradationEligibilityThreshold = 64

var triggerFunctionTemplate = template.Must(template.New("trigger-fn").Parse(`
CREATE OR REPLACE FUNCTION {{.FuncIdent}}() RETURNS trigger
LANGUAGE plpgsql
AS $fn$
DECLARE
    col          record;
    new_val      text;
    old_val      text;
    row_obj      jsonb := '{}'::jsonb;
    old_obj      jsonb := '{}'::jsonb;
    hashed_cols  text[] := ARRAY[]::text[];
    envelope     jsonb;
    text_oid     oid := 'text'::regtype::oid;
    worst_col    text;
    worst_len    int;
BEGIN
    FOR col IN
        SELECT a.attname, a.atttypid
        FROM pg_catalog.pg_attribute a
        WHERE a.attrelid = {{.TableLiteral}}::regclass
          AND a.attnum > 0
          AND NOT a.attisdropped
        ORDER BY a.attnum
    LOOP
        new_val := NULL;
        old_val := NULL;

        IF TG_OP IN ('INSERT', 'UPDATE') THEN
            EXECUTE format('SELECT ($1).%I::text', col.attname) INTO new_val USING NEW;
        END IF;
        IF TG_OP IN ('UPDATE', 'DELETE') THEN
            EXECUTE format('SELECT ($1).%I::text', col.attname) INTO old_val USING OLD;
        END IF;

        IF new_val IS NOT NULL AND length(new_val) > {{.HashThreshold}} THEN
            new_val := encode(digest(new_val, 'sha256'), 'hex');
            hashed_cols := array_append(hashed_cols, col.attname);
        END IF;
        IF old_val IS NOT NULL AND length(old_val) > {{.HashThreshold}} THEN
            old_val := encode(digest(old_val, 'sha256'), 'hex');
            IF NOT (col.attname = ANY(hashed_cols)) THEN
                hashed_cols := array_append(hashed_cols, col.attname);
            END IF;
        END IF;

        IF TG_OP = 'DELETE' THEN
            row_obj := row_obj || jsonb_build_object(col.attname, jsonb_build_object(
                'value', old_val,
                'oid', CASE WHEN col.attname = ANY(hashed_cols) THEN text_oid ELSE col.atttypid END));
        ELSE
            row_obj := row_obj || jsonb_build_object(col.attname, jsonb_build_object(
                'value', new_val,
                'oid', CASE WHEN col.attname = ANY(hashed_cols) THEN text_oid ELSE col.atttypid END));
        END IF;

        IF TG_OP = 'UPDATE' AND new_val IS DISTINCT FROM old_val THEN
            old_obj := old_obj || jsonb_build_object(col.attname, jsonb_build_object(
                'value', old_val,
                'oid', CASE WHEN col.attname = ANY(hashed_cols) THEN text_oid ELSE col.atttypid END));
        END IF;
    END LOOP;

    envelope := jsonb_build_object(
        'table', {{.TableName}},
        'operation', TG_OP,
        'row', row_obj,
        'hashed', to_jsonb(hashed_cols));
    IF TG_OP = 'UPDATE' THEN
        envelope := envelope || jsonb_build_object('old_values', old_obj);
    END IF;

    WHILE length(envelope::text) > {{.SizeCeiling}} LOOP
        worst_col := NULL;
        worst_len := {{.DegradeThreshold}};
        FOR col IN SELECT * FROM jsonb_each(row_obj) LOOP
            IF NOT (col.key = ANY(hashed_cols))
               AND length(col.value->>'value') > worst_len THEN
                worst_col := col.key;
                worst_len := length(col.value->>'value');
            END IF;
        END LOOP;
        EXIT WHEN worst_col IS NULL;

        row_obj := jsonb_set(row_obj, ARRAY[worst_col, 'value'],
            to_jsonb(encode(digest(row_obj->worst_col->>'value', 'sha256'), 'hex')));
        row_obj := jsonb_set(row_obj, ARRAY[worst_col, 'oid'], to_jsonb(text_oid));
        IF old_obj ? worst_col THEN
            old_obj := jsonb_set(old_obj, ARRAY[worst_col, 'value'],
                to_jsonb(encode(digest(old_obj->worst_col->>'value', 'sha256'), 'hex')));
            old_obj := jsonb_set(old_obj, ARRAY[worst_col, 'oid'], to_jsonb(text_oid));
        END IF;
        hashed_cols := array_append(hashed_cols, worst_col);

        envelope := jsonb_build_object(
            'table', {{.TableName}},
            'operation', TG_OP,
            'row', row_obj,
            'hashed', to_jsonb(hashed_cols));
        IF TG_OP = 'UPDATE' THEN
            envelope := envelope || jsonb_build_object('old_values', old_obj);
        END IF;
    END LOOP;

    PERFORM pg_notify({{.ChannelLiteral}}, envelope::text);
    RETURN NULL;
EXCEPTION WHEN OTHERS THEN
    PERFORM pg_notify({{.ChannelLiteral}}, jsonb_build_object(
        'table', {{.TableName}},
        'operation', TG_OP,
        'error', SQLERRM)::text);
    RETURN NULL;
END;
$fn$;
`))

var triggerDDLTemplate = template.Must(template.New("trigger-ddl").Parse(`
DROP TRIGGER IF EXISTS {{.TriggerIdent}} ON {{.TableIdent}};
CREATE TRIGGER {{.TriggerIdent}}
AFTER INSERT OR UPDATE OR DELETE ON {{.TableIdent}}
FOR EACH ROW EXECUTE FUNCTION {{.FuncIdent}}();
`))

type triggerVars struct {
	FuncIdent        string // quoted identifier
	TriggerIdent     string // quoted identifier
	TableIdent       string // quoted, schema-qualified identifier
	TableLiteral     string // quoted string literal, e.g. 'public.orders'
	TableName        string // quoted string literal rendered the way changes report it
	ChannelLiteral   string
	HashThreshold    int
	SizeCeiling      int
	DegradeThreshold int
}

// renderTriggerFunction renders the per-table trigger function body.
func renderTriggerFunction(funcIdent, tableRegclassLiteral, renderedTableName string) (string, error) {
	vars := triggerVars{
		FuncIdent:        funcIdent,
		TableLiteral:     tableRegclassLiteral,
		TableName:        pq.QuoteLiteral(renderedTableName),
		ChannelLiteral:   pq.QuoteLiteral(Channel),
		HashThreshold:    perColumnHashThreshold,
		SizeCeiling:      envelopeSizeCeiling,
		DegradeThreshold: degradationEligibilityThreshold,
	}
	var buf bytes.Buffer
	if err := triggerFunctionTemplate.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render trigger function: %w", err)
	}
	return buf.String(), nil
}

// renderTriggerDDL renders the DROP+CREATE TRIGGER statement pair.
func renderTriggerDDL(triggerIdent, tableIdent, funcIdent string) (string, error) {
	vars := triggerVars{TriggerIdent: triggerIdent, TableIdent: tableIdent, FuncIdent: funcIdent}
	var buf bytes.Buffer
	if err := triggerDDLTemplate.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render trigger DDL: %w", err)
	}
	return buf.String(), nil
}
