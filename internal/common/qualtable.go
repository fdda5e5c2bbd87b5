// Package common holds small cross-cutting types shared by the analyzer,
// trigger installer, decoder and refresh engine.
package common

import "strings"

// PublicSchema is the canonical, usually-omitted schema name.
const PublicSchema = "public"

// QualifiedTable is a (schema, table) pair. public.x canonicalizes to x
// wherever it is externally rendered.
type QualifiedTable struct {
	Schema string
	Name   string
}

// NewQualifiedTable builds a QualifiedTable, defaulting an empty schema to public.
func NewQualifiedTable(schema, name string) QualifiedTable {
	if schema == "" {
		schema = PublicSchema
	}
	return QualifiedTable{Schema: schema, Name: name}
}

// ParseQualifiedTable parses "schema.name" or a bare "name" (defaulting to public).
func ParseQualifiedTable(s string) QualifiedTable {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return QualifiedTable{Schema: s[:i], Name: s[i+1:]}
	}
	return QualifiedTable{Schema: PublicSchema, Name: s}
}

// String renders "schema.name", or the bare name when schema is public.
func (t QualifiedTable) String() string {
	if t.Schema == "" || t.Schema == PublicSchema {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Key is the canonical map key for a QualifiedTable — always schema-qualified,
// so "public.x" and "x" never collide with a same-named table in another schema.
func (t QualifiedTable) Key() string {
	schema := t.Schema
	if schema == "" {
		schema = PublicSchema
	}
	return schema + "." + t.Name
}

// Ident is the safe-to-interpolate identifier used when naming the
// generated trigger function/trigger for this table (e.g. in
// "_pg_realtime_notify_<schema>_<name>").
func (t QualifiedTable) Ident() string {
	schema := t.Schema
	if schema == "" {
		schema = PublicSchema
	}
	return schema + "_" + t.Name
}
