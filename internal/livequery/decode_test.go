package livequery

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestDecodeInsert(t *testing.T) {
	d := newDecoder()
	payload := `{
		"table": "public.users",
		"operation": "INSERT",
		"row": {
			"id": {"value": "7", "oid": ` + oidText(pgtype.Int8OID) + `},
			"name": {"value": "Ada", "oid": ` + oidText(pgtype.TextOID) + `}
		},
		"hashed": []
	}`

	change, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if change.Operation != OpInsert {
		t.Fatalf("operation = %v, want INSERT", change.Operation)
	}
	if change.Table.String() != "users" {
		t.Fatalf("table = %v, want users", change.Table)
	}
	if change.Row["id"] != int64(7) {
		t.Fatalf("row.id = %#v, want int64(7)", change.Row["id"])
	}
	if change.Row["name"] != "Ada" {
		t.Fatalf("row.name = %#v, want Ada", change.Row["name"])
	}
	if old, new := change.Changes["id"][0], change.Changes["id"][1]; old != nil || new != int64(7) {
		t.Fatalf("changes.id = (%#v, %#v), want (nil, 7)", old, new)
	}
}

func TestDecodeUpdateOnlyDiffsChangedColumns(t *testing.T) {
	d := newDecoder()
	payload := `{
		"table": "public.users",
		"operation": "UPDATE",
		"row": {
			"id": {"value": "7", "oid": ` + oidText(pgtype.Int8OID) + `},
			"name": {"value": "Ada Updated", "oid": ` + oidText(pgtype.TextOID) + `}
		},
		"old_values": {
			"name": {"value": "Ada", "oid": ` + oidText(pgtype.TextOID) + `}
		},
		"hashed": []
	}`

	change, err := d.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := change.Changes["id"]; ok {
		t.Fatal("id did not change and should not appear in Changes")
	}
	pair, ok := change.Changes["name"]
	if !ok {
		t.Fatal("name changed and must appear in Changes")
	}
	if pair[0] != "Ada" || pair[1] != "Ada Updated" {
		t.Fatalf("changes.name = %v, want (Ada, Ada Updated)", pair)
	}
}

func TestDecodeTriggerRuntimeError(t *testing.T) {
	d := newDecoder()
	payload := `{"table": "public.users", "operation": "UPDATE", "error": "division by zero"}`

	_, err := d.Decode(payload)
	if err == nil {
		t.Fatal("expected a TriggerRuntimeError")
	}
	var rte *TriggerRuntimeError
	if !asTriggerRuntimeError(err, &rte) {
		t.Fatalf("expected *TriggerRuntimeError, got %T: %v", err, err)
	}
	if rte.Message != "division by zero" {
		t.Fatalf("message = %q, want %q", rte.Message, "division by zero")
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	d := newDecoder()
	if _, err := d.Decode("not json"); err == nil {
		t.Fatal("expected a DecodeError for malformed JSON")
	}
}

func asTriggerRuntimeError(err error, out **TriggerRuntimeError) bool {
	rte, ok := err.(*TriggerRuntimeError)
	if !ok {
		return false
	}
	*out = rte
	return true
}
