package livequery

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pgrealtime/pgrealtime/internal/common"
)

// cellEnvelope is a single {value, oid} pair as emitted by the trigger
// function. Value is always the Postgres text representation (or a hex
// SHA-256 digest when the trigger hashed it for size). The OID arrives as a
// JSON string, since jsonb renders Postgres' oid type as text.
type cellEnvelope struct {
	Value *string `json:"value"`
	OID   uint32  `json:"oid,string"`
}

// rawEnvelope is the JSON shape pg_notify delivers on Channel. Error is set
// instead of Row when the trigger's own exception handler fired.
type rawEnvelope struct {
	Table     string                  `json:"table"`
	Operation string                  `json:"operation"`
	Row       map[string]cellEnvelope `json:"row"`
	OldValues map[string]cellEnvelope `json:"old_values"`
	Hashed    []string                `json:"hashed"`
	Error     string                  `json:"error"`
}

// decoder turns raw NOTIFY payloads into Changes, using a shared pgtype.Map
// to decode each cell according to its reported OID rather than guessing
// from the text form.
type decoder struct {
	types *pgtype.Map
}

func newDecoder() *decoder {
	return &decoder{types: pgtype.NewMap()}
}

// Decode parses one payload. A TriggerRuntimeError is returned (not
// wrapped) when the trigger reported its own failure, so callers can
// distinguish it from a malformed envelope.
func (d *decoder) Decode(payload string) (Change, error) {
	var env rawEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Change{}, &DecodeError{Err: fmt.Errorf("unmarshal envelope: %w", err)}
	}

	if env.Error != "" {
		return Change{}, &TriggerRuntimeError{
			Table:     env.Table,
			Operation: env.Operation,
			Message:   env.Error,
		}
	}

	change := Change{
		Table:     common.ParseQualifiedTable(env.Table),
		Operation: Operation(env.Operation),
		Row:       make(map[string]any, len(env.Row)),
		Changes:   make(map[string][2]any),
		Hashed:    make(map[string]struct{}, len(env.Hashed)),
	}
	for _, c := range env.Hashed {
		change.Hashed[c] = struct{}{}
	}

	decoded := make(map[string]any, len(env.Row))
	for col, cell := range env.Row {
		v, err := d.decodeCell(cell)
		if err != nil {
			return Change{}, &DecodeError{Err: fmt.Errorf("column %s: %w", col, err)}
		}
		decoded[col] = v
	}
	change.Row = decoded

	if env.Operation == string(OpUpdate) {
		oldDecoded := make(map[string]any, len(env.OldValues))
		for col, cell := range env.OldValues {
			v, err := d.decodeCell(cell)
			if err != nil {
				return Change{}, &DecodeError{Err: fmt.Errorf("old column %s: %w", col, err)}
			}
			oldDecoded[col] = v
		}
		for col, newVal := range decoded {
			oldVal, had := oldDecoded[col]
			if !had {
				continue // unchanged: trigger only populates old_values for diffed columns
			}
			change.Changes[col] = [2]any{oldVal, newVal}
		}
	} else if env.Operation == string(OpInsert) {
		for col, newVal := range decoded {
			change.Changes[col] = [2]any{nil, newVal}
		}
	} else if env.Operation == string(OpDelete) {
		for col, oldVal := range decoded {
			change.Changes[col] = [2]any{oldVal, nil}
		}
	}

	return change, nil
}

func (d *decoder) decodeCell(cell cellEnvelope) (any, error) {
	if cell.Value == nil {
		return nil, nil
	}
	text := *cell.Value

	pgType, ok := d.types.TypeForOID(cell.OID)
	if !ok {
		return nil, fmt.Errorf("unknown oid %d", cell.OID)
	}

	codec := pgType.Codec
	if codec == nil {
		return text, nil
	}

	dst, err := codec.DecodeValue(d.types, cell.OID, pgtype.TextFormatCode, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("decode oid %d (%s) %q: %w", cell.OID, pgType.Name, text, err)
	}
	return dst, nil
}

// oidText is a tiny helper used by tests to render an OID as the quoted
// JSON string the trigger emits for a cell's "oid" field.
func oidText(oid uint32) string { return strconv.Quote(strconv.FormatUint(uint64(oid), 10)) }
