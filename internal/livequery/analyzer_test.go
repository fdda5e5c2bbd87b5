package livequery

import "testing"

func TestSubstituteParamsWithNull(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "simple positional params",
			query: `SELECT * FROM users WHERE id = $1 AND name = $2`,
			want:  `SELECT * FROM users WHERE id = NULL AND name = NULL`,
		},
		{
			name:  "literal containing a dollar-digit is left untouched",
			query: `SELECT * FROM users WHERE note = '$1 off today'`,
			want:  `SELECT * FROM users WHERE note = '$1 off today'`,
		},
		{
			name:  "escaped quote inside a literal does not end it early",
			query: `SELECT * FROM users WHERE note = 'it''s $1' AND id = $2`,
			want:  `SELECT * FROM users WHERE note = 'it''s $1' AND id = NULL`,
		},
		{
			name:  "dollar-quoted string is left untouched",
			query: `SELECT * FROM f($1) WHERE body = $tag$contains $1 literally$tag$`,
			want:  `SELECT * FROM f(NULL) WHERE body = $tag$contains $1 literally$tag$`,
		},
		{
			name:  "quoted identifier is left untouched",
			query: `SELECT "$1weird" FROM users WHERE id = $1`,
			want:  `SELECT "$1weird" FROM users WHERE id = NULL`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := substituteParamsWithNull(tc.query)
			if got != tc.want {
				t.Fatalf("got  %q\nwant %q", got, tc.want)
			}
		})
	}
}

func TestValidateSelectRejectsNonSelect(t *testing.T) {
	if err := validateSelect(`DELETE FROM users WHERE id = 1`); err == nil {
		t.Fatal("expected DELETE to be rejected")
	}
}

func TestValidateSelectRejectsMultipleStatements(t *testing.T) {
	if err := validateSelect(`SELECT 1; SELECT 2`); err == nil {
		t.Fatal("expected multiple statements to be rejected")
	}
}

func TestValidateSelectAcceptsSelect(t *testing.T) {
	if err := validateSelect(`SELECT id, name FROM users WHERE id = $1`); err != nil {
		t.Fatalf("expected a plain SELECT to be accepted, got %v", err)
	}
}

func TestValidateSelectRejectsMalformedSQL(t *testing.T) {
	if err := validateSelect(`SELECT FROM WHERE`); err == nil {
		t.Fatal("expected malformed SQL to be rejected")
	}
}
