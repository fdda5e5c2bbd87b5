// Package migrations embeds the goose migrations used to stand up the
// fixture schema for integration tests (and optionally a fresh
// development database).
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
