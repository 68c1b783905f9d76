// Package migrations embeds the goose SQL migrations. They are applied by
// `engram migrate` and by the store integration test harness.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
