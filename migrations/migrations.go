// Package migrations embeds the schema so the server binary can migrate a
// database without any files next to it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
