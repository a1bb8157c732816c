// Package migrations embeds the queue schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
