// Package migrations embeds the Postgres schema applied to every tenant.
package migrations

import "embed"

// FS holds the NNN_*.sql files in version order.
//
//go:embed *.sql
var FS embed.FS
