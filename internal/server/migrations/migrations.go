// Package migrations embeds the profile service's Postgres schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
