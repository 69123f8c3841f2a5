// Package migrations embeds the SQL schema of the Postgres field value store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
