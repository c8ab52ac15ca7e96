// Package migrations embeds the schema files applied by `exportd migrate`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists migrations in apply order.
var Files = []string{
	"001_create_export_jobs.sql",
	"002_create_export_files.sql",
}
