// Package migrations embeds the SQL migration files into the binary so the
// daemon does not need them on the filesystem.
package migrations

import "embed"

// FS holds every migration at its root. Pass it to database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
