// Package database provides SQLite connectivity for the lifecycle history.
//
// This package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Ordered schema migrations read from an fs.FS
//   - A private in-memory mode (path ":memory:") for tests
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional .down.sql. Migrations are additive: new columns must be
// nullable or carry a default.
package database
