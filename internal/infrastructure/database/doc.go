// Package database provides the SQLite store behind the lightbus event journal.
//
// This package manages:
//   - The connection, with WAL mode so the status API can read while the
//     journal writer appends
//   - Schema migrations embedded in the binary (see the migrations package)
//   - WAL checkpoints after the journal prunes old rows
//
// All queries use parameterised statements and the database file is
// created with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Migrations are additive: new columns must
// be nullable or carry a default.
package database
