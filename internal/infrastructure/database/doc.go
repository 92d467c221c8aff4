// Package database provides the SQLite connection behind the launcher's
// session history.
//
// This package manages:
//   - Database connection with WAL mode and a busy timeout
//   - Versioned schema migrations read from any fs.FS
//   - Connection lifecycle
//
// The history database is optional and local to the bundle. Its file is
// restricted to the owner since it records login accounts.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
